// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sync provides an in-memory, transport-agnostic engine that
// correlates timestamped messages arriving on several independent streams
// into synchronized groups containing exactly one message per stream.
//
// The engine never inspects payload contents: T only needs to expose a
// timestamp. Keys identifying streams only need to be comparable.
package sync

import "time"

// Timestamped is the only capability the engine requires from a payload.
// Timestamps are relative to an implicit epoch, non-negative, and monotonic
// within a single stream.
type Timestamped interface {
	Timestamp() time.Duration
}

// Group is an ordered mapping from each stream key to exactly one message,
// all of whose timestamps lie within a window of length <= WindowSize. Keys
// appear in the order supplied to New.
type Group[K comparable, T Timestamped] struct {
	// TS is the group's representative timestamp: the minimum timestamp
	// across all messages in the group.
	TS       time.Duration
	Keys     []K
	Messages map[K]T
}

// PushResult is the outcome of a single Push call.
type PushResult int

const (
	// Accepted means the message was stored (or, under DropOldest, stored
	// after evicting the front of a full buffer).
	Accepted PushResult = iota
	// RejectedBufferFull means the buffer was full and the drop policy is
	// RejectNew.
	RejectedBufferFull
	// RejectedUnknownKey means the key is not one of the keys State was
	// constructed with.
	RejectedUnknownKey
	// RejectedOutOfOrder means the message's timestamp is older than the
	// last accepted timestamp for its key; it was not stored.
	RejectedOutOfOrder
	// RejectedBeforeStart means the message's timestamp precedes the
	// configured start time; it was silently dropped (but still counted).
	RejectedBeforeStart
	// RejectedShutdown means Push was called after Shutdown.
	RejectedShutdown
)

func (r PushResult) String() string {
	switch r {
	case Accepted:
		return "Accepted"
	case RejectedBufferFull:
		return "BufferFull"
	case RejectedUnknownKey:
		return "UnknownKey"
	case RejectedOutOfOrder:
		return "OutOfOrder"
	case RejectedBeforeStart:
		return "BeforeStart"
	case RejectedShutdown:
		return "DetectorShutdown"
	default:
		return "Unknown"
	}
}
