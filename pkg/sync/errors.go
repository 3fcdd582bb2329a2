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

package sync

import "errors"

// Sentinel errors returned (wrapped with %w where per-key context helps) by
// Push and New. Callers should use errors.Is against these, not string
// matching.
var (
	// ErrUnknownKey is returned by Push when called with a key the State
	// was not constructed with.
	ErrUnknownKey = errors.New("sync: unknown stream key")

	// ErrBufferFull is returned by Push under the RejectNew drop policy
	// when the target buffer is at capacity.
	ErrBufferFull = errors.New("sync: buffer full")

	// ErrOutOfOrder is returned by Push when the message's timestamp is
	// older than the last accepted timestamp for its stream.
	ErrOutOfOrder = errors.New("sync: message out of order")

	// ErrBeforeStart is returned by Push when the message predates the
	// configured start time. It is always accompanied by a counted,
	// silent drop (see spec: rejection is non-fatal and the caller may
	// choose to ignore it).
	ErrBeforeStart = errors.New("sync: message before start time")

	// ErrConfigInvalid is returned by New when the configuration is
	// malformed: empty or duplicate keys, non-positive buffer size
	// without the unbounded sentinel, or negative times.
	ErrConfigInvalid = errors.New("sync: invalid configuration")

	// ErrDetectorShutdown is returned by Push once Shutdown has been
	// called; State is no longer usable after that.
	ErrDetectorShutdown = errors.New("sync: state has been shut down")
)
