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

// Occupancy reports one stream's buffer fill level at the moment Feedback
// was produced.
type Occupancy struct {
	Len int
	Cap int // 0 means unbounded
}

// backpressureRatio is the occupancy fraction (0..1) at or above which a
// stream is flagged under backpressure. Unbounded buffers never flag.
const backpressureRatio = 0.75

// Feedback is emitted after each push attempt: a snapshot of per-stream
// occupancy, which streams are under backpressure, and a strictly
// increasing sequence number (spec.md §3, §5 ordering guarantee).
type Feedback[K comparable] struct {
	Seq          uint64
	Occupancy    map[K]Occupancy
	Backpressure map[K]bool
}

// Stats accumulates the conservation-law counters from spec.md §8
// property 6. Received counts accepted messages only, so every Push on a
// known key before Shutdown lands in exactly one of Received, Rejected,
// OutOfOrder or BeforeStart; once every buffer is empty, Received[k] =
// Emitted[k] + DroppedCapacity[k] + DroppedStale[k] + DroppedWindow[k].
type Stats[K comparable] struct {
	Received        map[K]uint64
	Emitted         map[K]uint64
	DroppedCapacity map[K]uint64
	DroppedStale    map[K]uint64
	DroppedWindow   map[K]uint64 // laggard-drop, counted separately from capacity/staleness
	Rejected        map[K]uint64
	OutOfOrder      map[K]uint64
	BeforeStart     map[K]uint64
	GroupsEmitted   uint64
}

func newStats[K comparable](keys []K) Stats[K] {
	s := Stats[K]{
		Received:        make(map[K]uint64, len(keys)),
		Emitted:         make(map[K]uint64, len(keys)),
		DroppedCapacity: make(map[K]uint64, len(keys)),
		DroppedStale:    make(map[K]uint64, len(keys)),
		DroppedWindow:   make(map[K]uint64, len(keys)),
		Rejected:        make(map[K]uint64, len(keys)),
		OutOfOrder:      make(map[K]uint64, len(keys)),
		BeforeStart:     make(map[K]uint64, len(keys)),
	}
	for _, k := range keys {
		s.Received[k] = 0
		s.Emitted[k] = 0
		s.DroppedCapacity[k] = 0
		s.DroppedStale[k] = 0
		s.DroppedWindow[k] = 0
		s.Rejected[k] = 0
		s.OutOfOrder[k] = 0
		s.BeforeStart[k] = 0
	}
	return s
}

// Clone returns a deep-enough copy of Stats safe to hand to a caller
// without aliasing State's internal maps.
func (s Stats[K]) Clone() Stats[K] {
	out := Stats[K]{
		Received:        make(map[K]uint64, len(s.Received)),
		Emitted:         make(map[K]uint64, len(s.Emitted)),
		DroppedCapacity: make(map[K]uint64, len(s.DroppedCapacity)),
		DroppedStale:    make(map[K]uint64, len(s.DroppedStale)),
		DroppedWindow:   make(map[K]uint64, len(s.DroppedWindow)),
		Rejected:        make(map[K]uint64, len(s.Rejected)),
		OutOfOrder:      make(map[K]uint64, len(s.OutOfOrder)),
		BeforeStart:     make(map[K]uint64, len(s.BeforeStart)),
		GroupsEmitted:   s.GroupsEmitted,
	}
	for k, v := range s.Received {
		out.Received[k] = v
	}
	for k, v := range s.Emitted {
		out.Emitted[k] = v
	}
	for k, v := range s.DroppedCapacity {
		out.DroppedCapacity[k] = v
	}
	for k, v := range s.DroppedStale {
		out.DroppedStale[k] = v
	}
	for k, v := range s.DroppedWindow {
		out.DroppedWindow[k] = v
	}
	for k, v := range s.Rejected {
		out.Rejected[k] = v
	}
	for k, v := range s.OutOfOrder {
		out.OutOfOrder[k] = v
	}
	for k, v := range s.BeforeStart {
		out.BeforeStart[k] = v
	}
	return out
}
