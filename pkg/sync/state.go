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

import (
	"fmt"
	"sync"
	"time"

	"approxsync/internal/sync/staleness"
)

// State owns one Buffer per key, the window matcher, the optional
// staleness detector, statistics, and the drop policy. It is the façade
// described in spec.md §4.4. Its public methods are safe for concurrent
// use: a single mu guards everything, including the preemptive detector's
// callback (spec.md §5 — the preemptive task and the main path share one
// lock, not two). An embedding driver that only ever calls from one
// goroutine pays for an uncontended mutex and nothing else.
type State[K comparable, T Timestamped] struct {
	mu sync.Mutex

	keys    []K
	buffers map[K]*Buffer[T]
	cfg     Config

	detector *staleness.Detector[K]
	stats    Stats[K]
	seq      uint64
	shutdown bool
}

// New validates keys and config and constructs an empty State. Keys must
// be non-empty and non-duplicate; config must satisfy the validation
// rules in spec.md §7 (ErrConfigInvalid otherwise).
func New[K comparable, T Timestamped](keys []K, cfg Config) (*State[K, T], error) {
	seen := make(map[K]struct{}, len(keys))
	dup := false
	strKeys := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			dup = true
		}
		seen[k] = struct{}{}
		strKeys = append(strKeys, fmt.Sprintf("%v", k))
	}
	if err := cfg.validate(strKeys, dup); err != nil {
		return nil, err
	}

	s := &State[K, T]{
		keys:    append([]K(nil), keys...),
		buffers: make(map[K]*Buffer[T], len(keys)),
		cfg:     cfg,
		stats:   newStats(keys),
	}
	for _, k := range keys {
		s.buffers[k] = NewBuffer[T](cfg.BufferSize)
	}

	if sc, ok := cfg.Staleness.Resolve(); ok {
		detCfg := staleness.Config{
			TTL:             sc.TTL,
			HeapMaxSize:     sc.HeapMaxSize,
			HeapTimeHorizon: sc.HeapTimeHorizon,
			PrecisionGap:    sc.PrecisionGap,
			TimerWheelSlots: sc.TimerWheelSlots,
			SlotDuration:    sc.SlotDuration,
			Preemptive:      sc.Preemptive,
		}
		s.detector = staleness.New[K](detCfg, staleness.RealClock{}, s.onExpire)
		if sc.Preemptive {
			s.detector.StartPreemptiveWithDrive(s.driveTick)
		}
	}
	return s, nil
}

// driveTick is the drive hook handed to StartPreemptiveWithDrive: it
// acquires the same lock Push/Poll/Feedback/Stats use before calling back
// into the detector, so onExpire always runs under s.mu regardless of
// which goroutine drove the tick (spec.md §5).
func (s *State[K, T]) driveTick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detector.Tick(now)
}

// onExpire is the detector's callback: remove the named item from its
// buffer, if it's still there (a match or a DropOldest eviction may have
// already removed it, in which case this is a no-op per spec.md §4.3).
// Always invoked with s.mu already held, either via Push's cooperative
// tick or via driveTick.
func (s *State[K, T]) onExpire(h staleness.Handle[K]) {
	buf, ok := s.buffers[h.Key]
	if !ok {
		return
	}
	if buf.DropBySeq(h.Seq) {
		s.stats.DroppedStale[h.Key]++
	}
}

// Push attempts to store msg for stream k, following spec.md §4.4's
// numbered sequence exactly.
func (s *State[K, T]) Push(k K, msg T) (PushResult, Feedback[K], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return RejectedShutdown, Feedback[K]{}, ErrDetectorShutdown
	}
	buf, ok := s.buffers[k]
	if !ok {
		return RejectedUnknownKey, Feedback[K]{}, fmt.Errorf("%w: %v", ErrUnknownKey, k)
	}

	ts := msg.Timestamp()
	if s.cfg.StartTime != nil && ts < *s.cfg.StartTime {
		s.stats.BeforeStart[k]++
		return RejectedBeforeStart, s.feedbackLocked(), ErrBeforeStart
	}

	if buf.IsFull() {
		switch s.cfg.DropPolicy {
		case RejectNew:
			s.stats.Rejected[k]++
			return RejectedBufferFull, s.feedbackLocked(), fmt.Errorf("%w: %v", ErrBufferFull, k)
		case DropOldest:
			if seq, ok := buf.DropOldestFront(); ok {
				s.stats.DroppedCapacity[k]++
				if s.detector != nil {
					s.detector.Cancel(staleness.Handle[K]{Key: k, Seq: seq})
				}
			}
		}
	}

	outcome, seq := buf.PushBack(msg)
	if outcome == pushOutOfOrder {
		s.stats.OutOfOrder[k]++
		return RejectedOutOfOrder, s.feedbackLocked(), fmt.Errorf("%w: %v", ErrOutOfOrder, k)
	}
	// pushFull cannot recur here: a full buffer was already handled above
	// (RejectNew returned already; DropOldest freed a slot).

	if s.detector != nil {
		s.detector.Register(staleness.Handle[K]{Key: k, Seq: seq})
	}
	s.tick(time.Now())

	s.stats.Received[k]++
	return Accepted, s.feedbackLocked(), nil
}

// tick drives the staleness detector's cooperative mode, piggybacked on
// every Push per spec.md §4.4 step 6. In preemptive mode this is still
// safe to call: Tick is idempotent and simply finds nothing new to do
// most of the time.
func (s *State[K, T]) tick(now time.Time) {
	if s.detector != nil {
		s.detector.Tick(now)
	}
}

// Poll calls tryMatch once, returning the emitted group or nil.
func (s *State[K, T]) Poll() *Group[K, T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.tryMatch()
	if g != nil {
		s.stats.GroupsEmitted++
		for _, k := range s.keys {
			s.stats.Emitted[k]++
		}
	}
	return g
}

// Drain repeats Poll until it returns nil, collecting every emitted group.
func (s *State[K, T]) Drain() []Group[K, T] {
	var out []Group[K, T]
	for {
		g := s.Poll()
		if g == nil {
			return out
		}
		out = append(out, *g)
	}
}

// tryMatch implements spec.md §4.2: emit a group when every buffer's
// front fits within one window, otherwise drop the laggards (every buffer
// whose front equals inf) and try again with the new fronts, reporting no
// match only once some buffer is empty. Every call either emits a group
// or strictly reduces total buffered messages, guaranteeing progress.
func (s *State[K, T]) tryMatch() *Group[K, T] {
	if len(s.keys) == 0 {
		return nil
	}
	fronts := make(map[K]T, len(s.keys))
	var inf, sup time.Duration
	first := true
	for _, k := range s.keys {
		msg, ok := s.buffers[k].Front()
		if !ok {
			return nil
		}
		fronts[k] = msg
		ts := msg.Timestamp()
		if first {
			inf, sup = ts, ts
			first = false
			continue
		}
		if ts < inf {
			inf = ts
		}
		if ts > sup {
			sup = ts
		}
	}

	infinite := s.cfg.WindowSize == nil
	if infinite || sup-inf <= *s.cfg.WindowSize {
		// Matched messages are simply popped; if a staleness expiry for
		// one of them is already in flight, onExpire's DropBySeq will
		// find nothing and no-op, per spec.md §4.3.
		messages := make(map[K]T, len(s.keys))
		for _, k := range s.keys {
			msg, _ := s.buffers[k].PopFront()
			messages[k] = msg
		}
		return &Group[K, T]{
			TS:       inf,
			Keys:     append([]K(nil), s.keys...),
			Messages: messages,
		}
	}

	// Laggard drop: pop the front of every stream whose front equals inf.
	for _, k := range s.keys {
		if fronts[k].Timestamp() == inf {
			s.buffers[k].PopFront()
			s.stats.DroppedWindow[k]++
		}
	}
	return s.tryMatch()
}

// Feedback returns a snapshot of occupancy and backpressure flags, with a
// fresh sequence number (spec.md §5, strictly ordered by seq).
func (s *State[K, T]) Feedback() Feedback[K] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedbackLocked()
}

func (s *State[K, T]) feedbackLocked() Feedback[K] {
	s.seq++
	occ := make(map[K]Occupancy, len(s.keys))
	bp := make(map[K]bool, len(s.keys))
	for _, k := range s.keys {
		buf := s.buffers[k]
		occ[k] = Occupancy{Len: buf.Len(), Cap: buf.Capacity()}
		bp[k] = buf.Capacity() != UnboundedBufferSize &&
			float64(buf.Len())/float64(buf.Capacity()) >= backpressureRatio
	}
	return Feedback[K]{Seq: s.seq, Occupancy: occ, Backpressure: bp}
}

// Stats returns a snapshot of the conservation-law counters.
func (s *State[K, T]) Stats() Stats[K] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.Clone()
}

// Shutdown stops the staleness detector (if any) and marks State closed.
// Idempotent. The detector's join is blocking, so it runs with s.mu
// released — holding it there would deadlock against a driveTick call
// already in flight.
func (s *State[K, T]) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	det := s.detector
	s.mu.Unlock()

	if det != nil {
		det.Shutdown()
	}
}

// Keys returns the fixed key order State was constructed with.
func (s *State[K, T]) Keys() []K { return append([]K(nil), s.keys...) }
