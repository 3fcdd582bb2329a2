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
	"errors"
	"testing"
	"time"
)

func dur(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// Scenario 1 — basic 2-stream match (spec.md §8).
func TestState_Scenario1_BasicMatch(t *testing.T) {
	w := dur(50)
	cfg := Config{WindowSize: &w, BufferSize: 64, DropPolicy: RejectNew}
	s, err := New[string, msg]([]string{"A", "B"}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	push := func(k string, ts time.Duration) {
		if _, _, err := s.Push(k, msg(ts)); err != nil {
			t.Fatalf("push(%s,%v): %v", k, ts, err)
		}
	}
	push("A", dur(1000))
	push("B", dur(1010))
	push("A", dur(2000))
	push("B", dur(2005))

	groups := s.Drain()
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if groups[0].TS != dur(1000) || groups[0].Messages["A"].Timestamp() != dur(1000) || groups[0].Messages["B"].Timestamp() != dur(1010) {
		t.Fatalf("group0 = %+v", groups[0])
	}
	if groups[1].TS != dur(2000) || groups[1].Messages["A"].Timestamp() != dur(2000) || groups[1].Messages["B"].Timestamp() != dur(2005) {
		t.Fatalf("group1 = %+v", groups[1])
	}
}

// Scenario 2 — laggard drop (spec.md §8).
func TestState_Scenario2_LaggardDrop(t *testing.T) {
	w := dur(10)
	cfg := Config{WindowSize: &w, BufferSize: 64, DropPolicy: RejectNew}
	s, err := New[string, msg]([]string{"A", "B"}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Push("A", msg(dur(1000)))
	s.Push("A", msg(dur(1100)))
	s.Push("B", msg(dur(1105)))

	groups := s.Drain()
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}
	g := groups[0]
	if g.Messages["A"].Timestamp() != dur(1100) || g.Messages["B"].Timestamp() != dur(1105) {
		t.Fatalf("group = %+v, want A:1100 B:1105", g)
	}

	stats := s.Stats()
	if stats.Received["A"] != 2 || stats.Received["B"] != 1 {
		t.Fatalf("received = %+v", stats.Received)
	}
	if stats.GroupsEmitted != 1 {
		t.Fatalf("groupsEmitted = %d, want 1", stats.GroupsEmitted)
	}
	if stats.DroppedWindow["A"] != 1 {
		t.Fatalf("droppedWindow[A] = %d, want 1", stats.DroppedWindow["A"])
	}
}

// Scenario 3 — RejectNew overflow (spec.md §8).
func TestState_Scenario3_RejectNewOverflow(t *testing.T) {
	cfg := Config{BufferSize: 2, DropPolicy: RejectNew}
	s, err := New[string, msg]([]string{"A"}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Push("A", msg(1))
	s.Push("A", msg(2))
	result, _, err := s.Push("A", msg(3))
	if result != RejectedBufferFull || !errors.Is(err, ErrBufferFull) {
		t.Fatalf("third push = %v,%v, want RejectedBufferFull/ErrBufferFull", result, err)
	}
	stats := s.Stats()
	if stats.Received["A"] != 2 || stats.Rejected["A"] != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

// Scenario 4 — DropOldest overflow (spec.md §8).
func TestState_Scenario4_DropOldestOverflow(t *testing.T) {
	cfg := Config{BufferSize: 2, DropPolicy: DropOldest}
	s, err := New[string, msg]([]string{"A"}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, ts := range []time.Duration{1, 2, 3} {
		if result, _, err := s.Push("A", msg(ts)); result != Accepted || err != nil {
			t.Fatalf("push(%v) = %v,%v, want Accepted", ts, result, err)
		}
	}
	stats := s.Stats()
	if stats.Received["A"] != 3 || stats.DroppedCapacity["A"] != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

// Scenario 6 — infinite window drain on close (spec.md §8).
func TestState_Scenario6_InfiniteWindow(t *testing.T) {
	cfg := Config{BufferSize: 64, DropPolicy: RejectNew}
	s, err := New[string, msg]([]string{"A", "B"}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Push("A", msg(0))
	s.Push("B", msg(999_999))
	groups := s.Drain()
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}
	if groups[0].TS != 0 {
		t.Fatalf("ts = %v, want 0", groups[0].TS)
	}
}

func TestState_InfiniteWindow_OneEmptyStreamNeverEmits(t *testing.T) {
	cfg := Config{BufferSize: 64, DropPolicy: RejectNew}
	s, err := New[string, msg]([]string{"A", "B"}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Push("A", msg(0))
	s.Push("A", msg(1))
	if g := s.Poll(); g != nil {
		t.Fatalf("expected no group while B is empty, got %+v", g)
	}
}

func TestState_UnknownKey(t *testing.T) {
	cfg := DefaultConfig()
	s, err := New[string, msg]([]string{"A"}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, _, err := s.Push("B", msg(0))
	if result != RejectedUnknownKey || !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("push unknown key = %v,%v", result, err)
	}
}

func TestState_BeforeStart(t *testing.T) {
	start := dur(100)
	cfg := Config{BufferSize: 64, DropPolicy: RejectNew, StartTime: &start}
	s, err := New[string, msg]([]string{"A"}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, _, err := s.Push("A", msg(dur(50)))
	if result != RejectedBeforeStart || !errors.Is(err, ErrBeforeStart) {
		t.Fatalf("push before start = %v,%v", result, err)
	}
	if s.Stats().BeforeStart["A"] != 1 {
		t.Fatalf("beforeStart counter not incremented")
	}
}

func TestState_ConfigInvalid(t *testing.T) {
	cases := []struct {
		name string
		keys []string
		cfg  Config
	}{
		{"empty keys", nil, DefaultConfig()},
		{"duplicate keys", []string{"A", "A"}, DefaultConfig()},
		{"negative buffer size", []string{"A"}, Config{BufferSize: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New[string, msg](tc.keys, tc.cfg); !errors.Is(err, ErrConfigInvalid) {
				t.Fatalf("err = %v, want ErrConfigInvalid", err)
			}
		})
	}
}

func TestState_WindowBoundary(t *testing.T) {
	w := dur(10)
	cfg := Config{WindowSize: &w, BufferSize: 64, DropPolicy: RejectNew}

	t.Run("exact window matches", func(t *testing.T) {
		s, _ := New[string, msg]([]string{"A", "B"}, cfg)
		s.Push("A", msg(dur(0)))
		s.Push("B", msg(dur(10)))
		if g := s.Poll(); g == nil {
			t.Fatalf("expected match at exactly window_size span")
		}
	})

	t.Run("one ns over does not match", func(t *testing.T) {
		s, _ := New[string, msg]([]string{"A", "B"}, cfg)
		s.Push("A", msg(dur(0)))
		s.Push("B", msg(dur(10) + 1))
		if g := s.Poll(); g != nil {
			t.Fatalf("expected no match one ns over window, got %+v", g)
		}
	})
}

func TestState_ZeroWindowRequiresIdenticalTimestamps(t *testing.T) {
	zero := time.Duration(0)
	cfg := Config{WindowSize: &zero, BufferSize: 64, DropPolicy: RejectNew}
	s, _ := New[string, msg]([]string{"A", "B"}, cfg)
	s.Push("A", msg(100))
	s.Push("B", msg(100))
	if g := s.Poll(); g == nil {
		t.Fatalf("expected match for identical timestamps under zero window")
	}

	s2, _ := New[string, msg]([]string{"A", "B"}, cfg)
	s2.Push("A", msg(100))
	s2.Push("B", msg(101))
	// One ns apart must fail to match and must laggard-drop A (the older
	// front), not B.
	if g := s2.Poll(); g != nil {
		t.Fatalf("expected no match for 1ns apart under zero window, got %+v", g)
	}
	if s2.Stats().DroppedWindow["A"] != 1 {
		t.Fatalf("expected laggard drop on A")
	}
}

func TestState_SingleStreamMatchesEveryMessage(t *testing.T) {
	cfg := DefaultConfig()
	s, _ := New[string, msg]([]string{"A"}, cfg)
	for _, ts := range []time.Duration{1, 2, 3} {
		s.Push("A", msg(ts))
	}
	groups := s.Drain()
	if len(groups) != 3 {
		t.Fatalf("groups = %d, want 3", len(groups))
	}
}

func TestState_IdempotentPoll(t *testing.T) {
	cfg := DefaultConfig()
	s, _ := New[string, msg]([]string{"A", "B"}, cfg)
	s.Push("A", msg(0))
	if g := s.Poll(); g != nil {
		t.Fatalf("expected no match with B empty")
	}
	if g := s.Poll(); g != nil {
		t.Fatalf("repeated poll with unchanged buffers must still return nil")
	}
}

func TestState_DrainEqualsRepeatedPoll(t *testing.T) {
	cfg := DefaultConfig()
	a, _ := New[string, msg]([]string{"A", "B"}, cfg)
	b, _ := New[string, msg]([]string{"A", "B"}, cfg)
	for _, s := range []*State[string, msg]{a, b} {
		s.Push("A", msg(0))
		s.Push("B", msg(1))
		s.Push("A", msg(dur(60)))
		s.Push("B", msg(dur(61)))
	}

	var viaPoll []Group[string, msg]
	for {
		g := a.Poll()
		if g == nil {
			break
		}
		viaPoll = append(viaPoll, *g)
	}
	viaDrain := b.Drain()

	if len(viaPoll) != len(viaDrain) {
		t.Fatalf("len mismatch: poll=%d drain=%d", len(viaPoll), len(viaDrain))
	}
	for i := range viaPoll {
		if viaPoll[i].TS != viaDrain[i].TS {
			t.Fatalf("group %d ts mismatch: %v vs %v", i, viaPoll[i].TS, viaDrain[i].TS)
		}
	}
}

// TestState_ConservationProperty exercises spec.md §8 property 6. Every
// Push call falls into exactly one of {Received (accepted), Rejected,
// OutOfOrder, BeforeStart} (an always-true partition of attempts), and
// every accepted message eventually leaves its buffer via exactly one of
// {emitted, dropped_capacity, dropped_stale, dropped_window} once nothing
// remains queued — checked here after a full Drain.
func TestState_ConservationProperty(t *testing.T) {
	cfg := Config{BufferSize: 2, DropPolicy: DropOldest}
	s, _ := New[string, msg]([]string{"A"}, cfg)
	s.Push("A", msg(1))
	s.Push("A", msg(2))
	s.Push("A", msg(3))
	s.Push("A", msg(0)) // out of order relative to last accepted (3); never stored
	s.Drain()

	stats := s.Stats()
	totalAttempts := stats.Received["A"] + stats.Rejected["A"] + stats.OutOfOrder["A"] + stats.BeforeStart["A"]
	if totalAttempts != 4 {
		t.Fatalf("total attempts = %d, want 4 (%+v)", totalAttempts, stats)
	}
	disposed := stats.Emitted["A"] + stats.DroppedCapacity["A"] + stats.DroppedStale["A"] + stats.DroppedWindow["A"]
	if disposed != stats.Received["A"] {
		t.Fatalf("conservation violated: received=%d disposed=%d (%+v)", stats.Received["A"], disposed, stats)
	}
}

func TestState_ShutdownIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	s, _ := New[string, msg]([]string{"A"}, cfg)
	s.Shutdown()
	s.Shutdown()
	if _, _, err := s.Push("A", msg(0)); !errors.Is(err, ErrDetectorShutdown) {
		t.Fatalf("push after shutdown = %v, want ErrDetectorShutdown", err)
	}
}

// Scenario 5 — staleness preemption, exercised at the State level (spec.md
// §8). Push A@0 under the high-frequency preset (preemptive), wait past
// the TTL without touching B, and expect the background detector goroutine
// to drop A through State.onExpire: buffer[A] emptied, dropped_stale[A]=1,
// no group ever emitted. This is the State-level counterpart to
// TestDetector_Scenario5_Preemptive, which only exercises the detector
// against a test-local callback; this test is the one that would have
// caught State.Push and the preemptive goroutine racing on the same
// buffers/stats with no shared lock.
func TestState_Scenario5_PreemptiveStaleness(t *testing.T) {
	w := dur(50)
	cfg := Config{
		WindowSize: &w,
		BufferSize: 64,
		DropPolicy: RejectNew,
		Staleness:  Staleness{Preset: StalenessHighFrequency},
	}
	s, err := New[string, msg]([]string{"A", "B"}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Shutdown()

	if _, _, err := s.Push("A", msg(0)); err != nil {
		t.Fatalf("push A: %v", err)
	}

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		if s.Stats().DroppedStale["A"] == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	stats := s.Stats()
	if stats.DroppedStale["A"] != 1 {
		t.Fatalf("droppedStale[A] = %d, want 1", stats.DroppedStale["A"])
	}
	if g := s.Poll(); g != nil {
		t.Fatalf("expected no group after A expired, got %+v", g)
	}
}
