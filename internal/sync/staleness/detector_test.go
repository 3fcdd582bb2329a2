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

package staleness

import (
	"sync"
	"testing"
	"time"
)

func highFrequencyConfig() Config {
	return Config{
		TTL:             100 * time.Millisecond,
		HeapMaxSize:     256,
		HeapTimeHorizon: 100 * time.Millisecond,
		PrecisionGap:    100 * time.Microsecond,
		TimerWheelSlots: 128,
		SlotDuration:    100 * time.Millisecond / 128,
	}
}

func TestDetector_CooperativeExpiry(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	var mu sync.Mutex
	var expired []Handle[string]
	d := New(highFrequencyConfig(), clock, func(h Handle[string]) {
		mu.Lock()
		expired = append(expired, h)
		mu.Unlock()
	})

	d.Register(Handle[string]{Key: "A", Seq: 0})
	d.Tick(clock.Now())
	if len(expired) != 0 {
		t.Fatalf("expired too early: %v", expired)
	}

	clock.Advance(150 * time.Millisecond)
	d.Tick(clock.Now())

	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 || expired[0].Key != "A" {
		t.Fatalf("expired = %v, want [{A 0}]", expired)
	}
}

func TestDetector_CancelPreventsExpiry(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	var expired []Handle[string]
	d := New(highFrequencyConfig(), clock, func(h Handle[string]) {
		expired = append(expired, h)
	})
	h := Handle[string]{Key: "A", Seq: 0}
	d.Register(h)
	d.Cancel(h)
	clock.Advance(200 * time.Millisecond)
	d.Tick(clock.Now())
	if len(expired) != 0 {
		t.Fatalf("cancelled handle expired: %v", expired)
	}
}

// TestDetector_Scenario5_Preemptive exercises spec.md §8 scenario 5: push
// A@0 under the high-frequency preset (preemptive), wait longer than the
// TTL without touching B, and expect A to expire on its own.
func TestDetector_Scenario5_Preemptive(t *testing.T) {
	cfg := highFrequencyConfig()
	cfg.Preemptive = true

	var mu sync.Mutex
	var expired []Handle[string]
	d := New(cfg, RealClock{}, func(h Handle[string]) {
		mu.Lock()
		expired = append(expired, h)
		mu.Unlock()
	})
	d.StartPreemptive()
	defer d.Shutdown()

	d.Register(Handle[string]{Key: "A", Seq: 0})

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(expired)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 || expired[0].Key != "A" {
		t.Fatalf("expired = %v, want exactly one expiry for A", expired)
	}
}

func TestDetector_PrecisionGapCoalesces(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	cfg := highFrequencyConfig()
	d := New(cfg, clock, func(Handle[string]) {})
	d.Register(Handle[string]{Key: "A", Seq: 0})
	d.Register(Handle[string]{Key: "B", Seq: 0}) // registered at the same instant: within precision gap
	heapLen, _ := d.Len()
	if heapLen != 1 {
		t.Fatalf("heapLen = %d, want 1 (coalesced)", heapLen)
	}
}

func TestDetector_HorizonCapDelegatesToWheel(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	cfg := highFrequencyConfig()
	cfg.TTL = 5 * time.Second // far beyond the 100ms horizon
	d := New(cfg, clock, func(Handle[string]) {})
	d.Register(Handle[string]{Key: "A", Seq: 0})
	heapLen, wheelLen := d.Len()
	if heapLen != 0 || wheelLen != 1 {
		t.Fatalf("heapLen=%d wheelLen=%d, want 0,1", heapLen, wheelLen)
	}
}

func TestDetector_SizeCapDelegatesToWheel(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	cfg := highFrequencyConfig()
	cfg.HeapMaxSize = 2
	cfg.PrecisionGap = 0 // disable coalescing so each registration is a distinct node
	d := New(cfg, clock, func(Handle[string]) {})
	d.Register(Handle[string]{Key: "A", Seq: 0})
	clock.Advance(time.Millisecond)
	d.Register(Handle[string]{Key: "A", Seq: 1})
	clock.Advance(time.Millisecond)
	d.Register(Handle[string]{Key: "A", Seq: 2})
	heapLen, wheelLen := d.Len()
	if heapLen != 2 || wheelLen != 1 {
		t.Fatalf("heapLen=%d wheelLen=%d, want 2,1", heapLen, wheelLen)
	}
}
