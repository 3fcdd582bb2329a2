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
	"time"
)

// Config mirrors sync.StalenessConfig without importing the parent
// package (which imports staleness), avoiding an import cycle.
type Config struct {
	TTL             time.Duration
	HeapMaxSize     int
	HeapTimeHorizon time.Duration
	PrecisionGap    time.Duration
	TimerWheelSlots int
	SlotDuration    time.Duration
	Preemptive      bool
}

// ExpireFunc is invoked when a registered handle's TTL elapses. It assumes
// the caller already holds whatever lock the host uses to serialize its main
// path (spec.md §5); the detector itself never calls it without that lock
// held. In cooperative mode the host calls Tick itself, already under its
// own lock. In preemptive mode the background goroutine never calls Tick
// directly — it calls the host-supplied drive hook (see
// StartPreemptiveWithDrive), which is expected to acquire the host's lock
// before calling back into Tick, so ExpireFunc observes the identical
// locking discipline either way.
type ExpireFunc[K comparable] func(handle Handle[K])

// command is a message sent to the background goroutine in preemptive
// mode.
type command int

const (
	cmdReschedule command = iota
	cmdShutdown
)

// Detector is the two-tier hybrid staleness subsystem: a constrained
// min-heap (tier 1) backed by a ring timer wheel (tier 2). It has no
// knowledge of Buffer or State; it only schedules (key, seq) handles and
// calls back when they expire.
type Detector[K comparable] struct {
	cfg    Config
	clock  Clock
	expire ExpireFunc[K]

	mu        sync.Mutex
	heap      *constrainedHeap[K]
	wheel     *timerWheel[K]
	cancelled map[Handle[K]]struct{}

	// preemptive-mode fields
	cmdCh    chan command
	doneCh   chan struct{}
	stopOnce sync.Once
	running  bool
	drive    func(now time.Time)
}

// New constructs a Detector. If cfg.Preemptive is true, call
// StartPreemptiveWithDrive (or StartPreemptive, for a host with nothing to
// lock) to launch its background goroutine; otherwise the host must call
// Tick itself (typically piggybacked on every Push, per spec.md §4.3
// "cooperative" mode).
func New[K comparable](cfg Config, clock Clock, expire ExpireFunc[K]) *Detector[K] {
	if clock == nil {
		clock = RealClock{}
	}
	return &Detector[K]{
		cfg:       cfg,
		clock:     clock,
		expire:    expire,
		heap:      newConstrainedHeap[K](cfg.HeapMaxSize, cfg.HeapTimeHorizon, cfg.PrecisionGap),
		wheel:     newTimerWheel[K](cfg.TimerWheelSlots, cfg.SlotDuration),
		cancelled: make(map[Handle[K]]struct{}),
	}
}

// Register schedules handle to expire TTL from now. Called by the host on
// every accepted Push.
func (d *Detector[K]) Register(handle Handle[K]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	expiresAt := now.Add(d.cfg.TTL)
	if !d.heap.tryInsert(now, handle, expiresAt) {
		d.wheel.insert(now, handle, expiresAt)
	}
	d.rescheduleLocked()
}

// Cancel invalidates a previously registered handle so its later expiry
// is a no-op rather than a spurious drop. State calls it when DropOldest
// overflow evicts a message (spec.md §4.3, SPEC_FULL.md open question #2);
// matched or laggard-dropped messages are not cancelled, and their expiry
// reaches ExpireFunc, which finds nothing left to remove.
func (d *Detector[K]) Cancel(handle Handle[K]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled[handle] = struct{}{}
}

// Tick cooperatively drives both tiers up to now: wheel rotation promotes
// or directly expires due entries, then the heap is drained of anything
// whose expiry has passed. Safe to call redundantly; it is a no-op when
// nothing is due.
func (d *Detector[K]) Tick(now time.Time) {
	d.mu.Lock()
	d.tickLocked(now)
	d.mu.Unlock()
}

func (d *Detector[K]) tickLocked(now time.Time) {
	promote, overdue := d.wheel.advance(now, d.cfg.HeapTimeHorizon)
	for _, e := range promote {
		d.heap.insertDirect(e.handle, e.expiresAt)
	}
	due := d.heap.drainDue(now)
	due = append(due, handlesOf(overdue)...)
	for _, h := range due {
		if _, skip := d.cancelled[h]; skip {
			delete(d.cancelled, h)
			continue
		}
		d.expire(h)
	}
}

func handlesOf[K comparable](entries []wheelEntry[K]) []Handle[K] {
	out := make([]Handle[K], len(entries))
	for i, e := range entries {
		out[i] = e.handle
	}
	return out
}

// Len reports the number of heap nodes (registrations coalesced by the
// precision gap share one node) and the number of wheel entries, overflow
// list included, for metrics/observability. Cancelled registrations are
// counted until the tick that reaches them.
func (d *Detector[K]) Len() (heapLen, wheelLen int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.heap.len(), d.wheel.len()
}

// StartPreemptive launches the background goroutine described in
// spec.md §4.3, ticking itself with no host lock held beyond the
// detector's own. Safe only when ExpireFunc needs no external
// synchronization (e.g. standalone detector tests). A host that mutates
// its own state from ExpireFunc — as State does — must use
// StartPreemptiveWithDrive instead, so the host's lock is held for the
// whole tick, not just the detector's internal bookkeeping.
func (d *Detector[K]) StartPreemptive() {
	d.StartPreemptiveWithDrive(nil)
}

// StartPreemptiveWithDrive launches the background goroutine described in
// spec.md §4.3: it sleeps until the next due expiration, wakes, drains, and
// reschedules, accepting RescheduleCheck/Shutdown commands. Opt-in; calling
// it twice is a no-op.
//
// If drive is non-nil, each wakeup calls drive(now) instead of ticking the
// detector directly; drive is expected to acquire whatever lock the host
// uses for its main path and then call Tick(now) itself, so ExpireFunc
// always runs under that lock regardless of whether it fired from a
// cooperative Push or from this background goroutine (spec.md §5). If drive
// is nil, the detector ticks itself, holding only its own internal lock.
func (d *Detector[K]) StartPreemptiveWithDrive(drive func(now time.Time)) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.drive = drive
	d.cmdCh = make(chan command, 1)
	d.doneCh = make(chan struct{})
	d.mu.Unlock()

	go d.run()
}

func (d *Detector[K]) run() {
	defer close(d.doneCh)
	timer := time.NewTimer(d.nextWait())
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			if d.drive != nil {
				d.drive(d.clock.Now())
			} else {
				d.mu.Lock()
				d.tickLocked(d.clock.Now())
				d.mu.Unlock()
			}
			resetTimer(timer, d.nextWait())
		case cmd, ok := <-d.cmdCh:
			if !ok {
				return
			}
			switch cmd {
			case cmdShutdown:
				return
			case cmdReschedule:
				resetTimer(timer, d.nextWait())
			}
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// nextWait computes how long the background goroutine should sleep before
// its next wakeup: the time until the nearest heap entry, capped so the
// goroutine also wakes periodically to advance the wheel and pick up newly
// delegated entries even with an empty heap.
func (d *Detector[K]) nextWait() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	const idlePoll = 5 * time.Millisecond
	if d.heap.len() == 0 {
		if d.cfg.SlotDuration > 0 && d.cfg.SlotDuration < idlePoll {
			return d.cfg.SlotDuration
		}
		return idlePoll
	}
	wait := d.heap.h[0].expiresAt.Sub(d.clock.Now())
	if wait < 0 {
		wait = 0
	}
	if d.cfg.SlotDuration > 0 && d.cfg.SlotDuration < wait {
		wait = d.cfg.SlotDuration
	}
	return wait
}

// RescheduleCheck asks the background goroutine to re-evaluate its sleep
// duration immediately, e.g. after a Register that moved the earliest
// deadline closer.
func (d *Detector[K]) RescheduleCheck() {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return
	}
	select {
	case d.cmdCh <- cmdReschedule:
	default:
	}
}

func (d *Detector[K]) rescheduleLocked() {
	if !d.running {
		return
	}
	select {
	case d.cmdCh <- cmdReschedule:
	default:
	}
}

// Shutdown cancels the background task cooperatively: it sends Shutdown,
// the task drains its mailbox and returns; Shutdown joins with a bounded
// wait (default 100ms per spec.md §5) then gives up waiting rather than
// blocking forever. Idempotent.
func (d *Detector[K]) Shutdown() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		running := d.running
		ch := d.cmdCh
		done := d.doneCh
		d.mu.Unlock()
		if !running {
			return
		}
		timeout := time.NewTimer(100 * time.Millisecond)
		defer timeout.Stop()
		select {
		case ch <- cmdShutdown:
		case <-done:
		case <-timeout.C:
			return
		}
		select {
		case <-done:
		case <-timeout.C:
		}
	})
}
