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

import "time"

// wheelEntry is one ring-slot registration awaiting promotion to the heap
// or direct expiration.
type wheelEntry[K comparable] struct {
	handle    Handle[K]
	expiresAt time.Time
}

// timerWheel is tier 2 of the detector: a ring of slots covering
// slotDuration of wall time each, plus an overflow list for entries whose
// horizon exceeds the ring's total reach (spec.md §4.3 tier 2).
type timerWheel[K comparable] struct {
	slots        [][]wheelEntry[K]
	slotDuration time.Duration
	numSlots     int

	origin      time.Time // set on first use
	originSet   bool
	currentSlot int
	lastRotated time.Time

	overflow []wheelEntry[K]
}

func newTimerWheel[K comparable](numSlots int, slotDuration time.Duration) *timerWheel[K] {
	return &timerWheel[K]{
		slots:        make([][]wheelEntry[K], numSlots),
		slotDuration: slotDuration,
		numSlots:     numSlots,
	}
}

func (w *timerWheel[K]) ensureOrigin(now time.Time) {
	if !w.originSet {
		w.origin = now
		w.lastRotated = now
		w.originSet = true
	}
}

// reach is the total span of wall time the ring currently covers without
// consulting the overflow list.
func (w *timerWheel[K]) reach() time.Duration {
	return time.Duration(w.numSlots) * w.slotDuration
}

// insert places an entry in its slot, or the overflow list if its horizon
// exceeds the ring's reach from now.
func (w *timerWheel[K]) insert(now time.Time, handle Handle[K], expiresAt time.Time) {
	w.ensureOrigin(now)
	if expiresAt.Sub(now) >= w.reach() {
		w.overflow = append(w.overflow, wheelEntry[K]{handle: handle, expiresAt: expiresAt})
		return
	}
	idx := w.slotFor(expiresAt)
	w.slots[idx] = append(w.slots[idx], wheelEntry[K]{handle: handle, expiresAt: expiresAt})
}

// slotFor implements spec.md §4.3's placement rule directly:
// floor((expires_at - wheel_origin) / slot_duration) mod slots.
func (w *timerWheel[K]) slotFor(expiresAt time.Time) int {
	offset := expiresAt.Sub(w.origin)
	if offset < 0 {
		offset = 0
	}
	steps := int64(offset / w.slotDuration)
	return int(steps % int64(w.numSlots))
}

// advance rotates the wheel up to now, draining each slot it passes
// through. promoted entries (those close enough to be handled precisely by
// the heap) are returned for the caller to insertDirect into the heap;
// overdue entries (already past expiry) are returned separately for
// immediate expiration.
func (w *timerWheel[K]) advance(now time.Time, horizon time.Duration) (promote []wheelEntry[K], overdue []wheelEntry[K]) {
	w.ensureOrigin(now)

	stepsNeeded := int64(now.Sub(w.lastRotated) / w.slotDuration)
	if stepsNeeded <= 0 {
		w.drainOverflow(now, horizon, &promote, &overdue)
		return promote, overdue
	}

	if stepsNeeded > int64(w.numSlots) {
		// The wheel has rotated past its own reach: every slot is stale.
		// Drain everything unconditionally rather than looping numSlots
		// times for nothing.
		for i := range w.slots {
			for _, e := range w.slots[i] {
				classify(e, now, horizon, &promote, &overdue)
			}
			w.slots[i] = nil
		}
		w.lastRotated = now
		w.currentSlot = w.slotFor(now)
		w.drainOverflow(now, horizon, &promote, &overdue)
		return promote, overdue
	}

	for i := int64(0); i < stepsNeeded; i++ {
		w.currentSlot = (w.currentSlot + 1) % w.numSlots
		w.lastRotated = w.lastRotated.Add(w.slotDuration)
		bucket := w.slots[w.currentSlot]
		w.slots[w.currentSlot] = nil
		for _, e := range bucket {
			classify(e, w.lastRotated, horizon, &promote, &overdue)
		}
	}
	w.drainOverflow(now, horizon, &promote, &overdue)
	return promote, overdue
}

// classify decides whether a drained wheel entry is already overdue (past
// its own expiry) or should be promoted into the heap for precise timing.
func classify[K comparable](e wheelEntry[K], now time.Time, horizon time.Duration, promote, overdue *[]wheelEntry[K]) {
	if !e.expiresAt.After(now) {
		*overdue = append(*overdue, e)
		return
	}
	*promote = append(*promote, e)
}

// drainOverflow moves overflow entries that have come within the ring's
// reach back into a slot, and promotes/expires any that are now due.
func (w *timerWheel[K]) drainOverflow(now time.Time, horizon time.Duration, promote, overdue *[]wheelEntry[K]) {
	if len(w.overflow) == 0 {
		return
	}
	kept := w.overflow[:0]
	for _, e := range w.overflow {
		switch {
		case !e.expiresAt.After(now):
			*overdue = append(*overdue, e)
		case e.expiresAt.Sub(now) < horizon:
			*promote = append(*promote, e)
		case e.expiresAt.Sub(now) < w.reach():
			idx := w.slotFor(e.expiresAt)
			w.slots[idx] = append(w.slots[idx], e)
		default:
			kept = append(kept, e)
		}
	}
	w.overflow = kept
}

func (w *timerWheel[K]) len() int {
	n := len(w.overflow)
	for _, s := range w.slots {
		n += len(s)
	}
	return n
}
