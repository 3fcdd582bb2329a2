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
	"container/heap"
	"time"
)

// Handle names one buffered item: the stream key plus the buffer's
// internal monotonic sequence number for that item. It is the only thing
// the detector ever stores about a message (no back-pointers into the
// buffer).
type Handle[K comparable] struct {
	Key K
	Seq uint64
}

// heapNode is one min-heap entry. Multiple handles share a node when
// PrecisionGap coalescing fires, so a single wakeup can expire a batch of
// near-simultaneous registrations without extra heap churn.
type heapNode[K comparable] struct {
	expiresAt time.Time
	handles   []Handle[K]
	index     int // maintained by container/heap
}

// minHeap implements container/heap.Interface over *heapNode.
type minHeap[K comparable] []*heapNode[K]

func (h minHeap[K]) Len() int            { return len(h) }
func (h minHeap[K]) Less(i, j int) bool  { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h minHeap[K]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *minHeap[K]) Push(x any) {
	n := x.(*heapNode[K])
	n.index = len(*h)
	*h = append(*h, n)
}

func (h *minHeap[K]) Pop() any {
	old := *h
	n := len(old)
	node := old[n-1]
	old[n-1] = nil
	node.index = -1
	*h = old[:n-1]
	return node
}

// constrainedHeap wraps minHeap with the size-cap / horizon-cap / precision
// -gap insertion rules from spec.md §4.3 tier 1.
type constrainedHeap[K comparable] struct {
	h            minHeap[K]
	maxSize      int
	timeHorizon  time.Duration
	precisionGap time.Duration
}

func newConstrainedHeap[K comparable](maxSize int, horizon, precisionGap time.Duration) *constrainedHeap[K] {
	ch := &constrainedHeap[K]{maxSize: maxSize, timeHorizon: horizon, precisionGap: precisionGap}
	heap.Init(&ch.h)
	return ch
}

// tryInsert attempts to place (handle, expiresAt) directly into the heap.
// It returns false when the insertion must be delegated to the wheel
// because it fails the size cap or the horizon cap; it returns true
// (having inserted or coalesced) otherwise.
func (ch *constrainedHeap[K]) tryInsert(now time.Time, handle Handle[K], expiresAt time.Time) bool {
	if len(ch.h) > 0 {
		top := ch.h[0]
		gap := expiresAt.Sub(top.expiresAt)
		if gap < 0 {
			gap = -gap
		}
		if gap <= ch.precisionGap {
			top.handles = append(top.handles, handle)
			return true
		}
	}
	if expiresAt.Sub(now) > ch.timeHorizon {
		return false
	}
	if len(ch.h) >= ch.maxSize {
		return false
	}
	heap.Push(&ch.h, &heapNode[K]{expiresAt: expiresAt, handles: []Handle[K]{handle}})
	return true
}

// insertDirect bypasses the size/horizon checks; used when the wheel
// promotes an entry it has determined is now within reach.
func (ch *constrainedHeap[K]) insertDirect(handle Handle[K], expiresAt time.Time) {
	if len(ch.h) > 0 {
		top := ch.h[0]
		gap := expiresAt.Sub(top.expiresAt)
		if gap < 0 {
			gap = -gap
		}
		if gap <= ch.precisionGap {
			top.handles = append(top.handles, handle)
			return
		}
	}
	heap.Push(&ch.h, &heapNode[K]{expiresAt: expiresAt, handles: []Handle[K]{handle}})
}

// drainDue pops every node whose expiresAt has passed and returns the
// handles carried by it, oldest first.
func (ch *constrainedHeap[K]) drainDue(now time.Time) []Handle[K] {
	var due []Handle[K]
	for len(ch.h) > 0 && !ch.h[0].expiresAt.After(now) {
		node := heap.Pop(&ch.h).(*heapNode[K])
		due = append(due, node.handles...)
	}
	return due
}

func (ch *constrainedHeap[K]) len() int { return len(ch.h) }
