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

// Package driver wraps pkg/sync's State into the stream-to-stream adapter
// described in spec.md §4.5: it consumes an input channel of (key, message)
// items, drives Push/Drain on a single owning goroutine, and produces a
// stream of groups and a stream of feedback records.
package driver

import (
	"fmt"
	"sync"

	syncpkg "approxsync/pkg/sync"
)

// Phase names the driver's position in the Idle/Running/Draining/Closed
// state machine of spec.md §4.5.
type Phase int

const (
	Idle Phase = iota
	Running
	Draining
	Closed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Item is one input-stream element: a message destined for stream Key.
type Item[K comparable, T syncpkg.Timestamped] struct {
	Key K
	Msg T
}

// Driver is the single owning goroutine for one State: Run's loop is the
// only goroutine that calls Push/Poll/Drain, so the hot path never
// contends State's internal lock. Stats/Feedback snapshots (Driver.Stats,
// exportStats-style callers) and State's own preemptive staleness
// goroutine, if enabled, call into State from other goroutines — State's
// own mutex is what keeps those safe (spec.md §5: the preemptive task and
// the main path share one lock).
type Driver[K comparable, T syncpkg.Timestamped] struct {
	state *syncpkg.State[K, T]

	groups   chan syncpkg.Group[K, T]
	feedback chan syncpkg.Feedback[K]
	errs     chan error

	phaseMu sync.RWMutex
	phase   Phase

	done chan struct{}
}

// New constructs a Driver around a freshly created State for keys/cfg. The
// caller supplies its own input channel to Run, so it can size or share it
// as needed.
func New[K comparable, T syncpkg.Timestamped](keys []K, cfg syncpkg.Config) (*Driver[K, T], error) {
	st, err := syncpkg.New[K, T](keys, cfg)
	if err != nil {
		return nil, err
	}
	return &Driver[K, T]{
		state:    st,
		groups:   make(chan syncpkg.Group[K, T], 16),
		feedback: make(chan syncpkg.Feedback[K], 16),
		errs:     make(chan error, 16),
		phase:    Idle,
		done:     make(chan struct{}),
	}, nil
}

// Groups returns the channel of emitted groups. Closed when the driver
// reaches Closed.
func (d *Driver[K, T]) Groups() <-chan syncpkg.Group[K, T] { return d.groups }

// Feedback returns the channel of feedback snapshots, one per accepted or
// rejected push.
func (d *Driver[K, T]) Feedback() <-chan syncpkg.Feedback[K] { return d.feedback }

// Errors returns the channel of propagated errors (spec.md §4.5:
// UnknownKey is propagated rather than merely counted).
func (d *Driver[K, T]) Errors() <-chan error { return d.errs }

// Phase reports the driver's current lifecycle state.
func (d *Driver[K, T]) Phase() Phase {
	d.phaseMu.RLock()
	defer d.phaseMu.RUnlock()
	return d.phase
}

func (d *Driver[K, T]) setPhase(p Phase) {
	d.phaseMu.Lock()
	d.phase = p
	d.phaseMu.Unlock()
}

// Run drives the input channel to completion, emitting groups and feedback
// as they become available, then closes every output channel. Run is meant
// to be launched with `go`; it returns once in has been closed and no
// buffer can advance further (Closed).
func (d *Driver[K, T]) Run(in <-chan Item[K, T]) {
	defer close(d.done)
	defer close(d.groups)
	defer close(d.feedback)
	defer close(d.errs)
	defer d.state.Shutdown()

	d.setPhase(Idle)
	first := true
	for item := range in {
		if first {
			d.setPhase(Running)
			first = false
		}
		d.pushOne(item)
		d.drainAvailable()
	}

	d.setPhase(Draining)
	for _, g := range d.state.Drain() {
		d.groups <- g
	}
	d.setPhase(Closed)
}

func (d *Driver[K, T]) pushOne(item Item[K, T]) {
	result, fb, err := d.state.Push(item.Key, item.Msg)
	d.feedback <- fb
	if err != nil && result == syncpkg.RejectedUnknownKey {
		select {
		case d.errs <- fmt.Errorf("driver: %w", err):
		default:
		}
	}
}

func (d *Driver[K, T]) drainAvailable() {
	for {
		g := d.state.Poll()
		if g == nil {
			return
		}
		d.groups <- *g
	}
}

// Stats returns a snapshot of the underlying State's counters.
func (d *Driver[K, T]) Stats() syncpkg.Stats[K] { return d.state.Stats() }

// Done returns a channel closed once Run has fully returned.
func (d *Driver[K, T]) Done() <-chan struct{} { return d.done }
