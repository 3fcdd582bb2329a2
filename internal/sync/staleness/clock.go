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

// Package staleness implements the two-tier (constrained min-heap + timer
// wheel) proactive expiration subsystem described in spec.md §4.3. It is
// generic over the stream key type and knows nothing about Buffer or
// State: it schedules opaque (key, seq) handles and calls back into its
// owner when one expires.
package staleness

import "time"

// Clock abstracts wall-clock time so tests can inject a virtual clock
// instead of sleeping real milliseconds (spec.md §9, "Global state").
type Clock interface {
	Now() time.Time
}

// RealClock is the default Clock, backed by time.Now.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// ManualClock is a Clock a test can advance explicitly. Safe only for
// single-goroutine use (tests drive it synchronously).
type ManualClock struct {
	t time.Time
}

// NewManualClock returns a ManualClock starting at t.
func NewManualClock(t time.Time) *ManualClock { return &ManualClock{t: t} }

func (c *ManualClock) Now() time.Time { return c.t }

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) { c.t = c.t.Add(d) }
