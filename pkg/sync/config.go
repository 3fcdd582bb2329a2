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

import "time"

// DropPolicy selects what happens when a stream's buffer is already at
// capacity and a new message arrives for it.
type DropPolicy int

const (
	// RejectNew returns BufferFull and leaves the buffer untouched. This
	// is the default: it never silently discards an already-accepted
	// message.
	RejectNew DropPolicy = iota
	// DropOldest evicts the front of the buffer (cancelling any pending
	// staleness expiry for it) to make room for the newcomer.
	DropOldest
)

// UnboundedBufferSize, passed as Config.BufferSize, disables the capacity
// check entirely.
const UnboundedBufferSize = 0

// StalenessPreset names one of the three fixed tunings from §4.3. Use
// StalenessNone to disable proactive expiration.
type StalenessPreset int

const (
	StalenessNone StalenessPreset = iota
	StalenessHighFrequency
	StalenessLowFrequency
	StalenessBatch
)

// StalenessConfig configures the two-tier staleness detector. Zero-value
// fields applied over a preset are replaced field-wise by the preset's
// defaults; see Staleness.Resolve.
type StalenessConfig struct {
	// TTL is the maximum residency time for a buffered message before it
	// is proactively expired. Required (must be > 0) whenever staleness
	// is enabled, preset or custom.
	TTL time.Duration

	// HeapMaxSize bounds the number of entries the constrained min-heap
	// may hold (tier 1, size cap).
	HeapMaxSize int
	// HeapTimeHorizon bounds how far into the future a heap entry's
	// expiry may lie (tier 1, horizon cap); entries further out are
	// delegated to the timer wheel.
	HeapTimeHorizon time.Duration
	// PrecisionGap: a new entry whose expiry lands within this distance
	// of the heap's current top entry is coalesced onto that entry's
	// check time instead of creating a new heap node.
	PrecisionGap time.Duration

	// TimerWheelSlots is the number of ring slots in tier 2.
	TimerWheelSlots int
	// SlotDuration is the wall-clock span covered by one wheel slot.
	SlotDuration time.Duration

	// Preemptive, when true, starts a background goroutine that sleeps
	// until the next due expiration instead of relying solely on
	// cooperative Tick calls piggybacked on Push.
	Preemptive bool
}

// stalenessPresets mirrors the table in spec.md §4.3.
var stalenessPresets = map[StalenessPreset]StalenessConfig{
	StalenessHighFrequency: {
		TTL:             100 * time.Millisecond,
		HeapMaxSize:     256,
		HeapTimeHorizon: 100 * time.Millisecond,
		PrecisionGap:    100 * time.Microsecond,
		TimerWheelSlots: 128,
		SlotDuration:    100 * time.Millisecond / 128,
		Preemptive:      true,
	},
	StalenessLowFrequency: {
		TTL:             time.Second,
		HeapMaxSize:     64,
		HeapTimeHorizon: time.Second,
		PrecisionGap:    time.Millisecond,
		TimerWheelSlots: 64,
		SlotDuration:    time.Second / 64,
		Preemptive:      true,
	},
	StalenessBatch: {
		TTL:             10 * time.Second,
		HeapMaxSize:     32,
		HeapTimeHorizon: 10 * time.Second,
		PrecisionGap:    10 * time.Millisecond,
		TimerWheelSlots: 32,
		SlotDuration:    10 * time.Second / 32,
		Preemptive:      false,
	},
}

// Staleness is the Config option controlling proactive expiration: either
// StalenessNone (disabled), one of the three named presets, or a preset
// plus field-wise overrides via Custom.
//
// There is no standalone "fully custom, no preset" path: Preset selects
// one of the three tuned baselines above and Custom patches individual
// fields onto it (field-wise replacement, per SPEC_FULL.md open-question
// #3). This is deliberate, not an oversight — spec.md's custom record
// omits TTL entirely, so a pure-custom config has no defined TTL/heap/wheel
// baseline to start from; every custom record in practice needs a preset
// underneath it to supply the fields the caller doesn't override. Setting
// Preset to StalenessNone always disables staleness outright and Custom is
// ignored in that case, regardless of what it contains — to build a custom
// detector, pick the nearest preset (e.g. StalenessHighFrequency for a
// preemptive baseline, StalenessBatch for a cooperative one) and override
// from there.
type Staleness struct {
	Preset StalenessPreset
	// Custom overrides individual preset fields. Zero-value fields fall
	// back to the preset's default, except Preemptive: whenever Custom is
	// non-zero, Custom.Preemptive replaces the preset's value, false
	// included. Ignored entirely when Preset is StalenessNone; see the
	// Staleness doc comment.
	Custom StalenessConfig
}

// Resolve merges Custom over Preset's defaults. Returns (cfg, false) when
// staleness is disabled.
func (s Staleness) Resolve() (StalenessConfig, bool) {
	if s.Preset == StalenessNone {
		return StalenessConfig{}, false
	}
	base := stalenessPresets[s.Preset]
	if s.Custom.TTL > 0 {
		base.TTL = s.Custom.TTL
	}
	if s.Custom.HeapMaxSize > 0 {
		base.HeapMaxSize = s.Custom.HeapMaxSize
	}
	if s.Custom.HeapTimeHorizon > 0 {
		base.HeapTimeHorizon = s.Custom.HeapTimeHorizon
	}
	if s.Custom.PrecisionGap > 0 {
		base.PrecisionGap = s.Custom.PrecisionGap
	}
	if s.Custom.TimerWheelSlots > 0 {
		base.TimerWheelSlots = s.Custom.TimerWheelSlots
	}
	if s.Custom.SlotDuration > 0 {
		base.SlotDuration = s.Custom.SlotDuration
	}
	// Preemptive has no meaningful zero-value fallback question: the
	// override always wins when a custom record is actually in use. We
	// detect "in use" by any Custom field differing from its zero value,
	// so a Custom record that sets only TTL turns preemptive mode off.
	if s.Custom != (StalenessConfig{}) {
		base.Preemptive = s.Custom.Preemptive
	}
	return base, true
}

// Config controls Buffer capacity, window matching, the start-time floor,
// overflow behavior, and staleness expiration. The zero value is not
// directly usable for WindowSize (nil means infinite window, which is a
// valid explicit choice) but BufferSize defaults to 64 and DropPolicy to
// RejectNew when constructed via DefaultConfig.
type Config struct {
	// WindowSize bounds sup-inf for a group to be emitted. nil means an
	// infinite window: a group is emitted as soon as every buffer is
	// non-empty, and laggard-drop never fires.
	WindowSize *time.Duration
	// BufferSize is the per-stream capacity. UnboundedBufferSize (0)
	// disables the capacity check.
	BufferSize int
	// StartTime, if non-nil, causes any message with an earlier
	// timestamp to be discarded on entry to Push.
	StartTime *time.Duration
	// DropPolicy governs overflow behavior when BufferSize is exceeded.
	DropPolicy DropPolicy
	// Staleness configures proactive expiration. The zero value is
	// StalenessNone.
	Staleness Staleness
}

// DefaultConfig returns the defaults from spec.md §6: a 50ms window, a
// 64-message buffer per stream, no start time, RejectNew, and no
// staleness.
func DefaultConfig() Config {
	w := 50 * time.Millisecond
	return Config{
		WindowSize: &w,
		BufferSize: 64,
		DropPolicy: RejectNew,
	}
}

// validate checks the ConfigInvalid conditions from spec.md §7.
func (c Config) validate(keys []string, dup bool) error {
	if len(keys) == 0 {
		return ErrConfigInvalid
	}
	if dup {
		return ErrConfigInvalid
	}
	if c.BufferSize < 0 {
		return ErrConfigInvalid
	}
	if c.BufferSize == UnboundedBufferSize {
		// unbounded is always valid
	} else if c.BufferSize < 1 {
		return ErrConfigInvalid
	}
	if c.WindowSize != nil && *c.WindowSize < 0 {
		return ErrConfigInvalid
	}
	if c.StartTime != nil && *c.StartTime < 0 {
		return ErrConfigInvalid
	}
	return nil
}
