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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	syncpkg "approxsync/pkg/sync"
)

func TestRecorder_DisabledIsNoOp(t *testing.T) {
	r := NewRecorder(Config{Enabled: false})
	// Must not panic even though no vectors were constructed.
	r.Observe("s1", syncpkg.Stats[string]{}, syncpkg.Stats[string]{})
	r.ObserveFeedback("s1", syncpkg.Feedback[string]{})
	r.Shutdown()
}

func TestRecorder_ObserveAccumulatesDeltas(t *testing.T) {
	r := NewRecorder(Config{Enabled: true})

	prev := syncpkg.Stats[string]{
		Received: map[string]uint64{"A": 0},
		Emitted:  map[string]uint64{"A": 0},
	}
	cur := syncpkg.Stats[string]{
		Received: map[string]uint64{"A": 3},
		Emitted:  map[string]uint64{"A": 1},
	}
	r.Observe("s1", prev, cur)

	if got := testutil.ToFloat64(r.received.WithLabelValues("s1", "A")); got != 3 {
		t.Fatalf("received = %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.emitted.WithLabelValues("s1", "A")); got != 1 {
		t.Fatalf("emitted = %v, want 1", got)
	}

	prev2 := cur
	cur2 := syncpkg.Stats[string]{
		Received: map[string]uint64{"A": 5},
		Emitted:  map[string]uint64{"A": 1},
	}
	r.Observe("s1", prev2, cur2)
	if got := testutil.ToFloat64(r.received.WithLabelValues("s1", "A")); got != 5 {
		t.Fatalf("received after second observe = %v, want 5", got)
	}
}

func TestRecorder_ObserveFeedbackSetsGauges(t *testing.T) {
	r := NewRecorder(Config{Enabled: true})
	fb := syncpkg.Feedback[string]{
		Occupancy:    map[string]syncpkg.Occupancy{"A": {Len: 4, Cap: 8}},
		Backpressure: map[string]bool{"A": true},
	}
	r.ObserveFeedback("s1", fb)

	if got := testutil.ToFloat64(r.occupancy.WithLabelValues("s1", "A")); got != 4 {
		t.Fatalf("occupancy = %v, want 4", got)
	}
	if got := testutil.ToFloat64(r.backpressure.WithLabelValues("s1", "A")); got != 1 {
		t.Fatalf("backpressure = %v, want 1", got)
	}
}
