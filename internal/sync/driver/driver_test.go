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

package driver

import (
	"testing"
	"time"

	syncpkg "approxsync/pkg/sync"
)

type stamp time.Duration

func (s stamp) Timestamp() time.Duration { return time.Duration(s) }

func TestDriver_LifecycleAndGroupEmission(t *testing.T) {
	window := 10 * time.Millisecond
	cfg := syncpkg.DefaultConfig()
	cfg.WindowSize = &window

	d, err := New[string, stamp]([]string{"A", "B"}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.Phase() != Idle {
		t.Fatalf("phase = %v, want Idle", d.Phase())
	}

	in := make(chan Item[string, stamp])
	go d.Run(in)

	go func() {
		in <- Item[string, stamp]{Key: "A", Msg: stamp(0)}
		in <- Item[string, stamp]{Key: "B", Msg: stamp(time.Millisecond)}
		close(in)
	}()

	var groups []syncpkg.Group[string, stamp]
	for g := range d.Groups() {
		groups = append(groups, g)
	}
	<-d.Done()

	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}
	if d.Phase() != Closed {
		t.Fatalf("phase = %v, want Closed", d.Phase())
	}

	// drain the feedback channel so nothing leaks into later tests
	for range d.Feedback() {
	}
}

func TestDriver_PropagatesUnknownKey(t *testing.T) {
	d, err := New[string, stamp]([]string{"A"}, syncpkg.DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	in := make(chan Item[string, stamp])
	go d.Run(in)

	go func() {
		in <- Item[string, stamp]{Key: "nope", Msg: stamp(0)}
		close(in)
	}()

	select {
	case err := <-d.Errors():
		if err == nil {
			t.Fatalf("expected a non-nil error")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for propagated error")
	}

	for range d.Groups() {
	}
	for range d.Feedback() {
	}
	<-d.Done()
}
