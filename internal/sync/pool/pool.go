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

// Package pool manages a collection of named synchronizers in memory. Each
// named session owns one pkg/sync.State, reachable through exactly one
// session-level mutex (spec.md §5's single logical owner rule); the
// registry itself is sharded by rendezvous hashing over the session name so
// that lookups and eviction scans on unrelated sessions never contend on a
// single lock, the same way a striped counter avoids one global mutex.
package pool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"

	syncpkg "approxsync/pkg/sync"
)

// Factory builds the type-parameterized State for a newly created session.
// Registry is itself non-generic (sessions of different K/T could share one
// registry instance through an opaque interface), so callers supply a
// closure that knows the concrete K and T for their use case.
type Factory func() (Session, error)

// Session is the narrow interface Registry needs from a synchronizer,
// satisfied by *pkg/sync.State[K, T] for any K, T.
type Session interface {
	Shutdown()
}

// managedSession wraps a Session with the bookkeeping the registry and its
// eviction loop need.
type managedSession struct {
	session      Session
	mu           sync.Mutex
	lastAccessed int64 // UnixNano, atomic
}

func (m *managedSession) touch() {
	atomic.StoreInt64(&m.lastAccessed, time.Now().UnixNano())
}

func (m *managedSession) idleFor(now time.Time) time.Duration {
	last := atomic.LoadInt64(&m.lastAccessed)
	return now.Sub(time.Unix(0, last))
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*managedSession
}

// Registry holds every live session, sharded by rendezvous hash, and
// optionally evicts sessions idle longer than idleTimeout.
type Registry struct {
	shards    []*shard
	shardIdx  map[string]int
	rv        *rendezvous.Rendezvous

	idleTimeout      time.Duration
	evictionInterval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewRegistry builds a Registry with numShards independent shards. If
// idleTimeout and evictionInterval are both positive, an eviction
// background loop starts immediately, mirroring the worker's eviction loop
// this package is adapted from.
func NewRegistry(numShards int, idleTimeout, evictionInterval time.Duration) *Registry {
	if numShards < 1 {
		numShards = 1
	}
	names := make([]string, numShards)
	shards := make([]*shard, numShards)
	shardIdx := make(map[string]int, numShards)
	for i := 0; i < numShards; i++ {
		names[i] = fmt.Sprintf("shard-%d", i)
		shards[i] = &shard{sessions: make(map[string]*managedSession)}
		shardIdx[names[i]] = i
	}
	r := &Registry{
		shards:           shards,
		shardIdx:         shardIdx,
		rv:               rendezvous.New(names, hashSeed),
		idleTimeout:      idleTimeout,
		evictionInterval: evictionInterval,
		stopCh:           make(chan struct{}),
	}
	if idleTimeout > 0 && evictionInterval > 0 {
		r.wg.Add(1)
		go r.evictionLoop()
	}
	return r
}

func hashSeed(s string, seed uint64) uint64 {
	h := xxhash.New()
	h.Write([]byte(s))
	return h.Sum64() ^ seed
}

func (r *Registry) shardFor(name string) *shard {
	target := r.rv.Lookup(name)
	return r.shards[r.shardIdx[target]]
}

// GetOrCreate returns the session for name, constructing it via factory on
// first access. Concurrent callers racing on a miss may each run factory;
// only the first instance stored is kept, and every other one is shut
// down before its caller receives the kept instance.
func (r *Registry) GetOrCreate(name string, factory Factory) (Session, error) {
	sh := r.shardFor(name)

	sh.mu.RLock()
	if m, ok := sh.sessions[name]; ok {
		sh.mu.RUnlock()
		m.touch()
		return m.session, nil
	}
	sh.mu.RUnlock()

	sess, err := factory()
	if err != nil {
		return nil, err
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if m, ok := sh.sessions[name]; ok {
		// Lost the race: discard our instance, reuse the winner's.
		sess.Shutdown()
		m.touch()
		return m.session, nil
	}
	m := &managedSession{session: sess}
	m.touch()
	sh.sessions[name] = m
	return sess, nil
}

// WithSession runs fn under the named session's own lock, guaranteeing
// State sees at most one caller at a time (spec.md §5).
func (r *Registry) WithSession(name string, factory Factory, fn func(Session) error) error {
	sh := r.shardFor(name)
	sh.mu.RLock()
	m, ok := sh.sessions[name]
	sh.mu.RUnlock()
	if !ok {
		if _, err := r.GetOrCreate(name, factory); err != nil {
			return err
		}
		sh.mu.RLock()
		m = sh.sessions[name]
		sh.mu.RUnlock()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	return fn(m.session)
}

// Delete removes and shuts down a named session, if present.
func (r *Registry) Delete(name string) {
	sh := r.shardFor(name)
	sh.mu.Lock()
	m, ok := sh.sessions[name]
	if ok {
		delete(sh.sessions, name)
	}
	sh.mu.Unlock()
	if ok {
		m.mu.Lock()
		m.session.Shutdown()
		m.mu.Unlock()
	}
}

// ForEach iterates over every live session across all shards.
func (r *Registry) ForEach(f func(name string)) {
	for _, sh := range r.shards {
		sh.mu.RLock()
		names := make([]string, 0, len(sh.sessions))
		for name := range sh.sessions {
			names = append(names, name)
		}
		sh.mu.RUnlock()
		for _, name := range names {
			f(name)
		}
	}
}

// CloseAll shuts down every session and stops the eviction loop. Call once
// at process shutdown.
func (r *Registry) CloseAll() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	close(r.stopCh)
	r.wg.Wait()
	for _, sh := range r.shards {
		sh.mu.Lock()
		for name, m := range sh.sessions {
			m.session.Shutdown()
			delete(sh.sessions, name)
		}
		sh.mu.Unlock()
	}
}

func (r *Registry) evictionLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.evictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.evictIdle()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) evictIdle() {
	now := time.Now()
	for _, sh := range r.shards {
		sh.mu.Lock()
		for name, m := range sh.sessions {
			if m.idleFor(now) >= r.idleTimeout {
				m.session.Shutdown()
				delete(sh.sessions, name)
			}
		}
		sh.mu.Unlock()
	}
}

var _ Session = (*syncpkg.State[string, syncpkg.Timestamped])(nil)
