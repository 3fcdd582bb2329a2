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

// Package metrics exports synchronizer counters and occupancy gauges to
// Prometheus. It is opt-in and safe to call from hot paths when disabled:
// Disabled recorders are no-ops.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	syncpkg "approxsync/pkg/sync"
)

// Config controls whether and where metrics are exposed. A Recorder built
// with Enabled=false records nothing.
type Config struct {
	Enabled     bool
	MetricsAddr string // e.g. ":9090"; empty leaves registration to the caller
}

// Recorder publishes one synchronizer's Stats/Feedback as Prometheus series,
// labelled by synchronizer name and stream key, bounded to the fixed key set
// each synchronizer is constructed with.
type Recorder struct {
	enabled bool
	reg     *prometheus.Registry

	received        *prometheus.CounterVec
	emitted         *prometheus.CounterVec
	droppedCapacity *prometheus.CounterVec
	droppedStale    *prometheus.CounterVec
	droppedWindow   *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	outOfOrder      *prometheus.CounterVec
	beforeStart     *prometheus.CounterVec
	groupsEmitted   *prometheus.CounterVec
	occupancy       *prometheus.GaugeVec
	backpressure    *prometheus.GaugeVec

	srv *http.Server
}

// NewRecorder builds a Recorder registered against its own registry (never
// the global default, so multiple synchronizers in one process never
// collide on metric registration).
func NewRecorder(cfg Config) *Recorder {
	r := &Recorder{enabled: cfg.Enabled}
	if !cfg.Enabled {
		return r
	}

	r.reg = prometheus.NewRegistry()
	streamLabels := []string{"sync", "stream"}

	r.received = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approxsync_received_total",
		Help: "Messages accepted into a stream's buffer.",
	}, streamLabels)
	r.emitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approxsync_emitted_total",
		Help: "Messages emitted as part of a matched group.",
	}, streamLabels)
	r.droppedCapacity = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approxsync_dropped_capacity_total",
		Help: "Messages evicted by the DropOldest capacity policy.",
	}, streamLabels)
	r.droppedStale = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approxsync_dropped_stale_total",
		Help: "Messages dropped by staleness expiration.",
	}, streamLabels)
	r.droppedWindow = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approxsync_dropped_window_total",
		Help: "Messages dropped as window laggards.",
	}, streamLabels)
	r.rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approxsync_rejected_total",
		Help: "Pushes rejected by RejectNew under BufferFull.",
	}, streamLabels)
	r.outOfOrder = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approxsync_out_of_order_total",
		Help: "Pushes rejected for violating monotonic timestamp order.",
	}, streamLabels)
	r.beforeStart = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approxsync_before_start_total",
		Help: "Pushes rejected for predating the configured start time.",
	}, streamLabels)
	r.groupsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approxsync_groups_emitted_total",
		Help: "Matched groups emitted, per synchronizer.",
	}, []string{"sync"})
	r.occupancy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "approxsync_buffer_occupancy",
		Help: "Current buffered message count per stream.",
	}, streamLabels)
	r.backpressure = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "approxsync_backpressure",
		Help: "1 if a stream's buffer occupancy is at or above the backpressure ratio.",
	}, streamLabels)

	r.reg.MustRegister(
		r.received, r.emitted, r.droppedCapacity, r.droppedStale, r.droppedWindow,
		r.rejected, r.outOfOrder, r.beforeStart, r.groupsEmitted, r.occupancy, r.backpressure,
	)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
		r.srv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go r.srv.ListenAndServe()
	}

	return r
}

// Observe records the delta between two Stats snapshots for the named
// synchronizer. Callers are expected to poll stats periodically and pass
// successive snapshots; counters only move forward, matching Stats's own
// monotonic semantics.
func (r *Recorder) Observe(name string, prev, cur syncpkg.Stats[string]) {
	if !r.enabled {
		return
	}
	for _, k := range keysOf(cur.Received) {
		r.received.WithLabelValues(name, k).Add(float64(delta(cur.Received, prev.Received, k)))
		r.emitted.WithLabelValues(name, k).Add(float64(delta(cur.Emitted, prev.Emitted, k)))
		r.droppedCapacity.WithLabelValues(name, k).Add(float64(delta(cur.DroppedCapacity, prev.DroppedCapacity, k)))
		r.droppedStale.WithLabelValues(name, k).Add(float64(delta(cur.DroppedStale, prev.DroppedStale, k)))
		r.droppedWindow.WithLabelValues(name, k).Add(float64(delta(cur.DroppedWindow, prev.DroppedWindow, k)))
		r.rejected.WithLabelValues(name, k).Add(float64(delta(cur.Rejected, prev.Rejected, k)))
		r.outOfOrder.WithLabelValues(name, k).Add(float64(delta(cur.OutOfOrder, prev.OutOfOrder, k)))
		r.beforeStart.WithLabelValues(name, k).Add(float64(delta(cur.BeforeStart, prev.BeforeStart, k)))
	}
	r.groupsEmitted.WithLabelValues(name).Add(float64(cur.GroupsEmitted - prev.GroupsEmitted))
}

// ObserveFeedback records the latest occupancy/backpressure snapshot for the
// named synchronizer.
func (r *Recorder) ObserveFeedback(name string, fb syncpkg.Feedback[string]) {
	if !r.enabled {
		return
	}
	for k, occ := range fb.Occupancy {
		r.occupancy.WithLabelValues(name, k).Set(float64(occ.Len))
		bp := 0.0
		if fb.Backpressure[k] {
			bp = 1.0
		}
		r.backpressure.WithLabelValues(name, k).Set(bp)
	}
}

// Registry exposes the underlying Prometheus registry, e.g. for a caller
// that wants to mount /metrics itself instead of using MetricsAddr.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Shutdown stops the standalone metrics HTTP server, if one was started.
func (r *Recorder) Shutdown() {
	if r.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.srv.Shutdown(ctx)
}

func delta(cur, prev map[string]uint64, k string) uint64 {
	return cur[k] - prev[k]
}

func keysOf(m map[string]uint64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
