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

// Package main provides the entry point for the synchronizer demo daemon.
//
// syncd reads "<stream>,<offset_ns>" lines from stdin — the format produced
// by tools/streamgen — feeds them into a single internal/sync/driver.Driver,
// and prints each matched group as it is emitted. It demonstrates the full
// push/poll/drain/feedback contract end to end, the way cmd/ratelimiter-api
// demonstrates the VSA store end to end.
//
// Try it:
//
//	go run ./tools/streamgen -streams=camera,lidar -n=2000 | \
//	  go run ./cmd/syncd -streams=camera,lidar -window=20ms -metrics_addr=:9090
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"approxsync/internal/sync/driver"
	"approxsync/internal/sync/metrics"
	syncpkg "approxsync/pkg/sync"
)

// offsetMsg is the wire message type: a bare timestamp offset.
type offsetMsg time.Duration

func (m offsetMsg) Timestamp() time.Duration { return time.Duration(m) }

func main() {
	app := cli.NewApp()
	app.Name = "syncd"
	app.Usage = "multi-stream timestamp synchronization demo daemon"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "streams",
			Value: "camera,lidar",
			Usage: "comma-separated stream names; must match the input feed",
		},
		cli.DurationFlag{
			Name:  "window",
			Value: 20 * time.Millisecond,
			Usage: "matching window size; 0 means infinite window",
		},
		cli.IntFlag{
			Name:  "buffer_size",
			Value: 256,
			Usage: "per-stream buffer capacity; 0 means unbounded",
		},
		cli.StringFlag{
			Name:  "drop_policy",
			Value: "reject_new",
			Usage: "overflow policy: reject_new|drop_oldest",
		},
		cli.StringFlag{
			Name:  "staleness",
			Value: "none",
			Usage: "staleness preset: none|high_frequency|low_frequency|batch",
		},
		cli.StringFlag{
			Name:  "metrics_addr",
			Value: "",
			Usage: "if non-empty, expose Prometheus /metrics on this address (e.g., :9090)",
		},
		cli.StringFlag{
			Name:  "name",
			Value: "syncd",
			Usage: "synchronizer name, used as a metrics label",
		},
		cli.DurationFlag{
			Name:  "stats_interval",
			Value: time.Second,
			Usage: "how often to poll and export stats/feedback",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Printf("%+v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	keys := strings.Split(c.String("streams"), ",")
	for i := range keys {
		keys[i] = strings.TrimSpace(keys[i])
	}

	cfg := syncpkg.DefaultConfig()
	if w := c.Duration("window"); w > 0 {
		cfg.WindowSize = &w
	} else {
		cfg.WindowSize = nil
	}
	cfg.BufferSize = c.Int("buffer_size")

	switch p := c.String("drop_policy"); p {
	case "reject_new":
		cfg.DropPolicy = syncpkg.RejectNew
	case "drop_oldest":
		cfg.DropPolicy = syncpkg.DropOldest
	default:
		return errors.Errorf("unknown -drop_policy=%s (want reject_new|drop_oldest)", p)
	}

	stalenessFlag := c.String("staleness")
	if preset, ok := parsePreset(stalenessFlag); ok {
		cfg.Staleness = syncpkg.Staleness{Preset: preset}
	} else if stalenessFlag != "none" {
		return errors.Errorf("unknown -staleness=%s (want none|high_frequency|low_frequency|batch)", stalenessFlag)
	}

	d, err := driver.New[string, offsetMsg](keys, cfg)
	if err != nil {
		return errors.Wrap(err, "driver.New")
	}

	metricsAddr := c.String("metrics_addr")
	rec := metrics.NewRecorder(metrics.Config{
		Enabled:     metricsAddr != "",
		MetricsAddr: metricsAddr,
	})
	defer rec.Shutdown()
	if metricsAddr != "" {
		fmt.Printf("metrics listening on %s\n", metricsAddr)
	}

	name := c.String("name")
	statsInterval := c.Duration("stats_interval")

	in := make(chan driver.Item[string, offsetMsg])
	go d.Run(in)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go feedStdin(in, stop)
	go drainFeedback(d, rec, name)
	go exportStats(d, rec, name, statsInterval, d.Done())

	groupCount := 0
	for g := range d.Groups() {
		groupCount++
		fmt.Printf("group ts=%v keys=%v\n", g.TS, g.Keys)
	}

	for perr := range d.Errors() {
		fmt.Fprintf(os.Stderr, "syncd: %+v\n", perr)
	}

	stats := d.Stats()
	fmt.Printf("done: %d groups emitted, received=%v emitted=%v\n", groupCount, stats.Received, stats.Emitted)
	return nil
}

func parsePreset(s string) (syncpkg.StalenessPreset, bool) {
	switch s {
	case "high_frequency":
		return syncpkg.StalenessHighFrequency, true
	case "low_frequency":
		return syncpkg.StalenessLowFrequency, true
	case "batch":
		return syncpkg.StalenessBatch, true
	default:
		return 0, false
	}
}

// feedStdin parses "<stream>,<offset_ns>" lines from stdin and forwards them
// to the driver's input channel, closing it on EOF or on a shutdown signal.
func feedStdin(in chan<- driver.Item[string, offsetMsg], stop <-chan os.Signal) {
	defer close(in)
	scanner := bufio.NewScanner(os.Stdin)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			item, ok := parseLine(line)
			if !ok {
				continue
			}
			in <- item
		case <-stop:
			fmt.Fprintln(os.Stderr, "\nsyncd: shutting down, closing input")
			return
		}
	}
}

func parseLine(line string) (driver.Item[string, offsetMsg], bool) {
	parts := strings.SplitN(strings.TrimSpace(line), ",", 2)
	if len(parts) != 2 {
		return driver.Item[string, offsetMsg]{}, false
	}
	ns, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return driver.Item[string, offsetMsg]{}, false
	}
	return driver.Item[string, offsetMsg]{Key: parts[0], Msg: offsetMsg(time.Duration(ns))}, true
}

func drainFeedback(d *driver.Driver[string, offsetMsg], rec *metrics.Recorder, name string) {
	for fb := range d.Feedback() {
		rec.ObserveFeedback(name, fb)
	}
}

func exportStats(d *driver.Driver[string, offsetMsg], rec *metrics.Recorder, name string, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	prev := d.Stats()
	for {
		select {
		case <-ticker.C:
			cur := d.Stats()
			rec.Observe(name, prev, cur)
			prev = cur
		case <-done:
			return
		}
	}
}
