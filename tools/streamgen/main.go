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

// streamgen is a tiny synthetic multi-stream generator for exercising
// cmd/syncd. It emits "<stream>,<offset_ns>" lines to stdout at a
// configurable rate and jitter, approximating sensor streams with slightly
// different clocks and occasional drops.
//
// Usage examples:
//
//	streamgen -streams=camera,lidar -rate=50ms -jitter=5ms -n=2000
//	streamgen -streams=a,b,c -rate=10ms -drop=0.01 -n=50000 > feed.csv
package main

import (
	"bufio"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "streamgen"
	app.Usage = "synthetic multi-stream timestamp generator"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "streams",
			Value: "camera,lidar",
			Usage: "comma-separated stream names",
		},
		cli.DurationFlag{
			Name:  "rate",
			Value: 50 * time.Millisecond,
			Usage: "nominal interval between messages on each stream",
		},
		cli.DurationFlag{
			Name:  "jitter",
			Value: 5 * time.Millisecond,
			Usage: "maximum uniform jitter applied to each interval",
		},
		cli.Float64Flag{
			Name:  "drop",
			Value: 0.0,
			Usage: "probability of dropping a given stream's message for a tick",
		},
		cli.IntFlag{
			Name:  "n",
			Value: 1000,
			Usage: "number of ticks to generate per stream",
		},
		cli.Int64Flag{
			Name:  "seed",
			Value: 1,
			Usage: "deterministic PRNG seed",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Printf("%+v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	streams := strings.Split(c.String("streams"), ",")
	for i := range streams {
		streams[i] = strings.TrimSpace(streams[i])
	}
	if len(streams) == 0 || streams[0] == "" {
		return errors.New("streamgen: -streams must name at least one stream")
	}
	dropRate := c.Float64("drop")
	if dropRate < 0 || dropRate > 1 {
		return errors.Errorf("streamgen: -drop=%v must be in [0,1]", dropRate)
	}

	rng := rand.New(rand.NewSource(c.Int64("seed")))
	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()

	rate := c.Duration("rate")
	jitter := c.Duration("jitter")
	n := c.Int("n")

	offsets := make([]time.Duration, len(streams))
	for tick := 0; tick < n; tick++ {
		for i, name := range streams {
			if dropRate > 0 && rng.Float64() < dropRate {
				offsets[i] += rate
				continue
			}
			j := time.Duration(0)
			if jitter > 0 {
				j = time.Duration(rng.Int63n(int64(jitter)*2)) - jitter
			}
			ts := offsets[i] + j
			if ts < 0 {
				ts = 0
			}
			if _, err := fmt.Fprintf(w, "%s,%d\n", name, ts.Nanoseconds()); err != nil {
				return errors.Wrap(err, "streamgen: write")
			}
			offsets[i] += rate
		}
	}
	return nil
}
