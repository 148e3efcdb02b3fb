// Copyright 2025 The FMS Collector Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/logging"

	"github.com/fms-infra/temphum-collector/internal/publish"
)

func cmdPublish() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "publish [flags]",
		ShortDesc: "republishes new records to the message bus",
		LongDesc: `Polls the search index for records newer than the saved cursor and
republishes them to a Kafka topic as canonical JSON. Records whose
measurement fields are all null are dropped and never advance the cursor
by themselves. The cursor is saved only after a successful publish.`,
		CommandRun: func() subcommands.CommandRun {
			r := &publishRun{}
			r.registerSearchFlags()
			r.registerCheckpointFlags()
			r.Flags.StringVar(&r.brokers, "kafka-brokers", env("KAFKA_BROKERS", "localhost:9092"),
				"Comma-separated Kafka broker addresses.")
			r.Flags.StringVar(&r.topic, "topic", env("KAFKA_TOPIC", "fms-temphum"),
				"Kafka topic to publish to.")
			r.Flags.DurationVar(&r.pollInterval, "poll-interval", time.Minute,
				"Delay between polls.")
			r.Flags.IntVar(&r.fetchSize, "fetch-size", 500,
				"Max records fetched per poll.")
			r.Flags.StringVar(&r.startTimestamp, "start-timestamp", "1970-01-01T00:00:00.000Z",
				"Bootstrap cursor used when no checkpoint exists.")
			return r
		},
	}
}

type publishRun struct {
	commonRun

	brokers        string
	topic          string
	pollInterval   time.Duration
	fetchSize      int
	startTimestamp string
}

func (r *publishRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if len(args) != 0 {
		return fatalf(ctx, "unexpected arguments %q", args)
	}

	fetcher, err := r.fetcher()
	if err != nil {
		return r.done(ctx, err)
	}
	bus := publish.NewKafkaBus(strings.Split(r.brokers, ","), r.topic)
	defer func() {
		if err := bus.Close(); err != nil {
			logging.Warningf(ctx, "closing bus: %s", err)
		}
	}()

	p := &publish.Publisher{
		Source:         fetcher,
		Bus:            bus,
		Checkpoint:     r.streamingCheckpoint("publisher_checkpoint.json"),
		Interval:       r.pollInterval,
		FetchSize:      r.fetchSize,
		StartTimestamp: r.startTimestamp,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Infof(ctx, "publisher started: index %s, topic %s", r.index, r.topic)
	return r.done(ctx, p.Run(ctx))
}
