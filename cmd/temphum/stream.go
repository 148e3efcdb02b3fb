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
	"syscall"
	"time"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/logging"

	"github.com/fms-infra/temphum-collector/internal/collector"
	"github.com/fms-infra/temphum-collector/internal/merge"
	"github.com/fms-infra/temphum-collector/internal/sched"
)

func cmdStream() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "stream [flags]",
		ShortDesc: "runs the minute collection and merge loop",
		LongDesc: `Runs the streaming pipeline.

Every minute, at second 5, the previous minute window is fetched from the
search index and written to the object store as a discrete artifact; at
second 35 the minute artifacts two minutes back are folded into the daily
artifact. SIGINT or SIGTERM stops ticking and lets in-flight work finish.`,
		CommandRun: func() subcommands.CommandRun {
			r := &streamRun{}
			r.registerSearchFlags()
			r.registerStoreFlags()
			r.registerCheckpointFlags()
			r.Flags.DurationVar(&r.collectLag, "collect-lag", time.Minute,
				"How far behind now the collected minute sits.")
			r.Flags.DurationVar(&r.mergeLag, "merge-lag", 2*time.Minute,
				"How far behind now the merged minute sits.")
			r.Flags.IntVar(&r.workers, "workers", 2,
				"Max scheduled tasks running at once.")
			r.Flags.StringVar(&r.collectSchedule, "collect-schedule", "5 * * * * * *",
				"Cron expression (with seconds) for the collection tick.")
			r.Flags.StringVar(&r.mergeSchedule, "merge-schedule", "35 * * * * * *",
				"Cron expression (with seconds) for the merge tick.")
			return r
		},
	}
}

type streamRun struct {
	commonRun

	collectLag      time.Duration
	mergeLag        time.Duration
	workers         int
	collectSchedule string
	mergeSchedule   string
}

func (r *streamRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if len(args) != 0 {
		return fatalf(ctx, "unexpected arguments %q", args)
	}

	loc, err := r.location()
	if err != nil {
		return r.done(ctx, err)
	}
	fetcher, err := r.fetcher()
	if err != nil {
		return r.done(ctx, err)
	}
	st, err := r.objectStore(ctx)
	if err != nil {
		return r.done(ctx, err)
	}
	codec := r.codec(loc)

	coll := &collector.Collector{
		Source:     fetcher,
		Store:      st,
		Codec:      codec,
		Checkpoint: r.streamingCheckpoint("streaming_checkpoint.json"),
		Loc:        loc,
		Lag:        r.collectLag,
	}
	eng := &merge.Engine{
		Store: st,
		Codec: codec,
		Loc:   loc,
		Lag:   r.mergeLag,
	}

	s := sched.New(r.workers)
	if err := s.Add("collect", r.collectSchedule, coll.Collect); err != nil {
		return r.done(ctx, err)
	}
	if err := s.Add("merge", r.mergeSchedule, eng.MergeTick); err != nil {
		return r.done(ctx, err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Infof(ctx, "streaming pipeline started: index %s, bucket %s, timezone %s",
		r.index, r.bucket, loc)
	s.Start(ctx)
	<-ctx.Done()
	logging.Infof(ctx, "shutdown requested, draining in-flight tasks")
	s.Stop()
	logging.Infof(ctx, "streaming pipeline stopped")
	return 0
}
