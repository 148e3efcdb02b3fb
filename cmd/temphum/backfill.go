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
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/logging"

	"github.com/fms-infra/temphum-collector/internal/backfill"
	"github.com/fms-infra/temphum-collector/internal/checkpoint"
)

func cmdBackfill() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "backfill -month YYYY-MM [flags]",
		ShortDesc: "backfills week artifacts for one month",
		LongDesc: `Fetches a whole month week by week and writes one artifact per week.

Progress is checkpointed per month; rerunning skips completed weeks and
retries failed or partial ones, merging newly fetched records into the
existing artifact. The exit code is non-zero when any week remains failed.`,
		CommandRun: func() subcommands.CommandRun {
			r := &backfillRun{}
			r.registerSearchFlags()
			r.registerStoreFlags()
			r.registerCheckpointFlags()
			r.Flags.StringVar(&r.month, "month", "",
				"Target month, YYYY-MM. Required.")
			r.Flags.IntVar(&r.maxAttempts, "max-attempts", 3,
				"Fetch attempts per week per run.")
			r.Flags.Float64Var(&r.successRatio, "success-ratio", 0.8,
				"Fetched-to-expected ratio considered complete.")
			r.Flags.DurationVar(&r.attemptPause, "attempt-pause", 10*time.Second,
				"Pause between attempts on the same week.")
			return r
		},
	}
}

type backfillRun struct {
	commonRun

	month        string
	maxAttempts  int
	successRatio float64
	attemptPause time.Duration
}

func (r *backfillRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if len(args) != 0 {
		return fatalf(ctx, "unexpected arguments %q", args)
	}
	if r.month == "" {
		return fatalf(ctx, "-month is required")
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

	cpName := fmt.Sprintf("batch_checkpoint_%s.json", r.month)
	coord := &backfill.Coordinator{
		Source:       fetcher,
		Store:        st,
		Codec:        r.codec(loc),
		Checkpoint:   checkpoint.NewFile[backfill.Checkpoint](filepath.Join(r.checkpointDir, cpName)),
		Month:        r.month,
		MaxAttempts:  r.maxAttempts,
		SuccessRatio: r.successRatio,
		AttemptPause: r.attemptPause,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	state, err := coord.Run(ctx)
	if err != nil {
		return r.done(ctx, err)
	}
	if n := len(state.FailedWeeks); n > 0 {
		logging.Errorf(ctx, "%d weeks still failed; rerun to retry", n)
		return 1
	}
	return 0
}
