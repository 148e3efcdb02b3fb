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

package sched

import (
	"fmt"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
)

// Schedule knows when a task should next run.
//
// Two kinds are supported, see Parse.
type Schedule struct {
	asString string

	cronExpr *cronexpr.Expression // set for absolute schedules
	interval time.Duration        // set for relative schedules
}

// Parse converts a human readable schedule definition to a *Schedule.
//
// Supported kinds (by example):
//   - "5 * * * * * *": a cron expression with a seconds field. The task
//     starts at the specified moments regardless of when the previous run
//     finished, e.g. at second 5 of every minute. This is an absolute
//     schedule.
//   - "with 30s interval": runs in a loop, waiting 30s after one run
//     finishes before starting the next. This is a relative schedule.
func Parse(expr string) (*Schedule, error) {
	if strings.HasPrefix(expr, "with ") {
		tokens := strings.SplitN(expr, " ", 3)
		if len(tokens) != 3 || tokens[2] != "interval" {
			return nil, fmt.Errorf("expecting format %q", "with <duration> interval")
		}
		interval, err := time.ParseDuration(tokens[1])
		if err != nil {
			return nil, fmt.Errorf("bad duration %q - %s", tokens[1], err)
		}
		if interval <= 0 {
			return nil, fmt.Errorf("bad interval %q - it must be positive", tokens[1])
		}
		return &Schedule{asString: expr, interval: interval}, nil
	}
	exp, err := cronexpr.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("bad cron expression %q - %s", expr, err)
	}
	return &Schedule{asString: expr, cronExpr: exp}, nil
}

// Next tells when to run the task the next time.
//
// 'now' is the current time. 'prev' is when the previous run finished (or
// zero time before the first run).
func (s *Schedule) Next(now, prev time.Time) time.Time {
	if s.cronExpr != nil {
		return s.cronExpr.Next(now)
	}
	if prev.IsZero() {
		return now.Add(s.interval)
	}
	next := prev.Add(s.interval)
	if next.Before(now) {
		next = now
	}
	return next
}

// String returns the schedule definition it was parsed from.
func (s *Schedule) String() string {
	return s.asString
}
