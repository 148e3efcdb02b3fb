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

// Package sched runs periodic pipeline tasks.
//
// A Scheduler owns an explicit list of (name, schedule, task) entries and a
// lifecycle: Add, Start, Stop. There is no process-wide registry. Tasks are
// dispatched to a small bounded worker pool (a weighted semaphore); a task
// occupies one slot for its whole run. Schedules with deliberate second
// offsets keep tasks that touch the same windows from running concurrently.
//
// Stop is cooperative: it stops scheduling new ticks and waits for in-flight
// tasks to finish. Task errors are logged and never stop the scheduler.
package sched

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// Task is one unit of periodic work.
type Task func(ctx context.Context) error

type entry struct {
	name     string
	schedule *Schedule
	task     Task
}

// Scheduler dispatches registered tasks on their schedules.
type Scheduler struct {
	sem     *semaphore.Weighted
	entries []*entry

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New returns a scheduler whose tasks share a pool of the given size.
func New(workers int) *Scheduler {
	if workers <= 0 {
		workers = 2
	}
	return &Scheduler{sem: semaphore.NewWeighted(int64(workers))}
}

// Add registers a task. The schedule expression is parsed per Parse. Add
// must not be called after Start.
func (s *Scheduler) Add(name, expr string, task Task) error {
	sched, err := Parse(expr)
	if err != nil {
		return errors.Annotate(err, "task %q", name).Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.Reason("scheduler already started").Err()
	}
	s.entries = append(s.entries, &entry{name: name, schedule: sched, task: task})
	return nil
}

// Start begins ticking. Each registered task gets its own timing loop; the
// given context is the parent of every task invocation.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	tickCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	// In-flight tasks run to completion even after Stop cancels ticking.
	runCtx := context.WithoutCancel(ctx)

	for _, e := range s.entries {
		logging.Infof(ctx, "scheduled task %q: %s", e.name, e.schedule)
		s.wg.Add(1)
		go s.loop(tickCtx, runCtx, e)
	}
}

// Stop cancels future ticks and blocks until in-flight tasks complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(tickCtx, runCtx context.Context, e *entry) {
	defer s.wg.Done()
	var prev time.Time
	for {
		now := clock.Now(tickCtx)
		next := e.schedule.Next(now, prev)
		if d := next.Sub(now); d > 0 {
			if tr := <-clock.After(tickCtx, d); tr.Err != nil {
				return // canceled
			}
		}
		if err := s.sem.Acquire(tickCtx, 1); err != nil {
			return
		}
		s.runOne(runCtx, e)
		s.sem.Release(1)
		prev = clock.Now(tickCtx)
	}
}

func (s *Scheduler) runOne(ctx context.Context, e *entry) {
	started := clock.Now(ctx)
	if err := e.task(ctx); err != nil {
		logging.Errorf(ctx, "task %q failed after %s: %s", e.name, clock.Now(ctx).Sub(started), err)
		return
	}
	logging.Debugf(ctx, "task %q finished in %s", e.name, clock.Now(ctx).Sub(started))
}
