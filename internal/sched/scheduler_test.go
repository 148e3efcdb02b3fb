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
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

func TestScheduler(t *testing.T) {
	t.Parallel()

	ftt.Run("Scheduler", t, func(t *ftt.Test) {
		ctx, tc := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
		tc.SetTimerCallback(func(d time.Duration, _ clock.Timer) { tc.Add(d) })

		t.Run("rejects bad schedules", func(t *ftt.Test) {
			s := New(1)
			assert.Loosely(t, s.Add("broken", "not a schedule at all, sorry", nil),
				should.ErrLike(`task "broken"`))
		})

		t.Run("runs tasks at cron offsets", func(t *ftt.Test) {
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			var mu sync.Mutex
			var seen []time.Time
			done := make(chan struct{})

			s := New(1)
			err := s.Add("collect", "5 * * * * * *", func(ctx context.Context) error {
				mu.Lock()
				seen = append(seen, clock.Now(ctx))
				n := len(seen)
				mu.Unlock()
				if n == 3 {
					close(done)
				}
				return nil
			})
			assert.Loosely(t, err, should.BeNil)
			s.Start(ctx)

			<-done
			cancel()
			s.Stop()

			mu.Lock()
			defer mu.Unlock()
			for _, ts := range seen[:3] {
				assert.Loosely(t, ts.Second(), should.Equal(5))
			}
			// Consecutive runs hit consecutive minutes.
			assert.Loosely(t, seen[1].Sub(seen[0]), should.Equal(time.Minute))
		})

		t.Run("task errors do not stop the loop", func(t *ftt.Test) {
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			var runs atomic.Int64
			done := make(chan struct{})
			s := New(1)
			err := s.Add("flaky", "with 1s interval", func(ctx context.Context) error {
				if runs.Add(1) == 2 {
					close(done)
				}
				return errors.Reason("boom").Err()
			})
			assert.Loosely(t, err, should.BeNil)
			s.Start(ctx)

			<-done
			cancel()
			s.Stop()
			assert.Loosely(t, runs.Load(), should.BeGreaterThanOrEqual(2))
		})

		t.Run("Stop waits for the in-flight task", func(t *ftt.Test) {
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			started := make(chan struct{})
			release := make(chan struct{})
			var finished atomic.Bool

			s := New(1)
			err := s.Add("slow", "with 1s interval", func(ctx context.Context) error {
				close(started)
				<-release
				finished.Store(true)
				return nil
			})
			assert.Loosely(t, err, should.BeNil)
			s.Start(ctx)

			<-started
			cancel()

			stopped := make(chan struct{})
			go func() {
				s.Stop()
				close(stopped)
			}()

			select {
			case <-stopped:
				t.Fatal("Stop returned with a task still in flight")
			case <-time.After(10 * time.Millisecond):
			}

			close(release)
			<-stopped
			assert.Loosely(t, finished.Load(), should.BeTrue)
		})

		t.Run("Start is idempotent", func(t *ftt.Test) {
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			s := New(1)
			assert.Loosely(t, s.Add("noop", "with 1h interval", func(ctx context.Context) error {
				return nil
			}), should.BeNil)
			s.Start(ctx)
			s.Start(ctx)
			assert.Loosely(t, s.Add("late", "with 1h interval", nil),
				should.ErrLike("already started"))
			cancel()
			s.Stop()
		})
	})
}
