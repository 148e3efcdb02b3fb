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
	"testing"
	"time"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

func TestParse(t *testing.T) {
	t.Parallel()

	ftt.Run("Parse", t, func(t *ftt.Test) {
		t.Run("relative", func(t *ftt.Test) {
			s, err := Parse("with 30s interval")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, s.String(), should.Equal("with 30s interval"))
		})

		t.Run("bad relative format", func(t *ftt.Test) {
			_, err := Parse("with 30s pause")
			assert.Loosely(t, err, should.ErrLike("expecting format"))
		})

		t.Run("bad duration", func(t *ftt.Test) {
			_, err := Parse("with black-hole interval")
			assert.Loosely(t, err, should.ErrLike("bad duration"))
		})

		t.Run("non-positive interval", func(t *ftt.Test) {
			_, err := Parse("with -5s interval")
			assert.Loosely(t, err, should.ErrLike("must be positive"))
		})

		t.Run("cron with seconds field", func(t *ftt.Test) {
			s, err := Parse("5 * * * * * *")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, s.String(), should.Equal("5 * * * * * *"))
		})

		t.Run("bad cron expression", func(t *ftt.Test) {
			_, err := Parse("not a schedule at all, sorry")
			assert.Loosely(t, err, should.ErrLike("bad cron expression"))
		})
	})
}

func TestNext(t *testing.T) {
	t.Parallel()

	ftt.Run("Next", t, func(t *ftt.Test) {
		now := time.Date(2025, 3, 1, 12, 0, 30, 0, time.UTC)

		t.Run("absolute ignores prev", func(t *ftt.Test) {
			s, err := Parse("5 * * * * * *")
			assert.Loosely(t, err, should.BeNil)
			next := s.Next(now, now.Add(-time.Hour))
			assert.Loosely(t, next, should.Match(time.Date(2025, 3, 1, 12, 1, 5, 0, time.UTC)))
		})

		t.Run("relative first run waits one interval", func(t *ftt.Test) {
			s, err := Parse("with 30s interval")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, s.Next(now, time.Time{}), should.Match(now.Add(30*time.Second)))
		})

		t.Run("relative runs one interval after prev", func(t *ftt.Test) {
			s, err := Parse("with 30s interval")
			assert.Loosely(t, err, should.BeNil)
			prev := now.Add(-10 * time.Second)
			assert.Loosely(t, s.Next(now, prev), should.Match(prev.Add(30*time.Second)))
		})

		t.Run("relative overdue run fires now", func(t *ftt.Test) {
			s, err := Parse("with 30s interval")
			assert.Loosely(t, err, should.BeNil)
			prev := now.Add(-time.Hour)
			assert.Loosely(t, s.Next(now, prev), should.Match(now))
		})
	})
}
