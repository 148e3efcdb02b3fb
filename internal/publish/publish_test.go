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

package publish

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"github.com/fms-infra/temphum-collector/internal/checkpoint"
	"github.com/fms-infra/temphum-collector/internal/record"
)

type fakeFetch struct {
	pages   map[string][]record.Record
	err     error
	cursors []string
}

func (f *fakeFetch) FetchSince(ctx context.Context, cursor string, size int) ([]record.Record, error) {
	f.cursors = append(f.cursors, cursor)
	if f.err != nil {
		return nil, f.err
	}
	return f.pages[cursor], nil
}

type fakeBus struct {
	batches [][][]byte
	err     error
}

func (b *fakeBus) Publish(ctx context.Context, payloads [][]byte) error {
	if b.err != nil {
		return b.err
	}
	b.batches = append(b.batches, payloads)
	return nil
}

func (b *fakeBus) Close() error { return nil }

func rec(ts string, temp *float64) record.Record {
	t, src, err := record.ParseTimestamp(ts)
	if err != nil {
		panic(err)
	}
	return record.Record{Timestamp: t, SourceTimestamp: src, Temperature: temp}
}

func f64p(f float64) *float64 { return &f }

func TestTick(t *testing.T) {
	t.Parallel()

	ftt.Run("Tick", t, func(t *ftt.Test) {
		ctx := context.Background()
		src := &fakeFetch{pages: map[string][]record.Record{}}
		bus := &fakeBus{}
		p := &Publisher{
			Source:     src,
			Bus:        bus,
			Checkpoint: checkpoint.NewFile[checkpoint.Streaming](filepath.Join(t.TempDir(), "cp.json")),
		}
		p.cursor = "2025-03-01T12:00:00.000Z"

		t.Run("publishes canonical JSON and advances the cursor", func(t *ftt.Test) {
			src.pages[p.cursor] = []record.Record{
				rec("2025-03-01T12:00:10.000Z", f64p(21.5)),
				rec("2025-03-01T12:00:20.000Z", f64p(21.6)),
			}

			assert.Loosely(t, p.Tick(ctx), should.BeNil)

			assert.Loosely(t, bus.batches, should.HaveLength(1))
			assert.Loosely(t, bus.batches[0], should.HaveLength(2))
			var doc map[string]any
			assert.Loosely(t, json.Unmarshal(bus.batches[0][0], &doc), should.BeNil)
			assert.Loosely(t, doc["@timestamp"], should.Equal("2025-03-01T12:00:10.000Z"))
			assert.Loosely(t, doc["TEMPERATURE"], should.Equal(21.5))

			assert.Loosely(t, p.cursor, should.Equal("2025-03-01T12:00:20.000Z"))
			cp, ok := p.Checkpoint.Load(ctx)
			assert.Loosely(t, ok, should.BeTrue)
			assert.Loosely(t, cp.LastTimestamp, should.Equal("2025-03-01T12:00:20.000Z"))
		})

		t.Run("empty records are suppressed and never advance the cursor alone", func(t *ftt.Test) {
			src.pages[p.cursor] = []record.Record{
				rec("2025-03-01T12:00:10.000Z", f64p(21.5)),
				rec("2025-03-01T12:00:20.000Z", nil), // newest, but empty
			}

			assert.Loosely(t, p.Tick(ctx), should.BeNil)

			assert.Loosely(t, bus.batches, should.HaveLength(1))
			assert.Loosely(t, bus.batches[0], should.HaveLength(1))
			// The cursor stops at the non-empty record so the empty one is
			// re-examined next tick.
			assert.Loosely(t, p.cursor, should.Equal("2025-03-01T12:00:10.000Z"))
		})

		t.Run("extension-only records are suppressed, not published as all-null", func(t *ftt.Test) {
			// A projected field outside the canonical set survives the fetch
			// in Extra but the canonical payload would be all null.
			r := rec("2025-03-01T12:00:10.000Z", nil)
			r.Extra = map[string]any{"collectDt": "20250301"}
			src.pages[p.cursor] = []record.Record{r}

			assert.Loosely(t, p.Tick(ctx), should.BeNil)
			assert.Loosely(t, bus.batches, should.BeEmpty)
			assert.Loosely(t, p.cursor, should.Equal("2025-03-01T12:00:00.000Z"))
		})

		t.Run("a later non-empty record advances past earlier empty ones", func(t *ftt.Test) {
			src.pages[p.cursor] = []record.Record{
				rec("2025-03-01T12:00:10.000Z", nil),
				rec("2025-03-01T12:00:20.000Z", f64p(21.6)),
			}

			assert.Loosely(t, p.Tick(ctx), should.BeNil)
			assert.Loosely(t, bus.batches[0], should.HaveLength(1))
			assert.Loosely(t, p.cursor, should.Equal("2025-03-01T12:00:20.000Z"))
		})

		t.Run("an all-empty page publishes nothing and saves nothing", func(t *ftt.Test) {
			src.pages[p.cursor] = []record.Record{
				rec("2025-03-01T12:00:10.000Z", nil),
			}

			assert.Loosely(t, p.Tick(ctx), should.BeNil)
			assert.Loosely(t, bus.batches, should.BeEmpty)
			assert.Loosely(t, p.cursor, should.Equal("2025-03-01T12:00:00.000Z"))
			_, ok := p.Checkpoint.Load(ctx)
			assert.Loosely(t, ok, should.BeFalse)
		})

		t.Run("no new documents is a quiet no-op", func(t *ftt.Test) {
			assert.Loosely(t, p.Tick(ctx), should.BeNil)
			assert.Loosely(t, bus.batches, should.BeEmpty)
		})

		t.Run("a publish failure leaves the cursor for a refetch", func(t *ftt.Test) {
			src.pages[p.cursor] = []record.Record{
				rec("2025-03-01T12:00:10.000Z", f64p(21.5)),
			}
			bus.err = errors.Reason("broker unreachable").Err()

			assert.Loosely(t, p.Tick(ctx), should.ErrLike("broker unreachable"))
			assert.Loosely(t, p.cursor, should.Equal("2025-03-01T12:00:00.000Z"))
			_, ok := p.Checkpoint.Load(ctx)
			assert.Loosely(t, ok, should.BeFalse)

			// Recovery republishes the same range.
			bus.err = nil
			assert.Loosely(t, p.Tick(ctx), should.BeNil)
			assert.Loosely(t, src.cursors, should.Match([]string{
				"2025-03-01T12:00:00.000Z", "2025-03-01T12:00:00.000Z",
			}))
			assert.Loosely(t, p.cursor, should.Equal("2025-03-01T12:00:10.000Z"))
		})

		t.Run("fetch failures surface without touching state", func(t *ftt.Test) {
			src.err = errors.Reason("search down").Err()
			assert.Loosely(t, p.Tick(ctx), should.ErrLike("search down"))
			assert.Loosely(t, p.cursor, should.Equal("2025-03-01T12:00:00.000Z"))
		})
	})
}

func TestRun(t *testing.T) {
	t.Parallel()

	ftt.Run("Run", t, func(t *ftt.Test) {
		baseCtx, tc := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
		ctx, cancel := context.WithCancel(baseCtx)
		defer cancel()
		// Stop the loop when it starts waiting for the next poll.
		tc.SetTimerCallback(func(d time.Duration, _ clock.Timer) { cancel() })

		src := &fakeFetch{pages: map[string][]record.Record{}}
		bus := &fakeBus{}
		p := &Publisher{
			Source:         src,
			Bus:            bus,
			Checkpoint:     checkpoint.NewFile[checkpoint.Streaming](filepath.Join(t.TempDir(), "cp.json")),
			StartTimestamp: "1970-01-01T00:00:00.000Z",
		}

		t.Run("bootstraps from StartTimestamp without a checkpoint", func(t *ftt.Test) {
			assert.Loosely(t, p.Run(ctx), should.BeNil)
			assert.Loosely(t, src.cursors, should.Match([]string{"1970-01-01T00:00:00.000Z"}))
		})

		t.Run("resumes from a saved checkpoint", func(t *ftt.Test) {
			saved := checkpoint.Streaming{LastTimestamp: "2025-03-01T12:00:00.000Z"}
			assert.Loosely(t, p.Checkpoint.Save(ctx, saved), should.BeNil)

			src.pages["2025-03-01T12:00:00.000Z"] = []record.Record{
				rec("2025-03-01T12:00:10.000Z", f64p(21.5)),
			}

			assert.Loosely(t, p.Run(ctx), should.BeNil)
			assert.Loosely(t, src.cursors, should.Match([]string{"2025-03-01T12:00:00.000Z"}))
			assert.Loosely(t, bus.batches, should.HaveLength(1))

			cp, ok := p.Checkpoint.Load(ctx)
			assert.Loosely(t, ok, should.BeTrue)
			assert.Loosely(t, cp.LastTimestamp, should.Equal("2025-03-01T12:00:10.000Z"))
		})
	})
}
