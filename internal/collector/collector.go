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

// Package collector writes one minute artifact per scheduling tick.
package collector

import (
	"context"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/tsmon/metric"

	"github.com/fms-infra/temphum-collector/internal/artifact"
	"github.com/fms-infra/temphum-collector/internal/checkpoint"
	"github.com/fms-infra/temphum-collector/internal/record"
	"github.com/fms-infra/temphum-collector/internal/store"
)

var collectedRecords = metric.NewCounter(
	"temphum/collector/records",
	"Records written to minute artifacts.",
	nil)

// Source fetches all documents in a window.
type Source interface {
	FetchWindow(ctx context.Context, w record.Window) ([]record.Record, error)
}

// Collector fetches the previous, now-closed minute window every tick and
// writes it as a discrete artifact.
//
// The target window sits Lag behind the current minute so that upstream has
// stopped writing into it. Artifact names derive deterministically from the
// window, so re-collecting a minute overwrites rather than appends.
type Collector struct {
	Source     Source
	Store      store.Store
	Codec      *artifact.Codec
	Checkpoint *checkpoint.File[checkpoint.Streaming]
	// Loc is the display timezone used for window math and artifact names.
	Loc *time.Location
	// Lag is how far behind "now" the collected minute sits. Default one
	// minute; a fixed heuristic covering index ingestion latency.
	Lag time.Duration
}

func (c *Collector) lag() time.Duration {
	if c.Lag > 0 {
		return c.Lag
	}
	return time.Minute
}

// Collect runs one collection tick.
func (c *Collector) Collect(ctx context.Context) error {
	target := clock.Now(ctx).In(c.Loc).Truncate(time.Minute).Add(-c.lag())
	w := record.Window{Start: target, End: target.Add(time.Minute)}
	logging.Infof(ctx, "collecting minute %s (window %s)", target.Format("2006-01-02 15:04"), w)

	recs, err := c.Source.FetchWindow(ctx, w)
	if err != nil {
		if len(recs) == 0 {
			return errors.Annotate(err, "fetching minute %s", target.Format("2006-01-02 15:04")).Err()
		}
		// Partial progress still gets persisted; a later merge of the same
		// minute dedups any re-collected overlap.
		logging.Warningf(ctx, "fetched only %d records for minute %s: %s", len(recs), target.Format("2006-01-02 15:04"), err)
	}
	if len(recs) == 0 {
		logging.Infof(ctx, "no data for minute %s", target.Format("2006-01-02 15:04"))
		return nil
	}

	blob, err := c.Codec.Encode(recs)
	if err != nil {
		return errors.Annotate(err, "encoding minute artifact").Err()
	}
	path := artifact.MinuteObject(target, c.Loc)
	if err := c.Store.Put(ctx, path, blob); err != nil {
		return errors.Annotate(err, "writing %q", path).Err()
	}
	collectedRecords.Add(ctx, int64(len(recs)))
	logging.Infof(ctx, "saved %d records to %q", len(recs), path)

	c.advanceCheckpoint(ctx, w.End, target)
	return nil
}

// advanceCheckpoint records confirmed progress. The cursor never moves
// backwards; a tick that re-collects an old minute leaves it alone.
func (c *Collector) advanceCheckpoint(ctx context.Context, cursor time.Time, minute time.Time) {
	cur, _ := c.Checkpoint.Load(ctx)
	next := cursor.UTC().Format("2006-01-02T15:04:05.000Z")
	if cur.LastTimestamp != "" && next <= cur.LastTimestamp {
		return
	}
	minuteStr := minute.Format("2006-01-02T15:04:05")
	cur.LastTimestamp = next
	cur.LastProcessedMinute = &minuteStr
	if err := c.Checkpoint.Save(ctx, cur); err != nil {
		logging.Warningf(ctx, "failed to save collector checkpoint: %s", err)
	}
}
