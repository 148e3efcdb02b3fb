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

// Package merge folds minute artifacts into the day's rolling artifact.
package merge

import (
	"context"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/tsmon/metric"

	"github.com/fms-infra/temphum-collector/internal/artifact"
	"github.com/fms-infra/temphum-collector/internal/record"
	"github.com/fms-infra/temphum-collector/internal/store"
)

var mergedRecords = metric.NewCounter(
	"temphum/merge/records",
	"Records merged into daily artifacts.",
	nil)

// Engine merges and dedups minute artifacts into daily artifacts.
//
// It is the only component allowed to delete minute artifacts, and it does
// so only after the merged daily artifact has been written and published.
type Engine struct {
	Store store.Store
	Codec *artifact.Codec
	// Loc is the display timezone for window math and artifact names.
	Loc *time.Location
	// Lag is how far behind "now" the merged minute sits. Default two
	// minutes, one more than collection, so a merge never races the
	// collection of the same window.
	Lag time.Duration
}

func (e *Engine) lag() time.Duration {
	if e.Lag > 0 {
		return e.Lag
	}
	return 2 * time.Minute
}

// MergeTick merges the target minute two ticks in the past. A minute with
// no artifacts is a no-op, the normal case when no source data existed.
func (e *Engine) MergeTick(ctx context.Context) error {
	target := clock.Now(ctx).In(e.Loc).Truncate(time.Minute).Add(-e.lag())
	return e.MergeMinute(ctx, target)
}

// MergeMinute merges all minute artifacts for the given minute into the
// day's rolling artifact, then deletes the consumed minute artifacts.
//
// The merge is idempotent: re-running it for the same minute (or re-merging
// artifacts whose deletion failed) collapses to the same daily record set.
func (e *Engine) MergeMinute(ctx context.Context, target time.Time) error {
	names, err := e.Store.List(ctx, artifact.MinutePrefix(target, e.Loc))
	if err != nil {
		return errors.Annotate(err, "listing minute artifacts").Err()
	}
	if len(names) == 0 {
		logging.Debugf(ctx, "no minute artifacts for %s", target.Format("2006-01-02 15:04"))
		return nil
	}
	logging.Infof(ctx, "merging %d minute artifacts for %s", len(names), target.Format("2006-01-02 15:04"))

	var incoming []record.Record
	var consumed []string
	for _, name := range names {
		blob, err := e.Store.Get(ctx, name)
		if err != nil {
			logging.Warningf(ctx, "failed to load %q, leaving it for the next cycle: %s", name, err)
			continue
		}
		recs, err := e.Codec.Decode(blob)
		if err != nil {
			logging.Warningf(ctx, "failed to decode %q, skipping it: %s", name, err)
			continue
		}
		incoming = append(incoming, recs...)
		consumed = append(consumed, name)
	}
	if len(consumed) == 0 {
		return nil
	}

	dailyPath := artifact.DailyObject(target, e.Loc)
	existing, err := e.loadDaily(ctx, dailyPath)
	if err != nil {
		// Abort this merge; minute artifacts stay put and the next cycle
		// retries.
		return errors.Annotate(err, "reading daily artifact %q", dailyPath).Err()
	}

	merged := record.Dedup(append(existing, incoming...))
	record.SortByTimestamp(merged)

	blob, err := e.Codec.Encode(merged)
	if err != nil {
		return errors.Annotate(err, "encoding daily artifact").Err()
	}
	tmp := dailyPath + ".tmp"
	if err := e.Store.Put(ctx, tmp, blob); err != nil {
		return errors.Annotate(err, "writing %q", tmp).Err()
	}
	if err := e.Store.Rename(ctx, tmp, dailyPath); err != nil {
		return errors.Annotate(err, "publishing %q", dailyPath).Err()
	}
	mergedRecords.Add(ctx, int64(len(incoming)))
	logging.Infof(ctx, "merged %d records into %q (total %d)", len(incoming), dailyPath, len(merged))

	// Only after the daily write is confirmed.
	for _, name := range consumed {
		if err := e.Store.Delete(ctx, name); err != nil {
			logging.Warningf(ctx, "failed to remove merged artifact %q: %s", name, err)
		}
	}
	return nil
}

// loadDaily reads the existing daily artifact. Not-found means an empty
// starting point; a decode failure degrades to empty with a warning; any
// other read error aborts the merge.
func (e *Engine) loadDaily(ctx context.Context, path string) ([]record.Record, error) {
	blob, err := e.Store.Get(ctx, path)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	recs, err := e.Codec.Decode(blob)
	if err != nil {
		logging.Warningf(ctx, "corrupt daily artifact %q, starting fresh: %s", path, err)
		return nil, nil
	}
	return recs, nil
}
