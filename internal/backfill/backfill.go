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

// Package backfill drives week-sized historical extraction over a month.
//
// Each week of the target month moves through a persisted state machine:
// absent (never attempted) -> completed | partial | failed, with partial
// and failed weeks eligible for additive retry on a later run. The
// per-month checkpoint file makes the whole process resumable: killing the
// coordinator mid-week loses at most that week's in-flight fetch.
package backfill

import (
	"context"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/fms-infra/temphum-collector/internal/artifact"
	"github.com/fms-infra/temphum-collector/internal/checkpoint"
	"github.com/fms-infra/temphum-collector/internal/record"
	"github.com/fms-infra/temphum-collector/internal/store"
)

// FailedWeek records a week whose attempts all yielded nothing.
type FailedWeek struct {
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error"`
	ExpectedCount int64  `json:"expected_count"`
	Timestamp     string `json:"timestamp"`
}

// PartialWeek records a week below the success threshold whose fetched
// records were still persisted.
type PartialWeek struct {
	CurrentCount  int    `json:"current_count"`
	ExpectedCount int64  `json:"expected_count"`
	LastAttempt   string `json:"last_attempt"`
}

// Checkpoint is the per-month batch state file.
type Checkpoint struct {
	CompletedWeeks []int               `json:"completed_weeks"`
	FailedWeeks    map[int]FailedWeek  `json:"failed_weeks"`
	PartialWeeks   map[int]PartialWeek `json:"partial_weeks"`
}

func (c *Checkpoint) init() {
	if c.FailedWeeks == nil {
		c.FailedWeeks = map[int]FailedWeek{}
	}
	if c.PartialWeeks == nil {
		c.PartialWeeks = map[int]PartialWeek{}
	}
}

func (c *Checkpoint) completed(week int) bool {
	for _, w := range c.CompletedWeeks {
		if w == week {
			return true
		}
	}
	return false
}

func (c *Checkpoint) markCompleted(week int) {
	if !c.completed(week) {
		c.CompletedWeeks = append(c.CompletedWeeks, week)
	}
	delete(c.FailedWeeks, week)
	delete(c.PartialWeeks, week)
}

// Source is the fetch surface the coordinator needs.
type Source interface {
	FetchWindow(ctx context.Context, w record.Window) ([]record.Record, error)
	Count(ctx context.Context, w record.Window) (int64, error)
}

// Coordinator runs the batch backfill for one target month.
type Coordinator struct {
	Source     Source
	Store      store.Store
	Codec      *artifact.Codec
	Checkpoint *checkpoint.File[Checkpoint]
	// Month is the target month, "YYYY-MM".
	Month string

	// MaxAttempts bounds fetch attempts per week per run. Default 3.
	MaxAttempts int
	// SuccessRatio is the fetched-to-expected ratio considered complete.
	// Default 0.8; an operational heuristic, not an invariant.
	SuccessRatio float64
	// AttemptPause separates consecutive attempts. Default 10s.
	AttemptPause time.Duration
}

func (c *Coordinator) maxAttempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return 3
}

func (c *Coordinator) successRatio() float64 {
	if c.SuccessRatio > 0 {
		return c.SuccessRatio
	}
	return 0.8
}

func (c *Coordinator) attemptPause() time.Duration {
	if c.AttemptPause > 0 {
		return c.AttemptPause
	}
	return 10 * time.Second
}

// monthRange returns the [first day, first day of next month) span.
func monthRange(month string) (start, end time.Time, err error) {
	start, err = time.Parse("2006-01", month)
	if err != nil {
		return time.Time{}, time.Time{}, errors.Annotate(err, "bad month %q", month).Err()
	}
	return start, start.AddDate(0, 1, 0), nil
}

// Run processes every week of the target month, skipping completed weeks
// and retrying failed/partial ones additively. It returns the final state;
// week-level failures are recorded there, not returned as errors.
func (c *Coordinator) Run(ctx context.Context) (*Checkpoint, error) {
	start, end, err := monthRange(c.Month)
	if err != nil {
		return nil, err
	}

	state, ok := c.Checkpoint.Load(ctx)
	state.init()
	if ok {
		logging.Infof(ctx, "resuming backfill of %s: completed=%v failed=%d partial=%d",
			c.Month, state.CompletedWeeks, len(state.FailedWeeks), len(state.PartialWeeks))
	} else {
		logging.Infof(ctx, "starting backfill of %s", c.Month)
	}

	week := 0
	for cur := start; cur.Before(end); {
		week++
		weekEnd := cur.AddDate(0, 0, 7)
		if weekEnd.After(end) {
			weekEnd = end
		}
		w := record.Window{Start: cur, End: weekEnd}
		cur = weekEnd

		if state.completed(week) {
			logging.Infof(ctx, "week %d already completed, skipping", week)
			continue
		}
		if err := ctx.Err(); err != nil {
			return &state, errors.Annotate(err, "backfill interrupted at week %d", week).Err()
		}
		c.processWeek(ctx, &state, week, w)
	}

	c.logSummary(ctx, &state)
	if len(state.FailedWeeks) == 0 && len(state.PartialWeeks) == 0 {
		if err := c.Checkpoint.Remove(); err != nil {
			logging.Warningf(ctx, "failed to remove batch checkpoint: %s", err)
		} else {
			logging.Infof(ctx, "all weeks completed, checkpoint removed")
		}
	}
	return &state, nil
}

func (c *Coordinator) processWeek(ctx context.Context, state *Checkpoint, week int, w record.Window) {
	if prior, ok := state.FailedWeeks[week]; ok {
		logging.Warningf(ctx, "week %d previously failed %d times, last error: %s", week, prior.Attempts, prior.LastError)
	}
	if prior, ok := state.PartialWeeks[week]; ok {
		logging.Infof(ctx, "week %d has partial data: %d/%d records", week, prior.CurrentCount, prior.ExpectedCount)
	}
	logging.Infof(ctx, "processing week %d: %s", week, w)

	objectName := artifact.WeekObject(c.Month, week, w)
	existing := c.loadExisting(ctx, objectName)
	if len(existing) > 0 {
		logging.Infof(ctx, "week %d artifact already holds %d records", week, len(existing))
	}

	// Pre-flight count. Failure only degrades the success heuristic.
	expected := int64(0)
	if n, err := c.Source.Count(ctx, w); err != nil {
		logging.Warningf(ctx, "could not get expected count for week %d: %s", week, err)
	} else {
		expected = n
		logging.Infof(ctx, "expected record count for week %d: %d", week, expected)
	}

	var fetched []record.Record
	var lastErr error
	succeeded := false
	for attempt := 1; attempt <= c.maxAttempts(); attempt++ {
		logging.Infof(ctx, "attempt %d/%d for week %d", attempt, c.maxAttempts(), week)
		recs, err := c.Source.FetchWindow(ctx, w)
		fetched = append(fetched, recs...)
		if err != nil {
			lastErr = err
			logging.Errorf(ctx, "attempt %d for week %d: %s", attempt, week, err)
		}
		if expected > 0 {
			ratio := float64(len(fetched)) / float64(expected)
			logging.Infof(ctx, "fetch progress for week %d: %d/%d (%.1f%%)", week, len(fetched), expected, 100*ratio)
			if ratio >= c.successRatio() {
				succeeded = true
				break
			}
		} else if len(fetched) > 0 {
			// Expected count unknown: any data counts as success.
			succeeded = true
			break
		}
		if attempt < c.maxAttempts() {
			if err := clock.Sleep(clock.Tag(ctx, "backfill-pause"), c.attemptPause()).Err; err != nil {
				lastErr = err
				break
			}
		}
	}

	unique := record.Dedup(fetched)
	if len(unique) < len(fetched) {
		logging.Infof(ctx, "after deduplication: %d unique records for week %d", len(unique), week)
	}

	now := clock.Now(ctx).UTC().Format(time.RFC3339)
	switch {
	case !succeeded && len(unique) == 0:
		logging.Errorf(ctx, "week %d completely failed after %d attempts", week, c.maxAttempts())
		msg := "no data retrieved"
		if lastErr != nil {
			msg = lastErr.Error()
		}
		state.FailedWeeks[week] = FailedWeek{
			Attempts:      c.maxAttempts(),
			LastError:     msg,
			ExpectedCount: expected,
			Timestamp:     now,
		}
		c.saveState(ctx, state)

	case !succeeded:
		logging.Warningf(ctx, "week %d partially fetched: %d/%d records", week, len(unique), expected)
		state.PartialWeeks[week] = PartialWeek{
			CurrentCount:  len(unique) + len(existing),
			ExpectedCount: expected,
			LastAttempt:   now,
		}
		c.saveState(ctx, state)
		// Partial data is still forward progress.
		if err := c.writeWeek(ctx, objectName, w, unique, existing); err != nil {
			logging.Errorf(ctx, "failed to persist partial week %d: %s", week, err)
		}

	default:
		if err := c.writeWeek(ctx, objectName, w, unique, existing); err != nil {
			logging.Errorf(ctx, "failed to persist week %d: %s", week, err)
			state.FailedWeeks[week] = FailedWeek{
				Attempts:      c.maxAttempts(),
				LastError:     err.Error(),
				ExpectedCount: expected,
				Timestamp:     now,
			}
			c.saveState(ctx, state)
			return
		}
		state.markCompleted(week)
		c.saveState(ctx, state)
		logging.Infof(ctx, "week %d completed and checkpointed (%d records)", week, len(unique))
	}
}

// writeWeek filters the fetched records to the week's range, merges them
// with any pre-existing artifact, dedups, sorts and publishes atomically.
func (c *Coordinator) writeWeek(ctx context.Context, objectName string, w record.Window, recs, existing []record.Record) error {
	if len(recs) == 0 {
		return errors.Reason("no records to write").Err()
	}
	// The index can hand back boundary stragglers; keep strictly in-week
	// records only so the artifact's name and contents agree.
	filtered := recs[:0:0]
	for _, r := range recs {
		if w.Contains(r.Timestamp) {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) < len(recs) {
		logging.Infof(ctx, "week filter dropped %d out-of-range records", len(recs)-len(filtered))
	}
	if len(filtered) == 0 {
		return errors.Reason("no records in week range after filtering").Err()
	}

	final := record.Dedup(append(existing, filtered...))
	record.SortByTimestamp(final)

	blob, err := c.Codec.Encode(final)
	if err != nil {
		return errors.Annotate(err, "encoding week artifact").Err()
	}
	tmp := objectName + ".tmp"
	if err := c.Store.Put(ctx, tmp, blob); err != nil {
		return errors.Annotate(err, "writing %q", tmp).Err()
	}
	if err := c.Store.Rename(ctx, tmp, objectName); err != nil {
		return errors.Annotate(err, "publishing %q", objectName).Err()
	}
	logging.Infof(ctx, "saved %d records to %q", len(final), objectName)
	return nil
}

// loadExisting reads a prior week artifact; absence or corruption degrades
// to an empty starting point.
func (c *Coordinator) loadExisting(ctx context.Context, path string) []record.Record {
	blob, err := c.Store.Get(ctx, path)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logging.Warningf(ctx, "could not load existing %q, will overwrite: %s", path, err)
		}
		return nil
	}
	recs, err := c.Codec.Decode(blob)
	if err != nil {
		logging.Warningf(ctx, "corrupt artifact %q, will overwrite: %s", path, err)
		return nil
	}
	return recs
}

func (c *Coordinator) saveState(ctx context.Context, state *Checkpoint) {
	if err := c.Checkpoint.Save(ctx, *state); err != nil {
		logging.Errorf(ctx, "failed to save batch checkpoint: %s", err)
	}
}

func (c *Coordinator) logSummary(ctx context.Context, state *Checkpoint) {
	logging.Infof(ctx, "backfill of %s finished: %d completed, %d failed, %d partial",
		c.Month, len(state.CompletedWeeks), len(state.FailedWeeks), len(state.PartialWeeks))
	for week, info := range state.FailedWeeks {
		logging.Warningf(ctx, "  week %d failed: %d attempts, last error: %s", week, info.Attempts, info.LastError)
	}
	for week, info := range state.PartialWeeks {
		logging.Warningf(ctx, "  week %d partial: %d/%d records", week, info.CurrentCount, info.ExpectedCount)
	}
}
