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

// Package publish re-emits projected records to the message bus.
//
// The publisher is an independent polling loop with its own checkpoint; it
// shares the fetch protocol with the collection path but none of its state.
// Delivery is at-least-once: the checkpoint only advances after a tick's
// records are confirmed flushed, so a failed tick is refetched and resent
// whole. Downstream consumers are assumed idempotent.
package publish

import (
	"context"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/tsmon/metric"

	"github.com/fms-infra/temphum-collector/internal/checkpoint"
	"github.com/fms-infra/temphum-collector/internal/record"
)

var (
	publishedRecords = metric.NewCounter(
		"temphum/publish/records",
		"Records published to the message bus.",
		nil)
	suppressedRecords = metric.NewCounter(
		"temphum/publish/suppressed",
		"Effectively-empty records dropped before publishing.",
		nil)
)

// Bus is the message bus boundary. Publish returns only after every payload
// is durably accepted (flush semantics).
type Bus interface {
	Publish(ctx context.Context, payloads [][]byte) error
	Close() error
}

// Source is the polling fetch surface the publisher needs.
type Source interface {
	FetchSince(ctx context.Context, cursor string, size int) ([]record.Record, error)
}

// Publisher polls for new documents and republishes them.
type Publisher struct {
	Source     Source
	Bus        Bus
	Checkpoint *checkpoint.File[checkpoint.Streaming]

	// Interval between polls. Default one minute.
	Interval time.Duration
	// FetchSize bounds one poll's page. Default 500.
	FetchSize int
	// StartTimestamp is the bootstrap cursor used when no checkpoint
	// exists.
	StartTimestamp string

	cursor string
}

func (p *Publisher) interval() time.Duration {
	if p.Interval > 0 {
		return p.Interval
	}
	return time.Minute
}

func (p *Publisher) fetchSize() int {
	if p.FetchSize > 0 {
		return p.FetchSize
	}
	return 500
}

// Run polls until the context is canceled. Tick errors are logged, never
// fatal; the next tick simply retries the same range.
func (p *Publisher) Run(ctx context.Context) error {
	cp, ok := p.Checkpoint.Load(ctx)
	if ok && cp.LastTimestamp != "" {
		p.cursor = cp.LastTimestamp
	} else {
		p.cursor = p.StartTimestamp
	}
	logging.Infof(ctx, "publisher starting from cursor %q", p.cursor)

	for {
		if err := p.Tick(ctx); err != nil {
			logging.Errorf(ctx, "publish tick failed: %s", err)
		}
		if tr := <-clock.After(ctx, p.interval()); tr.Err != nil {
			logging.Infof(ctx, "publisher stopping")
			return nil
		}
	}
}

// Tick fetches, projects and publishes one page of new documents, then
// advances the checkpoint iff everything flushed.
func (p *Publisher) Tick(ctx context.Context) error {
	recs, err := p.Source.FetchSince(ctx, p.cursor, p.fetchSize())
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		logging.Debugf(ctx, "no new documents")
		return nil
	}

	payloads := make([][]byte, 0, len(recs))
	maxTS := p.cursor
	suppressed := 0
	for i := range recs {
		r := &recs[i]
		if r.EffectivelyEmpty() {
			// Never published and never advances the cursor by itself; a
			// later non-empty record advances past it.
			suppressed++
			continue
		}
		// ISO-8601 cursors compare lexicographically in time order.
		if r.SourceTimestamp > maxTS {
			maxTS = r.SourceTimestamp
		}
		payload, err := r.CanonicalJSON()
		if err != nil {
			return errors.Annotate(err, "encoding record").Err()
		}
		payloads = append(payloads, payload)
	}
	if suppressed > 0 {
		suppressedRecords.Add(ctx, int64(suppressed))
		logging.Debugf(ctx, "suppressed %d effectively-empty records", suppressed)
	}

	if len(payloads) > 0 {
		if err := p.Bus.Publish(ctx, payloads); err != nil {
			// Checkpoint stays put: the whole range is refetched and
			// republished next tick.
			return errors.Annotate(err, "publishing %d records", len(payloads)).Err()
		}
		publishedRecords.Add(ctx, int64(len(payloads)))
		logging.Infof(ctx, "published %d records", len(payloads))
	}

	if maxTS > p.cursor {
		p.cursor = maxTS
		if err := p.Checkpoint.Save(ctx, checkpoint.Streaming{LastTimestamp: maxTS}); err != nil {
			return errors.Annotate(err, "saving checkpoint").Err()
		}
		logging.Infof(ctx, "advanced cursor to %q", maxTS)
	}
	return nil
}
