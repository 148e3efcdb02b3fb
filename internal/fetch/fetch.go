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

// Package fetch retrieves documents from the search index.
//
// Large windows are drained through a server-side scroll cursor: an initial
// search opens the cursor, continuations consume it until exhausted, and
// the cursor is explicitly released on every exit path. Transient failures
// (network errors, HTTP 5xx, 429) are retried with exponential backoff
// capped at ten seconds; when retries are exhausted mid-scroll the records
// accumulated so far are returned alongside the error rather than
// discarded.
//
// The fetcher mutates no checkpoint; it is a pure reader.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"

	"github.com/fms-infra/temphum-collector/internal/record"
)

const (
	// DefaultPageSize is the scroll batch size.
	DefaultPageSize = 1000
	// DefaultKeepAlive is how long the server keeps an idle scroll cursor.
	DefaultKeepAlive = 2 * time.Minute
)

// Fetcher retrieves and projects documents for one index pattern and record
// type.
type Fetcher struct {
	Client *elasticsearch.Client
	// Index is the index name or pattern to query.
	Index string
	// RecordType, when non-empty, restricts queries with a term filter on
	// rsctypeId.
	RecordType string
	// Projector reduces raw hits to records.
	Projector *record.Projector

	// PageSize overrides DefaultPageSize when positive.
	PageSize int
	// KeepAlive overrides DefaultKeepAlive when positive.
	KeepAlive time.Duration
}

func (f *Fetcher) pageSize() int {
	if f.PageSize > 0 {
		return f.PageSize
	}
	return DefaultPageSize
}

func (f *Fetcher) keepAlive() time.Duration {
	if f.KeepAlive > 0 {
		return f.KeepAlive
	}
	return DefaultKeepAlive
}

// retryPolicy matches the source pipeline: five attempts with exponential
// backoff (1s, 2s, 4s, 8s, 10s cap).
func retryPolicy() retry.Iterator {
	return &retry.ExponentialBackoff{
		Limited: retry.Limited{
			Delay:   time.Second,
			Retries: 4,
		},
		Multiplier: 2,
		MaxDelay:   10 * time.Second,
	}
}

const queryTimeLayout = "2006-01-02T15:04:05.000Z"

func (f *Fetcher) boolQuery(rangeSpec map[string]string) map[string]any {
	must := []any{
		map[string]any{"range": map[string]any{record.TimestampField: rangeSpec}},
	}
	if f.RecordType != "" {
		must = append(must, map[string]any{"term": map[string]any{record.FieldRscTypeID: f.RecordType}})
	}
	return map[string]any{"bool": map[string]any{"must": must}}
}

func windowRange(w record.Window) map[string]string {
	return map[string]string{
		"gte": w.Start.UTC().Format(queryTimeLayout),
		"lt":  w.End.UTC().Format(queryTimeLayout),
	}
}

// hitsTotal tolerates both the modern {"value": N} object and the legacy
// bare number.
type hitsTotal struct {
	Value int64 `json:"value"`
}

func (t *hitsTotal) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '{' {
		type alias hitsTotal
		return json.Unmarshal(b, (*alias)(t))
	}
	return json.Unmarshal(b, &t.Value)
}

type hit struct {
	Source map[string]any `json:"_source"`
}

type searchResponse struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Total hitsTotal `json:"total"`
		Hits  []hit     `json:"hits"`
	} `json:"hits"`
}

// FetchWindow returns all matching documents in the window, ascending by
// timestamp, draining the scroll cursor across as many pages as needed.
//
// On failure after partial progress, the accumulated records are returned
// together with a non-nil error: callers decide whether partial data is
// forward progress (the backfill coordinator) or a degraded cycle (the
// minute collector).
func (f *Fetcher) FetchWindow(ctx context.Context, w record.Window) ([]record.Record, error) {
	body := map[string]any{
		"size":    f.pageSize(),
		"sort":    []any{map[string]any{record.TimestampField: map[string]any{"order": "asc"}}},
		"query":   f.boolQuery(windowRange(w)),
		"timeout": "60s",
	}

	var page searchResponse
	err := retry.Retry(ctx, transient.Only(retryPolicy), func() error {
		return f.search(ctx, body, &page, true)
	}, retry.LogCallback(ctx, "open scroll"))
	if err != nil {
		return nil, errors.Annotate(err, "opening scroll for %s", w).Err()
	}

	scrollID := page.ScrollID
	defer f.clearScroll(ctx, &scrollID)

	total := page.Hits.Total.Value
	recs := f.project(ctx, page.Hits.Hits)
	if len(page.Hits.Hits) == 0 {
		logging.Debugf(ctx, "no documents in %s", w)
		return nil, nil
	}
	logging.Infof(ctx, "opened scroll over %s: %d of %d documents", w, len(recs), total)

	batch := 1
	for {
		var cont searchResponse
		err := retry.Retry(ctx, transient.Only(retryPolicy), func() error {
			return f.scroll(ctx, scrollID, &cont)
		}, retry.LogCallback(ctx, "continue scroll"))
		if err != nil {
			return recs, errors.Annotate(err, "scroll broke after %d records in %s", len(recs), w).Err()
		}
		scrollID = cont.ScrollID
		if len(cont.Hits.Hits) == 0 {
			break
		}
		batch++
		recs = append(recs, f.project(ctx, cont.Hits.Hits)...)
		if batch%10 == 0 {
			logging.Infof(ctx, "scroll progress: %d/%d documents", len(recs), total)
		}
	}
	logging.Infof(ctx, "scroll complete: %d documents in %s", len(recs), w)
	return recs, nil
}

// FetchSince returns one bounded page of documents with timestamps strictly
// greater than the cursor, ascending. It is the streaming publisher's
// polling primitive and does not scroll.
func (f *Fetcher) FetchSince(ctx context.Context, cursor string, size int) ([]record.Record, error) {
	body := map[string]any{
		"size":  size,
		"sort":  []any{map[string]any{record.TimestampField: map[string]any{"order": "asc"}}},
		"query": f.boolQuery(map[string]string{"gt": cursor}),
	}
	var page searchResponse
	err := retry.Retry(ctx, transient.Only(retryPolicy), func() error {
		return f.search(ctx, body, &page, false)
	}, retry.LogCallback(ctx, "search since"))
	if err != nil {
		return nil, errors.Annotate(err, "searching since %q", cursor).Err()
	}
	return f.project(ctx, page.Hits.Hits), nil
}

// Sample returns up to n raw document sources, newest first, without
// projection. It backs ad-hoc inspection tooling.
func (f *Fetcher) Sample(ctx context.Context, n int) ([]map[string]any, error) {
	body := map[string]any{
		"size":  n,
		"sort":  []any{map[string]any{record.TimestampField: map[string]any{"order": "desc"}}},
		"query": f.boolQuery(map[string]string{"lte": "now"}),
	}
	var page searchResponse
	err := retry.Retry(ctx, transient.Only(retryPolicy), func() error {
		return f.search(ctx, body, &page, false)
	}, retry.LogCallback(ctx, "sample"))
	if err != nil {
		return nil, errors.Annotate(err, "sampling %d documents", n).Err()
	}
	sources := make([]map[string]any, 0, len(page.Hits.Hits))
	for _, h := range page.Hits.Hits {
		sources = append(sources, h.Source)
	}
	return sources, nil
}

// Count runs the pre-flight total-match count for a window. Failures only
// degrade heuristics downstream, so callers treat errors as "unknown".
func (f *Fetcher) Count(ctx context.Context, w record.Window) (int64, error) {
	body := map[string]any{"query": f.boolQuery(windowRange(w))}
	blob, err := json.Marshal(body)
	if err != nil {
		return 0, errors.Annotate(err, "marshaling count query").Err()
	}
	res, err := f.Client.Count(
		f.Client.Count.WithContext(ctx),
		f.Client.Count.WithIndex(f.Index),
		f.Client.Count.WithBody(bytes.NewReader(blob)),
	)
	if err != nil {
		return 0, transient.Tag.Apply(errors.Annotate(err, "count request").Err())
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, statusErr(res)
	}
	var out struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, errors.Annotate(err, "decoding count response").Err()
	}
	return out.Count, nil
}

func (f *Fetcher) search(ctx context.Context, body map[string]any, out *searchResponse, scroll bool) error {
	blob, err := json.Marshal(body)
	if err != nil {
		return errors.Annotate(err, "marshaling query").Err()
	}
	opts := []func(*esapi.SearchRequest){
		f.Client.Search.WithContext(ctx),
		f.Client.Search.WithIndex(f.Index),
		f.Client.Search.WithBody(bytes.NewReader(blob)),
	}
	if scroll {
		opts = append(opts, f.Client.Search.WithScroll(f.keepAlive()))
	}
	res, err := f.Client.Search(opts...)
	if err != nil {
		return transient.Tag.Apply(errors.Annotate(err, "search request").Err())
	}
	defer res.Body.Close()
	if res.IsError() {
		return statusErr(res)
	}
	*out = searchResponse{}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return errors.Annotate(err, "decoding search response").Err()
	}
	return nil
}

func (f *Fetcher) scroll(ctx context.Context, scrollID string, out *searchResponse) error {
	res, err := f.Client.Scroll(
		f.Client.Scroll.WithContext(ctx),
		f.Client.Scroll.WithScrollID(scrollID),
		f.Client.Scroll.WithScroll(f.keepAlive()),
	)
	if err != nil {
		return transient.Tag.Apply(errors.Annotate(err, "scroll request").Err())
	}
	defer res.Body.Close()
	if res.IsError() {
		return statusErr(res)
	}
	*out = searchResponse{}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return errors.Annotate(err, "decoding scroll response").Err()
	}
	return nil
}

// clearScroll releases the server-side cursor. Failure to release is logged
// and otherwise ignored; the cursor expires on its own keep-alive.
func (f *Fetcher) clearScroll(ctx context.Context, scrollID *string) {
	if *scrollID == "" {
		return
	}
	res, err := f.Client.ClearScroll(
		f.Client.ClearScroll.WithContext(ctx),
		f.Client.ClearScroll.WithScrollID(*scrollID),
	)
	if err != nil {
		logging.Warningf(ctx, "failed to clear scroll cursor: %s", err)
		return
	}
	res.Body.Close()
}

func (f *Fetcher) project(ctx context.Context, hits []hit) []record.Record {
	recs := make([]record.Record, 0, len(hits))
	for _, h := range hits {
		rec, err := f.Projector.Project(h.Source)
		if err != nil {
			logging.Warningf(ctx, "skipping document: %s", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs
}

// statusErr turns a non-2xx search-index response into an error, tagged
// transient for server-side and throttling statuses.
func statusErr(res *esapi.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	err := errors.Reason("search index returned HTTP %d: %s", res.StatusCode, bytes.TrimSpace(snippet)).Err()
	if res.StatusCode >= 500 || res.StatusCode == 429 {
		return transient.Tag.Apply(err)
	}
	return err
}
