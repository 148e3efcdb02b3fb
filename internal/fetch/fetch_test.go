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

package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"github.com/fms-infra/temphum-collector/internal/record"
)

// testCtx returns a context whose clock auto-advances, so retry backoff
// does not sleep for real.
func testCtx() context.Context {
	ctx, tc := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
	tc.SetTimerCallback(func(d time.Duration, _ clock.Timer) { tc.Add(d) })
	return ctx
}

func newFetcher(t *ftt.Test, handler http.Handler) *Fetcher {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	assert.Loosely(t, err, should.BeNil)
	return &Fetcher{
		Client:     client,
		Index:      "fms-test",
		RecordType: "FTH",
		Projector:  record.NewProjector(nil),
	}
}

// respond writes a search-index JSON response, including the product
// header the client verifies.
func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func hitFor(ts string, obj string) map[string]any {
	return map[string]any{"_source": map[string]any{
		"@timestamp": ts,
		"objId":      obj,
		"rsctypeId":  "FTH",
	}}
}

func page(scrollID string, total int, hits ...map[string]any) map[string]any {
	return map[string]any{
		"_scroll_id": scrollID,
		"hits": map[string]any{
			"total": map[string]any{"value": total},
			"hits":  hits,
		},
	}
}

func TestFetchWindow(t *testing.T) {
	t.Parallel()

	window := record.Window{
		Start: time.Date(2025, 3, 1, 12, 4, 0, 0, time.UTC),
		End:   time.Date(2025, 3, 1, 12, 5, 0, 0, time.UTC),
	}

	ftt.Run("FetchWindow", t, func(t *ftt.Test) {
		ctx := testCtx()

		t.Run("drains the scroll cursor across pages", func(t *ftt.Test) {
			var cleared atomic.Bool
			var sawQuery atomic.Pointer[map[string]any]

			mux := http.NewServeMux()
			mux.HandleFunc("/fms-test/_search", func(w http.ResponseWriter, r *http.Request) {
				var body map[string]any
				json.NewDecoder(r.Body).Decode(&body)
				sawQuery.Store(&body)
				respond(w, http.StatusOK, page("s1", 3,
					hitFor("2025-03-01T12:04:10.000Z", "a"),
					hitFor("2025-03-01T12:04:20.000Z", "b")))
			})
			scrolls := 0
			scrollHandler := func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodDelete {
					cleared.Store(true)
					respond(w, http.StatusOK, map[string]any{"succeeded": true})
					return
				}
				scrolls++
				if scrolls == 1 {
					respond(w, http.StatusOK, page("s2", 3,
						hitFor("2025-03-01T12:04:30.000Z", "c")))
					return
				}
				respond(w, http.StatusOK, page("s3", 3))
			}
			mux.HandleFunc("/_search/scroll", scrollHandler)
			// ClearScroll.WithScrollID puts the cursor ID in the URL path
			// (DELETE /_search/scroll/<id>), so the mock must match the
			// subtree as well as the exact path.
			mux.HandleFunc("/_search/scroll/", scrollHandler)

			f := newFetcher(t, mux)
			recs, err := f.FetchWindow(ctx, window)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, recs, should.HaveLength(3))
			assert.Loosely(t, *recs[2].ObjID, should.Equal("c"))
			assert.Loosely(t, cleared.Load(), should.BeTrue)

			// The query carries the window range and the record-type filter.
			blob, _ := json.Marshal(*sawQuery.Load())
			assert.Loosely(t, string(blob), should.ContainSubstring(`"gte":"2025-03-01T12:04:00.000Z"`))
			assert.Loosely(t, string(blob), should.ContainSubstring(`"lt":"2025-03-01T12:05:00.000Z"`))
			assert.Loosely(t, string(blob), should.ContainSubstring(`"rsctypeId":"FTH"`))
		})

		t.Run("an empty window returns no records", func(t *ftt.Test) {
			mux := http.NewServeMux()
			mux.HandleFunc("/fms-test/_search", func(w http.ResponseWriter, r *http.Request) {
				respond(w, http.StatusOK, page("s1", 0))
			})
			mux.HandleFunc("/_search/scroll", func(w http.ResponseWriter, r *http.Request) {
				respond(w, http.StatusOK, map[string]any{"succeeded": true})
			})

			f := newFetcher(t, mux)
			recs, err := f.FetchWindow(ctx, window)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, recs, should.BeEmpty)
		})

		t.Run("retries server errors on open", func(t *ftt.Test) {
			var calls atomic.Int64
			mux := http.NewServeMux()
			mux.HandleFunc("/fms-test/_search", func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) == 1 {
					respond(w, http.StatusServiceUnavailable, map[string]any{"error": "overloaded"})
					return
				}
				respond(w, http.StatusOK, page("s1", 1,
					hitFor("2025-03-01T12:04:10.000Z", "a")))
			})
			mux.HandleFunc("/_search/scroll", func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodDelete {
					respond(w, http.StatusOK, map[string]any{"succeeded": true})
					return
				}
				respond(w, http.StatusOK, page("s2", 1))
			})

			f := newFetcher(t, mux)
			recs, err := f.FetchWindow(ctx, window)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, recs, should.HaveLength(1))
			assert.Loosely(t, calls.Load(), should.Equal(2))
		})

		t.Run("client errors are not retried", func(t *ftt.Test) {
			var calls atomic.Int64
			mux := http.NewServeMux()
			mux.HandleFunc("/fms-test/_search", func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				respond(w, http.StatusBadRequest, map[string]any{"error": "malformed query"})
			})

			f := newFetcher(t, mux)
			_, err := f.FetchWindow(ctx, window)
			assert.Loosely(t, err, should.ErrLike("HTTP 400"))
			assert.Loosely(t, transient.Tag.In(err), should.BeFalse)
			assert.Loosely(t, calls.Load(), should.Equal(1))
		})

		t.Run("a mid-scroll failure returns partial records with the error", func(t *ftt.Test) {
			mux := http.NewServeMux()
			mux.HandleFunc("/fms-test/_search", func(w http.ResponseWriter, r *http.Request) {
				respond(w, http.StatusOK, page("s1", 3,
					hitFor("2025-03-01T12:04:10.000Z", "a"),
					hitFor("2025-03-01T12:04:20.000Z", "b")))
			})
			mux.HandleFunc("/_search/scroll", func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodDelete {
					respond(w, http.StatusOK, map[string]any{"succeeded": true})
					return
				}
				// Scroll context lost; not recoverable by retry.
				respond(w, http.StatusNotFound, map[string]any{"error": "search context missing"})
			})

			f := newFetcher(t, mux)
			recs, err := f.FetchWindow(ctx, window)
			assert.Loosely(t, err, should.ErrLike("scroll broke after 2 records"))
			assert.Loosely(t, recs, should.HaveLength(2))
		})

		t.Run("unprojectable hits are skipped, not fatal", func(t *ftt.Test) {
			mux := http.NewServeMux()
			mux.HandleFunc("/fms-test/_search", func(w http.ResponseWriter, r *http.Request) {
				respond(w, http.StatusOK, page("s1", 2,
					map[string]any{"_source": map[string]any{"objId": "no-timestamp"}},
					hitFor("2025-03-01T12:04:10.000Z", "a")))
			})
			mux.HandleFunc("/_search/scroll", func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodDelete {
					respond(w, http.StatusOK, map[string]any{"succeeded": true})
					return
				}
				respond(w, http.StatusOK, page("s2", 2))
			})

			f := newFetcher(t, mux)
			recs, err := f.FetchWindow(ctx, window)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, recs, should.HaveLength(1))
			assert.Loosely(t, *recs[0].ObjID, should.Equal("a"))
		})
	})
}

func TestFetchSince(t *testing.T) {
	t.Parallel()

	ftt.Run("FetchSince queries strictly greater than the cursor", t, func(t *ftt.Test) {
		ctx := testCtx()

		var sawBody atomic.Pointer[string]
		mux := http.NewServeMux()
		mux.HandleFunc("/fms-test/_search", func(w http.ResponseWriter, r *http.Request) {
			blob, _ := io.ReadAll(r.Body)
			s := string(blob)
			sawBody.Store(&s)
			respond(w, http.StatusOK, page("", 1,
				hitFor("2025-03-01T12:00:10.000Z", "a")))
		})

		f := newFetcher(t, mux)
		recs, err := f.FetchSince(ctx, "2025-03-01T12:00:00.000Z", 500)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, recs, should.HaveLength(1))

		body := *sawBody.Load()
		assert.Loosely(t, body, should.ContainSubstring(`"gt":"2025-03-01T12:00:00.000Z"`))
		assert.Loosely(t, body, should.ContainSubstring(`"size":500`))
		assert.Loosely(t, body, should.NotContainSubstring("scroll"))
	})
}

func TestCount(t *testing.T) {
	t.Parallel()

	ftt.Run("Count", t, func(t *ftt.Test) {
		ctx := testCtx()
		window := record.Window{
			Start: time.Date(2025, 3, 8, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC),
		}

		t.Run("returns the match total", func(t *ftt.Test) {
			mux := http.NewServeMux()
			mux.HandleFunc("/fms-test/_count", func(w http.ResponseWriter, r *http.Request) {
				respond(w, http.StatusOK, map[string]any{"count": 12345})
			})

			f := newFetcher(t, mux)
			n, err := f.Count(ctx, window)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, n, should.Equal(12345))
		})

		t.Run("tags server failures transient", func(t *ftt.Test) {
			mux := http.NewServeMux()
			mux.HandleFunc("/fms-test/_count", func(w http.ResponseWriter, r *http.Request) {
				respond(w, http.StatusBadGateway, map[string]any{"error": "bad gateway"})
			})

			f := newFetcher(t, mux)
			_, err := f.Count(ctx, window)
			assert.Loosely(t, err, should.ErrLike("HTTP 502"))
			assert.Loosely(t, transient.Tag.In(err), should.BeTrue)
		})
	})
}

func TestSample(t *testing.T) {
	t.Parallel()

	ftt.Run("Sample returns raw sources newest first", t, func(t *ftt.Test) {
		ctx := testCtx()

		var sawSize atomic.Pointer[string]
		mux := http.NewServeMux()
		mux.HandleFunc("/fms-test/_search", func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			s := fmt.Sprintf("%v", body["size"])
			sawSize.Store(&s)
			respond(w, http.StatusOK, page("", 2,
				hitFor("2025-03-01T12:00:20.000Z", "b"),
				hitFor("2025-03-01T12:00:10.000Z", "a")))
		})

		f := newFetcher(t, mux)
		docs, err := f.Sample(ctx, 3)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, *sawSize.Load(), should.Equal("3"))
		assert.Loosely(t, docs, should.HaveLength(2))
		assert.Loosely(t, docs[0]["objId"], should.Equal("b"))
		// Raw documents, not projections.
		assert.Loosely(t, docs[0]["@timestamp"], should.Equal("2025-03-01T12:00:20.000Z"))
	})
}
