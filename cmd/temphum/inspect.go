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

package main

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/fms-infra/temphum-collector/internal/artifact"
	"github.com/fms-infra/temphum-collector/internal/record"
)

// outWriter opens -out for writing, or returns stdout when the flag is
// empty. The returned closer is a no-op for stdout.
func outWriter(path string) (io.Writer, func() error, error) {
	if path == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, errors.Annotate(err, "creating %q", path).Err()
	}
	return f, f.Close, nil
}

func cmdSample() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "sample [flags]",
		ShortDesc: "dumps raw documents from the search index",
		LongDesc: `Fetches the newest matching documents without projection and writes
them as JSON lines, one document per line.`,
		CommandRun: func() subcommands.CommandRun {
			r := &sampleRun{}
			r.registerSearchFlags()
			r.Flags.IntVar(&r.n, "n", 10, "Number of documents to dump.")
			r.Flags.StringVar(&r.out, "out", "", "Output file; stdout when empty.")
			return r
		},
	}
}

type sampleRun struct {
	commonRun

	n   int
	out string
}

func (r *sampleRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if len(args) != 0 {
		return fatalf(ctx, "unexpected arguments %q", args)
	}
	fetcher, err := r.fetcher()
	if err != nil {
		return r.done(ctx, err)
	}
	docs, err := fetcher.Sample(ctx, r.n)
	if err != nil {
		return r.done(ctx, err)
	}

	w, closeOut, err := outWriter(r.out)
	if err != nil {
		return r.done(ctx, err)
	}
	defer closeOut()

	enc := json.NewEncoder(w)
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			return r.done(ctx, errors.Annotate(err, "writing document").Err())
		}
	}
	logging.Infof(ctx, "dumped %d documents", len(docs))
	return 0
}

func cmdExport() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "export -date YYYYMMDD [flags]",
		ShortDesc: "exports a daily artifact as CSV",
		LongDesc: `Reads the daily artifact for the given display-timezone date and writes
it as CSV with the canonical columns. Absent fields export as empty
cells.`,
		CommandRun: func() subcommands.CommandRun {
			r := &exportRun{}
			r.registerSearchFlags()
			r.registerStoreFlags()
			r.Flags.StringVar(&r.date, "date", "", "Target date, YYYYMMDD. Required.")
			r.Flags.StringVar(&r.out, "out", "", "Output file; stdout when empty.")
			return r
		},
	}
}

type exportRun struct {
	commonRun

	date string
	out  string
}

func (r *exportRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if len(args) != 0 {
		return fatalf(ctx, "unexpected arguments %q", args)
	}
	if r.date == "" {
		return fatalf(ctx, "-date is required")
	}
	loc, err := r.location()
	if err != nil {
		return r.done(ctx, err)
	}
	day, err := time.ParseInLocation("20060102", r.date, loc)
	if err != nil {
		return r.done(ctx, errors.Annotate(err, "bad -date %q", r.date).Err())
	}

	st, err := r.objectStore(ctx)
	if err != nil {
		return r.done(ctx, err)
	}
	path := artifact.DailyObject(day, loc)
	blob, err := st.Get(ctx, path)
	if err != nil {
		return r.done(ctx, errors.Annotate(err, "reading %q", path).Err())
	}
	recs, err := r.codec(loc).Decode(blob)
	if err != nil {
		return r.done(ctx, errors.Annotate(err, "decoding %q", path).Err())
	}

	w, closeOut, err := outWriter(r.out)
	if err != nil {
		return r.done(ctx, err)
	}
	defer closeOut()

	cw := csv.NewWriter(w)
	header := append([]string{record.TimestampField}, record.CanonicalFields...)
	if err := cw.Write(header); err != nil {
		return r.done(ctx, errors.Annotate(err, "writing header").Err())
	}
	for i := range recs {
		if err := cw.Write(csvRow(&recs[i], loc)); err != nil {
			return r.done(ctx, errors.Annotate(err, "writing row").Err())
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return r.done(ctx, errors.Annotate(err, "flushing csv").Err())
	}
	logging.Infof(ctx, "exported %d records from %q", len(recs), path)
	return 0
}

func csvRow(rec *record.Record, loc *time.Location) []string {
	str := func(v *string) string {
		if v == nil {
			return ""
		}
		return *v
	}
	num := func(v *float64) string {
		if v == nil {
			return ""
		}
		return strconv.FormatFloat(*v, 'f', -1, 64)
	}
	return []string{
		rec.Timestamp.In(loc).Format(artifact.DisplayLayout),
		str(rec.ObjID),
		str(rec.RscTypeID),
		num(rec.Temperature),
		num(rec.Temperature1),
		num(rec.Humidity),
		num(rec.Humidity1),
	}
}

func cmdResort() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "resort -path obj [flags]",
		ShortDesc: "re-sorts an artifact by timestamp in place",
		LongDesc: `Reads an artifact, sorts its records ascending by timestamp and writes
it back through the usual temp-then-rename publish step.`,
		CommandRun: func() subcommands.CommandRun {
			r := &resortRun{}
			r.registerSearchFlags()
			r.registerStoreFlags()
			r.Flags.StringVar(&r.path, "path", "", "Artifact object path. Required.")
			return r
		},
	}
}

type resortRun struct {
	commonRun

	path string
}

func (r *resortRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if len(args) != 0 {
		return fatalf(ctx, "unexpected arguments %q", args)
	}
	if r.path == "" {
		return fatalf(ctx, "-path is required")
	}
	loc, err := r.location()
	if err != nil {
		return r.done(ctx, err)
	}
	st, err := r.objectStore(ctx)
	if err != nil {
		return r.done(ctx, err)
	}
	codec := r.codec(loc)

	blob, err := st.Get(ctx, r.path)
	if err != nil {
		return r.done(ctx, errors.Annotate(err, "reading %q", r.path).Err())
	}
	recs, err := codec.Decode(blob)
	if err != nil {
		return r.done(ctx, errors.Annotate(err, "decoding %q", r.path).Err())
	}
	record.SortByTimestamp(recs)

	sorted, err := codec.Encode(recs)
	if err != nil {
		return r.done(ctx, errors.Annotate(err, "encoding %q", r.path).Err())
	}
	tmp := r.path + ".tmp"
	if err := st.Put(ctx, tmp, sorted); err != nil {
		return r.done(ctx, errors.Annotate(err, "writing %q", tmp).Err())
	}
	if err := st.Rename(ctx, tmp, r.path); err != nil {
		return r.done(ctx, errors.Annotate(err, "publishing %q", r.path).Err())
	}
	logging.Infof(ctx, "re-sorted %d records in %q", len(recs), r.path)
	return 0
}
