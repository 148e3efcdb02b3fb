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

// Package artifact encodes record sets as durable time-bucketed blobs and
// derives object paths from their windows.
//
// An artifact is gzip-compressed JSONL: one JSON document per record, with
// the timestamp rendered in the pipeline's display timezone plus the
// original UTC form under "@timestamp_utc". Paths follow the fixed naming
// convention:
//
//	realtime/rt_<YYYYMMDD_HHMM>_kst.jsonl.gz
//	daily/daily_<YYYYMMDD>_kst.jsonl.gz
//	<YYYY-MM>/week_<NN>_<YYYYMMDD>_<YYYYMMDD>_kst.jsonl.gz
package artifact

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.chromium.org/luci/common/errors"

	"github.com/fms-infra/temphum-collector/internal/record"
)

// RealtimePrefix is the object-store prefix holding minute artifacts.
const RealtimePrefix = "realtime/"

// DisplayLayout renders artifact timestamps, millisecond precision.
const DisplayLayout = "2006-01-02 15:04:05.000"

// Codec encodes and decodes artifacts for one display timezone.
type Codec struct {
	// Loc is the display timezone applied to record timestamps on encode.
	Loc *time.Location
}

// MinuteObject is the artifact path for one minute window, named by the
// window start in the display timezone.
func MinuteObject(minute time.Time, loc *time.Location) string {
	return fmt.Sprintf("%srt_%s_kst.jsonl.gz", RealtimePrefix, minute.In(loc).Format("20060102_1504"))
}

// MinutePrefix lists all minute artifacts for the given minute, regardless
// of which process wrote them.
func MinutePrefix(minute time.Time, loc *time.Location) string {
	return fmt.Sprintf("%srt_%s", RealtimePrefix, minute.In(loc).Format("20060102_1504"))
}

// DailyObject is the rolling daily artifact path for the calendar date of t
// in the display timezone.
func DailyObject(t time.Time, loc *time.Location) string {
	return fmt.Sprintf("daily/daily_%s_kst.jsonl.gz", t.In(loc).Format("20060102"))
}

// WeekObject is the batch artifact path for week n of the given month. The
// end date is inclusive, matching the original naming.
func WeekObject(month string, n int, w record.Window) string {
	return fmt.Sprintf("%s/week_%02d_%s_%s_kst.jsonl.gz",
		month, n, w.Start.Format("20060102"), w.End.AddDate(0, 0, -1).Format("20060102"))
}

type row struct {
	Timestamp    string         `json:"@timestamp"`
	TimestampUTC string         `json:"@timestamp_utc"`
	ObjID        *string        `json:"objId"`
	RscTypeID    *string        `json:"rsctypeId"`
	Temperature  *float64       `json:"TEMPERATURE"`
	Temperature1 *float64       `json:"TEMPERATURE1"`
	Humidity     *float64       `json:"HUMIDITY"`
	Humidity1    *float64       `json:"HUMIDITY1"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Encode serializes records to a gzipped JSONL blob.
func (c *Codec) Encode(recs []record.Record) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for i := range recs {
		r := &recs[i]
		line := row{
			Timestamp:    r.Timestamp.In(c.Loc).Format(DisplayLayout),
			TimestampUTC: r.SourceTimestamp,
			ObjID:        r.ObjID,
			RscTypeID:    r.RscTypeID,
			Temperature:  r.Temperature,
			Temperature1: r.Temperature1,
			Humidity:     r.Humidity,
			Humidity1:    r.Humidity1,
			Extra:        r.Extra,
		}
		if err := enc.Encode(&line); err != nil {
			return nil, errors.Annotate(err, "encoding record %d", i).Err()
		}
	}
	if err := gz.Close(); err != nil {
		return nil, errors.Annotate(err, "closing gzip stream").Err()
	}
	return buf.Bytes(), nil
}

// Decode parses a gzipped JSONL blob back into records.
func (c *Codec) Decode(blob []byte) ([]record.Record, error) {
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, errors.Annotate(err, "opening gzip stream").Err()
	}
	defer gz.Close()

	var out []record.Record
	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var r row
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, errors.Annotate(err, "decoding record %d", len(out)).Err()
		}
		rec, err := c.rowToRecord(&r)
		if err != nil {
			return nil, errors.Annotate(err, "decoding record %d", len(out)).Err()
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		return nil, errors.Annotate(err, "reading artifact").Err()
	}
	return out, nil
}

func (c *Codec) rowToRecord(r *row) (record.Record, error) {
	rec := record.Record{
		SourceTimestamp: r.TimestampUTC,
		ObjID:           r.ObjID,
		RscTypeID:       r.RscTypeID,
		Temperature:     r.Temperature,
		Temperature1:    r.Temperature1,
		Humidity:        r.Humidity,
		Humidity1:       r.Humidity1,
		Extra:           r.Extra,
	}
	// Prefer the original UTC timestamp; older artifacts may only carry the
	// display form.
	if r.TimestampUTC != "" {
		ts, _, err := record.ParseTimestamp(r.TimestampUTC)
		if err != nil {
			return record.Record{}, errors.Annotate(err, "bad @timestamp_utc").Err()
		}
		rec.Timestamp = ts
		return rec, nil
	}
	t, err := time.ParseInLocation(DisplayLayout, r.Timestamp, c.Loc)
	if err != nil {
		return record.Record{}, errors.Annotate(err, "bad @timestamp").Err()
	}
	rec.Timestamp = t.UTC()
	rec.SourceTimestamp = t.UTC().Format("2006-01-02T15:04:05.000Z")
	return rec, nil
}
