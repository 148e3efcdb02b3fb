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

// Package record defines the canonical FTH record, its projection from raw
// search-index documents and its identity used for deduplication.
//
// A record always carries a timestamp. All other attributes are the fixed
// canonical field set (objId, rsctypeId and the four temperature/humidity
// measurements) plus an open extension map for projector-selected fields
// outside the canonical set. Canonical fields that are absent from a source
// document are nil and serialize as explicit JSON nulls, never omitted.
package record

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.chromium.org/luci/common/errors"
)

// TimestampField is the name of the mandatory timestamp attribute.
const TimestampField = "@timestamp"

// Canonical field names, in serialization order.
const (
	FieldObjID        = "objId"
	FieldRscTypeID    = "rsctypeId"
	FieldTemperature  = "TEMPERATURE"
	FieldTemperature1 = "TEMPERATURE1"
	FieldHumidity     = "HUMIDITY"
	FieldHumidity1    = "HUMIDITY1"
)

// CanonicalFields lists the canonical field names, timestamp excluded.
var CanonicalFields = []string{
	FieldObjID,
	FieldRscTypeID,
	FieldTemperature,
	FieldTemperature1,
	FieldHumidity,
	FieldHumidity1,
}

// Record is one projected document.
type Record struct {
	// Timestamp is the record's instant, parsed from the source document.
	Timestamp time.Time
	// SourceTimestamp is the timestamp exactly as the source emitted it,
	// normalized to a string. Cursor comparisons and dedup use it verbatim.
	SourceTimestamp string

	ObjID        *string
	RscTypeID    *string
	Temperature  *float64
	Temperature1 *float64
	Humidity     *float64
	Humidity1    *float64

	// Extra holds projector-selected fields outside the canonical set.
	Extra map[string]any
}

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls within the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// EffectivelyEmpty reports whether every canonical field is null. Extension
// fields are ignored: the published representation is the canonical
// projection, so a record carrying only extension data would still go out
// as an all-null payload. Such records are suppressed by the publisher.
func (r *Record) EffectivelyEmpty() bool {
	return r.ObjID == nil &&
		r.RscTypeID == nil &&
		r.Temperature == nil &&
		r.Temperature1 == nil &&
		r.Humidity == nil &&
		r.Humidity1 == nil
}

// Key returns the record's dedup identity: the full tuple of projected
// fields, timestamp included. Two records are duplicates iff their keys are
// equal.
func (r *Record) Key() string {
	var b strings.Builder
	b.WriteString(r.SourceTimestamp)
	writeOpt := func(name string, v any, ok bool) {
		b.WriteByte('|')
		b.WriteString(name)
		b.WriteByte('=')
		if ok {
			fmt.Fprintf(&b, "%v", v)
		}
	}
	writeOptStr := func(name string, v *string) {
		if v != nil {
			writeOpt(name, *v, true)
		} else {
			writeOpt(name, nil, false)
		}
	}
	writeOptF64 := func(name string, v *float64) {
		if v != nil {
			b.WriteByte('|')
			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(strconv.FormatFloat(*v, 'g', -1, 64))
		} else {
			writeOpt(name, nil, false)
		}
	}
	writeOptStr(FieldObjID, r.ObjID)
	writeOptStr(FieldRscTypeID, r.RscTypeID)
	writeOptF64(FieldTemperature, r.Temperature)
	writeOptF64(FieldTemperature1, r.Temperature1)
	writeOptF64(FieldHumidity, r.Humidity)
	writeOptF64(FieldHumidity1, r.Humidity1)
	if len(r.Extra) > 0 {
		keys := make([]string, 0, len(r.Extra))
		for k := range r.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeOpt(k, r.Extra[k], true)
		}
	}
	return b.String()
}

// CanonicalJSON serializes the record in the canonical publishing schema:
// exactly the timestamp plus the canonical field set, absent fields as
// explicit nulls, extension fields dropped.
func (r *Record) CanonicalJSON() ([]byte, error) {
	doc := canonicalDoc{
		Timestamp:    r.SourceTimestamp,
		ObjID:        r.ObjID,
		RscTypeID:    r.RscTypeID,
		Temperature:  r.Temperature,
		Temperature1: r.Temperature1,
		Humidity:     r.Humidity,
		Humidity1:    r.Humidity1,
	}
	return json.Marshal(&doc)
}

type canonicalDoc struct {
	Timestamp    string   `json:"@timestamp"`
	ObjID        *string  `json:"objId"`
	RscTypeID    *string  `json:"rsctypeId"`
	Temperature  *float64 `json:"TEMPERATURE"`
	Temperature1 *float64 `json:"TEMPERATURE1"`
	Humidity     *float64 `json:"HUMIDITY"`
	Humidity1    *float64 `json:"HUMIDITY1"`
}

// ParseTimestamp interprets a raw timestamp value from a source document.
//
// The index emits either ISO-8601 strings or epoch milliseconds (as a JSON
// number or a digit string). The returned string form is what cursor
// comparisons use; for epoch inputs it is the RFC3339 rendering so that
// lexicographic comparison stays consistent with time order.
func ParseTimestamp(v any) (time.Time, string, error) {
	switch tv := v.(type) {
	case string:
		if tv == "" {
			return time.Time{}, "", errors.Reason("empty timestamp").Err()
		}
		if isDigits(tv) {
			ms, err := strconv.ParseInt(tv, 10, 64)
			if err != nil {
				return time.Time{}, "", errors.Annotate(err, "epoch timestamp %q", tv).Err()
			}
			t := time.UnixMilli(ms).UTC()
			return t, t.Format("2006-01-02T15:04:05.000Z"), nil
		}
		t, err := parseISO(tv)
		if err != nil {
			return time.Time{}, "", err
		}
		return t, tv, nil
	case float64:
		t := time.UnixMilli(int64(tv)).UTC()
		return t, t.Format("2006-01-02T15:04:05.000Z"), nil
	case json.Number:
		ms, err := tv.Int64()
		if err != nil {
			return time.Time{}, "", errors.Annotate(err, "epoch timestamp %q", tv.String()).Err()
		}
		t := time.UnixMilli(ms).UTC()
		return t, t.Format("2006-01-02T15:04:05.000Z"), nil
	default:
		return time.Time{}, "", errors.Reason("unsupported timestamp type %T", v).Err()
	}
}

var isoLayouts = []string{
	"2006-01-02T15:04:05.000000000Z07:00",
	"2006-01-02T15:04:05.000000Z07:00",
	"2006-01-02T15:04:05.000Z07:00",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
}

func parseISO(s string) (time.Time, error) {
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Reason("unrecognized timestamp %q", s).Err()
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

// Dedup removes exact duplicates (by Key), preserving first occurrence
// order. The input slice is not modified.
func Dedup(recs []Record) []Record {
	seen := make(map[string]struct{}, len(recs))
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		k := r.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}

// SortByTimestamp orders records ascending by timestamp in place. Records
// with equal timestamps are ordered by their dedup key to keep the result
// deterministic.
func SortByTimestamp(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].Timestamp.Before(recs[j].Timestamp)
		}
		return recs[i].Key() < recs[j].Key()
	})
}
