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

package record

import (
	"strconv"

	"go.chromium.org/luci/common/errors"
)

// Projector reduces raw documents to a field subset under the canonical
// schema.
type Projector struct {
	// Keep is the field allow-list. Empty means keep every field. The
	// timestamp is always kept regardless of the list.
	Keep []string
}

// NewProjector builds a projector from a field allow-list. A nil or empty
// list yields a keep-everything projector.
func NewProjector(fields []string) *Projector {
	return &Projector{Keep: fields}
}

func (p *Projector) keeps(field string) bool {
	if len(p.Keep) == 0 {
		return true
	}
	for _, f := range p.Keep {
		if f == field {
			return true
		}
	}
	return false
}

// Project applies the allow-list and the canonical schema to one raw
// document. Canonical fields missing from the document (or excluded by the
// allow-list) come out nil. Non-canonical kept fields land in Extra.
//
// Documents without a parseable timestamp are rejected.
func (p *Projector) Project(src map[string]any) (Record, error) {
	raw, ok := src[TimestampField]
	if !ok {
		return Record{}, errors.Reason("document has no %s field", TimestampField).Err()
	}
	ts, srcTS, err := ParseTimestamp(raw)
	if err != nil {
		return Record{}, errors.Annotate(err, "bad %s", TimestampField).Err()
	}

	rec := Record{Timestamp: ts, SourceTimestamp: srcTS}
	for name, v := range src {
		if name == TimestampField || !p.keeps(name) {
			continue
		}
		switch name {
		case FieldObjID:
			rec.ObjID = toString(v)
		case FieldRscTypeID:
			rec.RscTypeID = toString(v)
		case FieldTemperature:
			rec.Temperature = toFloat(v)
		case FieldTemperature1:
			rec.Temperature1 = toFloat(v)
		case FieldHumidity:
			rec.Humidity = toFloat(v)
		case FieldHumidity1:
			rec.Humidity1 = toFloat(v)
		default:
			if rec.Extra == nil {
				rec.Extra = map[string]any{}
			}
			rec.Extra[name] = v
		}
	}
	return rec, nil
}

func toString(v any) *string {
	switch tv := v.(type) {
	case string:
		return &tv
	case float64:
		s := strconv.FormatFloat(tv, 'g', -1, 64)
		return &s
	case nil:
		return nil
	default:
		return nil
	}
}

func toFloat(v any) *float64 {
	switch tv := v.(type) {
	case float64:
		return &tv
	case string:
		if f, err := strconv.ParseFloat(tv, 64); err == nil {
			return &f
		}
		return nil
	case nil:
		return nil
	default:
		return nil
	}
}
