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

// Package checkpoint persists per-component progress cursors as small JSON
// files.
//
// Each pipeline component owns exactly one checkpoint file; no two
// components share one. Saving rewrites the whole file atomically (write to
// a temporary file, then rename). A missing or unreadable file is treated
// as "no checkpoint", never as a fatal error: callers fall back to a
// bootstrap default.
//
// The cursor invariant (a component never saves a cursor earlier than the
// one it loaded) is enforced by callers, not by this store.
package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// Streaming is the checkpoint schema shared by the minute collector and the
// streaming publisher (the publisher leaves LastProcessedMinute null).
type Streaming struct {
	// LastTimestamp is the exclusive lower bound of unprocessed data, as an
	// ISO-8601 UTC timestamp.
	LastTimestamp string `json:"last_timestamp"`
	// LastProcessedMinute is the most recent fully collected minute window,
	// in the display timezone.
	LastProcessedMinute *string `json:"last_processed_minute"`
}

// File is a durable JSON checkpoint holding one value of type T.
type File[T any] struct {
	path string
}

// NewFile returns a checkpoint stored at the given path.
func NewFile[T any](path string) *File[T] {
	return &File[T]{path: path}
}

// Path returns the checkpoint's file path.
func (f *File[T]) Path() string { return f.path }

// Load reads the persisted checkpoint. It returns ok=false with a zero
// value when the file is absent or unparseable; parse failures are logged
// once and otherwise ignored.
func (f *File[T]) Load(ctx context.Context) (val T, ok bool) {
	blob, err := os.ReadFile(f.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warningf(ctx, "failed to read checkpoint %q, treating as absent: %s", f.path, err)
		}
		return val, false
	}
	if err := json.Unmarshal(blob, &val); err != nil {
		logging.Warningf(ctx, "corrupt checkpoint %q, treating as absent: %s", f.path, err)
		var zero T
		return zero, false
	}
	return val, true
}

// Save persists the checkpoint atomically via a full-file rewrite.
func (f *File[T]) Save(ctx context.Context, val T) error {
	blob, err := json.MarshalIndent(val, "", "  ")
	if err != nil {
		return errors.Annotate(err, "marshaling checkpoint").Err()
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errors.Annotate(err, "creating checkpoint directory").Err()
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return errors.Annotate(err, "writing checkpoint %q", tmp).Err()
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return errors.Annotate(err, "publishing checkpoint %q", f.path).Err()
	}
	return nil
}

// Remove deletes the checkpoint file. Removing an absent file is not an
// error.
func (f *File[T]) Remove() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.Annotate(err, "removing checkpoint %q", f.path).Err()
	}
	return nil
}
