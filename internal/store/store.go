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

// Package store is the durable object store boundary.
package store

import (
	"context"

	"go.chromium.org/luci/common/errors"
)

// ErrNotFound is returned by Get for paths that do not exist.
var ErrNotFound = errors.New("object not found")

// Store is a flat keyed blob store.
//
// Put replaces the object at path atomically with respect to readers: a
// concurrent Get observes either the old or the new blob, never a mix.
// Rename publishes an object under a new path and removes the old one; it
// is the primitive behind the write-temporary-then-publish discipline.
type Store interface {
	Put(ctx context.Context, path string, blob []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, path string) error
	Rename(ctx context.Context, src, dst string) error
}
