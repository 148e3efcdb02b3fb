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
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/fms-infra/temphum-collector/internal/artifact"
	"github.com/fms-infra/temphum-collector/internal/checkpoint"
	"github.com/fms-infra/temphum-collector/internal/fetch"
	"github.com/fms-infra/temphum-collector/internal/record"
	"github.com/fms-infra/temphum-collector/internal/store"
)

// env returns the environment variable's value, or def when unset or empty.
func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// commonRun carries the flag surface shared by every subcommand. Each flag
// defaults from an environment variable so a .env file can configure a
// deployment without repeating flags.
type commonRun struct {
	subcommands.CommandRunBase

	esURL      string
	index      string
	recordType string
	fields     string

	minioEndpoint string
	minioAccess   string
	minioSecret   string
	minioSecure   bool
	bucket        string

	checkpointDir string
	timezone      string
}

func (r *commonRun) registerSearchFlags() {
	r.Flags.StringVar(&r.esURL, "es-url", env("ES_URL", "http://localhost:9200"),
		"Search index base URL.")
	r.Flags.StringVar(&r.index, "index-pattern", env("ES_INDEX_PATTERN", "perfhist-fms*"),
		"Index name or pattern to query.")
	r.Flags.StringVar(&r.recordType, "record-type", env("ES_RECORD_TYPE", "FTH"),
		"rsctypeId term filter; empty disables the filter.")
	r.Flags.StringVar(&r.fields, "fields", "",
		"Comma-separated field allow-list for projection; empty keeps all fields.")
	r.Flags.StringVar(&r.timezone, "timezone", env("DISPLAY_TIMEZONE", "Asia/Seoul"),
		"Display timezone for artifact names and rendered timestamps.")
}

func (r *commonRun) registerStoreFlags() {
	r.Flags.StringVar(&r.minioEndpoint, "minio-endpoint", env("MINIO_ENDPOINT", "localhost:9000"),
		"Object store endpoint, host:port.")
	r.Flags.StringVar(&r.minioAccess, "access-key", env("MINIO_ACCESS_KEY", ""),
		"Object store access key.")
	r.Flags.StringVar(&r.minioSecret, "secret-key", env("MINIO_SECRET_KEY", ""),
		"Object store secret key.")
	r.Flags.BoolVar(&r.minioSecure, "minio-secure", env("MINIO_SECURE", "") == "true",
		"Use TLS for the object store connection.")
	r.Flags.StringVar(&r.bucket, "bucket", env("MINIO_BUCKET", "fms-temphum"),
		"Artifact bucket.")
}

func (r *commonRun) registerCheckpointFlags() {
	r.Flags.StringVar(&r.checkpointDir, "checkpoint-dir", env("CHECKPOINT_DIR", "checkpoints"),
		"Directory holding checkpoint files.")
}

func (r *commonRun) location() (*time.Location, error) {
	loc, err := time.LoadLocation(r.timezone)
	if err != nil {
		return nil, errors.Annotate(err, "bad -timezone %q", r.timezone).Err()
	}
	return loc, nil
}

func (r *commonRun) searchClient() (*elasticsearch.Client, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{r.esURL},
	})
	if err != nil {
		return nil, errors.Annotate(err, "creating search client for %s", r.esURL).Err()
	}
	return client, nil
}

func (r *commonRun) fetcher() (*fetch.Fetcher, error) {
	client, err := r.searchClient()
	if err != nil {
		return nil, err
	}
	var keep []string
	if r.fields != "" {
		for _, f := range strings.Split(r.fields, ",") {
			if f = strings.TrimSpace(f); f != "" {
				keep = append(keep, f)
			}
		}
	}
	return &fetch.Fetcher{
		Client:     client,
		Index:      r.index,
		RecordType: r.recordType,
		Projector:  record.NewProjector(keep),
	}, nil
}

func (r *commonRun) objectStore(ctx context.Context) (*store.MinIO, error) {
	return store.NewMinIO(ctx, store.MinIOOptions{
		Endpoint:  r.minioEndpoint,
		AccessKey: r.minioAccess,
		SecretKey: r.minioSecret,
		Bucket:    r.bucket,
		Secure:    r.minioSecure,
	})
}

func (r *commonRun) codec(loc *time.Location) *artifact.Codec {
	return &artifact.Codec{Loc: loc}
}

func (r *commonRun) streamingCheckpoint(name string) *checkpoint.File[checkpoint.Streaming] {
	return checkpoint.NewFile[checkpoint.Streaming](filepath.Join(r.checkpointDir, name))
}

// done folds an operation's terminal error into a process exit code.
func (r *commonRun) done(ctx context.Context, err error) int {
	if err != nil {
		errors.Log(ctx, err)
		return 1
	}
	return 0
}

func fatalf(ctx context.Context, format string, args ...any) int {
	logging.Errorf(ctx, format, args...)
	return 1
}
