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

package store

import (
	"bytes"
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// MinIOOptions configure the S3-compatible store.
type MinIOOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// MinIO implements Store on an S3-compatible object store.
type MinIO struct {
	client *minio.Client
	bucket string
}

// NewMinIO connects to the object store and ensures the bucket exists.
// An unreachable store or an uncreatable bucket is a startup error.
func NewMinIO(ctx context.Context, opts MinIOOptions) (*MinIO, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
	})
	if err != nil {
		return nil, errors.Annotate(err, "creating object store client for %q", opts.Endpoint).Err()
	}
	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, errors.Annotate(err, "checking bucket %q", opts.Bucket).Err()
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Annotate(err, "creating bucket %q", opts.Bucket).Err()
		}
		logging.Infof(ctx, "created bucket %q", opts.Bucket)
	}
	return &MinIO{client: client, bucket: opts.Bucket}, nil
}

// Put implements Store.
func (s *MinIO) Put(ctx context.Context, path string, blob []byte) error {
	r := bytes.NewReader(blob)
	_, err := s.client.PutObject(ctx, s.bucket, path, r, int64(r.Len()), minio.PutObjectOptions{
		ContentType:     "application/json",
		ContentEncoding: "gzip",
	})
	if err != nil {
		return errors.Annotate(err, "putting %q", path).Err()
	}
	return nil
}

// Get implements Store.
func (s *MinIO) Get(ctx context.Context, path string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Annotate(err, "getting %q", path).Err()
	}
	defer obj.Close()
	blob, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, errors.Annotate(err, "reading %q", path).Err()
	}
	return blob, nil
}

// List implements Store.
func (s *MinIO) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, errors.Annotate(obj.Err, "listing %q", prefix).Err()
		}
		paths = append(paths, obj.Key)
	}
	return paths, nil
}

// Delete implements Store.
func (s *MinIO) Delete(ctx context.Context, path string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		return errors.Annotate(err, "deleting %q", path).Err()
	}
	return nil
}

// Rename implements Store. S3 has no native rename, so this is a
// server-side copy followed by a delete of the source.
func (s *MinIO) Rename(ctx context.Context, src, dst string) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: dst},
		minio.CopySrcOptions{Bucket: s.bucket, Object: src},
	)
	if err != nil {
		return errors.Annotate(err, "copying %q to %q", src, dst).Err()
	}
	if err := s.client.RemoveObject(ctx, s.bucket, src, minio.RemoveObjectOptions{}); err != nil {
		// The destination is already published; a stale temporary is
		// harmless and overwritten by the next cycle.
		logging.Warningf(ctx, "failed to remove temporary %q after rename: %s", src, err)
	}
	return nil
}
