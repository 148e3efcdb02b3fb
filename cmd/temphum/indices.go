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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"
)

func cmdIndices() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "indices [flags]",
		ShortDesc: "lists indices matching the pattern",
		LongDesc: `Lists indices matching -index-pattern with health, document count and
store size.`,
		CommandRun: func() subcommands.CommandRun {
			r := &indicesRun{}
			r.registerSearchFlags()
			return r
		},
	}
}

type indicesRun struct {
	commonRun
}

type indexInfo struct {
	Index     string `json:"index"`
	Health    string `json:"health"`
	DocsCount string `json:"docs.count"`
	StoreSize string `json:"store.size"`
}

func (r *indicesRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if len(args) != 0 {
		return fatalf(ctx, "unexpected arguments %q", args)
	}
	client, err := r.searchClient()
	if err != nil {
		return r.done(ctx, err)
	}

	res, err := client.Cat.Indices(
		client.Cat.Indices.WithContext(ctx),
		client.Cat.Indices.WithIndex(r.index),
		client.Cat.Indices.WithFormat("json"),
		client.Cat.Indices.WithBytes("b"),
		client.Cat.Indices.WithS("index"),
	)
	if err != nil {
		return r.done(ctx, errors.Annotate(err, "listing indices").Err())
	}
	defer res.Body.Close()
	if res.IsError() {
		return fatalf(ctx, "listing indices: HTTP %d", res.StatusCode)
	}

	var infos []indexInfo
	if err := json.NewDecoder(res.Body).Decode(&infos); err != nil {
		return r.done(ctx, errors.Annotate(err, "decoding index list").Err())
	}

	var totalDocs, totalBytes int64
	for _, info := range infos {
		docs, _ := strconv.ParseInt(info.DocsCount, 10, 64)
		size, _ := strconv.ParseInt(info.StoreSize, 10, 64)
		totalDocs += docs
		totalBytes += size
		fmt.Printf("%-48s %-8s %12s docs %10s\n",
			info.Index, info.Health, humanize.Comma(docs), humanize.Bytes(uint64(size)))
	}
	fmt.Printf("%d indices, %s docs, %s total\n",
		len(infos), humanize.Comma(totalDocs), humanize.Bytes(uint64(totalBytes)))
	return 0
}

func cmdMapping() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "mapping [flags]",
		ShortDesc: "dumps field mappings for the index pattern",
		CommandRun: func() subcommands.CommandRun {
			r := &mappingRun{}
			r.registerSearchFlags()
			return r
		},
	}
}

type mappingRun struct {
	commonRun
}

func (r *mappingRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if len(args) != 0 {
		return fatalf(ctx, "unexpected arguments %q", args)
	}
	client, err := r.searchClient()
	if err != nil {
		return r.done(ctx, err)
	}

	res, err := client.Indices.GetMapping(
		client.Indices.GetMapping.WithContext(ctx),
		client.Indices.GetMapping.WithIndex(r.index),
	)
	if err != nil {
		return r.done(ctx, errors.Annotate(err, "fetching mappings").Err())
	}
	defer res.Body.Close()
	if res.IsError() {
		return fatalf(ctx, "fetching mappings: HTTP %d", res.StatusCode)
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return r.done(ctx, errors.Annotate(err, "reading mappings").Err())
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return r.done(ctx, errors.Annotate(err, "formatting mappings").Err())
	}
	fmt.Println(pretty.String())
	return 0
}
