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

// Command temphum collects temperature and humidity records from the FMS
// search index into object-store artifacts and republishes them to a
// message bus.
//
// Flags default from environment variables (ES_URL, MINIO_ENDPOINT and
// friends); a .env file in the working directory is loaded first when
// present.
package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"
)

var logCfg = gologger.LoggerConfig{Out: os.Stderr}

func application() *cli.Application {
	return &cli.Application{
		Name:  "temphum",
		Title: "FMS temperature/humidity collection pipeline",

		Context: func(ctx context.Context) context.Context {
			return logCfg.Use(ctx)
		},

		Commands: []*subcommands.Command{
			cmdStream(),
			cmdPublish(),
			cmdBackfill(),

			cmdIndices(),
			cmdMapping(),
			cmdSample(),
			cmdExport(),
			cmdResort(),

			subcommands.CmdHelp,
		},
	}
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logging.Warningf(logCfg.Use(context.Background()), "loading .env: %s", err)
	}
	os.Exit(subcommands.Run(application(), os.Args[1:]))
}
