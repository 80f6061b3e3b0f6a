// Copyright 2024 Stratum Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Stratum inspects PostgreSQL databases through the stratum access layer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stratumdb/stratum/internal/util/debug"
	"github.com/stratumdb/stratum/internal/util/logging"
	"github.com/stratumdb/stratum/stratum"
)

// The cli struct represents all command-line commands, fields and flags.
// It's used for parsing the user input.
var cli struct {
	Host     string `default:"127.0.0.1" help:"PostgreSQL host."`
	Port     uint16 `default:"5432"      help:"PostgreSQL port."`
	Username string `required:""         help:"PostgreSQL username."`
	Password string `default:""          help:"PostgreSQL password."`
	Database string `required:""         help:"PostgreSQL database name."`

	TablePrefix string        `default:""   help:"Table name prefix substituted for the % placeholder."`
	Timeout     time.Duration `default:"10s" help:"Per-command timeout."`
	DebugAddr   string        `default:""   help:"Listen address for HTTP handlers for metrics, pprof, etc."`

	Log struct {
		Level  string `default:"info"    help:"Log level: debug, info, warn, error." enum:"debug,info,warn,error"`
		Format string `default:"console" help:"Log format."                          enum:"console,json"`
	} `embed:"" prefix:"log-"`

	Ping    struct{} `cmd:"" help:"Check connectivity."`
	Tables  struct{} `cmd:"" help:"List tables in the current schema."`
	Inspect struct {
		Table string `arg:"" help:"Table name; {{...}} markers and the % prefix placeholder are supported."`
	} `cmd:"" help:"Print table metadata."`
}

func main() {
	kctx := kong.Parse(&cli, kong.DefaultEnvars("STRATUM"))

	level, err := zapcore.ParseLevel(cli.Log.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	logger := logging.Setup(level, cli.Log.Format)

	defer func() {
		_ = logger.Sync()
	}()

	db, err := stratum.New(&stratum.Config{
		Host:              cli.Host,
		Port:              cli.Port,
		Username:          cli.Username,
		Password:          cli.Password,
		Database:          cli.Database,
		TablePrefix:       cli.TablePrefix,
		SchemaCacheEnable: true,
		Logger:            logger,
	})
	if err != nil {
		logger.Fatal("Configuration failed", zap.Error(err))
	}

	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if cli.DebugAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(db.MetricsCollector())

		go debug.RunHandler(ctx, cli.DebugAddr, registry, logger.Named("debug"))
	}

	ctx, cancel := context.WithTimeout(ctx, cli.Timeout)
	defer cancel()

	switch kctx.Command() {
	case "ping":
		if err = db.Ping(ctx); err != nil {
			logger.Fatal("Ping failed", zap.Error(err))
		}

		fmt.Println("ok")

	case "tables":
		names, err := db.TableNames(ctx)
		if err != nil {
			logger.Fatal("Listing tables failed", zap.Error(err))
		}

		for _, name := range names {
			fmt.Println(name)
		}

	case "inspect <table>":
		s, err := db.DescribeTable(ctx, cli.Inspect.Table)
		if err != nil {
			logger.Fatal("Inspecting table failed", zap.Error(err))
		}

		fmt.Print(s)

	default:
		kctx.Fatalf("unknown command %q", kctx.Command())
	}
}
