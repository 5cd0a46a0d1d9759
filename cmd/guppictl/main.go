// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

// Package main is the entry point for the guppictl CLI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/guppi-daq/guppi-shm/internal/config"
	"github.com/guppi-daq/guppi-shm/internal/log"
	"github.com/guppi-daq/guppi-shm/internal/telstatus"
	"github.com/guppi-daq/guppi-shm/pkg/status"
)

const version = "guppictl v0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "serve":
		runServer(args)
	case "status":
		runStatusCommand(args)
	case "unlock":
		runUnlockCommand(args)
	case "set-params":
		runSetParamsCommand(args)
	case "status-loop":
		runStatusLoopCommand(args)
	case "monitor":
		runMonitorCommand(args)
	case "spectrum":
		runSpectrumCommand(args)
	case "databuf":
		if len(args) < 1 {
			printDatabufUsage()
			os.Exit(1)
		}
		runDatabufCommand(args)
	case "clean":
		runCleanCommand(args)
	case "help", "-h", "--help":
		printUsage()
	case "version", "-v", "--version":
		fmt.Println(version)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`guppictl - GUPPI shared memory status and data buffer tool

Usage:
  guppictl <command> [arguments]

Commands:
  serve        Start the API server, monitor and publishers
  status       Print the status record, or set one key in it
  unlock       Break a stale status lock
  set-params   Write the observation parameters for a scan
  status-loop  Keep telescope status and start time current
  monitor      Print status and the current block header continuously
  spectrum     Print the averaged spectrum of the current block
  databuf      Create, inspect or remove the data buffer
  clean        Remove the status record, its lock and the data buffer
  help         Show this help message
  version      Show version

Configuration is read from GUPPI_CONFIG (default: guppi.json) and
GUPPI_* environment variables.

Use "guppictl <command> -h" for more information about a command.`)
}

// fatal logs and exits with status 1.
func fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}

// loadConfig reads the config file and environment and configures logging.
func loadConfig() *config.Config {
	configPath := config.DefaultPath
	if envPath := os.Getenv("GUPPI_CONFIG"); envPath != "" {
		configPath = envPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal("failed to load config", "path", configPath, "err", err)
	}
	cfg.LoadFromEnv()

	if err := log.Configure(cfg.Log.Level); err != nil {
		fatal("invalid log level", "err", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("invalid config", "path", configPath, "err", err)
	}
	return cfg
}

// openStatus attaches to the status record, creating it when absent.
func openStatus(cfg *config.Config) *status.Record {
	sid, err := cfg.StatusIdentity()
	if err != nil {
		fatal("invalid status identity", "err", err)
	}
	rec, err := status.Open(sid, status.WithLockTimeout(cfg.Status.LockTimeout.Std()))
	if err != nil {
		fatal("failed to attach status record", "segment", sid.Segment.String(), "err", err)
	}
	return rec
}

// telescopeSource builds the configured telescope status source. The
// returned func releases it.
func telescopeSource(ctx context.Context, cfg *config.Config) (telstatus.Source, func()) {
	tc := cfg.Loop.Telescope
	switch tc.Kind {
	case "http":
		return telstatus.NewHTTPSource(tc.URL, tc.Timeout.Std()), func() {}
	case "mqtt":
		src := telstatus.NewMQTTSource(tc.URL, tc.Topic, tc.MaxAge.Std())
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := src.Connect(connectCtx); err != nil {
			slog.Warn("telescope status broker unavailable", "broker", tc.URL, "err", err)
		}
		return src, src.Close
	default:
		return telstatus.None{}, func() {}
	}
}

// wantsHelp reports whether the first argument asks for help.
func wantsHelp(args []string) bool {
	return len(args) > 0 && (args[0] == "-h" || args[0] == "--help")
}
