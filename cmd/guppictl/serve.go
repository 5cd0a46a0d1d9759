// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/guppi-daq/guppi-shm/internal/handlers"
	"github.com/guppi-daq/guppi-shm/internal/log"
	"github.com/guppi-daq/guppi-shm/internal/metrics"
	"github.com/guppi-daq/guppi-shm/internal/monitor"
	"github.com/guppi-daq/guppi-shm/internal/mqtt"
	"github.com/guppi-daq/guppi-shm/internal/service"
	"github.com/guppi-daq/guppi-shm/internal/statusloop"
	"github.com/guppi-daq/guppi-shm/internal/unixsock"
)

func printServeUsage() {
	fmt.Println(`guppictl serve - Start the API server

Usage:
  guppictl serve [options]

Options:
  --no-socket      Disable the control socket
  --socket <path>  Override control socket path
  --loop           Also run the telescope status loop
  --no-mqtt        Do not publish snapshots even if a broker is configured

Environment Variables:
  GUPPI_CONFIG          Config file (default: guppi.json)
  GUPPI_ADMIN_KEY       Key required for PUT /api/status (min 20 chars)
  GUPPI_HOST            Server host (default: 0.0.0.0)
  GUPPI_PORT            Server port (default: 21090)
  GUPPI_MODE            Server mode: debug or release (default: release)
  GUPPI_SOCKET_PATH     Control socket path (default: /var/run/guppi/guppictl.sock)
  GUPPI_STATUS_BACKEND  Shared memory backend: sysv or file (default: sysv)
  GUPPI_MQTT_BROKER     Publish monitor snapshots to this broker
  GUPPI_TLS_CERT        Path to TLS certificate file (enables HTTPS with TLS_KEY)
  GUPPI_TLS_KEY         Path to TLS private key file (enables HTTPS with TLS_CERT)

Without an admin key the status record is read-only over HTTP.`)
}

func runServer(args []string) {
	noSocket := false
	socketPathOverride := ""
	withLoop := false
	noMQTT := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-h", "--help":
			printServeUsage()
			return
		case "--no-socket":
			noSocket = true
		case "--socket":
			if i+1 < len(args) {
				i++
				socketPathOverride = args[i]
			}
		case "--loop":
			withLoop = true
		case "--no-mqtt":
			noMQTT = true
		default:
			fmt.Printf("Unknown option: %s\n", args[i])
			printServeUsage()
			os.Exit(1)
		}
	}

	cfg := loadConfig()

	if noSocket {
		cfg.Server.SocketPath = ""
	} else if socketPathOverride != "" {
		cfg.Server.SocketPath = socketPathOverride
	}

	if cfg.Server.AdminKey == "" {
		slog.Warn("no admin key configured, PUT /api/status is disabled")
	}

	// Validate TLS configuration if partially provided
	if (cfg.Server.TLS.CertFile != "") != (cfg.Server.TLS.KeyFile != "") {
		fatal("TLS requires both cert and key: set both GUPPI_TLS_CERT and GUPPI_TLS_KEY")
	}
	if cfg.TLSEnabled() {
		if _, err := os.Stat(cfg.Server.TLS.CertFile); os.IsNotExist(err) {
			fatal("TLS certificate file not found", "path", cfg.Server.TLS.CertFile)
		}
		if _, err := os.Stat(cfg.Server.TLS.KeyFile); os.IsNotExist(err) {
			fatal("TLS key file not found", "path", cfg.Server.TLS.KeyFile)
		}
	}

	m := metrics.New()
	backend, err := service.New(cfg, m)
	if err != nil {
		fatal("failed to open status record", "err", err)
	}
	defer backend.Close()

	mon := monitor.New(backend.Status(), backend, cfg.Monitor.Interval.Std(),
		monitor.WithDefaultBlock(cfg.Databuf.DefaultBlock),
		monitor.WithMetrics(m),
		monitor.WithLogger(log.Component("monitor")))

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.RouterConfig{
		Backend:      backend,
		Monitor:      mon,
		Metrics:      m,
		AdminKey:     cfg.Server.AdminKey,
		DefaultBlock: cfg.Databuf.DefaultBlock,
		NSpec:        cfg.Monitor.NSpec,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	// HTTPS if TLS configured, HTTP otherwise
	g.Go(func() error {
		var err error
		if cfg.TLSEnabled() {
			slog.Info("starting guppictl server", "addr", addr, "proto", "https")
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			slog.Info("starting guppictl server", "addr", addr, "proto", "http")
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return mon.Run(ctx) })

	if withLoop {
		src, release := telescopeSource(ctx, cfg)
		defer release()
		loop := statusloop.New(backend.Status(), src, cfg.Loop.Interval.Std(),
			statusloop.WithMetrics(m),
			statusloop.WithLogger(log.Component("statusloop")))
		g.Go(func() error { return loop.Run(ctx) })
	}

	if cfg.MQTT.BrokerURL != "" && !noMQTT {
		pusher := mqtt.NewPusher(mqtt.Config{
			BrokerURL: cfg.MQTT.BrokerURL,
			Topic:     cfg.MQTT.Topic,
			ClientID:  cfg.MQTT.ClientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			Interval:  cfg.MQTT.Interval.Std(),
			QoS:       1,
		}, mon, mqtt.WithMetrics(m), mqtt.WithLogger(log.Component("mqtt")))
		g.Go(func() error { return pusher.Run(ctx) })
	}

	if cfg.Server.SocketPath != "" {
		sock := unixsock.NewListener(cfg.Server.SocketPath, backend)
		g.Go(func() error {
			if err := sock.Serve(ctx); err != nil {
				slog.Warn("control socket failed to start", "path", cfg.Server.SocketPath, "err", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("server stopped with error", "err", err)
		backend.Close()
		os.Exit(1)
	}
	slog.Info("server stopped")
}
