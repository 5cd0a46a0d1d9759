// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

// Package statusloop keeps the status record current with telescope status
// and the wall-clock start time, once per interval.
package statusloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/guppi-daq/guppi-shm/internal/metrics"
	"github.com/guppi-daq/guppi-shm/internal/mjd"
	"github.com/guppi-daq/guppi-shm/internal/telstatus"
	"github.com/guppi-daq/guppi-shm/pkg/card"
)

// Recorder is the part of *status.Record the loop needs.
type Recorder interface {
	Modify(ctx context.Context, fn func(t *card.Table) error) error
}

// Loop folds telescope status into the record on every tick.
type Loop struct {
	rec      Recorder
	source   telstatus.Source
	interval time.Duration
	clock    mjd.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	lastGood telstatus.Fields
	ticks    int
}

// Option configures a Loop.
type Option func(*Loop)

func WithClock(c mjd.Clock) Option { return func(l *Loop) { l.clock = c } }

func WithLogger(lg *slog.Logger) Option { return func(l *Loop) { l.logger = lg } }

func WithMetrics(m *metrics.Metrics) Option { return func(l *Loop) { l.metrics = m } }

// New creates a loop. A nil source reports nothing; only the start time is
// refreshed.
func New(rec Recorder, source telstatus.Source, interval time.Duration, opts ...Option) *Loop {
	if source == nil {
		source = telstatus.None{}
	}
	if interval <= 0 {
		interval = time.Second
	}
	l := &Loop{
		rec:      rec,
		source:   source,
		interval: interval,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Tick runs one iteration. A source failure is logged and the last good
// fields are applied again; only a failed commit is returned.
func (l *Loop) Tick(ctx context.Context) error {
	start := time.Now()
	result := metrics.ResultOK

	fields, err := l.source.Fetch(ctx)
	if err != nil {
		result = metrics.ResultSourceError
		l.logger.Warn("telescope status fetch failed, keeping previous values", "err", err)
		fields = l.previous()
	} else {
		l.remember(fields)
	}

	err = l.rec.Modify(ctx, func(t *card.Table) error {
		if ferr := telstatus.Fold(t, fields); ferr != nil {
			l.logger.Warn("some telescope fields were not applied", "err", ferr)
		}
		return mjd.Apply(t, mjd.Now(l.clock))
	})
	if err != nil {
		result = metrics.ResultError
	}

	l.mu.Lock()
	l.ticks++
	l.mu.Unlock()
	l.metrics.StatusCommit(err)
	l.metrics.LoopTick(result, time.Since(start))
	return err
}

// Run ticks immediately and then every interval until ctx is done.
// Commit failures are logged and the loop carries on.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("status loop started", "interval", l.interval)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		if err := l.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error("status commit failed", "err", err)
		}
		select {
		case <-ctx.Done():
			l.logger.Info("status loop stopped", "ticks", l.Ticks())
			return nil
		case <-ticker.C:
		}
	}
}

// Ticks returns the number of completed iterations.
func (l *Loop) Ticks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ticks
}

func (l *Loop) previous() telstatus.Fields {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastGood
}

func (l *Loop) remember(f telstatus.Fields) {
	l.mu.Lock()
	l.lastGood = f
	l.mu.Unlock()
}
