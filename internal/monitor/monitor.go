// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

// Package monitor polls the status record and the current data block and
// fans snapshots out to subscribers.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"

	"github.com/guppi-daq/guppi-shm/internal/metrics"
	"github.com/guppi-daq/guppi-shm/pkg/card"
	"github.com/guppi-daq/guppi-shm/pkg/databuf"
)

// StatusReader is the read side of *status.Record.
type StatusReader interface {
	Snapshot() (*card.Table, error)
	Generation() uint64
}

// BufferSource hands out the data buffer, which may not exist yet.
type BufferSource interface {
	Databuf() (*databuf.Buffer, error)
}

// Snapshot is one poll of status and the current block.
type Snapshot struct {
	Time        time.Time   `json:"time"`
	Generation  uint64      `json:"generation"`
	Status      *card.Table `json:"status"`
	CurBlock    int         `json:"curblock"`
	Header      *card.Table `json:"header,omitempty"`
	PktIdx      int64       `json:"pktidx"`
	NPkt        int64       `json:"npkt"`
	NDrop       int64       `json:"ndrop"`
	DataDigest  string      `json:"data_digest,omitempty"`
	Stale       bool        `json:"stale"`
	Error       string      `json:"error,omitempty"`
	BufferError string      `json:"buffer_error,omitempty"`
}

const defaultSubscriberBuffer = 4

// Monitor polls on an interval. Subscribers that fall behind miss
// snapshots rather than slowing the poll.
type Monitor struct {
	status       StatusReader
	buffers      BufferSource
	interval     time.Duration
	defaultBlock int
	digest       bool
	logger       *slog.Logger
	metrics      *metrics.Metrics

	mu      sync.RWMutex
	latest  *Snapshot
	subs    map[string]chan *Snapshot
	dropped uint64
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithDefaultBlock sets the block shown when CURBLOCK is absent.
func WithDefaultBlock(i int) Option { return func(m *Monitor) { m.defaultBlock = i } }

// WithDigest enables hashing the current block's data on every poll.
func WithDigest(on bool) Option { return func(m *Monitor) { m.digest = on } }

func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.logger = l } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Monitor) { m.metrics = mt } }

// New creates a monitor. buffers may be nil to watch status only.
func New(status StatusReader, buffers BufferSource, interval time.Duration, opts ...Option) *Monitor {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	m := &Monitor{
		status:       status,
		buffers:      buffers,
		interval:     interval,
		defaultBlock: 1,
		digest:       true,
		logger:       slog.Default(),
		subs:         make(map[string]chan *Snapshot),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Poll takes one snapshot and remembers it as the latest. A status read
// failure yields a stale snapshot carrying the previous status table.
func (m *Monitor) Poll() *Snapshot {
	snap := &Snapshot{Time: time.Now().UTC(), CurBlock: -1}

	tbl, err := m.status.Snapshot()
	if err != nil {
		m.metrics.StatusReadError()
		snap.Stale = true
		snap.Error = err.Error()
		if prev := m.Latest(); prev != nil {
			snap.Status = prev.Status
			snap.Generation = prev.Generation
		}
	} else {
		snap.Status = tbl
		snap.Generation = m.status.Generation()
		m.metrics.StatusSnapshot(tbl, snap.Generation)
	}

	m.pollBlock(snap)

	switch {
	case snap.Stale:
		m.metrics.MonitorPoll(metrics.ResultStale)
	case snap.BufferError != "":
		m.metrics.MonitorPoll(metrics.ResultError)
	default:
		m.metrics.MonitorPoll(metrics.ResultOK)
	}

	m.mu.Lock()
	m.latest = snap
	m.mu.Unlock()
	return snap
}

func (m *Monitor) pollBlock(snap *Snapshot) {
	if m.buffers == nil || snap.Status == nil {
		return
	}
	buf, err := m.buffers.Databuf()
	if err != nil {
		snap.BufferError = err.Error()
		return
	}

	i := databuf.CurrentBlock(snap.Status, m.defaultBlock)
	if i >= buf.NumBlocks() {
		snap.BufferError = fmt.Sprintf("CURBLOCK %d: %v", i, databuf.ErrBlockOutOfRange)
		return
	}
	snap.CurBlock = i

	hdr, err := buf.Header(i)
	if err != nil {
		// Headers are rewritten under our feet; a bad read is not fatal.
		snap.BufferError = err.Error()
	} else {
		snap.Header = hdr
		snap.PktIdx, _ = hdr.Int("PKTIDX")
		snap.NPkt, _ = hdr.Int("NPKT")
		snap.NDrop, _ = hdr.Int("NDROP")
	}
	m.metrics.Block(i, snap.PktIdx, snap.NDrop)

	if m.digest {
		buf.WithData(i, func(data []byte) error {
			snap.DataDigest = fmt.Sprintf("%016x", murmur3.Sum64(data))
			return nil
		})
	}
}

// Latest returns the most recent snapshot, or nil before the first poll.
func (m *Monitor) Latest() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// Subscribe registers a subscriber. The returned cancel func closes ch.
func (m *Monitor) Subscribe(buffer int) (id string, ch <-chan *Snapshot, cancel func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	c := make(chan *Snapshot, buffer)
	id = uuid.NewString()

	m.mu.Lock()
	m.subs[id] = c
	m.mu.Unlock()
	m.metrics.Subscribers(1)

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			m.mu.Lock()
			_, ok := m.subs[id]
			if ok {
				delete(m.subs, id)
				close(c)
			}
			m.mu.Unlock()
			if ok {
				m.metrics.Subscribers(-1)
			}
		})
	}
	return id, c, cancel
}

// Subscribers returns the number of active subscribers.
func (m *Monitor) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (m *Monitor) Dropped() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dropped
}

func (m *Monitor) publish(s *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.subs {
		select {
		case c <- s:
		default:
			m.dropped++
			m.logger.Debug("monitor subscriber behind, snapshot dropped", "subscriber", id)
		}
	}
}

// Run polls until ctx is done, then closes every subscriber channel.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	defer m.closeAll()

	for {
		s := m.Poll()
		if s.Stale {
			m.logger.Warn("status read failed, showing stale values", "err", s.Error)
		}
		m.publish(s)

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Monitor) closeAll() {
	m.mu.Lock()
	n := len(m.subs)
	for id, c := range m.subs {
		delete(m.subs, id)
		close(c)
	}
	m.mu.Unlock()
	m.metrics.Subscribers(-n)
}

// WriteText writes a snapshot as a two-column key/value listing.
func WriteText(w io.Writer, s *Snapshot) error {
	if s == nil {
		_, err := fmt.Fprintln(w, "No status yet.")
		return err
	}
	bw := &errWriter{w: w}
	bw.printf("Current GUPPI status:")
	if s.Stale {
		bw.printf(" (stale: %s)", s.Error)
	}
	bw.printf("\n\n")
	writeTable(bw, s.Status)

	if s.CurBlock >= 0 {
		bw.printf("\nCurrent data block %d:\n\n", s.CurBlock)
		writeTable(bw, s.Header)
		if s.DataDigest != "" {
			bw.printf("%8s : %s\n", "DIGEST", s.DataDigest)
		}
	}
	if s.BufferError != "" {
		bw.printf("\nData buffer: %s\n", s.BufferError)
	}
	return bw.err
}

func writeTable(bw *errWriter, t *card.Table) {
	if t == nil {
		return
	}
	for _, e := range t.Entries() {
		bw.printf("%8s : %s\n", e.Key, e.Value.String())
	}
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
