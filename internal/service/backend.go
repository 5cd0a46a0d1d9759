// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

// Package service contains business logic for the API server.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/guppi-daq/guppi-shm/internal/config"
	"github.com/guppi-daq/guppi-shm/internal/metrics"
	"github.com/guppi-daq/guppi-shm/pkg/card"
	"github.com/guppi-daq/guppi-shm/pkg/databuf"
	"github.com/guppi-daq/guppi-shm/pkg/shm"
	"github.com/guppi-daq/guppi-shm/pkg/status"
)

var (
	ErrNoEntries = errors.New("no entries to update")
	ErrClosed    = errors.New("backend is closed")
)

// Backend owns the status record handle and attaches to the data buffer on
// first use. The buffer is created by the producer and may appear after the
// server starts, so a failed attach is retried on the next call. Every call
// also checks that the attached segment is still the one the identity
// names, and reattaches after the producer removed or recreated it.
type Backend struct {
	mu      sync.Mutex
	status  *status.Record
	dbID    shm.Identity
	buf     *databuf.Buffer
	inst    shm.Instance
	metrics *metrics.Metrics
	closed  bool

	openBuffer func(shm.Identity) (*databuf.Buffer, error)
	resolve    func(shm.Identity) (shm.Instance, error)
}

// New opens the status record named in cfg. The data buffer is attached
// read-only when first requested.
func New(cfg *config.Config, m *metrics.Metrics) (*Backend, error) {
	sid, err := cfg.StatusIdentity()
	if err != nil {
		return nil, err
	}
	rec, err := status.Open(sid, status.WithLockTimeout(cfg.Status.LockTimeout.Std()))
	if err != nil {
		return nil, fmt.Errorf("open status record %s: %w", sid.Segment, err)
	}
	dbID, err := cfg.DatabufIdentity()
	if err != nil {
		rec.Close()
		return nil, err
	}
	dbID.ReadOnly = true
	return NewWithRecord(rec, dbID, m), nil
}

// NewWithRecord wraps an attached record.
func NewWithRecord(rec *status.Record, dbID shm.Identity, m *metrics.Metrics) *Backend {
	return &Backend{
		status:     rec,
		dbID:       dbID,
		metrics:    m,
		openBuffer: databuf.Open,
		resolve:    shm.Resolve,
	}
}

// Status returns the status record.
func (b *Backend) Status() *status.Record { return b.status }

// Databuf returns the data buffer, attaching if needed. Until the producer
// has created it this returns an error wrapping databuf.ErrNotInitialized.
func (b *Backend) Databuf() (*databuf.Buffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	// Resolve before opening: if the segment is replaced in between, the
	// next call sees the mismatch and reattaches.
	inst, err := b.resolve(b.dbID)
	if b.buf != nil {
		switch {
		case err == nil && inst.Same(b.inst):
			return b.buf, nil
		case err != nil && !errors.Is(err, shm.ErrNotExist):
			slog.Warn("cannot check data buffer segment", "segment", b.dbID.String(), "err", err)
			return b.buf, nil
		}
		slog.Info("data buffer segment removed or replaced, detaching", "segment", b.dbID.String())
		if cerr := b.buf.Close(); cerr != nil {
			slog.Warn("detach data buffer", "segment", b.dbID.String(), "err", cerr)
		}
		b.buf = nil
	}
	if err != nil {
		if errors.Is(err, shm.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", databuf.ErrNotInitialized, err)
		}
		return nil, err
	}

	buf, err := b.openBuffer(b.dbID)
	if err != nil {
		return nil, err
	}
	slog.Info("attached data buffer", "segment", b.dbID.String(), "blocks", buf.NumBlocks(),
		"block_size", buf.BlockSize(), "header_size", buf.HeaderSize())
	b.buf = buf
	b.inst = inst
	return buf, nil
}

// Snapshot reads the status table.
func (b *Backend) Snapshot() (*card.Table, error) {
	t, err := b.status.Snapshot()
	if err != nil {
		b.metrics.StatusReadError()
		return nil, err
	}
	b.metrics.StatusSnapshot(t, b.status.Generation())
	return t, nil
}

// Lookup returns one status entry.
func (b *Backend) Lookup(key string) (card.Entry, error) {
	key, err := card.NormalizeKey(key)
	if err != nil {
		return card.Entry{}, err
	}
	t, err := b.Snapshot()
	if err != nil {
		return card.Entry{}, err
	}
	e, ok := t.Entry(key)
	if !ok {
		return card.Entry{}, fmt.Errorf("%s: %w", key, card.ErrKeyNotFound)
	}
	return e, nil
}

// EntryUpdate is one requested upsert. A nil Comment keeps the existing one.
type EntryUpdate struct {
	Key     string     `json:"key" binding:"required"`
	Value   card.Value `json:"value"`
	Comment *string    `json:"comment,omitempty"`
}

// UpdateRequest is the body of a status write.
type UpdateRequest struct {
	Entries []EntryUpdate `json:"entries" binding:"required"`
}

// Update applies all entries in one locked cycle and returns the committed
// table. Either every entry is written or none is.
func (b *Backend) Update(ctx context.Context, req *UpdateRequest) (*card.Table, error) {
	if len(req.Entries) == 0 {
		return nil, ErrNoEntries
	}
	var out *card.Table
	err := b.status.Modify(ctx, func(t *card.Table) error {
		for _, e := range req.Entries {
			if !e.Value.IsValid() {
				return fmt.Errorf("%s: %w", e.Key, card.ErrInvalidValue)
			}
			var err error
			if e.Comment != nil {
				err = t.Update(e.Key, e.Value, *e.Comment)
			} else {
				err = t.Update(e.Key, e.Value)
			}
			if err != nil {
				return err
			}
		}
		out = t.Clone()
		return nil
	})
	b.metrics.StatusCommit(err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Set upserts a single entry, keeping its comment.
func (b *Backend) Set(ctx context.Context, key string, v card.Value) error {
	err := b.status.Update(ctx, key, v)
	b.metrics.StatusCommit(err)
	return err
}

// DatabufInfo describes the attached buffer.
type DatabufInfo struct {
	Segment    string `json:"segment"`
	NumBlocks  int    `json:"num_blocks"`
	BlockSize  int    `json:"block_size"`
	HeaderSize int    `json:"header_size"`
	StructSize uint64 `json:"struct_size"`
	DataType   string `json:"data_type"`
	ShmID      int32  `json:"shm_id"`
	TotalSize  int64  `json:"total_size"`
	Versioned  bool   `json:"versioned"` // per-block generation counters present
}

// Info returns the geometry of the data buffer.
func (b *Backend) Info() (*DatabufInfo, error) {
	buf, err := b.Databuf()
	if err != nil {
		return nil, err
	}
	pre := buf.Info()
	return &DatabufInfo{
		Segment:    b.dbID.String(),
		NumBlocks:  buf.NumBlocks(),
		BlockSize:  buf.BlockSize(),
		HeaderSize: buf.HeaderSize(),
		StructSize: pre.StructSize,
		DataType:   pre.DataTypeString(),
		ShmID:      pre.ShmID,
		TotalSize:  pre.TotalSize(),
		Versioned:  pre.HasGenerations(),
	}, nil
}

// BlockHeader is a decoded header slot.
type BlockHeader struct {
	Block      int         `json:"block"`
	Current    bool        `json:"current"`
	Generation *uint64     `json:"generation,omitempty"`
	Header     *card.Table `json:"header"`
}

// CurrentBlock returns the block index published in CURBLOCK.
func (b *Backend) CurrentBlock(fallback int) (int, error) {
	t, err := b.Snapshot()
	if err != nil {
		return fallback, err
	}
	return databuf.CurrentBlock(t, fallback), nil
}

// Header decodes the header of block i.
func (b *Backend) Header(i int) (*BlockHeader, error) {
	buf, err := b.Databuf()
	if err != nil {
		return nil, err
	}
	hdr, err := buf.Header(i)
	if err != nil {
		return nil, err
	}
	out := &BlockHeader{Block: i, Header: hdr}
	if gen, ok, err := buf.Generation(i); err == nil && ok {
		out.Generation = &gen
	}
	if cur, err := b.CurrentBlock(-1); err == nil {
		out.Current = cur == i
	}
	return out, nil
}

// ReadBlock copies header and data of block i.
func (b *Backend) ReadBlock(i int) (*databuf.Block, error) {
	buf, err := b.Databuf()
	if err != nil {
		return nil, err
	}
	return buf.ReadBlock(i, nil)
}

// Close detaches from both segments.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var err error
	if b.buf != nil {
		err = b.buf.Close()
		b.buf = nil
	}
	return errors.Join(err, b.status.Close())
}
