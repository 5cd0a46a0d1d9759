// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

// Package status implements the shared status record: a card table kept in
// a persistent shared memory segment and guarded by a named lock.
//
// Segment layout:
//
//	[0, capacity)            card region (cards, END, space fill)
//	[capacity, capacity+64)  trailer; first word is the commit generation
//
// Writers hold the lock and bump the generation to an odd value before
// copying the new card image in, then to the next even value. Readers never
// lock: they copy the region between two generation loads and retry when a
// commit overlapped the copy, so a snapshot is always a whole image.
package status

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guppi-daq/guppi-shm/pkg/card"
	"github.com/guppi-daq/guppi-shm/pkg/shm"
)

var (
	ErrTornRead = errors.New("status record changed during every read attempt")
	ErrClosed   = errors.New("status record is closed")
	ErrReadOnly = errors.New("status record is attached read-only")
)

const (
	// DefaultKey is the well-known SysV key of the status segment.
	DefaultKey = 16783408
	// DefaultCapacity is the card region size: 64 FITS blocks of 2880 bytes.
	DefaultCapacity = 2880 * 64
	// DefaultLockPath names the lock shared by every status writer.
	DefaultLockPath = "/dev/shm/guppi_status.lock"

	TrailerSize = 64

	defaultReadRetries = 200
	spinAttempts       = 8
	retryPause         = 100 * time.Microsecond
)

// SegmentSize returns the shared segment size needed for a card capacity.
func SegmentSize(capacity int) int { return capacity + TrailerSize }

// Identity locates a status record.
type Identity struct {
	Segment  shm.Identity `json:"segment"`
	LockPath string       `json:"lock_path"`
	Capacity int          `json:"capacity"`
}

// DefaultIdentity returns the conventional SysV status identity.
func DefaultIdentity() Identity {
	return Identity{
		Segment:  shm.Identity{Backend: shm.BackendSysV, Key: DefaultKey},
		LockPath: DefaultLockPath,
		Capacity: DefaultCapacity,
	}
}

// Record is an attached status record. Methods are safe for concurrent use.
type Record struct {
	seg         shm.Segment
	lock        shm.Locker
	capacity    int
	lockTimeout time.Duration
	readRetries int
	readOnly    bool

	lockPath string
	ownsLock bool

	mu     sync.RWMutex
	closed bool
}

// Option configures a Record at attach time.
type Option func(*Record)

// WithCapacity sets the card region size in bytes (a multiple of 80).
func WithCapacity(n int) Option {
	return func(r *Record) { r.capacity = n }
}

// WithLockTimeout bounds every Lock call that has no earlier deadline.
// Zero waits as long as the caller's context allows.
func WithLockTimeout(d time.Duration) Option {
	return func(r *Record) { r.lockTimeout = d }
}

// WithReadRetries sets how many overlapping commits a snapshot tolerates
// before giving up with ErrTornRead.
func WithReadRetries(n int) Option {
	return func(r *Record) {
		if n > 0 {
			r.readRetries = n
		}
	}
}

// WithReadOnly marks the record as a reader; commits are refused and the
// empty-table initialisation at attach is skipped.
func WithReadOnly() Option {
	return func(r *Record) { r.readOnly = true }
}

// Open attaches to the status record named by id, creating the segment and
// the lock file if they do not exist yet. A read-only identity never
// creates anything.
func Open(id Identity, opts ...Option) (*Record, error) {
	if id.Capacity == 0 {
		id.Capacity = DefaultCapacity
	}
	if id.LockPath == "" {
		id.LockPath = DefaultLockPath
	}

	readOnly := id.Segment.ReadOnly
	seg, err := shm.Open(id.Segment, SegmentSize(id.Capacity), !readOnly)
	if err != nil {
		return nil, fmt.Errorf("attach status segment %s: %w", id.Segment, err)
	}

	lock, err := shm.NewFileLock(id.LockPath)
	if err != nil {
		seg.Detach()
		return nil, fmt.Errorf("open status lock: %w", err)
	}

	all := append([]Option{WithCapacity(id.Capacity)}, opts...)
	if readOnly {
		all = append(all, WithReadOnly())
	}
	r, err := Attach(seg, lock, all...)
	if err != nil {
		lock.Close()
		seg.Detach()
		return nil, err
	}
	r.lockPath = id.LockPath
	r.ownsLock = true
	return r, nil
}

// Attach wraps an already attached segment and lock. If the card region has
// no END card it is initialised to an empty table under the lock.
func Attach(seg shm.Segment, lock shm.Locker, opts ...Option) (*Record, error) {
	r := &Record{
		seg:         seg,
		lock:        lock,
		capacity:    DefaultCapacity,
		readRetries: defaultReadRetries,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.capacity <= 0 || r.capacity%card.Size != 0 {
		return nil, fmt.Errorf("status capacity %d: %w", r.capacity, card.ErrInvalidCapacity)
	}
	if seg.Size() < SegmentSize(r.capacity) {
		return nil, fmt.Errorf("%w: status segment is %d bytes, need %d",
			shm.ErrResourceUnavailable, seg.Size(), SegmentSize(r.capacity))
	}
	if !shm.WordAligned(seg.Bytes()[:SegmentSize(r.capacity)]) {
		return nil, shm.ErrMisaligned
	}

	if !r.readOnly {
		if err := r.initIfEmpty(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Record) initIfEmpty() error {
	if raw, err := r.Raw(); err == nil && card.FindEnd(raw) >= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.initTimeout())
	defer cancel()
	if err := r.Lock(ctx); err != nil {
		return fmt.Errorf("initialise status record: %w", err)
	}
	defer r.Unlock()

	raw, err := r.Raw()
	if err == nil && card.FindEnd(raw) >= 0 {
		return nil
	}
	return r.CommitLocked(card.NewTable())
}

func (r *Record) initTimeout() time.Duration {
	if r.lockTimeout > 0 {
		return r.lockTimeout
	}
	return 10 * time.Second
}

// Capacity returns the card region size in bytes.
func (r *Record) Capacity() int { return r.capacity }

// Segment returns the underlying shared segment.
func (r *Record) Segment() shm.Segment { return r.seg }

func (r *Record) region() []byte { return r.seg.Bytes()[:r.capacity] }

func (r *Record) generation() *uint64 { return shm.Word(r.seg.Bytes(), r.capacity) }

// Generation returns the commit counter. It is odd while a commit is being
// written and advances by two per commit.
func (r *Record) Generation() uint64 {
	return atomic.LoadUint64(r.generation())
}

// Lock acquires the record's named lock. Writers must hold it for the whole
// read-modify-write cycle; readers never need it.
func (r *Record) Lock(ctx context.Context) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if r.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.lockTimeout)
		defer cancel()
	}
	return r.lock.Lock(ctx)
}

// Unlock releases the named lock.
func (r *Record) Unlock() error {
	return r.lock.Unlock()
}

// Raw returns a consistent copy of the card region without taking the lock.
func (r *Record) Raw() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}

	buf := make([]byte, r.capacity)
	gen := r.generation()
	region := r.region()

	for attempt := 0; attempt < r.readRetries; attempt++ {
		if attempt > 0 {
			if attempt < spinAttempts {
				runtime.Gosched()
			} else {
				time.Sleep(retryPause)
			}
		}

		before := atomic.LoadUint64(gen)
		if before&1 == 1 {
			continue
		}
		shm.LoadWords(buf, region)
		if atomic.LoadUint64(gen) == before {
			return buf, nil
		}
	}
	return nil, ErrTornRead
}

// Snapshot decodes the current table without taking the lock. The result
// may be stale but is never a mix of two commits.
func (r *Record) Snapshot() (*card.Table, error) {
	raw, err := r.Raw()
	if err != nil {
		return nil, err
	}
	t, err := card.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode status record: %w", err)
	}
	return t, nil
}

// CommitLocked encodes t and publishes it. The caller must hold the lock.
// If the table does not fit, ErrCapacityExceeded is returned and the
// segment is not touched.
func (r *Record) CommitLocked(t *card.Table) error {
	if r.readOnly {
		return ErrReadOnly
	}
	buf, err := card.Encode(t, r.capacity)
	if err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}

	gen := r.generation()
	g := atomic.LoadUint64(gen)
	if g&1 == 1 {
		// A previous holder died mid-commit.
		g++
	}
	atomic.StoreUint64(gen, g+1)
	shm.StoreWords(r.region(), buf)
	atomic.StoreUint64(gen, g+2)
	return nil
}

// Commit takes the lock, publishes t and releases the lock.
func (r *Record) Commit(ctx context.Context, t *card.Table) error {
	if err := r.Lock(ctx); err != nil {
		return err
	}
	defer r.Unlock()
	return r.CommitLocked(t)
}

// Modify runs a full locked read-modify-write cycle. fn receives the
// current table; if it returns an error nothing is written.
func (r *Record) Modify(ctx context.Context, fn func(t *card.Table) error) error {
	if err := r.Lock(ctx); err != nil {
		return err
	}
	defer r.Unlock()

	t, err := r.Snapshot()
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		return err
	}
	return r.CommitLocked(t)
}

// Update is shorthand for a Modify that upserts a single entry.
func (r *Record) Update(ctx context.Context, key string, v card.Value, comment ...string) error {
	return r.Modify(ctx, func(t *card.Table) error {
		return t.Update(key, v, comment...)
	})
}

func (r *Record) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

// Close detaches from the segment. The record persists for other processes.
func (r *Record) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	err := r.seg.Detach()
	if r.ownsLock {
		err = errors.Join(err, r.lock.Close())
	}
	return err
}

// Remove destroys the segment and deletes the lock file.
func (r *Record) Remove() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.closed = true

	err := r.seg.Remove()
	if r.ownsLock {
		err = errors.Join(err, r.lock.Close(), shm.RemoveLockFile(r.lockPath))
	}
	return err
}

// ForceUnlock breaks a lock left held by a wedged process by deleting the
// lock file. Use only when no writer is running.
func ForceUnlock(id Identity) error {
	path := id.LockPath
	if path == "" {
		path = DefaultLockPath
	}
	return shm.RemoveLockFile(path)
}
