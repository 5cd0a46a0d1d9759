// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package databuf

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/guppi-daq/guppi-shm/pkg/card"
	"github.com/guppi-daq/guppi-shm/pkg/shm"
)

// DefaultIdentity returns the conventional SysV identity of the buffer.
func DefaultIdentity() shm.Identity {
	return shm.Identity{Backend: shm.BackendSysV, Key: DefaultKey}
}

// Buffer is an attached data buffer. The geometry is read once at attach
// and never changes; block contents change under the reader at any time.
// Methods are safe for concurrent use and fail with ErrClosed after Close.
type Buffer struct {
	seg      shm.Segment
	pre      Preamble
	readOnly bool

	mu     sync.RWMutex
	closed bool
}

// Block is a copied header and data block.
type Block struct {
	Index      int
	Header     *card.Table
	Data       []byte
	Generation uint64 // 0 when the buffer has no generation table
}

// Create lays out a new buffer in seg. It fails with ErrAlreadyInitialized
// if seg already carries a preamble.
func Create(seg shm.Segment, cfg Config) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	pre := cfg.Preamble()
	pre.ShmID = int32(seg.ID())

	buf := seg.Bytes()
	if int64(len(buf)) < pre.TotalSize() {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrSegmentTooSmall, len(buf), pre.TotalSize())
	}
	if !shm.WordAligned(buf[:pre.StructSize]) {
		return nil, shm.ErrMisaligned
	}
	magic := shm.Word(buf, 0)
	if atomic.LoadUint64(magic) != 0 {
		return nil, ErrAlreadyInitialized
	}

	// Zero the preamble and generation table
	clear(buf[8:pre.StructSize])

	// Every header slot starts as an empty table
	empty, err := card.Encode(card.NewTable(), int(pre.HeaderSize))
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(pre.NumBlocks); i++ {
		off := pre.HeaderOffset(i)
		copy(buf[off:off+int64(pre.HeaderSize)], empty)
	}

	// Publish the geometry, then the magic
	scratch := make([]byte, PreambleSize)
	pre.Encode(scratch)
	copy(buf[8:PreambleSize], scratch[8:])
	pre.Magic = magicNumber
	atomic.StoreUint64(magic, magicNumber)

	return &Buffer{seg: seg, pre: pre}, nil
}

// CreateSegment creates the segment named by id and lays out a new buffer
// in it.
func CreateSegment(id shm.Identity, cfg Config) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	seg, err := shm.Open(id, int(cfg.SegmentSize()), true)
	if err != nil {
		return nil, fmt.Errorf("create data buffer segment %s: %w", id, err)
	}
	b, err := Create(seg, cfg)
	if err != nil {
		seg.Detach()
		return nil, err
	}
	return b, nil
}

// Attach reads the preamble of an existing buffer. A zeroed preamble means
// the producer has not started and yields ErrNotInitialized.
func Attach(seg shm.Segment, readOnly bool) (*Buffer, error) {
	buf := seg.Bytes()
	if len(buf) < PreambleSize {
		return nil, fmt.Errorf("%w: segment is %d bytes", ErrNotInitialized, len(buf))
	}
	if !shm.WordAligned(buf[:PreambleSize]) {
		return nil, shm.ErrMisaligned
	}

	var pre Preamble
	raw := make([]byte, PreambleSize)
	shm.LoadWords(raw, buf[:PreambleSize])
	pre.Decode(raw)
	if err := pre.ValidateFor(len(buf)); err != nil {
		return nil, err
	}

	return &Buffer{seg: seg, pre: pre, readOnly: readOnly}, nil
}

// Open attaches to the buffer named by id. A missing segment is reported as
// ErrNotInitialized so readers can treat it as "no data yet".
func Open(id shm.Identity) (*Buffer, error) {
	seg, err := shm.Open(id, 0, false)
	if err != nil {
		if errors.Is(err, shm.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrNotInitialized, err)
		}
		return nil, err
	}
	b, err := Attach(seg, id.ReadOnly)
	if err != nil {
		seg.Detach()
		return nil, err
	}
	return b, nil
}

// acquire checks that the buffer is open and holds the read lock until the
// caller releases b.mu.
func (b *Buffer) acquire() error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	return nil
}

// Info returns the preamble read at attach.
func (b *Buffer) Info() Preamble { return b.pre }

func (b *Buffer) NumBlocks() int  { return int(b.pre.NumBlocks) }
func (b *Buffer) BlockSize() int  { return int(b.pre.BlockSize) }
func (b *Buffer) HeaderSize() int { return int(b.pre.HeaderSize) }

// HeaderOffset returns the byte offset of header slot i.
func (b *Buffer) HeaderOffset(i int) (int64, error) {
	if err := b.pre.CheckIndex(i); err != nil {
		return 0, err
	}
	return b.pre.HeaderOffset(i), nil
}

// DataOffset returns the byte offset of data block i.
func (b *Buffer) DataOffset(i int) (int64, error) {
	if err := b.pre.CheckIndex(i); err != nil {
		return 0, err
	}
	return b.pre.DataOffset(i), nil
}

func (b *Buffer) headerRegion(i int) []byte {
	off := b.pre.HeaderOffset(i)
	return b.seg.Bytes()[off : off+int64(b.pre.HeaderSize)]
}

func (b *Buffer) dataRegion(i int) []byte {
	off := b.pre.DataOffset(i)
	return b.seg.Bytes()[off : off+int64(b.pre.BlockSize) : off+int64(b.pre.BlockSize)]
}

// HeaderBytes returns a copy of header slot i.
func (b *Buffer) HeaderBytes(i int) ([]byte, error) {
	if err := b.pre.CheckIndex(i); err != nil {
		return nil, err
	}
	if err := b.acquire(); err != nil {
		return nil, err
	}
	defer b.mu.RUnlock()
	out := make([]byte, b.pre.HeaderSize)
	shm.LoadWords(out, b.headerRegion(i))
	return out, nil
}

// Header decodes header slot i. The read is best effort: the producer may
// be rewriting the slot, in which case decoding can fail or describe a
// different fill of the block than Data later shows.
func (b *Buffer) Header(i int) (*card.Table, error) {
	raw, err := b.HeaderBytes(i)
	if err != nil {
		return nil, err
	}
	t, err := card.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("block %d header: %w", i, err)
	}
	return t, nil
}

// Data returns a zero-copy view of data block i. The view aliases shared
// memory that the producer overwrites without coordination; callers must
// not write through it, must tolerate its content changing and must not
// use it after Close.
func (b *Buffer) Data(i int) ([]byte, error) {
	if err := b.pre.CheckIndex(i); err != nil {
		return nil, err
	}
	if err := b.acquire(); err != nil {
		return nil, err
	}
	defer b.mu.RUnlock()
	return b.dataRegion(i), nil
}

// WithData calls fn with a view of data block i that stays mapped until fn
// returns. The same caveats as Data apply to its content.
func (b *Buffer) WithData(i int, fn func(data []byte) error) error {
	if err := b.pre.CheckIndex(i); err != nil {
		return err
	}
	if err := b.acquire(); err != nil {
		return err
	}
	defer b.mu.RUnlock()
	return fn(b.dataRegion(i))
}

// Generation returns block i's generation counter. ok is false when the
// buffer has no generation table.
func (b *Buffer) Generation(i int) (gen uint64, ok bool, err error) {
	if err := b.pre.CheckIndex(i); err != nil {
		return 0, false, err
	}
	if err := b.acquire(); err != nil {
		return 0, false, err
	}
	defer b.mu.RUnlock()
	if !b.pre.HasGenerations() {
		return 0, false, nil
	}
	return atomic.LoadUint64(b.genWord(i)), true, nil
}

func (b *Buffer) genWord(i int) *uint64 {
	return shm.Word(b.seg.Bytes(), b.pre.generationOffset(i))
}

const readBlockAttempts = 3

// ReadBlock copies header and data of block i into a Block. dst is reused
// for the data when it has room. With a generation table the copy is
// retried while the producer is rewriting the block and ErrTornRead is
// returned if no clean copy was made; without one the copy is best effort.
func (b *Buffer) ReadBlock(i int, dst []byte) (*Block, error) {
	if err := b.pre.CheckIndex(i); err != nil {
		return nil, err
	}
	if cap(dst) < int(b.pre.BlockSize) {
		dst = make([]byte, b.pre.BlockSize)
	}
	dst = dst[:b.pre.BlockSize]
	hdr := make([]byte, b.pre.HeaderSize)

	if err := b.acquire(); err != nil {
		return nil, err
	}
	defer b.mu.RUnlock()

	if !b.pre.HasGenerations() {
		shm.LoadWords(hdr, b.headerRegion(i))
		shm.LoadWords(dst, b.dataRegion(i))
		return b.decodeBlock(i, hdr, dst, 0)
	}

	gen := b.genWord(i)
	for attempt := 0; attempt < readBlockAttempts; attempt++ {
		before := atomic.LoadUint64(gen)
		if before&1 == 1 {
			continue
		}
		shm.LoadWords(hdr, b.headerRegion(i))
		shm.LoadWords(dst, b.dataRegion(i))
		if atomic.LoadUint64(gen) == before {
			return b.decodeBlock(i, hdr, dst, before)
		}
	}
	return nil, fmt.Errorf("block %d: %w", i, ErrTornRead)
}

func (b *Buffer) decodeBlock(i int, hdr, data []byte, gen uint64) (*Block, error) {
	t, err := card.Decode(hdr)
	if err != nil {
		return nil, fmt.Errorf("block %d header: %w", i, err)
	}
	return &Block{Index: i, Header: t, Data: data, Generation: gen}, nil
}

// BeginWrite marks block i as being rewritten. Producers bracket every
// fill of a block with BeginWrite and EndWrite.
func (b *Buffer) BeginWrite(i int) error {
	if err := b.checkWritable(i); err != nil {
		return err
	}
	defer b.mu.RUnlock()
	if !b.pre.HasGenerations() {
		return nil
	}
	gen := b.genWord(i)
	g := atomic.LoadUint64(gen)
	if g&1 == 1 {
		g++
	}
	atomic.StoreUint64(gen, g+1)
	return nil
}

// EndWrite publishes block i after BeginWrite.
func (b *Buffer) EndWrite(i int) error {
	if err := b.checkWritable(i); err != nil {
		return err
	}
	defer b.mu.RUnlock()
	if !b.pre.HasGenerations() {
		return nil
	}
	gen := b.genWord(i)
	if g := atomic.LoadUint64(gen); g&1 == 1 {
		atomic.StoreUint64(gen, g+1)
	}
	return nil
}

// WriteHeader encodes t into header slot i.
func (b *Buffer) WriteHeader(i int, t *card.Table) error {
	if err := b.checkWritable(i); err != nil {
		return err
	}
	defer b.mu.RUnlock()
	raw, err := card.Encode(t, int(b.pre.HeaderSize))
	if err != nil {
		return fmt.Errorf("block %d header: %w", i, err)
	}
	shm.StoreWords(b.headerRegion(i), raw)
	return nil
}

// WriteData copies src into the start of data block i.
func (b *Buffer) WriteData(i int, src []byte) error {
	if err := b.checkWritable(i); err != nil {
		return err
	}
	defer b.mu.RUnlock()
	if len(src) > int(b.pre.BlockSize) {
		return fmt.Errorf("%w: %d bytes into a %d byte block", ErrSegmentTooSmall, len(src), b.pre.BlockSize)
	}
	region := b.dataRegion(i)
	whole := len(src) &^ 7
	shm.StoreWords(region[:whole], src[:whole])
	copy(region[whole:len(src)], src[whole:])
	return nil
}

// DataMut returns a writable view of block i for producers that fill the
// block in place.
func (b *Buffer) DataMut(i int) ([]byte, error) {
	if err := b.checkWritable(i); err != nil {
		return nil, err
	}
	defer b.mu.RUnlock()
	return b.dataRegion(i), nil
}

// checkWritable validates a producer call and, on success, holds the read
// lock until the caller releases b.mu.
func (b *Buffer) checkWritable(i int) error {
	if b.readOnly {
		return ErrReadOnly
	}
	if err := b.pre.CheckIndex(i); err != nil {
		return err
	}
	return b.acquire()
}

// Close detaches from the segment. The buffer persists.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.seg.Detach()
}

// Remove destroys the segment.
func (b *Buffer) Remove() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.closed = true
	return b.seg.Remove()
}
