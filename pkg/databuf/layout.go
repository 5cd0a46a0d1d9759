// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

// Package databuf implements the shared multi-block data buffer: a preamble,
// N card-table header slots and N fixed-size data blocks in one segment.
//
// The buffer is lock-free. One producer overwrites blocks cyclically while
// any number of readers look at them; a reader may see a block that is
// being rewritten. When the preamble carries a generation table, ReadBlock
// detects that overlap; Header and Data never do.
package databuf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/bits"
)

var (
	ErrNotInitialized     = errors.New("data buffer not initialized")
	ErrInvalidMagic       = errors.New("invalid data buffer (bad magic number)")
	ErrVersionMismatch    = errors.New("data buffer version mismatch")
	ErrCorruptPreamble    = errors.New("data buffer preamble is inconsistent")
	ErrBlockOutOfRange    = errors.New("block index out of range")
	ErrSegmentTooSmall    = errors.New("segment too small for data buffer layout")
	ErrAlreadyInitialized = errors.New("data buffer already initialized")
	ErrReadOnly           = errors.New("data buffer is attached read-only")
	ErrTornRead           = errors.New("block was rewritten while it was being read")
	ErrClosed             = errors.New("data buffer is closed")
)

const (
	magicNumber uint64 = 0x3142444950505547 // "GUPPIDB1" stored little-endian
	version     uint32 = 1

	// PreambleSize is the fixed part of the preamble. The generation table,
	// when present, follows it.
	PreambleSize = 64

	dataTypeLen = 12
)

// Preamble flags
const (
	FlagGenerations uint32 = 1 << 0 // per-block generation table follows the preamble
)

// Preamble is the fixed 64-byte description at the start of the segment.
//
//	0  Magic      u64
//	8  Version    u32
//	12 NumBlocks  u32
//	16 StructSize u64
//	24 BlockSize  u64
//	32 HeaderSize u64
//	40 ShmID      i32
//	44 SemID      i32
//	48 DataType   [12]byte
//	60 Flags      u32
type Preamble struct {
	Magic      uint64
	Version    uint32
	NumBlocks  uint32
	StructSize uint64 // bytes reserved before the first header slot
	BlockSize  uint64
	HeaderSize uint64
	ShmID      int32
	SemID      int32 // always -1; the buffer has no semaphore
	DataType   [dataTypeLen]byte
	Flags      uint32
}

// Encode serializes the preamble to buf.
func (p Preamble) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], p.Magic)
	binary.LittleEndian.PutUint32(buf[8:12], p.Version)
	binary.LittleEndian.PutUint32(buf[12:16], p.NumBlocks)
	binary.LittleEndian.PutUint64(buf[16:24], p.StructSize)
	binary.LittleEndian.PutUint64(buf[24:32], p.BlockSize)
	binary.LittleEndian.PutUint64(buf[32:40], p.HeaderSize)
	binary.LittleEndian.PutUint32(buf[40:44], uint32(p.ShmID))
	binary.LittleEndian.PutUint32(buf[44:48], uint32(p.SemID))
	copy(buf[48:60], p.DataType[:])
	binary.LittleEndian.PutUint32(buf[60:64], p.Flags)
}

// Decode deserializes buf into the preamble.
func (p *Preamble) Decode(buf []byte) {
	p.Magic = binary.LittleEndian.Uint64(buf[0:8])
	p.Version = binary.LittleEndian.Uint32(buf[8:12])
	p.NumBlocks = binary.LittleEndian.Uint32(buf[12:16])
	p.StructSize = binary.LittleEndian.Uint64(buf[16:24])
	p.BlockSize = binary.LittleEndian.Uint64(buf[24:32])
	p.HeaderSize = binary.LittleEndian.Uint64(buf[32:40])
	p.ShmID = int32(binary.LittleEndian.Uint32(buf[40:44]))
	p.SemID = int32(binary.LittleEndian.Uint32(buf[44:48]))
	copy(p.DataType[:], buf[48:60])
	p.Flags = binary.LittleEndian.Uint32(buf[60:64])
}

// DataTypeString returns the data type label without NUL padding.
func (p Preamble) DataTypeString() string {
	return string(bytes.TrimRight(p.DataType[:], "\x00"))
}

// SetDataType stores s, truncated to 12 bytes.
func (p *Preamble) SetDataType(s string) {
	p.DataType = [dataTypeLen]byte{}
	copy(p.DataType[:], s)
}

// HasGenerations reports whether the generation table is present.
func (p Preamble) HasGenerations() bool {
	return p.Flags&FlagGenerations != 0 && p.StructSize >= generationTableEnd(p.NumBlocks)
}

func generationTableEnd(n uint32) uint64 {
	return PreambleSize + 8*uint64(n)
}

func (p Preamble) generationOffset(i int) int {
	return PreambleSize + 8*i
}

// HeaderOffset returns the byte offset of header slot i.
func (p Preamble) HeaderOffset(i int) int64 {
	return int64(p.StructSize) + int64(i)*int64(p.HeaderSize)
}

// DataOffset returns the byte offset of data block i.
func (p Preamble) DataOffset(i int) int64 {
	n := int64(p.NumBlocks)
	return int64(p.StructSize) + n*int64(p.HeaderSize) + int64(i)*int64(p.BlockSize)
}

// TotalSize returns the number of bytes the layout spans. It is only
// meaningful for a preamble that passed Validate.
func (p Preamble) TotalSize() int64 {
	n, _ := p.span()
	return int64(n)
}

// span computes StructSize + NumBlocks*(HeaderSize+BlockSize). ok is false
// if any step overflows int64.
func (p Preamble) span() (n uint64, ok bool) {
	perBlock, carry := bits.Add64(p.HeaderSize, p.BlockSize, 0)
	if carry != 0 {
		return 0, false
	}
	hi, blocks := bits.Mul64(uint64(p.NumBlocks), perBlock)
	if hi != 0 {
		return 0, false
	}
	total, carry := bits.Add64(p.StructSize, blocks, 0)
	if carry != 0 || total > math.MaxInt64 {
		return 0, false
	}
	return total, true
}

// CheckIndex returns ErrBlockOutOfRange unless 0 <= i < NumBlocks.
func (p Preamble) CheckIndex(i int) error {
	if i < 0 || uint64(i) >= uint64(p.NumBlocks) {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrBlockOutOfRange, i, p.NumBlocks)
	}
	return nil
}

// Validate checks that a decoded preamble describes a usable layout.
func (p Preamble) Validate() error {
	switch {
	case p.Magic == 0:
		return ErrNotInitialized
	case p.Magic != magicNumber:
		return ErrInvalidMagic
	case p.Version != version:
		return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, p.Version, version)
	case p.NumBlocks == 0:
		return fmt.Errorf("%w: zero blocks", ErrCorruptPreamble)
	case p.StructSize < PreambleSize || p.StructSize%8 != 0:
		return fmt.Errorf("%w: struct size %d", ErrCorruptPreamble, p.StructSize)
	case p.HeaderSize == 0 || p.HeaderSize%80 != 0:
		return fmt.Errorf("%w: header size %d", ErrCorruptPreamble, p.HeaderSize)
	case p.BlockSize == 0 || p.BlockSize%8 != 0:
		return fmt.Errorf("%w: block size %d", ErrCorruptPreamble, p.BlockSize)
	}
	if _, ok := p.span(); !ok {
		return fmt.Errorf("%w: layout size overflows", ErrCorruptPreamble)
	}
	return nil
}

// ValidateFor checks the preamble and that its layout lies inside a
// segment of size bytes.
func (p Preamble) ValidateFor(size int) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.HeaderSize > uint64(size) || p.BlockSize > uint64(size) {
		return fmt.Errorf("%w: header %d or block %d larger than the %d byte segment",
			ErrCorruptPreamble, p.HeaderSize, p.BlockSize, size)
	}
	if span, _ := p.span(); span > uint64(size) {
		return fmt.Errorf("%w: layout spans %d bytes, segment has %d",
			ErrCorruptPreamble, span, size)
	}
	return nil
}
