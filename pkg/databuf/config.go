// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package databuf

import (
	"errors"
	"fmt"
	"math"

	"github.com/guppi-daq/guppi-shm/pkg/card"
)

var (
	ErrInvalidNumBlocks  = errors.New("number of blocks must be greater than 0")
	ErrInvalidBlockSize  = errors.New("block size must be a positive multiple of 8")
	ErrInvalidHeaderSize = errors.New("header size must be a positive multiple of 80")
	ErrInvalidStructSize = errors.New("struct size must be a multiple of 8 and at least 64")
)

const (
	// DefaultKey is the well-known SysV key of the data buffer segment.
	DefaultKey = 12987498

	structAlign = 8192
)

// Config defines the geometry of a new data buffer.
type Config struct {
	NumBlocks  int    `json:"num_blocks"`
	BlockSize  int    `json:"block_size"`  // bytes per data block
	HeaderSize int    `json:"header_size"` // bytes per header slot, a multiple of 80
	StructSize int    `json:"struct_size"` // 0 rounds the preamble and generation table up to 8 KiB
	DataType   string `json:"data_type"`
	// NoGenerations omits the per-block generation table.
	NoGenerations bool `json:"no_generations"`
}

// DefaultConfig returns the geometry the acquisition pipeline uses:
// 8 blocks of 16 MiB, each with a 23040-byte header.
func DefaultConfig() Config {
	return Config{
		NumBlocks:  8,
		BlockSize:  16 * 1024 * 1024,
		HeaderSize: 2880 * 8,
		DataType:   "unknown",
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.NumBlocks <= 0 || uint64(c.NumBlocks) > math.MaxUint32 {
		return ErrInvalidNumBlocks
	}
	if c.BlockSize <= 0 || c.BlockSize%8 != 0 {
		return ErrInvalidBlockSize
	}
	if c.HeaderSize <= 0 || c.HeaderSize%card.Size != 0 {
		return ErrInvalidHeaderSize
	}
	if c.StructSize != 0 && (c.StructSize < PreambleSize || c.StructSize%8 != 0) {
		return ErrInvalidStructSize
	}
	if _, ok := c.Preamble().span(); !ok {
		return fmt.Errorf("%w: layout size overflows", ErrInvalidBlockSize)
	}
	return nil
}

// structSize returns the bytes reserved before the first header slot.
func (c *Config) structSize() int {
	if c.StructSize != 0 {
		return c.StructSize
	}
	need := int(generationTableEnd(uint32(c.NumBlocks)))
	return structAlign * ((need + structAlign - 1) / structAlign)
}

// Preamble returns the preamble describing this geometry. Magic is left
// unset; Create publishes it last.
func (c *Config) Preamble() Preamble {
	p := Preamble{
		Version:    version,
		NumBlocks:  uint32(c.NumBlocks),
		StructSize: uint64(c.structSize()),
		BlockSize:  uint64(c.BlockSize),
		HeaderSize: uint64(c.HeaderSize),
		ShmID:      -1,
		SemID:      -1,
	}
	p.SetDataType(c.DataType)
	if !c.NoGenerations && p.StructSize >= generationTableEnd(p.NumBlocks) {
		p.Flags |= FlagGenerations
	}
	return p
}

// SegmentSize returns the total bytes the buffer needs.
func (c *Config) SegmentSize() int64 {
	p := c.Preamble()
	return p.TotalSize()
}

// String describes the geometry for logs.
func (c Config) String() string {
	return fmt.Sprintf("%d blocks x %d bytes, header %d bytes", c.NumBlocks, c.BlockSize, c.HeaderSize)
}
