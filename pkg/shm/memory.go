// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package shm

// MemorySegment is a process-local stand-in for a shared segment. Several
// handles share memory by attaching to the same MemorySegment value.
type MemorySegment struct {
	data []byte
}

// NewMemory allocates a zeroed in-memory segment. The backing array is
// allocated as uint64 words so atomic word access is aligned.
func NewMemory(size int) *MemorySegment {
	words := make([]uint64, (size+7)/8)
	return &MemorySegment{data: wordsAsBytes(words)[:size]}
}

func (m *MemorySegment) Bytes() []byte { return m.data }
func (m *MemorySegment) Size() int     { return len(m.data) }
func (m *MemorySegment) ID() int       { return -1 }
func (m *MemorySegment) Detach() error { return nil }
func (m *MemorySegment) Remove() error { return nil }
