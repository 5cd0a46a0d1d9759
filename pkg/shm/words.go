// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package shm

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"unsafe"
)

// ErrMisaligned is returned when a region used for word access is not
// 8-byte aligned or not a whole number of words.
var ErrMisaligned = errors.New("region is not 8-byte aligned")

// WordAligned reports whether b starts on an 8-byte boundary and spans a
// whole number of words.
func WordAligned(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&b[0]))%8 == 0 && len(b)%8 == 0
}

// Word returns a pointer to the uint64 at off in b for use with sync/atomic.
// The caller guarantees alignment and bounds.
func Word(b []byte, off int) *uint64 {
	_ = b[off+7]
	return (*uint64)(unsafe.Pointer(&b[off]))
}

// LoadWords copies the shared region src into dst one atomic 64-bit load at
// a time, so a concurrent StoreWords on src never yields a torn word. src
// must be word aligned; dst may be any slice at least as long.
func LoadWords(dst, src []byte) {
	for off := 0; off+8 <= len(src); off += 8 {
		binary.NativeEndian.PutUint64(dst[off:], atomic.LoadUint64(Word(src, off)))
	}
}

// StoreWords copies src into the shared region dst with atomic 64-bit
// stores. dst must be word aligned.
func StoreWords(dst, src []byte) {
	for off := 0; off+8 <= len(src); off += 8 {
		atomic.StoreUint64(Word(dst, off), binary.NativeEndian.Uint64(src[off:]))
	}
}

// AlignedBuffer returns a word-aligned scratch buffer of n bytes.
func AlignedBuffer(n int) []byte {
	return wordsAsBytes(make([]uint64, (n+7)/8))[:n]
}

func wordsAsBytes(words []uint64) []byte {
	if len(words) == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
}
