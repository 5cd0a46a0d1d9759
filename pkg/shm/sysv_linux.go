// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

//go:build linux

package shm

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// SysVSegment is a System V shared memory segment.
type SysVSegment struct {
	mu   sync.Mutex
	key  int
	id   int
	data []byte
}

func openSysV(key, size int, create, readOnly bool) (*SysVSegment, error) {
	flags := 0o644
	if create {
		flags |= unix.IPC_CREAT
	}

	id, err := unix.SysvShmGet(key, size, flags)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("%w: key %d", ErrNotExist, key)
		}
		return nil, fmt.Errorf("%w: shmget key %d size %d: %v", ErrResourceUnavailable, key, size, err)
	}

	attachFlags := 0
	if readOnly {
		attachFlags |= unix.SHM_RDONLY
	}
	data, err := unix.SysvShmAttach(id, 0, attachFlags)
	if err != nil {
		return nil, fmt.Errorf("%w: shmat id %d: %v", ErrResourceUnavailable, id, err)
	}

	return &SysVSegment{key: key, id: id, data: data}, nil
}

// resolveSysV returns the shmid currently bound to key. A segment marked
// for removal no longer answers to its key.
func resolveSysV(key int) (int, error) {
	id, err := unix.SysvShmGet(key, 0, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return 0, fmt.Errorf("%w: key %d", ErrNotExist, key)
		}
		return 0, fmt.Errorf("%w: shmget key %d: %v", ErrResourceUnavailable, key, err)
	}
	return id, nil
}

// Bytes returns the attached memory.
func (s *SysVSegment) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Size returns the segment size in bytes.
func (s *SysVSegment) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// ID returns the shmid.
func (s *SysVSegment) ID() int { return s.id }

// Key returns the SysV key the segment was opened with.
func (s *SysVSegment) Key() int { return s.key }

// Detach detaches the segment from this process.
func (s *SysVSegment) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return ErrDetached
	}
	err := unix.SysvShmDetach(s.data)
	s.data = nil
	return err
}

// Remove marks the segment for deletion and detaches. The kernel frees it
// once the last process detaches.
func (s *SysVSegment) Remove() error {
	if _, err := unix.SysvShmCtl(s.id, unix.IPC_RMID, nil); err != nil {
		return fmt.Errorf("shmctl IPC_RMID id %d: %w", s.id, err)
	}
	if err := s.Detach(); err != nil && !errors.Is(err, ErrDetached) {
		return err
	}
	return nil
}
