// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// FileSegment is a shared mapping of a regular file. Placed under /dev/shm
// it behaves like a POSIX shared memory object; placed elsewhere it also
// survives reboots.
type FileSegment struct {
	mu   sync.Mutex
	path string
	file *os.File
	data mmap.MMap
}

// OpenFile maps the file at path. See Open for the size/create semantics.
func OpenFile(path string, size int, create, readOnly bool) (*FileSegment, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty segment path", ErrResourceUnavailable)
	}

	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	if create {
		if readOnly {
			return nil, fmt.Errorf("%w: cannot create a read-only segment", ErrResourceUnavailable)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrResourceUnavailable, err)
		}
		flag |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return nil, fmt.Errorf("%w: %v", ErrResourceUnavailable, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrResourceUnavailable, err)
	}

	switch {
	case create && st.Size() < int64(size):
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: allocate %d bytes: %v", ErrResourceUnavailable, size, err)
		}
	case st.Size() == 0:
		f.Close()
		return nil, fmt.Errorf("%w: %s is empty", ErrNotExist, path)
	case size == 0:
		size = int(st.Size())
	case st.Size() < int64(size):
		f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes, need %d", ErrResourceUnavailable, path, st.Size(), size)
	}

	prot := mmap.RDWR
	if readOnly {
		prot = mmap.RDONLY
	}
	m, err := mmap.MapRegion(f, size, prot, 0, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrResourceUnavailable, path, err)
	}

	return &FileSegment{path: path, file: f, data: m}, nil
}

// Bytes returns the mapped memory.
func (s *FileSegment) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Size returns the mapped length.
func (s *FileSegment) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// ID returns -1; file segments have no OS identifier.
func (s *FileSegment) ID() int { return -1 }

// Path returns the backing file path.
func (s *FileSegment) Path() string { return s.path }

// Detach unmaps the file and closes it.
func (s *FileSegment) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return ErrDetached
	}
	var errs []error
	if err := s.data.Unmap(); err != nil {
		errs = append(errs, err)
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, err)
	}
	s.data = nil
	return errors.Join(errs...)
}

// Remove detaches and deletes the backing file.
func (s *FileSegment) Remove() error {
	if err := s.Detach(); err != nil && !errors.Is(err, ErrDetached) {
		return err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
