// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

// Package shm provides persistent shared memory segments and named locks
// that unrelated processes attach to through a well-known identity.
package shm

import (
	"errors"
	"fmt"
	"os"
)

var (
	ErrResourceUnavailable = errors.New("shared memory resource unavailable")
	ErrNotExist            = errors.New("shared memory segment does not exist")
	ErrUnsupported         = errors.New("shared memory backend not supported on this platform")
	ErrDetached            = errors.New("segment is detached")
)

// Segment is an attached shared memory region.
//
// Bytes returns the mapped memory itself, not a copy. Writes through it are
// visible to every process attached to the same segment.
type Segment interface {
	Bytes() []byte
	Size() int
	// ID returns the OS identifier (SysV shmid), or -1 if there is none.
	ID() int
	// Detach unmaps the segment from this process. The segment persists.
	Detach() error
	// Remove destroys the segment and detaches from it.
	Remove() error
}

// Backend selects how a segment identity is resolved.
type Backend string

const (
	BackendSysV Backend = "sysv" // System V shared memory keyed by an integer
	BackendFile Backend = "file" // memory-mapped file, e.g. under /dev/shm
)

// ParseBackend validates a backend name.
func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case BackendSysV, BackendFile:
		return Backend(s), nil
	case "":
		return BackendSysV, nil
	}
	return "", fmt.Errorf("unknown shared memory backend %q", s)
}

// Identity names a segment so independent processes find the same memory.
type Identity struct {
	Backend  Backend `json:"backend"`
	Key      int     `json:"key"`            // SysV key
	Path     string  `json:"path,omitempty"` // backing file for BackendFile
	ReadOnly bool    `json:"-"`
}

// String describes the identity for logs.
func (id Identity) String() string {
	switch id.Backend {
	case BackendFile:
		return "file:" + id.Path
	default:
		return fmt.Sprintf("sysv:%d", id.Key)
	}
}

// Open attaches to the segment named by id. With create set the segment is
// created with the given size if absent; otherwise a missing segment yields
// ErrNotExist. A size of 0 attaches with whatever size the segment has.
func Open(id Identity, size int, create bool) (Segment, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: negative size", ErrResourceUnavailable)
	}
	switch id.Backend {
	case BackendSysV, "":
		seg, err := openSysV(id.Key, size, create, id.ReadOnly)
		if err != nil {
			return nil, err
		}
		return seg, nil
	case BackendFile:
		seg, err := OpenFile(id.Path, size, create, id.ReadOnly)
		if err != nil {
			return nil, err
		}
		return seg, nil
	}
	return nil, fmt.Errorf("unknown backend %q", id.Backend)
}

// Remove destroys the segment named by id without attaching to it for use.
func Remove(id Identity) error {
	seg, err := Open(id, 0, false)
	if err != nil {
		return err
	}
	return seg.Remove()
}

// Instance identifies the OS object behind an Identity at one moment. It
// changes when the segment is removed and created again under the same
// name.
type Instance struct {
	shmID int
	file  os.FileInfo
}

// Same reports whether a and b name the same OS object.
func (a Instance) Same(b Instance) bool {
	if a.file != nil || b.file != nil {
		return a.file != nil && b.file != nil && os.SameFile(a.file, b.file)
	}
	return a.shmID == b.shmID
}

// Resolve looks up the object currently named by id without attaching to
// it. A missing segment yields ErrNotExist.
func Resolve(id Identity) (Instance, error) {
	switch id.Backend {
	case BackendSysV, "":
		shmID, err := resolveSysV(id.Key)
		if err != nil {
			return Instance{}, err
		}
		return Instance{shmID: shmID}, nil
	case BackendFile:
		fi, err := os.Stat(id.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Instance{}, fmt.Errorf("%w: %s", ErrNotExist, id.Path)
			}
			return Instance{}, fmt.Errorf("%w: %v", ErrResourceUnavailable, err)
		}
		return Instance{file: fi}, nil
	}
	return Instance{}, fmt.Errorf("unknown backend %q", id.Backend)
}
