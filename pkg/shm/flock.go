// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

//go:build linux || darwin || freebsd || netbsd || openbsd

package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// FileLock is a named lock backed by flock(2) on a well-known file. The
// kernel drops the lock when the holder exits, so a crashed holder never
// leaves it stuck; RemoveLockFile lets an operator break a lock held by a
// live but wedged process. Every acquisition checks that the locked
// descriptor is still the file at path, so handles opened before a removal
// move to the new file instead of locking the orphaned one.
type FileLock struct {
	path string
	// sem serialises goroutines of this process; flock only arbitrates
	// between open file descriptions.
	sem chan struct{}

	mu   sync.Mutex
	file *os.File
}

// NewFileLock creates (if needed) and opens the lock file at path.
func NewFileLock(path string) (*FileLock, error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, err
	}
	return &FileLock{path: path, sem: make(chan struct{}, 1), file: f}, nil
}

func openLockFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: lock dir: %v", ErrResourceUnavailable, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open lock %s: %v", ErrResourceUnavailable, path, err)
	}
	return f, nil
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// Lock acquires the lock, polling until ctx is done.
func (l *FileLock) Lock(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
	}

	if err := pollLock(ctx, l.flock); err != nil {
		<-l.sem
		return err
	}
	return nil
}

// TryLock acquires the lock if no one holds it.
func (l *FileLock) TryLock() (bool, error) {
	select {
	case l.sem <- struct{}{}:
	default:
		return false, nil
	}
	ok, err := l.flock()
	if !ok || err != nil {
		<-l.sem
	}
	return ok, err
}

func (l *FileLock) flock() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		if l.file == nil {
			return false, os.ErrClosed
		}
		err := unix.Flock(int(l.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		switch {
		case err == nil:
		case errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.EINTR):
			return false, nil
		default:
			return false, fmt.Errorf("flock %s: %w", l.path, err)
		}

		current, err := l.current()
		if err != nil {
			unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
			return false, err
		}
		if current {
			return true, nil
		}
		// The file was removed or replaced while we held an old
		// descriptor. Move to whatever the path names now.
		if err := l.reopen(); err != nil {
			return false, err
		}
	}
}

// current reports whether the open descriptor is still the file at path.
// Callers hold l.mu.
func (l *FileLock) current() (bool, error) {
	var held, named unix.Stat_t
	if err := unix.Fstat(int(l.file.Fd()), &held); err != nil {
		return false, fmt.Errorf("fstat %s: %w", l.path, err)
	}
	if err := unix.Stat(l.path, &named); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", l.path, err)
	}
	return held.Dev == named.Dev && held.Ino == named.Ino, nil
}

// reopen closes the stale descriptor, releasing its flock, and opens the
// path again. Callers hold l.mu.
func (l *FileLock) reopen() error {
	l.file.Close()
	l.file = nil
	f, err := openLockFile(l.path)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// Unlock releases the lock.
func (l *FileLock) Unlock() error {
	select {
	case <-l.sem:
	default:
		return ErrNotLocked
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return os.ErrClosed
	}
	return unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
}

// Close closes the lock file, releasing the lock if held.
func (l *FileLock) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// RemoveLockFile deletes the lock file. A current holder keeps its flock on
// the old inode until it unlocks; every later acquisition, including one by
// a handle opened before the removal, locks the file now at path.
func RemoveLockFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
