// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package shm

import (
	"context"
	"os"
)

// FileLock is unavailable on this platform.
type FileLock struct{}

func NewFileLock(path string) (*FileLock, error) { return nil, ErrUnsupported }

func (l *FileLock) Path() string                   { return "" }
func (l *FileLock) Lock(ctx context.Context) error { return ErrUnsupported }
func (l *FileLock) TryLock() (bool, error)         { return false, ErrUnsupported }
func (l *FileLock) Unlock() error                  { return ErrUnsupported }
func (l *FileLock) Close() error                   { return nil }

func RemoveLockFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
