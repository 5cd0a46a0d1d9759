// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package shm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrLockTimeout = errors.New("timed out waiting for lock")
	ErrNotLocked   = errors.New("lock is not held")
)

// Locker is a named mutual-exclusion primitive shared between processes.
//
// A process that dies while holding the lock leaves it in whatever state
// the underlying primitive guarantees; no recovery is attempted here.
type Locker interface {
	// Lock blocks until the lock is held or ctx is done. Expiry returns
	// an error wrapping ErrLockTimeout.
	Lock(ctx context.Context) error
	// TryLock acquires the lock if it is free.
	TryLock() (bool, error)
	Unlock() error
	Close() error
}

const (
	lockPollMin = time.Millisecond
	lockPollMax = 50 * time.Millisecond
)

// pollLock retries try with exponential backoff until it succeeds or ctx
// ends.
func pollLock(ctx context.Context, try func() (bool, error)) error {
	delay := lockPollMin
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
		case <-timer.C:
		}
		delay = min(delay*2, lockPollMax)
	}
}

// MutexLock is an in-process Locker for segments that never leave the
// process, such as MemorySegment in tests.
type MutexLock struct {
	ch chan struct{}
}

// NewMutexLock returns an unlocked MutexLock.
func NewMutexLock() *MutexLock {
	return &MutexLock{ch: make(chan struct{}, 1)}
}

func (m *MutexLock) Lock(ctx context.Context) error {
	select {
	case m.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
	}
}

func (m *MutexLock) TryLock() (bool, error) {
	select {
	case m.ch <- struct{}{}:
		return true, nil
	default:
		return false, nil
	}
}

func (m *MutexLock) Unlock() error {
	select {
	case <-m.ch:
		return nil
	default:
		return ErrNotLocked
	}
}

func (m *MutexLock) Close() error { return nil }
