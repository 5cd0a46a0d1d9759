// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

//go:build !linux

package shm

func openSysV(key, size int, create, readOnly bool) (Segment, error) {
	return nil, ErrUnsupported
}

func resolveSysV(key int) (int, error) {
	return 0, ErrUnsupported
}
