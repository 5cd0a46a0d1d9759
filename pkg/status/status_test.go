// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package status

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guppi-daq/guppi-shm/pkg/card"
	"github.com/guppi-daq/guppi-shm/pkg/shm"
)

func memoryRecord(t *testing.T, capacity int, opts ...Option) *Record {
	t.Helper()
	seg := shm.NewMemory(SegmentSize(capacity))
	r, err := Attach(seg, shm.NewMutexLock(), append([]Option{WithCapacity(capacity)}, opts...)...)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	return r
}

func fileIdentity(t *testing.T) Identity {
	t.Helper()
	dir := t.TempDir()
	return Identity{
		Segment:  shm.Identity{Backend: shm.BackendFile, Path: filepath.Join(dir, "guppi_status")},
		LockPath: filepath.Join(dir, "guppi_status.lock"),
		Capacity: 80 * 36,
	}
}

func sampleTable(t *testing.T) *card.Table {
	t.Helper()
	tbl := card.NewTable()
	tbl.MustUpdate("SRC_NAME", card.String("B0329+54"), "source")
	tbl.MustUpdate("OBSFREQ", card.Float(960.0))
	tbl.MustUpdate("OBSNCHAN", card.Int(2048))
	tbl.MustUpdate("CAL_MODE", card.Bool(false))
	return tbl
}

func TestAttachInitializesEmptyRecord(t *testing.T) {
	r := memoryRecord(t, 80*10)

	raw, err := r.Raw()
	if err != nil {
		t.Fatalf("Raw failed: %v", err)
	}
	if card.FindEnd(raw) != 0 {
		t.Errorf("END at %d, want 0", card.FindEnd(raw))
	}
	if !bytes.Equal(raw[card.Size:], bytes.Repeat([]byte{' '}, len(raw)-card.Size)) {
		t.Error("tail is not space filled")
	}
	if g := r.Generation(); g != 2 {
		t.Errorf("Generation = %d, want 2", g)
	}

	tbl, err := r.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if tbl.Len() != 0 {
		t.Errorf("Len = %d, want 0", tbl.Len())
	}
}

func TestAttachKeepsExistingTable(t *testing.T) {
	seg := shm.NewMemory(SegmentSize(800))
	lock := shm.NewMutexLock()

	first, err := Attach(seg, lock, WithCapacity(800))
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := first.Commit(context.Background(), sampleTable(t)); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	second, err := Attach(seg, lock, WithCapacity(800))
	if err != nil {
		t.Fatalf("second Attach failed: %v", err)
	}
	tbl, err := second.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if tbl.Len() != 4 {
		t.Errorf("Len = %d, want 4", tbl.Len())
	}
}

func TestAttachRejectsBadGeometry(t *testing.T) {
	if _, err := Attach(shm.NewMemory(1000), shm.NewMutexLock(), WithCapacity(100)); !errors.Is(err, card.ErrInvalidCapacity) {
		t.Errorf("capacity 100: %v, want ErrInvalidCapacity", err)
	}
	if _, err := Attach(shm.NewMemory(800), shm.NewMutexLock(), WithCapacity(800)); !errors.Is(err, shm.ErrResourceUnavailable) {
		t.Errorf("segment without trailer: %v, want ErrResourceUnavailable", err)
	}
}

func TestCommitRoundTrip(t *testing.T) {
	r := memoryRecord(t, 80*10)
	want := sampleTable(t)

	if err := r.Commit(context.Background(), want); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	got, err := r.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("snapshot differs:\n%s\nwant:\n%s", got, want)
	}
}

func TestCommitIdempotent(t *testing.T) {
	r := memoryRecord(t, 80*10)
	tbl := sampleTable(t)
	ctx := context.Background()

	if err := r.Commit(ctx, tbl); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	first, _ := r.Raw()
	if err := r.Commit(ctx, tbl); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	second, _ := r.Raw()

	if !bytes.Equal(first, second) {
		t.Error("committing the same table twice changed the segment")
	}
}

func TestCommitCapacityExceeded(t *testing.T) {
	r := memoryRecord(t, 80*4)
	ctx := context.Background()

	small := card.NewTable()
	small.MustUpdate("A", card.Int(1))
	if err := r.Commit(ctx, small); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	before, _ := r.Raw()
	genBefore := r.Generation()

	// Four entries plus END need five cards.
	big := sampleTable(t)
	err := r.Commit(ctx, big)
	if !errors.Is(err, card.ErrCapacityExceeded) {
		t.Fatalf("Commit = %v, want ErrCapacityExceeded", err)
	}

	after, _ := r.Raw()
	if !bytes.Equal(before, after) {
		t.Error("segment modified by rejected commit")
	}
	if r.Generation() != genBefore {
		t.Errorf("generation moved from %d to %d", genBefore, r.Generation())
	}

	// Exactly full still fits.
	full := card.NewTable()
	for i := range 3 {
		full.MustUpdate(fmt.Sprintf("K%d", i), card.Int(int64(i)))
	}
	if err := r.Commit(ctx, full); err != nil {
		t.Errorf("full table rejected: %v", err)
	}
}

func TestModifyPreservesOrder(t *testing.T) {
	r := memoryRecord(t, 80*10)
	ctx := context.Background()

	if err := r.Commit(ctx, sampleTable(t)); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	err := r.Modify(ctx, func(tbl *card.Table) error {
		if err := tbl.Update("OBSFREQ", card.Float(1400.0)); err != nil {
			return err
		}
		return tbl.Update("CURBLOCK", card.Int(3))
	})
	if err != nil {
		t.Fatalf("Modify failed: %v", err)
	}

	tbl, _ := r.Snapshot()
	want := []string{"SRC_NAME", "OBSFREQ", "OBSNCHAN", "CAL_MODE", "CURBLOCK"}
	keys := tbl.Keys()
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key %d = %s, want %s", i, keys[i], want[i])
		}
	}
	if f, _ := tbl.Float("OBSFREQ"); f != 1400.0 {
		t.Errorf("OBSFREQ = %v, want 1400", f)
	}
	if e, _ := tbl.Entry("SRC_NAME"); e.Comment != "source" {
		t.Errorf("comment lost: %q", e.Comment)
	}
}

func TestModifyErrorWritesNothing(t *testing.T) {
	r := memoryRecord(t, 80*10)
	ctx := context.Background()
	gen := r.Generation()

	boom := errors.New("boom")
	err := r.Modify(ctx, func(tbl *card.Table) error {
		tbl.MustUpdate("X", card.Int(1))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Modify = %v, want boom", err)
	}
	if r.Generation() != gen {
		t.Error("failed Modify committed")
	}
	if ok, _ := r.lock.TryLock(); !ok {
		t.Error("lock still held after failed Modify")
	}
}

func TestUpdate(t *testing.T) {
	r := memoryRecord(t, 80*10)
	if err := r.Update(context.Background(), "curblock", card.Int(5), "current block"); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	tbl, _ := r.Snapshot()
	if n, ok := tbl.Int("CURBLOCK"); !ok || n != 5 {
		t.Errorf("CURBLOCK = %d, %v", n, ok)
	}
}

func TestConcurrentReadersNeverTorn(t *testing.T) {
	r := memoryRecord(t, 80*32)
	ctx := context.Background()

	build := func(n int) *card.Table {
		tbl := card.NewTable()
		for k := range 10 + n%5 {
			tbl.MustUpdate(fmt.Sprintf("K%02d", k), card.Int(int64(n)))
		}
		return tbl
	}
	if err := r.Commit(ctx, build(0)); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	var (
		stop      atomic.Bool
		wg        sync.WaitGroup
		snapshots atomic.Int64
	)
	errs := make(chan error, 8)

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				tbl, err := r.Snapshot()
				if errors.Is(err, ErrTornRead) {
					continue
				}
				if err != nil {
					errs <- err
					return
				}
				entries := tbl.Entries()
				first, _ := entries[0].Value.AsInt()
				if len(entries) != 10+int(first)%5 {
					errs <- fmt.Errorf("generation %d has %d entries", first, len(entries))
					return
				}
				for _, e := range entries {
					if n, _ := e.Value.AsInt(); n != first {
						errs <- fmt.Errorf("mixed snapshot: %s=%d alongside %d", e.Key, n, first)
						return
					}
				}
				snapshots.Add(1)
			}
		}()
	}

	for n := 1; n <= 300; n++ {
		if err := r.Lock(ctx); err != nil {
			t.Fatalf("Lock failed: %v", err)
		}
		if err := r.CommitLocked(build(n)); err != nil {
			t.Fatalf("CommitLocked failed: %v", err)
		}
		r.Unlock()
	}
	// Let readers observe the final image.
	time.Sleep(10 * time.Millisecond)
	stop.Store(true)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if snapshots.Load() == 0 {
		t.Error("readers never completed a snapshot")
	}
}

func TestLockTimeout(t *testing.T) {
	r := memoryRecord(t, 800, WithLockTimeout(20*time.Millisecond))
	ctx := context.Background()

	if err := r.Lock(ctx); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	start := time.Now()
	err := r.Commit(ctx, sampleTable(t))
	if !errors.Is(err, shm.ErrLockTimeout) {
		t.Errorf("Commit = %v, want ErrLockTimeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("lock timeout not honoured")
	}
	r.Unlock()

	if err := r.Commit(ctx, sampleTable(t)); err != nil {
		t.Errorf("Commit after unlock failed: %v", err)
	}
}

func TestInterruptedCommitDetected(t *testing.T) {
	r := memoryRecord(t, 800, WithReadRetries(3))

	// Simulate a writer that died between the two generation bumps.
	atomic.AddUint64(r.generation(), 1)
	if _, err := r.Snapshot(); !errors.Is(err, ErrTornRead) {
		t.Fatalf("Snapshot = %v, want ErrTornRead", err)
	}

	if err := r.Commit(context.Background(), sampleTable(t)); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if r.Generation()%2 != 0 {
		t.Errorf("generation %d still odd after recovery commit", r.Generation())
	}
	if _, err := r.Snapshot(); err != nil {
		t.Errorf("Snapshot after recovery: %v", err)
	}
}

func TestCorruptRecordSurfaced(t *testing.T) {
	r := memoryRecord(t, 800)
	copy(r.seg.Bytes(), bytes.Repeat([]byte{'X'}, 800))

	if _, err := r.Snapshot(); !errors.Is(err, card.ErrNoEnd) {
		t.Errorf("Snapshot = %v, want ErrNoEnd", err)
	}

	copy(r.seg.Bytes(), "GARBAGE NO EQUALS SIGN")
	copy(r.seg.Bytes()[80:], card.EndCard())
	if _, err := r.Snapshot(); !errors.Is(err, card.ErrMalformedCard) {
		t.Errorf("Snapshot = %v, want ErrMalformedCard", err)
	}
}

func TestReadOnlyRejectsCommit(t *testing.T) {
	seg := shm.NewMemory(SegmentSize(800))
	if _, err := Attach(seg, shm.NewMutexLock(), WithCapacity(800)); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	reader, err := Attach(seg, shm.NewMutexLock(), WithCapacity(800), WithReadOnly())
	if err != nil {
		t.Fatalf("read-only Attach failed: %v", err)
	}
	if err := reader.Commit(context.Background(), sampleTable(t)); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Commit = %v, want ErrReadOnly", err)
	}
}

func TestClosedRecord(t *testing.T) {
	r := memoryRecord(t, 800)
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := r.Snapshot(); !errors.Is(err, ErrClosed) {
		t.Errorf("Snapshot = %v, want ErrClosed", err)
	}
	if err := r.Commit(context.Background(), card.NewTable()); !errors.Is(err, ErrClosed) {
		t.Errorf("Commit = %v, want ErrClosed", err)
	}
}

func TestEndToEndReattach(t *testing.T) {
	id := fileIdentity(t)
	ctx := context.Background()

	writer, err := Open(id)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	err = writer.Modify(ctx, func(tbl *card.Table) error {
		tbl.MustUpdate("SRC_NAME", card.String("B0329+54"))
		tbl.MustUpdate("OBSFREQ", card.Float(960.0))
		tbl.MustUpdate("OBSNCHAN", card.Int(2048))
		return nil
	})
	if err != nil {
		t.Fatalf("Modify failed: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reader, err := Open(id)
	if err != nil {
		t.Fatalf("reattach failed: %v", err)
	}
	defer reader.Close()

	tbl, err := reader.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if tbl.Len() != 3 {
		t.Fatalf("Len = %d, want 3", tbl.Len())
	}
	if s, ok := tbl.Str("SRC_NAME"); !ok || s != "B0329+54" {
		t.Errorf("SRC_NAME = %q, %v", s, ok)
	}
	if v, _ := tbl.Get("OBSFREQ"); v.Kind() != card.KindFloat {
		t.Errorf("OBSFREQ kind = %s, want float", v.Kind())
	} else if f, _ := v.AsFloat(); f != 960.0 {
		t.Errorf("OBSFREQ = %v", f)
	}
	if v, _ := tbl.Get("OBSNCHAN"); v.Kind() != card.KindInt {
		t.Errorf("OBSNCHAN kind = %s, want int", v.Kind())
	} else if n, _ := v.AsInt(); n != 2048 {
		t.Errorf("OBSNCHAN = %d", n)
	}

	raw, err := reader.Raw()
	if err != nil {
		t.Fatalf("Raw failed: %v", err)
	}
	end := card.FindEnd(raw)
	if end != 3*card.Size {
		t.Fatalf("END at %d, want %d", end, 3*card.Size)
	}
	if !bytes.Equal(raw[end:end+card.Size], card.EndCard()) {
		t.Error("END card is not END followed by spaces")
	}
	if bytes.ContainsFunc(raw[end+card.Size:], func(r rune) bool { return r != ' ' }) {
		t.Error("segment tail after END is not space filled")
	}
}

func TestReadOnlyIdentity(t *testing.T) {
	id := fileIdentity(t)
	ro := id
	ro.Segment.ReadOnly = true

	if _, err := Open(ro); !errors.Is(err, shm.ErrNotExist) {
		t.Fatalf("read-only Open of missing record = %v, want ErrNotExist", err)
	}

	w, err := Open(id)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer w.Close()
	if err := w.Commit(context.Background(), sampleTable(t)); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	r, err := Open(ro)
	if err != nil {
		t.Fatalf("read-only Open failed: %v", err)
	}
	defer r.Close()
	tbl, err := r.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if tbl.Len() != 4 {
		t.Errorf("Len = %d, want 4", tbl.Len())
	}
}

func TestForceUnlock(t *testing.T) {
	id := fileIdentity(t)
	ctx := context.Background()

	stuck, err := Open(id)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer stuck.Close()
	if err := stuck.Lock(ctx); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	other, err := Open(id, WithLockTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := other.Commit(ctx, sampleTable(t)); !errors.Is(err, shm.ErrLockTimeout) {
		t.Fatalf("Commit while locked = %v, want ErrLockTimeout", err)
	}
	other.Close()

	if err := ForceUnlock(id); err != nil {
		t.Fatalf("ForceUnlock failed: %v", err)
	}

	fresh, err := Open(id, WithLockTimeout(time.Second))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer fresh.Close()
	if err := fresh.Commit(ctx, sampleTable(t)); err != nil {
		t.Errorf("Commit after ForceUnlock failed: %v", err)
	}
}

func TestForceUnlockKeepsExclusion(t *testing.T) {
	id := fileIdentity(t)
	ctx := context.Background()

	longLived, err := Open(id)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer longLived.Close()

	if err := ForceUnlock(id); err != nil {
		t.Fatalf("ForceUnlock failed: %v", err)
	}
	fresh, err := Open(id, WithLockTimeout(30*time.Millisecond))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer fresh.Close()

	if err := longLived.Lock(ctx); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if err := fresh.Lock(ctx); !errors.Is(err, shm.ErrLockTimeout) {
		if err == nil {
			fresh.Unlock()
		}
		t.Fatalf("second handle Lock = %v, want ErrLockTimeout", err)
	}
	if err := longLived.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := fresh.Commit(ctx, sampleTable(t)); err != nil {
		t.Errorf("Commit after release failed: %v", err)
	}
}

func TestRemove(t *testing.T) {
	id := fileIdentity(t)
	r, err := Open(id)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := r.Remove(); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	for _, p := range []string{id.Segment.Path, id.LockPath} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists", p)
		}
	}
}
