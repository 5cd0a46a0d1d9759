// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package databuf

import (
	"bytes"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/guppi-daq/guppi-shm/pkg/card"
	"github.com/guppi-daq/guppi-shm/pkg/shm"
)

func testConfig() Config {
	return Config{NumBlocks: 4, HeaderSize: 80, BlockSize: 1024, StructSize: 64, DataType: "raw"}
}

func newBuffer(t *testing.T, cfg Config) *Buffer {
	t.Helper()
	seg := shm.NewMemory(int(cfg.SegmentSize()))
	b, err := Create(seg, cfg)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return b
}

func TestPreambleEncodeDecode(t *testing.T) {
	cfg := testConfig()
	p := cfg.Preamble()
	p.Magic = magicNumber
	p.ShmID = 42

	buf := make([]byte, PreambleSize)
	p.Encode(buf)
	if string(buf[0:8]) != "GUPPIDB1" {
		t.Errorf("magic bytes = %q", buf[0:8])
	}

	var got Preamble
	got.Decode(buf)
	if got != p {
		t.Errorf("decoded %+v, want %+v", got, p)
	}
	if got.DataTypeString() != "raw" {
		t.Errorf("DataType = %q", got.DataTypeString())
	}
}

func TestAddressing(t *testing.T) {
	b := newBuffer(t, testConfig())

	off, err := b.DataOffset(2)
	if err != nil {
		t.Fatalf("DataOffset failed: %v", err)
	}
	if off != 64+4*80+2*1024 {
		t.Errorf("block 2 data offset = %d, want 2432", off)
	}

	data, err := b.Data(2)
	if err != nil {
		t.Fatalf("Data failed: %v", err)
	}
	if len(data) != 1024 || cap(data) != 1024 {
		t.Errorf("view len/cap = %d/%d, want 1024", len(data), cap(data))
	}
	// The view must alias the segment at that offset.
	data[0] = 0xAB
	if b.seg.Bytes()[2432] != 0xAB {
		t.Error("view does not alias the segment at offset 2432")
	}

	hoff, _ := b.HeaderOffset(3)
	if hoff != 64+3*80 {
		t.Errorf("header 3 offset = %d, want %d", hoff, 64+3*80)
	}

	for _, i := range []int{4, -1, 100} {
		if _, err := b.Data(i); !errors.Is(err, ErrBlockOutOfRange) {
			t.Errorf("Data(%d) = %v, want ErrBlockOutOfRange", i, err)
		}
		if _, err := b.Header(i); !errors.Is(err, ErrBlockOutOfRange) {
			t.Errorf("Header(%d) = %v, want ErrBlockOutOfRange", i, err)
		}
		if _, err := b.ReadBlock(i, nil); !errors.Is(err, ErrBlockOutOfRange) {
			t.Errorf("ReadBlock(%d) = %v, want ErrBlockOutOfRange", i, err)
		}
	}
}

func TestExplicitStructSizeHasNoGenerations(t *testing.T) {
	b := newBuffer(t, testConfig())
	if b.Info().HasGenerations() {
		t.Error("64-byte struct cannot hold a generation table")
	}
	if _, ok, _ := b.Generation(0); ok {
		t.Error("Generation reported ok without a table")
	}
}

func TestCreateInitializesHeaders(t *testing.T) {
	b := newBuffer(t, testConfig())
	for i := 0; i < b.NumBlocks(); i++ {
		h, err := b.Header(i)
		if err != nil {
			t.Fatalf("Header(%d) failed: %v", i, err)
		}
		if h.Len() != 0 {
			t.Errorf("header %d has %d entries", i, h.Len())
		}
	}
}

func TestCreateTwiceFails(t *testing.T) {
	cfg := testConfig()
	seg := shm.NewMemory(int(cfg.SegmentSize()))
	if _, err := Create(seg, cfg); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := Create(seg, cfg); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Create = %v, want ErrAlreadyInitialized", err)
	}
}

func TestCreateRejectsSmallSegment(t *testing.T) {
	cfg := testConfig()
	seg := shm.NewMemory(int(cfg.SegmentSize()) - 8)
	if _, err := Create(seg, cfg); !errors.Is(err, ErrSegmentTooSmall) {
		t.Errorf("Create = %v, want ErrSegmentTooSmall", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"zero blocks", Config{BlockSize: 1024, HeaderSize: 80}, ErrInvalidNumBlocks},
		{"odd block size", Config{NumBlocks: 1, BlockSize: 1001, HeaderSize: 80}, ErrInvalidBlockSize},
		{"header not card multiple", Config{NumBlocks: 1, BlockSize: 1024, HeaderSize: 100}, ErrInvalidHeaderSize},
		{"struct too small", Config{NumBlocks: 1, BlockSize: 1024, HeaderSize: 80, StructSize: 32}, ErrInvalidStructSize},
		{"default", DefaultConfig(), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDefaultStructSize(t *testing.T) {
	cfg := DefaultConfig()
	p := cfg.Preamble()
	if p.StructSize != 8192 {
		t.Errorf("StructSize = %d, want 8192", p.StructSize)
	}
	if !p.HasGenerations() {
		t.Error("default layout should carry a generation table")
	}
	if p.HeaderSize != 23040 || p.NumBlocks != 8 {
		t.Errorf("unexpected default geometry %+v", p)
	}
}

func TestAttach(t *testing.T) {
	cfg := testConfig()
	seg := shm.NewMemory(int(cfg.SegmentSize()))

	if _, err := Attach(seg, true); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Attach before Create = %v, want ErrNotInitialized", err)
	}

	if _, err := Create(seg, cfg); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	b, err := Attach(seg, true)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	info := b.Info()
	if info.NumBlocks != 4 || info.BlockSize != 1024 || info.HeaderSize != 80 || info.StructSize != 64 {
		t.Errorf("geometry = %+v", info)
	}
	if info.SemID != -1 || info.ShmID != -1 {
		t.Errorf("ids = %d/%d, want -1/-1", info.ShmID, info.SemID)
	}

	if err := b.WriteHeader(0, card.NewTable()); !errors.Is(err, ErrReadOnly) {
		t.Errorf("WriteHeader on reader = %v, want ErrReadOnly", err)
	}
}

func TestAttachRejectsCorruptPreamble(t *testing.T) {
	cfg := testConfig()
	seg := shm.NewMemory(int(cfg.SegmentSize()))
	if _, err := Create(seg, cfg); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Claim more blocks than the segment holds.
	seg.Bytes()[12] = 200
	if _, err := Attach(seg, true); !errors.Is(err, ErrCorruptPreamble) {
		t.Errorf("Attach = %v, want ErrCorruptPreamble", err)
	}

	copy(seg.Bytes(), "NOTGUPPI")
	if _, err := Attach(seg, true); !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("Attach = %v, want ErrInvalidMagic", err)
	}
}

func TestAttachRejectsOversizedLayout(t *testing.T) {
	tests := []struct {
		name string
		pre  Preamble
	}{
		{"wrapping product", Preamble{NumBlocks: 1 << 31, HeaderSize: 80 << 33, BlockSize: 1 << 33}},
		{"header larger than segment", Preamble{NumBlocks: 1, HeaderSize: 80 << 20, BlockSize: 8}},
		{"block larger than segment", Preamble{NumBlocks: 1, HeaderSize: 80, BlockSize: 1 << 40}},
		{"max sizes", Preamble{NumBlocks: 1<<32 - 1, HeaderSize: 1<<64 - 16, BlockSize: 1<<64 - 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seg := shm.NewMemory(4096)
			pre := tt.pre
			pre.Magic = magicNumber
			pre.Version = version
			pre.StructSize = PreambleSize
			pre.Encode(seg.Bytes())

			b, err := Attach(seg, true)
			if !errors.Is(err, ErrCorruptPreamble) {
				t.Fatalf("Attach = %v, want ErrCorruptPreamble", err)
			}
			if b != nil {
				t.Error("Attach returned a buffer for a corrupt preamble")
			}
		})
	}
}

func TestConfigValidateRejectsOverflow(t *testing.T) {
	cfg := Config{NumBlocks: 1 << 30, HeaderSize: 80, BlockSize: 1 << 56}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidBlockSize) {
		t.Errorf("Validate() = %v, want ErrInvalidBlockSize", err)
	}
}

func TestClosedBuffer(t *testing.T) {
	b := newBuffer(t, testConfig())
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}

	if _, err := b.Header(0); !errors.Is(err, ErrClosed) {
		t.Errorf("Header = %v, want ErrClosed", err)
	}
	if _, err := b.Data(0); !errors.Is(err, ErrClosed) {
		t.Errorf("Data = %v, want ErrClosed", err)
	}
	if _, err := b.ReadBlock(0, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadBlock = %v, want ErrClosed", err)
	}
	if _, _, err := b.Generation(0); !errors.Is(err, ErrClosed) {
		t.Errorf("Generation = %v, want ErrClosed", err)
	}
	if err := b.BeginWrite(0); !errors.Is(err, ErrClosed) {
		t.Errorf("BeginWrite = %v, want ErrClosed", err)
	}
	if err := b.WriteData(0, []byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteData = %v, want ErrClosed", err)
	}
	if _, err := b.HeaderOffset(1); err != nil {
		t.Errorf("HeaderOffset after Close = %v", err)
	}
}

func TestOpenMissingIsNotInitialized(t *testing.T) {
	id := shm.Identity{Backend: shm.BackendFile, Path: filepath.Join(t.TempDir(), "databuf")}
	if _, err := Open(id); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Open = %v, want ErrNotInitialized", err)
	}
}

func TestCreateSegmentAndReopen(t *testing.T) {
	id := shm.Identity{Backend: shm.BackendFile, Path: filepath.Join(t.TempDir(), "databuf")}
	cfg := Config{NumBlocks: 3, BlockSize: 4096, HeaderSize: 320, DataType: "8bit"}

	w, err := CreateSegment(id, cfg)
	if err != nil {
		t.Fatalf("CreateSegment failed: %v", err)
	}
	hdr := card.NewTable()
	hdr.MustUpdate("PKTIDX", card.Int(1234))
	hdr.MustUpdate("NDROP", card.Int(0))
	if err := w.BeginWrite(1); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteHeader(1, hdr); err != nil {
		t.Fatalf("WriteHeader failed: %v", err)
	}
	if err := w.WriteData(1, bytes.Repeat([]byte{7}, 4096)); err != nil {
		t.Fatalf("WriteData failed: %v", err)
	}
	if err := w.EndWrite(1); err != nil {
		t.Fatal(err)
	}
	defer w.Remove()

	ro := id
	ro.ReadOnly = true
	r, err := Open(ro)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	blk, err := r.ReadBlock(1, nil)
	if err != nil {
		t.Fatalf("ReadBlock failed: %v", err)
	}
	if n, _ := blk.Header.Int("PKTIDX"); n != 1234 {
		t.Errorf("PKTIDX = %d, want 1234", n)
	}
	if blk.Generation != 2 {
		t.Errorf("Generation = %d, want 2", blk.Generation)
	}
	if !bytes.Equal(blk.Data, bytes.Repeat([]byte{7}, 4096)) {
		t.Error("data block content mismatch")
	}
	if r.Info().DataTypeString() != "8bit" {
		t.Errorf("DataType = %q", r.Info().DataTypeString())
	}
}

func TestReadBlockDetectsRewrite(t *testing.T) {
	b := newBuffer(t, Config{NumBlocks: 2, BlockSize: 256, HeaderSize: 80})

	if err := b.BeginWrite(0); err != nil {
		t.Fatal(err)
	}
	if _, err := b.ReadBlock(0, nil); !errors.Is(err, ErrTornRead) {
		t.Errorf("ReadBlock during write = %v, want ErrTornRead", err)
	}
	if err := b.EndWrite(0); err != nil {
		t.Fatal(err)
	}
	if _, err := b.ReadBlock(0, nil); err != nil {
		t.Errorf("ReadBlock after write: %v", err)
	}
}

func TestReadBlockConcurrentProducer(t *testing.T) {
	const blockSize = 512
	b := newBuffer(t, Config{NumBlocks: 2, BlockSize: blockSize, HeaderSize: 160})

	var (
		stop atomic.Bool
		wg   sync.WaitGroup
	)
	errs := make(chan error, 4)

	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dst := make([]byte, blockSize)
			for !stop.Load() {
				blk, err := b.ReadBlock(0, dst)
				if errors.Is(err, ErrTornRead) {
					continue
				}
				if err != nil {
					errs <- err
					return
				}
				fill, ok := blk.Header.Int("FILL")
				if !ok {
					continue
				}
				for _, v := range blk.Data {
					if int64(v) != fill {
						errs <- errors.New("header and data come from different fills")
						return
					}
				}
			}
		}()
	}

	hdr := card.NewTable()
	for n := 1; n <= 200; n++ {
		hdr.MustUpdate("FILL", card.Int(int64(n%256)))
		b.BeginWrite(0)
		b.WriteData(0, bytes.Repeat([]byte{byte(n % 256)}, blockSize))
		b.WriteHeader(0, hdr)
		b.EndWrite(0)
	}
	stop.Store(true)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestCurrentBlock(t *testing.T) {
	st := card.NewTable()
	if got := CurrentBlock(st, 1); got != 1 {
		t.Errorf("missing CURBLOCK = %d, want fallback 1", got)
	}
	st.MustUpdate("CURBLOCK", card.Int(-1))
	if got := CurrentBlock(st, 0); got != 0 {
		t.Errorf("negative CURBLOCK = %d, want fallback 0", got)
	}
	st.MustUpdate("CURBLOCK", card.Int(3))
	if got := CurrentBlock(st, 1); got != 3 {
		t.Errorf("CURBLOCK = %d, want 3", got)
	}
	if got := CurrentBlock(nil, 2); got != 2 {
		t.Errorf("nil table = %d, want 2", got)
	}
}

func TestShapeFromStatus(t *testing.T) {
	st := card.NewTable()
	if _, err := ShapeFromStatus(st); !errors.Is(err, ErrMissingShape) {
		t.Errorf("empty status = %v, want ErrMissingShape", err)
	}
	st.MustUpdate("OBSNCHAN", card.Int(2048))
	st.MustUpdate("NPOL", card.Int(4))
	s, err := ShapeFromStatus(st)
	if err != nil {
		t.Fatalf("ShapeFromStatus failed: %v", err)
	}
	if s != (Shape{NChan: 2048, NPol: 4, BytesPerSample: 1}) {
		t.Errorf("shape = %+v", s)
	}
	if s.SpectrumSize() != 8192 || s.Spectra(16*1024*1024) != 2048 {
		t.Errorf("SpectrumSize/Spectra = %d/%d", s.SpectrumSize(), s.Spectra(16*1024*1024))
	}
}

func TestAverageSpectrum(t *testing.T) {
	s := Shape{NChan: 4, NPol: 2, BytesPerSample: 1}
	// Two spectra, [pol][chan] each.
	data := []byte{
		1, 2, 3, 4, 100, 100, 100, 100,
		3, 4, 5, 6, 200, 200, 200, 200,
		9, 9, // trailing partial spectrum is ignored
	}

	avg, err := AverageSpectrum(data, s, 0, 0)
	if err != nil {
		t.Fatalf("AverageSpectrum failed: %v", err)
	}
	want := []float64{2, 3, 4, 5}
	for i := range want {
		if avg[i] != want[i] {
			t.Errorf("chan %d = %v, want %v", i, avg[i], want[i])
		}
	}

	avg, _ = AverageSpectrum(data, s, 1, 1)
	if avg[0] != 100 {
		t.Errorf("pol 1 first spectrum = %v, want 100", avg[0])
	}

	if _, err := AverageSpectrum(data, s, 2, 1); err == nil {
		t.Error("expected error for pol out of range")
	}
	if _, err := AverageSpectrum(data, Shape{NChan: 4, NPol: 2, BytesPerSample: 2}, 0, 1); !errors.Is(err, ErrUnsupportedShape) {
		t.Errorf("16-bit samples = %v, want ErrUnsupportedShape", err)
	}
}

func TestFrequencyAxis(t *testing.T) {
	f := FrequencyAxis(4, 1200, 800)
	want := []float64{800, 1000, 1200, 1400}
	for i := range want {
		if f[i] != want[i] {
			t.Errorf("chan %d = %v, want %v", i, f[i], want[i])
		}
	}
	i, v := Peak([]float64{1, 5, 3})
	if i != 1 || v != 5 {
		t.Errorf("Peak = %d, %v", i, v)
	}
}
