// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

// Package params writes a complete observation parameter set into the
// status record ahead of a scan.
package params

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/guppi-daq/guppi-shm/internal/mjd"
	"github.com/guppi-daq/guppi-shm/internal/telstatus"
	"github.com/guppi-daq/guppi-shm/pkg/card"
)

var ErrNoBandwidth = errors.New("OBSBW is missing or zero")

// Options selects the observation setup.
type Options struct {
	Source   string  `json:"src"`
	RA       string  `json:"ra"`
	Dec      string  `json:"dec"`
	Freq     float64 `json:"freq"` // MHz
	ScanNum  int     `json:"scannum"`
	Length   float64 `json:"length"` // s
	AccLen   int     `json:"acc_len"`
	Cal      bool    `json:"cal"`
	GB43m    bool    `json:"gb43m"`
	Fake     bool    `json:"fake"`
	GBT      bool    `json:"gbt"` // take source and receiver setup from telescope status
	ParFile  string  `json:"parfile"`
	TFold    float64 `json:"tfold"`
	NBin     int     `json:"nbin"`
}

// DefaultOptions returns the standard test setup.
func DefaultOptions() Options {
	return Options{
		Source:  "Fake_PSR",
		RA:      "12:34:56.7",
		Dec:     "+12:34:56.7",
		Freq:    1200.0,
		ScanNum: 1,
		Length:  3600.0,
		AccLen:  16,
		GBT:     true,
		TFold:   30.0,
		NBin:    256,
	}
}

const (
	calScanLength = 120.0
	obsNChan      = 2048
	gbtBandwidth  = 800.0
)

// Apply writes the parameter set into t. fields are the telescope status
// used when opts.GBT is set; now stamps the start time.
func Apply(t *card.Table, opts Options, fields telstatus.Fields, now time.Time) error {
	if opts.GB43m {
		opts.GBT = false
	}

	w := writer{t: t}
	w.set("SCANNUM", card.Int(int64(opts.ScanNum)))
	w.set("OBS_MODE", card.String("SEARCH"))

	if opts.GBT {
		if err := telstatus.Fold(t, fields); err != nil {
			return fmt.Errorf("telescope status: %w", err)
		}
		w.set("OBSBW", card.Float(gbtBandwidth))
	} else {
		w.set("OBSERVER", card.String("GUPPI Crew"))
		w.set("FRONTEND", card.String("None"))
		w.set("PROJID", card.String("GUPPI tests"))
		w.set("FD_POLN", card.String("LIN"))
		w.set("TRK_MODE", card.String("TRACK"))
		w.set("SRC_NAME", card.String(opts.Source))
		w.set("RA_STR", card.String(opts.RA))
		w.set("DEC_STR", card.String(opts.Dec))
		w.set("OBSFREQ", card.Float(opts.Freq))
	}

	if opts.GB43m {
		w.set("TELESCOP", card.String("GB43m"))
		w.set("OBSBW", card.Float(-gbtBandwidth))
	}
	if opts.Fake {
		w.set("TELESCOP", card.String("@"))
		w.set("OBSBW", card.Float(gbtBandwidth))
	}

	// BASENAME needs the start day, so stamp it first.
	start := mjd.FromTime(now)
	if w.err == nil {
		w.err = mjd.Apply(t, start)
	}

	src, _ := t.Str("SRC_NAME")
	base := fmt.Sprintf("guppi_%5d_%s_%04d", start.IMJD, src, opts.ScanNum)
	if opts.Cal {
		w.set("SCANLEN", card.Float(calScanLength))
		w.set("BASENAME", card.String(base+"_cal"))
		w.set("CAL_MODE", card.String("ON"))
	} else {
		w.set("SCANLEN", card.Float(opts.Length))
		w.set("BASENAME", card.String(base))
		w.set("CAL_MODE", card.String("OFF"))
	}

	w.set("BACKEND", card.String("GUPPI"))
	w.set("PKTFMT", card.String("GUPPI"))
	w.set("DATAHOST", card.String("bee2_10"))
	w.set("DATAPORT", card.Int(50000))
	w.set("POL_TYPE", card.String("IQUV"))

	w.set("CAL_FREQ", card.Float(25.0))
	w.set("CAL_DCYC", card.Float(0.5))
	w.set("CAL_PHS", card.Float(0.0))

	w.set("OBSNCHAN", card.Int(obsNChan))
	w.set("NPOL", card.Int(4))
	w.set("NBITS", card.Int(8))
	w.set("PFB_OVER", card.Int(4))
	w.set("NBITSADC", card.Int(8))
	w.set("ACC_LEN", card.Int(int64(opts.AccLen)))
	w.set("NRCVR", card.Int(2))

	w.set("ONLY_I", card.Int(0))
	w.set("DS_TIME", card.Int(1))
	w.set("DS_FREQ", card.Int(1))

	w.set("NBIN", card.Int(int64(opts.NBin)))
	w.set("TFOLD", card.Float(opts.TFold))
	w.set("PARFILE", card.String(opts.ParFile))

	for i, off := range []float64{0, 0, 0.5, 0.5} {
		w.set(fmt.Sprintf("OFFSET%d", i), card.Float(off))
		w.set(fmt.Sprintf("SCALE%d", i), card.Float(1.0))
	}
	if w.err != nil {
		return w.err
	}

	bw, ok := t.Float("OBSBW")
	if !ok || bw == 0 {
		return ErrNoBandwidth
	}
	w.set("TBIN", card.Float(math.Abs(float64(opts.AccLen)*obsNChan/bw*1e-6)))
	w.set("CHAN_BW", card.Float(bw/obsNChan))
	return w.err
}

// Recorder is the part of *status.Record needed to apply parameters.
type Recorder interface {
	Modify(ctx context.Context, fn func(t *card.Table) error) error
}

// Run applies opts to the record in a single locked cycle. Nothing is
// written if telescope status or any update fails.
func Run(ctx context.Context, rec Recorder, opts Options, src telstatus.Source, clock mjd.Clock) error {
	if clock == nil {
		clock = time.Now
	}
	var fields telstatus.Fields
	if opts.GBT && !opts.GB43m {
		if src == nil {
			return fmt.Errorf("telescope status requested but no source is configured: %w", telstatus.ErrUnavailable)
		}
		f, err := src.Fetch(ctx)
		if err != nil {
			return err
		}
		fields = f
	}
	return rec.Modify(ctx, func(t *card.Table) error {
		return Apply(t, opts, fields, clock())
	})
}

// writer keeps the first update error.
type writer struct {
	t   *card.Table
	err error
}

func (w *writer) set(key string, v card.Value) {
	if w.err != nil {
		return
	}
	if err := w.t.Update(key, v); err != nil {
		w.err = fmt.Errorf("set %s: %w", key, err)
	}
}
