// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

// Package telstatus reads telescope status fields from an external service
// and folds them into a status table.
package telstatus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/guppi-daq/guppi-shm/pkg/card"
)

// ErrUnavailable reports that the telescope status source could not be
// read this time. Callers keep their previous values and try again.
var ErrUnavailable = errors.New("telescope status unavailable")

// Fields is one telescope status reading, keyed by the source's own names
// (observer, receiver, freq, az_actual, ...).
type Fields map[string]string

// Source supplies telescope status.
type Source interface {
	Fetch(ctx context.Context) (Fields, error)
}

// Static is a Source that always returns the same fields.
type Static Fields

func (s Static) Fetch(ctx context.Context) (Fields, error) {
	out := make(Fields, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

// None is a Source with nothing to report.
type None struct{}

func (None) Fetch(ctx context.Context) (Fields, error) { return Fields{}, nil }

const (
	speedOfLight = 299792458.0
	gbtDiameter  = 100.0 // m
	nReceivers   = 2
)

// Fold maps telescope fields onto status keys. Missing fields leave the
// matching keys untouched; fields that do not parse are reported in the
// returned error while the rest are still applied.
func Fold(t *card.Table, f Fields) error {
	var errs []error
	set := func(key string, v card.Value) {
		if err := t.Update(key, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	str := func(key, field string) {
		if s, ok := f[field]; ok {
			set(key, card.String(clip(s)))
		}
	}
	num := func(field string, apply func(float64)) {
		s, ok := f[field]
		if !ok {
			return
		}
		v, err := parseLeadingFloat(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		apply(v)
	}

	str("OBSERVER", "observer")
	str("PROJID", "data_dir")
	if _, ok := f["receiver"]; ok {
		str("FRONTEND", "receiver")
		set("NRCVR", card.Int(nReceivers))
	}
	if pol, ok := f["rcvr_pol"]; ok {
		if strings.Contains(pol, "inear") {
			set("FD_POLN", card.String("LIN"))
		} else {
			set("FD_POLN", card.String("CIRC"))
		}
	}
	num("freq", func(mhz float64) {
		set("OBSFREQ", card.Float(mhz))
		if mhz > 0 {
			beam := 2 * beamHalfWidth(mhz, gbtDiameter) / 60
			set("BMAJ", card.Float(beam))
			set("BMIN", card.Float(beam))
		}
	})
	str("SRC_NAME", "source")
	if motion, ok := f["ant_motion"]; ok {
		if motion == "Tracking" {
			set("TRK_MODE", card.String("TRACK"))
		} else {
			set("TRK_MODE", card.String("UNKNOWN"))
		}
	}
	if f["epoch"] == "J2000" {
		num("major", func(v float64) { set("RA", card.Float(v)) })
		num("minor", func(v float64) { set("DEC", card.Float(v)) })
		if s, ok := firstField(f, "major_str"); ok {
			set("RA_STR", card.String(s))
		}
		if s, ok := firstField(f, "minor_str"); ok {
			set("DEC_STR", card.String(s))
		}
	}
	if lst, ok := f["lst"]; ok {
		secs, err := hmsSeconds(lst)
		if err != nil {
			errs = append(errs, fmt.Errorf("lst: %w", err))
		} else {
			set("LST", card.Int(int64(math.Round(secs))))
		}
	}
	num("az_actual", func(v float64) { set("AZ", card.Float(v)) })
	num("el_actual", func(v float64) { set("ZA", card.Float(90-v)) })

	return errors.Join(errs...)
}

// beamHalfWidth returns the beam half width in arcminutes for a dish of
// diameter d metres at mhz.
func beamHalfWidth(mhz, d float64) float64 {
	lambda := speedOfLight / (mhz * 1e6)
	return 1.2 * lambda / d * (180 / math.Pi) * 60 / 2
}

func firstField(f Fields, name string) (string, bool) {
	parts := strings.Fields(f[name])
	if len(parts) == 0 {
		return "", false
	}
	return clip(parts[0]), true
}

func parseLeadingFloat(s string) (float64, error) {
	parts := strings.Fields(s)
	if len(parts) == 0 {
		return 0, errors.New("empty value")
	}
	return strconv.ParseFloat(parts[0], 64)
}

// hmsSeconds converts "hh:mm:ss.s" to seconds.
func hmsSeconds(s string) (float64, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%q is not hh:mm:ss", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	sec, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, err
	}
	return float64(h)*3600 + float64(m)*60 + sec, nil
}

func clip(s string) string {
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e {
			return '?'
		}
		return r
	}, strings.TrimSpace(s))
	if len(s) > card.MaxStringLen {
		s = s[:card.MaxStringLen]
	}
	return s
}
