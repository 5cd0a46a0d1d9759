// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

// Package mjd converts wall-clock time into the STT_* start-time fields.
package mjd

import (
	"time"

	"github.com/guppi-daq/guppi-shm/pkg/card"
)

const (
	unixEpochMJD = 40587 // MJD of 1970-01-01
	secondsInDay = 86400

	// Offsets below this are written as exactly zero.
	minOffset = 2e-6
)

// Clock supplies the current time.
type Clock func() time.Time

// StartTime is an observation start as integer MJD day, integer second of
// day and fractional second.
type StartTime struct {
	IMJD int     `json:"stt_imjd"`
	SMJD int     `json:"stt_smjd"`
	Offs float64 `json:"stt_offs"`
}

// FromTime converts t (any zone) to a StartTime.
func FromTime(t time.Time) StartTime {
	t = t.UTC()
	days := t.Unix() / secondsInDay
	if t.Unix() < 0 && t.Unix()%secondsInDay != 0 {
		days--
	}
	sod := t.Unix() - days*secondsInDay
	offs := float64(t.Nanosecond()) / 1e9
	if offs < minOffset {
		offs = 0
	}
	return StartTime{IMJD: int(days) + unixEpochMJD, SMJD: int(sod), Offs: offs}
}

// Time converts the start time back to a time.Time in UTC.
func (s StartTime) Time() time.Time {
	secs := int64(s.IMJD-unixEpochMJD)*secondsInDay + int64(s.SMJD)
	return time.Unix(secs, int64(s.Offs*1e9)).UTC()
}

// MJD returns the start as a fractional MJD.
func (s StartTime) MJD() float64 {
	return float64(s.IMJD) + (float64(s.SMJD)+s.Offs)/secondsInDay
}

// Now returns the StartTime for clock's current time.
func Now(clock Clock) StartTime {
	if clock == nil {
		clock = time.Now
	}
	return FromTime(clock())
}

// Apply writes STT_IMJD, STT_SMJD and STT_OFFS into t.
func Apply(t *card.Table, s StartTime) error {
	if err := t.Update("STT_IMJD", card.Int(int64(s.IMJD))); err != nil {
		return err
	}
	if err := t.Update("STT_SMJD", card.Int(int64(s.SMJD))); err != nil {
		return err
	}
	return t.Update("STT_OFFS", card.Float(s.Offs))
}

// FromTable reads the STT_* fields back. ok is false if any is missing.
func FromTable(t *card.Table) (s StartTime, ok bool) {
	imjd, ok1 := t.Int("STT_IMJD")
	smjd, ok2 := t.Int("STT_SMJD")
	offs, ok3 := t.Float("STT_OFFS")
	if !ok1 || !ok2 || !ok3 {
		return StartTime{}, false
	}
	return StartTime{IMJD: int(imjd), SMJD: int(smjd), Offs: offs}, true
}
