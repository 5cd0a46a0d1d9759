// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package databuf

import (
	"errors"
	"fmt"

	"github.com/guppi-daq/guppi-shm/pkg/card"
)

var (
	ErrMissingShape        = errors.New("status record lacks block shape fields")
	ErrUnsupportedShape    = errors.New("unsupported sample width")
	ErrInvalidPolarization = errors.New("polarization out of range")
)

// CurrentBlockKey is the status entry through which the producer publishes
// the block it is filling.
const CurrentBlockKey = "CURBLOCK"

// CurrentBlock returns the CURBLOCK entry of a status table, or fallback
// when it is absent, not an integer, or negative.
func CurrentBlock(status *card.Table, fallback int) int {
	if status == nil {
		return fallback
	}
	n, ok := status.Int(CurrentBlockKey)
	if !ok || n < 0 {
		return fallback
	}
	return int(n)
}

// Shape describes how a data block is laid out. The buffer does not store
// it; it comes from the status record.
//
// A block is a sequence of spectra, each laid out as [pol][chan] samples.
type Shape struct {
	NChan          int `json:"nchan"`
	NPol           int `json:"npol"`
	BytesPerSample int `json:"bytes_per_sample"`
}

// ShapeFromStatus reads OBSNCHAN, NPOL and NBITS (default 8).
func ShapeFromStatus(t *card.Table) (Shape, error) {
	nchan, ok := t.Int("OBSNCHAN")
	if !ok {
		return Shape{}, fmt.Errorf("%w: OBSNCHAN", ErrMissingShape)
	}
	npol, ok := t.Int("NPOL")
	if !ok {
		return Shape{}, fmt.Errorf("%w: NPOL", ErrMissingShape)
	}
	nbits, ok := t.Int("NBITS")
	if !ok {
		nbits = 8
	}
	s := Shape{NChan: int(nchan), NPol: int(npol), BytesPerSample: max(int(nbits)/8, 1)}
	if s.NChan <= 0 || s.NPol <= 0 {
		return Shape{}, fmt.Errorf("%w: nchan=%d npol=%d", ErrMissingShape, s.NChan, s.NPol)
	}
	return s, nil
}

// SpectrumSize returns the bytes of one spectrum across all polarizations.
func (s Shape) SpectrumSize() int {
	return s.NChan * s.NPol * s.BytesPerSample
}

// Spectra returns how many whole spectra fit in n bytes.
func (s Shape) Spectra(n int) int {
	if s.SpectrumSize() == 0 {
		return 0
	}
	return n / s.SpectrumSize()
}

// Averaged returns how many spectra AverageSpectrum uses from n bytes when
// asked for nspec: all whole spectra when nspec is 0 or too large.
func (s Shape) Averaged(n, nspec int) int {
	avail := s.Spectra(n)
	if nspec <= 0 || nspec > avail {
		return avail
	}
	return nspec
}

// AverageSpectrum averages the first nspec spectra of data for polarization
// pol, returning one value per channel. nspec is capped at the number of
// whole spectra in data; nspec <= 0 means all of them. Only 8-bit samples
// are supported.
func AverageSpectrum(data []byte, s Shape, pol, nspec int) ([]float64, error) {
	if s.BytesPerSample != 1 {
		return nil, fmt.Errorf("%w: %d bytes per sample", ErrUnsupportedShape, s.BytesPerSample)
	}
	if pol < 0 || pol >= s.NPol {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidPolarization, pol, s.NPol)
	}
	nspec = s.Averaged(len(data), nspec)
	if nspec == 0 {
		return nil, fmt.Errorf("%w: block holds no whole spectrum", ErrUnsupportedShape)
	}

	sums := make([]float64, s.NChan)
	size := s.SpectrumSize()
	for k := 0; k < nspec; k++ {
		row := data[k*size+pol*s.NChan : k*size+(pol+1)*s.NChan]
		for c, v := range row {
			sums[c] += float64(v)
		}
	}
	for c := range sums {
		sums[c] /= float64(nspec)
	}
	return sums, nil
}

// FrequencyAxis returns the sky frequency of each channel in MHz for a band
// of width bw centered on center.
func FrequencyAxis(nchan int, center, bw float64) []float64 {
	out := make([]float64, nchan)
	for c := range out {
		out[c] = float64(c)/float64(nchan)*bw + center - bw/2
	}
	return out
}

// Peak returns the index and value of the largest element.
func Peak(v []float64) (int, float64) {
	best := -1
	var val float64
	for i, x := range v {
		if best < 0 || x > val {
			best, val = i, x
		}
	}
	return best, val
}
