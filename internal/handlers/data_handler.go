// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/zstd"

	"github.com/guppi-daq/guppi-shm/internal/service"
	"github.com/guppi-daq/guppi-shm/pkg/databuf"
)

var errBadBlockIndex = errors.New("block index must be an integer")

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdErr  error
)

func zstdEncoder() (*zstd.Encoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	return zstdEnc, zstdErr
}

// DataHandler handles data buffer endpoints.
type DataHandler struct {
	backend      *service.Backend
	defaultBlock int
	nspec        int
}

// NewDataHandler creates a new data handler. defaultBlock is reported when
// CURBLOCK is absent; nspec is the spectrum average length.
func NewDataHandler(backend *service.Backend, defaultBlock, nspec int) *DataHandler {
	if nspec <= 0 {
		nspec = 1000
	}
	return &DataHandler{backend: backend, defaultBlock: defaultBlock, nspec: nspec}
}

// Info handles GET /api/databuf
func (h *DataHandler) Info(c *gin.Context) {
	info, err := h.backend.Info()
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Current handles GET /api/databuf/current
// Returns the index published in CURBLOCK and that block's header.
func (h *DataHandler) Current(c *gin.Context) {
	i, err := h.backend.CurrentBlock(h.defaultBlock)
	if err != nil {
		abortWithError(c, err)
		return
	}
	hdr, err := h.backend.Header(i)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, hdr)
}

// Header handles GET /api/databuf/blocks/:block/header
func (h *DataHandler) Header(c *gin.Context) {
	i, err := blockParam(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	hdr, err := h.backend.Header(i)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, hdr)
}

// Data handles GET /api/databuf/blocks/:block/data
// Query params:
//   - encoding: "raw" (default) or "zstd"
func (h *DataHandler) Data(c *gin.Context) {
	i, err := blockParam(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	encoding := c.DefaultQuery("encoding", "raw")
	if encoding != "raw" && encoding != "zstd" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "encoding must be raw or zstd"})
		return
	}

	blk, err := h.backend.ReadBlock(i)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.Header("X-Block-Index", strconv.Itoa(blk.Index))
	c.Header("X-Block-Generation", strconv.FormatUint(blk.Generation, 10))
	c.Header("X-Block-Size", strconv.Itoa(len(blk.Data)))

	body := blk.Data
	if encoding == "zstd" {
		enc, err := zstdEncoder()
		if err != nil {
			abortWithError(c, err)
			return
		}
		body = enc.EncodeAll(blk.Data, make([]byte, 0, len(blk.Data)/4))
		c.Header("Content-Encoding", "zstd")
	}
	c.Data(http.StatusOK, "application/octet-stream", body)
}

// Spectrum handles GET /api/databuf/current/spectrum
// Query params:
//   - pol: polarization index (default 0)
//   - nspec: spectra to average (default from config)
func (h *DataHandler) Spectrum(c *gin.Context) {
	pol, err := strconv.Atoi(c.DefaultQuery("pol", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pol"})
		return
	}
	nspec := h.nspec
	if s := c.Query("nspec"); s != "" {
		if nspec, err = strconv.Atoi(s); err != nil || nspec <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid nspec"})
			return
		}
	}

	t, err := h.backend.Snapshot()
	if err != nil {
		abortWithError(c, err)
		return
	}
	shape, err := databuf.ShapeFromStatus(t)
	if err != nil {
		abortWithError(c, err)
		return
	}
	i := databuf.CurrentBlock(t, h.defaultBlock)
	blk, err := h.backend.ReadBlock(i)
	if err != nil {
		abortWithError(c, err)
		return
	}
	spec, err := databuf.AverageSpectrum(blk.Data, shape, pol, nspec)
	if err != nil {
		abortWithError(c, err)
		return
	}

	center, _ := t.Float("OBSFREQ")
	bw, _ := t.Float("OBSBW")
	peakChan, peak := databuf.Peak(spec)
	c.JSON(http.StatusOK, gin.H{
		"block":     i,
		"pol":       pol,
		"nspec":     shape.Averaged(len(blk.Data), nspec),
		"freq":      databuf.FrequencyAxis(shape.NChan, center, bw),
		"power":     spec,
		"peak_chan": peakChan,
		"peak":      peak,
	})
}

func blockParam(c *gin.Context) (int, error) {
	i, err := strconv.Atoi(c.Param("block"))
	if err != nil {
		return 0, errBadBlockIndex
	}
	return i, nil
}
