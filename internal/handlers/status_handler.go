// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

// Package handlers contains HTTP request handlers.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/guppi-daq/guppi-shm/internal/service"
	"github.com/guppi-daq/guppi-shm/pkg/card"
	"github.com/guppi-daq/guppi-shm/pkg/databuf"
	"github.com/guppi-daq/guppi-shm/pkg/shm"
	"github.com/guppi-daq/guppi-shm/pkg/status"
)

// StatusHandler handles status record endpoints.
type StatusHandler struct {
	backend *service.Backend
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(backend *service.Backend) *StatusHandler {
	return &StatusHandler{backend: backend}
}

// Get handles GET /api/status
func (h *StatusHandler) Get(c *gin.Context) {
	t, err := h.backend.Snapshot()
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"generation": h.backend.Status().Generation(),
		"entries":    t,
	})
}

// Raw handles GET /api/status/raw
// Returns the card region up to and including END, as 80-byte ASCII cards.
func (h *StatusHandler) Raw(c *gin.Context) {
	raw, err := h.backend.Status().Raw()
	if err != nil {
		abortWithError(c, err)
		return
	}
	end := card.FindEnd(raw)
	if end < 0 {
		abortWithError(c, card.ErrNoEnd)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=us-ascii", raw[:end+card.Size])
}

// GetKey handles GET /api/status/:key
func (h *StatusHandler) GetKey(c *gin.Context) {
	e, err := h.backend.Lookup(c.Param("key"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"key":     e.Key,
		"value":   e.Value,
		"type":    e.Value.Kind().String(),
		"comment": e.Comment,
	})
}

// Update handles PUT /api/status
// Body: {"entries": [{"key": "SRC_NAME", "value": "B0329+54", "comment": "..."}]}
func (h *StatusHandler) Update(c *gin.Context) {
	var req service.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := h.backend.Update(c.Request.Context(), &req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"generation": h.backend.Status().Generation(),
		"entries":    t,
	})
}

// httpStatus maps domain errors to response codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, card.ErrKeyNotFound),
		errors.Is(err, databuf.ErrBlockOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, card.ErrInvalidKey),
		errors.Is(err, card.ErrInvalidValue),
		errors.Is(err, card.ErrStringTooLong),
		errors.Is(err, card.ErrCardOverflow),
		errors.Is(err, service.ErrNoEntries),
		errors.Is(err, errBadBlockIndex),
		errors.Is(err, databuf.ErrMissingShape),
		errors.Is(err, databuf.ErrUnsupportedShape),
		errors.Is(err, databuf.ErrInvalidPolarization):
		return http.StatusBadRequest
	case errors.Is(err, card.ErrCapacityExceeded):
		return http.StatusInsufficientStorage
	case errors.Is(err, databuf.ErrNotInitialized),
		errors.Is(err, shm.ErrLockTimeout),
		errors.Is(err, status.ErrTornRead),
		errors.Is(err, databuf.ErrTornRead),
		errors.Is(err, databuf.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, status.ErrReadOnly):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	c.Error(err)
	c.JSON(httpStatus(err), gin.H{"error": err.Error()})
}
