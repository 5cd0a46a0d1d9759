// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/guppi-daq/guppi-shm/internal/metrics"
	"github.com/guppi-daq/guppi-shm/internal/middleware"
	"github.com/guppi-daq/guppi-shm/internal/monitor"
	"github.com/guppi-daq/guppi-shm/internal/service"
)

// RouterConfig carries what the routes need.
type RouterConfig struct {
	Backend      *service.Backend
	Monitor      *monitor.Monitor
	Metrics      *metrics.Metrics
	AdminKey     string
	DefaultBlock int
	NSpec        int
}

// NewRouter builds the API router.
func NewRouter(rc RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())
	router.Use(middleware.RequestLogger(rc.Metrics))

	// Health check (no auth required)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"time":       time.Now().UTC().Format(time.RFC3339),
			"generation": rc.Backend.Status().Generation(),
		})
	})
	router.GET("/metrics", gin.WrapH(rc.Metrics.Handler()))

	statusHandler := NewStatusHandler(rc.Backend)
	dataHandler := NewDataHandler(rc.Backend, rc.DefaultBlock, rc.NSpec)
	monitorHandler := NewMonitorHandler(rc.Monitor)

	api := router.Group("/api")
	{
		st := api.Group("/status")
		{
			st.GET("", statusHandler.Get)
			st.GET("/raw", statusHandler.Raw)
			st.GET("/:key", statusHandler.GetKey)
			st.PUT("", middleware.AdminAuth(rc.AdminKey), statusHandler.Update)
		}

		db := api.Group("/databuf")
		{
			db.GET("", dataHandler.Info)
			db.GET("/current", dataHandler.Current)
			db.GET("/current/spectrum", dataHandler.Spectrum)
			db.GET("/blocks/:block/header", dataHandler.Header)
			db.GET("/blocks/:block/data", dataHandler.Data)
		}

		mon := api.Group("/monitor")
		{
			mon.GET("", monitorHandler.Latest)
			mon.GET("/ws", monitorHandler.Stream)
		}
	}

	return router
}
