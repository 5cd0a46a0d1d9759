// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/guppi-daq/guppi-shm/internal/monitor"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for WebSocket
	},
}

const wsWriteTimeout = 10 * time.Second

// WSMessage is sent to monitor clients.
type WSMessage struct {
	Type     string            `json:"type"` // always "snapshot"
	Snapshot *monitor.Snapshot `json:"snapshot,omitempty"`
	Message  string            `json:"message,omitempty"`
}

// MonitorHandler streams monitor snapshots.
type MonitorHandler struct {
	mon *monitor.Monitor
}

// NewMonitorHandler creates a new monitor handler.
func NewMonitorHandler(mon *monitor.Monitor) *MonitorHandler {
	return &MonitorHandler{mon: mon}
}

// Latest handles GET /api/monitor
func (h *MonitorHandler) Latest(c *gin.Context) {
	s := h.mon.Latest()
	if s == nil {
		s = h.mon.Poll()
	}
	c.JSON(http.StatusOK, s)
}

// Stream handles GET /api/monitor/ws
// Sends the latest snapshot on connect, then every new poll.
func (h *MonitorHandler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already sends an error response
		return
	}

	id, snaps, cancel := h.mon.Subscribe(0)
	defer cancel()
	logger := slog.With("subscriber", id, "remote", c.ClientIP())
	logger.Debug("monitor client connected")

	closed := make(chan struct{})
	go readUntilClose(conn, closed)

	defer conn.Close()

	if s := h.mon.Latest(); s != nil {
		if err := writeSnapshot(conn, s); err != nil {
			return
		}
	}

	for {
		select {
		case <-closed:
			logger.Debug("monitor client disconnected")
			return
		case s, ok := <-snaps:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "monitor stopped"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			if err := writeSnapshot(conn, s); err != nil {
				logger.Debug("monitor client write failed", "err", err)
				return
			}
		}
	}
}

// readUntilClose drains client frames so pings and close are handled.
func readUntilClose(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		// Ignore incoming messages - this is a read-only stream
	}
}

func writeSnapshot(conn *websocket.Conn, s *monitor.Snapshot) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	msg := WSMessage{Type: "snapshot", Snapshot: s}
	if s.Stale {
		msg.Message = s.Error
	}
	return conn.WriteJSON(msg)
}
