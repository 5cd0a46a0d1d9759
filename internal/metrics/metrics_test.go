// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/guppi-daq/guppi-shm/pkg/card"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestMetricsExposed(t *testing.T) {
	m := New()

	m.StatusCommit(nil)
	m.StatusCommit(nil)
	m.StatusCommit(errors.New("lock timeout"))
	m.LoopTick(ResultSourceError, 3*time.Millisecond)
	m.Block(5, 1024, 7)
	m.HTTPRequest("GET", "/api/status", 200)

	tbl := card.NewTable()
	tbl.MustUpdate("A", card.Int(1))
	m.StatusSnapshot(tbl, 42)

	out := scrape(t, m)
	for _, want := range []string{
		`guppi_status_commits_total{result="ok"} 2`,
		`guppi_status_commits_total{result="error"} 1`,
		`guppi_status_loop_ticks_total{result="source_error"} 1`,
		`guppi_databuf_current_block 5`,
		`guppi_databuf_block_dropped_packets 7`,
		`guppi_status_generation 42`,
		`guppi_http_requests_total{code="200",method="GET",route="/api/status"} 1`,
		`go_goroutines`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.StatusCommit(nil)
	m.StatusReadError()
	m.StatusSnapshot(card.NewTable(), 1)
	m.LoopTick(ResultOK, time.Second)
	m.MonitorPoll(ResultStale)
	m.Block(1, 2, 3)
	m.HTTPRequest("GET", "/", 200)
	m.MQTTPublish(nil)
	m.Subscribers(1)
	if m.Registry() != nil {
		t.Error("nil metrics returned a registry")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil handler code = %d, want 404", rec.Code)
	}
}
