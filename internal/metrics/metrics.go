// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

// Package metrics exposes Prometheus metrics for the status record, the
// data buffer and the services that poll them.
//
// All methods are safe on a nil *Metrics, so components can run without
// instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guppi-daq/guppi-shm/pkg/card"
)

// Result labels
const (
	ResultOK          = "ok"
	ResultError       = "error"
	ResultSourceError = "source_error"
	ResultStale       = "stale"
)

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	statusCommits     *prometheus.CounterVec
	statusReadErrors  prometheus.Counter
	statusEntries     prometheus.Gauge
	statusGeneration  prometheus.Gauge
	loopTicks         *prometheus.CounterVec
	loopDuration      prometheus.Histogram
	monitorPolls      *prometheus.CounterVec
	currentBlock      prometheus.Gauge
	blockPktIdx       prometheus.Gauge
	blockDropped      prometheus.Gauge
	httpRequests      *prometheus.CounterVec
	mqttPublished     prometheus.Counter
	mqttErrors        prometheus.Counter
	subscribersActive prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		statusCommits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guppi_status_commits_total",
				Help: "Status record commits, by result.",
			},
			[]string{"result"},
		),
		statusReadErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "guppi_status_read_errors_total",
				Help: "Status snapshots that failed (torn, corrupt or detached).",
			},
		),
		statusEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "guppi_status_entries",
				Help: "Number of entries in the last status snapshot.",
			},
		),
		statusGeneration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "guppi_status_generation",
				Help: "Commit generation of the status record.",
			},
		),
		loopTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guppi_status_loop_ticks_total",
				Help: "Telescope status loop iterations, by result.",
			},
			[]string{"result"},
		),
		loopDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "guppi_status_loop_tick_seconds",
				Help:    "Duration of one telescope status loop iteration.",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 7),
			},
		),
		monitorPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guppi_monitor_polls_total",
				Help: "Monitor polls of status and data buffer, by result.",
			},
			[]string{"result"},
		),
		currentBlock: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "guppi_databuf_current_block",
				Help: "Block index published in CURBLOCK (-1 if unknown).",
			},
		),
		blockPktIdx: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "guppi_databuf_block_pktidx",
				Help: "PKTIDX from the current block header.",
			},
		),
		blockDropped: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "guppi_databuf_block_dropped_packets",
				Help: "NDROP from the current block header.",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guppi_http_requests_total",
				Help: "HTTP API requests, by method, route and status code.",
			},
			[]string{"method", "route", "code"},
		),
		mqttPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "guppi_mqtt_published_total",
				Help: "Monitor snapshots published to MQTT.",
			},
		),
		mqttErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "guppi_mqtt_errors_total",
				Help: "MQTT connect and publish failures.",
			},
		),
		subscribersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "guppi_monitor_subscribers",
				Help: "Active monitor subscribers (websocket, MQTT).",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.statusCommits,
		m.statusReadErrors,
		m.statusEntries,
		m.statusGeneration,
		m.loopTicks,
		m.loopDuration,
		m.monitorPolls,
		m.currentBlock,
		m.blockPktIdx,
		m.blockDropped,
		m.httpRequests,
		m.mqttPublished,
		m.mqttErrors,
		m.subscribersActive,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) StatusCommit(err error) {
	if m == nil {
		return
	}
	m.statusCommits.WithLabelValues(resultOf(err)).Inc()
}

func (m *Metrics) StatusReadError() {
	if m == nil {
		return
	}
	m.statusReadErrors.Inc()
}

// StatusSnapshot records the size and generation of a snapshot.
func (m *Metrics) StatusSnapshot(t *card.Table, generation uint64) {
	if m == nil || t == nil {
		return
	}
	m.statusEntries.Set(float64(t.Len()))
	m.statusGeneration.Set(float64(generation))
}

func (m *Metrics) LoopTick(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.loopTicks.WithLabelValues(result).Inc()
	m.loopDuration.Observe(took.Seconds())
}

func (m *Metrics) MonitorPoll(result string) {
	if m == nil {
		return
	}
	m.monitorPolls.WithLabelValues(result).Inc()
}

// Block records the current block and its header counters.
func (m *Metrics) Block(index int, pktIdx, nDrop int64) {
	if m == nil {
		return
	}
	m.currentBlock.Set(float64(index))
	m.blockPktIdx.Set(float64(pktIdx))
	m.blockDropped.Set(float64(nDrop))
}

func (m *Metrics) HTTPRequest(method, route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}

func (m *Metrics) MQTTPublish(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.mqttErrors.Inc()
		return
	}
	m.mqttPublished.Inc()
}

func (m *Metrics) Subscribers(delta int) {
	if m == nil {
		return
	}
	m.subscribersActive.Add(float64(delta))
}

func resultOf(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
