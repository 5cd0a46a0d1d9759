// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

// Package mqtt publishes monitor snapshots to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/guppi-daq/guppi-shm/internal/metrics"
	"github.com/guppi-daq/guppi-shm/internal/monitor"
)

var ErrNotConnected = errors.New("mqtt: not connected")

const (
	minRetryDelay = time.Second
	maxRetryDelay = 60 * time.Second
)

// Config describes the broker connection.
type Config struct {
	BrokerURL string
	Topic     string
	ClientID  string
	Username  string
	Password  string
	Interval  time.Duration
	QoS       byte
}

// Source supplies the snapshot to publish.
type Source interface {
	Latest() *monitor.Snapshot
}

// Client is the part of a paho client the pusher uses.
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Dialer connects to the broker.
type Dialer func(ctx context.Context, cfg Config) (Client, error)

// ConnectionStatus reports the pusher state.
type ConnectionStatus struct {
	BrokerURL      string `json:"broker_url"`
	Topic          string `json:"topic"`
	Status         string `json:"status"` // connecting, connected, disconnected, error
	LastGeneration uint64 `json:"last_generation,omitempty"`
	MessagesSent   int64  `json:"messages_sent,omitempty"`
	Errors         int64  `json:"errors,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

// Message is the published payload.
type Message struct {
	Host     string            `json:"host,omitempty"`
	Sent     time.Time         `json:"sent"`
	Snapshot *monitor.Snapshot `json:"snapshot"`
}

// Pusher periodically publishes the latest monitor snapshot.
type Pusher struct {
	cfg     Config
	source  Source
	dial    Dialer
	metrics *metrics.Metrics
	logger  *slog.Logger
	host    string

	mu           sync.RWMutex
	client       Client
	status       string
	lastGen      uint64
	lastSent     time.Time
	messagesSent int64
	errors       int64
	lastError    string
}

// Option configures a Pusher.
type Option func(*Pusher)

// WithDialer replaces the paho dialer.
func WithDialer(d Dialer) Option { return func(p *Pusher) { p.dial = d } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Pusher) { p.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(p *Pusher) { p.logger = l } }

// NewPusher creates a pusher. Run starts it.
func NewPusher(cfg Config, source Source, opts ...Option) *Pusher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	host, _ := os.Hostname()
	p := &Pusher{
		cfg:    cfg,
		source: source,
		dial:   Dial,
		logger: slog.Default(),
		host:   host,
		status: "disconnected",
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.With("broker", cfg.BrokerURL, "topic", cfg.Topic)
	return p
}

// Status returns the current connection status.
func (p *Pusher) Status() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return ConnectionStatus{
		BrokerURL:      p.cfg.BrokerURL,
		Topic:          p.cfg.Topic,
		Status:         p.status,
		LastGeneration: p.lastGen,
		MessagesSent:   p.messagesSent,
		Errors:         p.errors,
		LastError:      p.lastError,
	}
}

// Run connects and publishes until ctx is cancelled, reconnecting with
// exponential backoff.
func (p *Pusher) Run(ctx context.Context) error {
	retryDelay := minRetryDelay

	for {
		if ctx.Err() != nil {
			return nil
		}

		p.setStatus("connecting")
		client, err := p.dial(ctx, p.cfg)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.setError(err)
			p.logger.Warn("mqtt connect failed", "err", err, "retry_in", retryDelay)
			if !sleep(ctx, retryDelay) {
				return nil
			}
			retryDelay = nextDelay(retryDelay)
			continue
		}

		retryDelay = minRetryDelay
		p.mu.Lock()
		p.client = client
		p.status = "connected"
		p.lastError = ""
		p.mu.Unlock()
		p.logger.Info("mqtt connected")

		err = p.pushLoop(ctx)

		p.mu.Lock()
		p.client = nil
		p.status = "disconnected"
		p.mu.Unlock()
		client.Disconnect(250)

		if err == nil {
			return nil
		}
		p.setError(err)
		p.logger.Warn("mqtt publish failed, reconnecting", "err", err)
		if !sleep(ctx, retryDelay) {
			return nil
		}
	}
}

func (p *Pusher) pushLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.PublishLatest(); err != nil && !errors.Is(err, errNothingNew) {
				return err
			}
		}
	}
}

var errNothingNew = errors.New("mqtt: no new snapshot")

// PublishLatest publishes the source's latest snapshot. A snapshot that was
// already sent is skipped.
func (p *Pusher) PublishLatest() error {
	s := p.source.Latest()

	p.mu.RLock()
	client := p.client
	sent := p.lastSent
	p.mu.RUnlock()

	if s == nil || (!sent.IsZero() && !s.Time.After(sent)) {
		return errNothingNew
	}
	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}

	payload, err := Payload(p.host, s, time.Now())
	if err != nil {
		return err
	}

	token := client.Publish(p.cfg.Topic, p.cfg.QoS, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		err = fmt.Errorf("mqtt: publish to %s timed out", p.cfg.Topic)
	} else {
		err = token.Error()
	}
	p.metrics.MQTTPublish(err)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.lastSent = s.Time
	p.lastGen = s.Generation
	p.messagesSent++
	p.mu.Unlock()
	return nil
}

// Payload builds the JSON message for a snapshot.
func Payload(host string, s *monitor.Snapshot, now time.Time) ([]byte, error) {
	return json.Marshal(Message{Host: host, Sent: now.UTC(), Snapshot: s})
}

// Dial connects a paho client with reconnects disabled; Run owns retries.
func Dial(ctx context.Context, cfg Config) (Client, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "guppictl-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetWriteTimeout(10 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "broker", cfg.BrokerURL, "err", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(250)
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.BrokerURL, err)
	}
	return client, nil
}

func (p *Pusher) setStatus(s string) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func (p *Pusher) setError(err error) {
	p.mu.Lock()
	p.lastError = err.Error()
	p.status = "error"
	p.errors++
	p.mu.Unlock()
}

func nextDelay(d time.Duration) time.Duration {
	return min(d*2, maxRetryDelay)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
