// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package telstatus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTSource caches the latest status message published on a topic.
// Fetch fails while the broker is unreachable or the cached reading is
// older than MaxAge.
type MQTTSource struct {
	BrokerURL string
	Topic     string
	MaxAge    time.Duration

	now func() time.Time

	mu       sync.RWMutex
	client   mqtt.Client
	latest   Fields
	received time.Time
	lastErr  error
}

// NewMQTTSource returns an unconnected source. Call Connect to subscribe.
func NewMQTTSource(broker, topic string, maxAge time.Duration) *MQTTSource {
	return &MQTTSource{BrokerURL: broker, Topic: topic, MaxAge: maxAge, now: time.Now}
}

// Connect dials the broker and subscribes. paho reconnects on its own and
// the subscription is restored on every reconnect.
func (s *MQTTSource) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.BrokerURL)
	opts.SetClientID("guppi-telstatus-" + uuid.NewString()[:8])
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(s.Topic, 0, func(_ mqtt.Client, m mqtt.Message) {
			s.handle(m.Payload())
		})
		token.Wait()
		if err := token.Error(); err != nil {
			slog.Warn("telescope status subscribe failed", "topic", s.Topic, "err", err)
			s.setErr(err)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("telescope status broker connection lost", "broker", s.BrokerURL, "err", err)
		s.setErr(err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(250)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: connect %s: %v", ErrUnavailable, s.BrokerURL, err)
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	return nil
}

// handle stores one status message.
func (s *MQTTSource) handle(payload []byte) {
	fields, err := ParseFields(payload)
	if err != nil {
		slog.Debug("ignoring malformed telescope status message", "err", err)
		return
	}
	s.mu.Lock()
	s.latest = fields
	s.received = s.now()
	s.lastErr = nil
	s.mu.Unlock()
}

func (s *MQTTSource) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// Fetch returns a copy of the latest reading.
func (s *MQTTSource) Fetch(ctx context.Context) (Fields, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.client != nil && !s.client.IsConnectionOpen() {
		return nil, fmt.Errorf("%w: broker %s disconnected", ErrUnavailable, s.BrokerURL)
	}
	if s.latest == nil {
		if s.lastErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, s.lastErr)
		}
		return nil, fmt.Errorf("%w: no message on %s yet", ErrUnavailable, s.Topic)
	}
	if s.MaxAge > 0 {
		if age := s.now().Sub(s.received); age > s.MaxAge {
			return nil, fmt.Errorf("%w: last message is %s old", ErrUnavailable, age.Round(time.Millisecond))
		}
	}

	out := make(Fields, len(s.latest))
	for k, v := range s.latest {
		out[k] = v
	}
	return out, nil
}

// Close disconnects from the broker.
func (s *MQTTSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Disconnect(250)
		s.client = nil
	}
}
