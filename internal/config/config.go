// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

// Package config handles guppictl configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/guppi-daq/guppi-shm/pkg/databuf"
	"github.com/guppi-daq/guppi-shm/pkg/shm"
	"github.com/guppi-daq/guppi-shm/pkg/status"
)

// DefaultPath is used when GUPPI_CONFIG is unset.
const DefaultPath = "guppi.json"

// Config holds the full configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Status  StatusConfig  `json:"status"`
	Databuf DatabufConfig `json:"databuf"`
	Loop    LoopConfig    `json:"loop"`
	Monitor MonitorConfig `json:"monitor"`
	MQTT    MQTTConfig    `json:"mqtt"`
	Log     LogConfig     `json:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Mode       string    `json:"mode"`        // "debug" or "release"
	SocketPath string    `json:"socket_path"` // Unix control socket (empty to disable)
	AdminKey   string    `json:"admin_key"`   // required for status writes over HTTP (min 20 chars)
	TLS        TLSConfig `json:"tls"`
}

// TLSConfig holds TLS/HTTPS settings.
type TLSConfig struct {
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

// StatusConfig locates the shared status record.
type StatusConfig struct {
	Backend     string   `json:"backend"` // "sysv" or "file"
	Key         int      `json:"key"`
	Path        string   `json:"path"` // backing file for the file backend
	LockPath    string   `json:"lock_path"`
	Capacity    int      `json:"capacity"`
	LockTimeout Duration `json:"lock_timeout"`
}

// DatabufConfig locates the shared data buffer.
type DatabufConfig struct {
	Backend      string         `json:"backend"`
	Key          int            `json:"key"`
	Path         string         `json:"path"`
	DefaultBlock int            `json:"default_block"` // used when CURBLOCK is absent
	Create       databuf.Config `json:"create"`        // geometry for "databuf create"
}

// LoopConfig drives the telescope status loop.
type LoopConfig struct {
	Interval  Duration        `json:"interval"`
	Telescope TelescopeConfig `json:"telescope"`
}

// TelescopeConfig selects the telescope-status source.
type TelescopeConfig struct {
	Kind    string   `json:"kind"` // "http", "mqtt" or "none"
	URL     string   `json:"url"`  // HTTP endpoint or MQTT broker
	Topic   string   `json:"topic"`
	Timeout Duration `json:"timeout"`
	MaxAge  Duration `json:"max_age"`
}

// MonitorConfig controls the live monitor poll.
type MonitorConfig struct {
	Interval Duration `json:"interval"`
	NSpec    int      `json:"nspec"` // spectra averaged by the spectrum view
}

// MQTTConfig configures the snapshot publisher.
type MQTTConfig struct {
	BrokerURL string   `json:"broker_url"` // empty disables publishing
	Topic     string   `json:"topic"`
	ClientID  string   `json:"client_id"`
	Username  string   `json:"username"`
	Password  string   `json:"password"`
	Interval  Duration `json:"interval"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `json:"level"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:       "0.0.0.0",
			Port:       21090,
			Mode:       "release",
			SocketPath: "/var/run/guppi/guppictl.sock",
		},
		Status: StatusConfig{
			Backend:     string(shm.BackendSysV),
			Key:         status.DefaultKey,
			Path:        "/dev/shm/guppi_status",
			LockPath:    status.DefaultLockPath,
			Capacity:    status.DefaultCapacity,
			LockTimeout: Duration(5 * time.Second),
		},
		Databuf: DatabufConfig{
			Backend:      string(shm.BackendSysV),
			Key:          databuf.DefaultKey,
			Path:         "/dev/shm/guppi_databuf",
			DefaultBlock: 1,
			Create:       databuf.DefaultConfig(),
		},
		Loop: LoopConfig{
			Interval: Duration(time.Second),
			Telescope: TelescopeConfig{
				Kind:    "none",
				Topic:   "gbt/status",
				Timeout: Duration(2 * time.Second),
				MaxAge:  Duration(10 * time.Second),
			},
		},
		Monitor: MonitorConfig{
			Interval: Duration(250 * time.Millisecond),
			NSpec:    1000,
		},
		MQTT: MQTTConfig{
			Topic:    "guppi/status",
			Interval: Duration(time.Second),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load loads configuration from a JSON file.
// If the file doesn't exist, returns default configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// Save saves configuration to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// LoadFromEnv overrides config values from environment variables.
func (c *Config) LoadFromEnv() {
	if host := os.Getenv("GUPPI_HOST"); host != "" {
		c.Server.Host = host
	}
	if p, ok := envInt("GUPPI_PORT"); ok && p > 0 {
		c.Server.Port = p
	}
	if mode := os.Getenv("GUPPI_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if socketPath := os.Getenv("GUPPI_SOCKET_PATH"); socketPath != "" {
		c.Server.SocketPath = socketPath
	}
	if adminKey := os.Getenv("GUPPI_ADMIN_KEY"); adminKey != "" {
		c.Server.AdminKey = adminKey
	}
	if tlsCert := os.Getenv("GUPPI_TLS_CERT"); tlsCert != "" {
		c.Server.TLS.CertFile = tlsCert
	}
	if tlsKey := os.Getenv("GUPPI_TLS_KEY"); tlsKey != "" {
		c.Server.TLS.KeyFile = tlsKey
	}
	if k, ok := envInt("GUPPI_STATUS_KEY"); ok {
		c.Status.Key = k
	}
	if b := os.Getenv("GUPPI_STATUS_BACKEND"); b != "" {
		c.Status.Backend = b
		c.Databuf.Backend = b
	}
	if p := os.Getenv("GUPPI_STATUS_PATH"); p != "" {
		c.Status.Path = p
	}
	if k, ok := envInt("GUPPI_DATABUF_KEY"); ok {
		c.Databuf.Key = k
	}
	if broker := os.Getenv("GUPPI_MQTT_BROKER"); broker != "" {
		c.MQTT.BrokerURL = broker
	}
	if level := os.Getenv("GUPPI_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

// TLSEnabled returns true if TLS is configured with both cert and key files.
func (c *Config) TLSEnabled() bool {
	return c.Server.TLS.CertFile != "" && c.Server.TLS.KeyFile != ""
}

// StatusIdentity returns the identity of the status record.
func (c *Config) StatusIdentity() (status.Identity, error) {
	b, err := shm.ParseBackend(c.Status.Backend)
	if err != nil {
		return status.Identity{}, err
	}
	return status.Identity{
		Segment:  shm.Identity{Backend: b, Key: c.Status.Key, Path: c.Status.Path},
		LockPath: c.Status.LockPath,
		Capacity: c.Status.Capacity,
	}, nil
}

// DatabufIdentity returns the identity of the data buffer.
func (c *Config) DatabufIdentity() (shm.Identity, error) {
	b, err := shm.ParseBackend(c.Databuf.Backend)
	if err != nil {
		return shm.Identity{}, err
	}
	return shm.Identity{Backend: b, Key: c.Databuf.Key, Path: c.Databuf.Path}, nil
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	if _, err := shm.ParseBackend(c.Status.Backend); err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if _, err := shm.ParseBackend(c.Databuf.Backend); err != nil {
		return fmt.Errorf("databuf: %w", err)
	}
	if c.Status.Capacity <= 0 || c.Status.Capacity%80 != 0 {
		return fmt.Errorf("status: capacity %d is not a positive multiple of 80", c.Status.Capacity)
	}
	if c.Server.AdminKey != "" && len(c.Server.AdminKey) < 20 {
		return fmt.Errorf("server: admin key must be at least 20 characters")
	}
	switch c.Loop.Telescope.Kind {
	case "", "none", "http", "mqtt":
	default:
		return fmt.Errorf("loop: unknown telescope source %q", c.Loop.Telescope.Kind)
	}
	if c.Monitor.Interval <= 0 || c.Loop.Interval <= 0 {
		return fmt.Errorf("intervals must be positive")
	}
	return nil
}

func envInt(name string) (int, bool) {
	s := os.Getenv(name)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Duration is a time.Duration that reads and writes JSON as "1s" strings.
// Bare numbers are taken as seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var secs float64
		if err := json.Unmarshal(data, &secs); err != nil {
			return fmt.Errorf("duration must be a string or number of seconds")
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
