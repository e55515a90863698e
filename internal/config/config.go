// Package config loads the client's YAML configuration and applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvServerURL    = "MULTIVIEW_SERVER_URL"
	EnvPreviewAddr  = "MULTIVIEW_PREVIEW_ADDR"
	EnvMaxReconnect = "MULTIVIEW_MAX_RECONNECT"
)

// Config is the complete client configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Render  RenderConfig  `yaml:"render"`
	Preview PreviewConfig `yaml:"preview"`
}

// ServerConfig covers the frame server connection.
type ServerConfig struct {
	URL                  string        `yaml:"url"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"` // negative disables pings
	DialTimeout          time.Duration `yaml:"dial_timeout"`
}

// RenderConfig covers the per-camera render workers.
type RenderConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	ErrorThreshold  int           `yaml:"error_threshold"`
	InitTimeout     time.Duration `yaml:"init_timeout"`
}

// PreviewConfig covers the local HTTP preview server.
type PreviewConfig struct {
	Disabled    bool          `yaml:"disabled"`
	Addr        string        `yaml:"addr"`
	TLS         bool          `yaml:"tls"`
	TLSHosts    []string      `yaml:"tls_hosts"`
	Width       int           `yaml:"width"`
	Height      int           `yaml:"height"`
	JPEGQuality int           `yaml:"jpeg_quality"`
	StreamIdle  time.Duration `yaml:"stream_idle"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			URL:                  "ws://localhost:8765",
			ReconnectBaseDelay:   time.Second,
			MaxReconnectAttempts: 5,
			HeartbeatInterval:    30 * time.Second,
			DialTimeout:          5 * time.Second,
		},
		Render: RenderConfig{
			RefreshInterval: 16 * time.Millisecond,
			ErrorThreshold:  3,
			InitTimeout:     5 * time.Second,
		},
		Preview: PreviewConfig{
			Addr:        ":8090",
			Width:       640,
			Height:      360,
			JPEGQuality: 80,
			StreamIdle:  30 * time.Second,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the MULTIVIEW_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	envOr := func(key, fallback string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return fallback
	}
	c.Server.URL = envOr(EnvServerURL, c.Server.URL)
	c.Preview.Addr = envOr(EnvPreviewAddr, c.Preview.Addr)
	if v := getenv(EnvMaxReconnect); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxReconnect, err)
		}
		c.Server.MaxReconnectAttempts = n
	}
	return nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server.url: scheme %q, want ws or wss", u.Scheme)
	}
	if c.Server.ReconnectBaseDelay <= 0 {
		return errors.New("server.reconnect_base_delay must be positive")
	}
	if c.Server.MaxReconnectAttempts < 1 {
		return errors.New("server.max_reconnect_attempts must be at least 1")
	}
	if c.Server.DialTimeout <= 0 {
		return errors.New("server.dial_timeout must be positive")
	}
	if c.Render.RefreshInterval <= 0 {
		return errors.New("render.refresh_interval must be positive")
	}
	if c.Render.ErrorThreshold < 1 {
		return errors.New("render.error_threshold must be at least 1")
	}
	if c.Preview.Disabled {
		return nil
	}
	if c.Preview.Addr == "" {
		return errors.New("preview.addr is required unless preview is disabled")
	}
	if c.Preview.JPEGQuality < 1 || c.Preview.JPEGQuality > 100 {
		return fmt.Errorf("preview.jpeg_quality %d out of range 1-100", c.Preview.JPEGQuality)
	}
	if c.Preview.Width < 0 || c.Preview.Height < 0 {
		return errors.New("preview.width and preview.height must not be negative")
	}
	return nil
}
