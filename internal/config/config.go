// Package config provides hierarchical configuration loading for crabwalk.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the crabwalk monitor.
type Config struct {
	Server    Server    `yaml:"server"`
	Gateway   Gateway   `yaml:"gateway"`
	Monitor   Monitor   `yaml:"monitor"`
	Layout    Layout    `yaml:"layout"`
	NATS      NATS      `yaml:"nats"`
	Cache     Cache     `yaml:"cache"`
	Logging   Logging   `yaml:"logging"`
	Breaker   Breaker   `yaml:"breaker"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// Gateway holds the connection settings for the agent gateway.
type Gateway struct {
	URL              string        `yaml:"url"`
	Token            string        `yaml:"token"`
	TokenFile        string        `yaml:"token_file"` // re-read on SIGHUP; overrides Token when non-empty
	ClientID         string        `yaml:"client_id"`
	DisplayName      string        `yaml:"display_name"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // default: 10s
	RequestTimeout   time.Duration `yaml:"request_timeout"`   // default: 30s
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`   // default: 5s
}

// Monitor holds settings for the in-memory session state.
type Monitor struct {
	ActiveMinutes        int `yaml:"active_minutes"`          // sessions.list window (default: 60)
	SessionLimit         int `yaml:"session_limit"`           // sessions.list limit (default: 200)
	OutputCapBytes       int `yaml:"output_cap_bytes"`        // per exec process (default: 64 KiB)
	MaxActionsPerSession int `yaml:"max_actions_per_session"` // oldest actions dropped past this (default: 500)
}

// Layout holds graph layout defaults.
type Layout struct {
	Mode        string  `yaml:"mode"` // "vertical" | "horizontal"
	ColumnWidth float64 `yaml:"column_width"`
	ColumnGap   float64 `yaml:"column_gap"`
	ItemHeight  float64 `yaml:"item_height"`
	RowGap      float64 `yaml:"row_gap"`
	SpawnOffset float64 `yaml:"spawn_offset"`
}

// NATS holds the optional delta relay configuration. Empty URL disables the relay.
type NATS struct {
	URL            string        `yaml:"url"`
	RelayBuffer    int           `yaml:"relay_buffer"`    // payloads queued before new ones are dropped (default: 1024)
	PublishTimeout time.Duration `yaml:"publish_timeout"` // per publish (default: 5s)
}

// Cache holds the pinned-position cache configuration.
type Cache struct {
	PinMaxSizeMB int64         `yaml:"pin_max_size_mb"`
	PinTTL       time.Duration `yaml:"pin_ttl"`
	// PinBucket names the NATS KV bucket that shares pins between instances
	// when nats.url is set. Empty keeps pins in-process only.
	PinBucket string        `yaml:"pin_bucket"`
	PinL1TTL  time.Duration `yaml:"pin_l1_ttl"` // in-process copy lifetime when shared
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Format  string `yaml:"format"` // "json" | "text" | "auto"
	Async   bool   `yaml:"async"`
}

// Breaker holds circuit breaker configuration for the relay.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Telemetry holds OpenTelemetry exporter configuration. Empty endpoint keeps the
// global no-op providers.
type Telemetry struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "3000",
			CORSOrigin: "http://localhost:3000",
		},
		Gateway: Gateway{
			URL:              "ws://127.0.0.1:18789",
			ClientID:         "crabwalk",
			DisplayName:      "Crabwalk Monitor",
			HandshakeTimeout: 10 * time.Second,
			RequestTimeout:   30 * time.Second,
			ReconnectDelay:   5 * time.Second,
		},
		Monitor: Monitor{
			ActiveMinutes:        60,
			SessionLimit:         200,
			OutputCapBytes:       64 * 1024,
			MaxActionsPerSession: 500,
		},
		Layout: Layout{
			Mode:        "vertical",
			ColumnWidth: 280,
			ColumnGap:   80,
			ItemHeight:  64,
			RowGap:      16,
			SpawnOffset: 24,
		},
		NATS: NATS{
			RelayBuffer:    1024,
			PublishTimeout: 5 * time.Second,
		},
		Cache: Cache{
			PinMaxSizeMB: 16,
			PinTTL:       24 * time.Hour,
			PinBucket:    "crabwalk_pins",
			PinL1TTL:     30 * time.Second,
		},
		Logging: Logging{
			Level:   "info",
			Service: "crabwalk",
			Format:  "json",
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Telemetry: Telemetry{
			ServiceName: "crabwalk",
		},
	}
}
