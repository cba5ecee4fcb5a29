package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Gateway.URL != "ws://127.0.0.1:18789" {
		t.Errorf("expected default gateway url, got %s", cfg.Gateway.URL)
	}
	if cfg.Gateway.HandshakeTimeout != 10*time.Second {
		t.Errorf("expected handshake timeout 10s, got %v", cfg.Gateway.HandshakeTimeout)
	}
	if cfg.Gateway.RequestTimeout != 30*time.Second {
		t.Errorf("expected request timeout 30s, got %v", cfg.Gateway.RequestTimeout)
	}
	if cfg.Gateway.ReconnectDelay != 5*time.Second {
		t.Errorf("expected reconnect delay 5s, got %v", cfg.Gateway.ReconnectDelay)
	}
	if cfg.Monitor.ActiveMinutes != 60 {
		t.Errorf("expected active minutes 60, got %d", cfg.Monitor.ActiveMinutes)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
gateway:
  url: "wss://gateway.example.com"
  request_timeout: 45s
layout:
  mode: "horizontal"
logging:
  level: "debug"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Gateway.URL != "wss://gateway.example.com" {
		t.Errorf("expected wss url, got %s", cfg.Gateway.URL)
	}
	if cfg.Gateway.RequestTimeout != 45*time.Second {
		t.Errorf("expected request timeout 45s, got %v", cfg.Gateway.RequestTimeout)
	}
	if cfg.Layout.Mode != "horizontal" {
		t.Errorf("expected horizontal layout, got %s", cfg.Layout.Mode)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	// Unchanged fields keep defaults
	if cfg.Gateway.ReconnectDelay != 5*time.Second {
		t.Errorf("expected default reconnect delay, got %v", cfg.Gateway.ReconnectDelay)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	err := loadYAML(&cfg, "/nonexistent/path.yaml")
	if err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestLoadYAMLInvalid(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(yamlPath, []byte("gateway: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err == nil {
		t.Error("expected parse error for invalid YAML")
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("CLAWDBOT_URL", "ws://10.0.0.5:18789")
	t.Setenv("CLAWDBOT_API_TOKEN", "tok123")
	t.Setenv("CRABWALK_PORT", "7070")
	t.Setenv("CRABWALK_LOG_LEVEL", "warn")
	t.Setenv("CRABWALK_REQUEST_TIMEOUT", "1m")
	t.Setenv("CRABWALK_OUTPUT_CAP_BYTES", "1024")
	t.Setenv("CRABWALK_LOG_ASYNC", "true")

	loadEnv(&cfg)

	if cfg.Gateway.URL != "ws://10.0.0.5:18789" {
		t.Errorf("expected env gateway url, got %s", cfg.Gateway.URL)
	}
	if cfg.Gateway.Token != "tok123" {
		t.Errorf("expected token tok123, got %s", cfg.Gateway.Token)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
	if cfg.Gateway.RequestTimeout != time.Minute {
		t.Errorf("expected request timeout 1m, got %v", cfg.Gateway.RequestTimeout)
	}
	if cfg.Monitor.OutputCapBytes != 1024 {
		t.Errorf("expected output cap 1024, got %d", cfg.Monitor.OutputCapBytes)
	}
	if !cfg.Logging.Async {
		t.Error("expected async logging enabled")
	}
}

func TestEnvOverrideIgnoresMalformed(t *testing.T) {
	cfg := Defaults()

	t.Setenv("CRABWALK_ACTIVE_MINUTES", "sixty")
	t.Setenv("CRABWALK_RECONNECT_DELAY", "soon")

	loadEnv(&cfg)

	if cfg.Monitor.ActiveMinutes != 60 {
		t.Errorf("malformed int should keep default, got %d", cfg.Monitor.ActiveMinutes)
	}
	if cfg.Gateway.ReconnectDelay != 5*time.Second {
		t.Errorf("malformed duration should keep default, got %v", cfg.Gateway.ReconnectDelay)
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{
			name:   "empty port",
			modify: func(c *Config) { c.Server.Port = "" },
			errMsg: "server.port is required",
		},
		{
			name:   "empty gateway url",
			modify: func(c *Config) { c.Gateway.URL = "" },
			errMsg: "gateway.url is required",
		},
		{
			name:   "http scheme",
			modify: func(c *Config) { c.Gateway.URL = "http://127.0.0.1:18789" },
			errMsg: `gateway.url must use ws or wss, got "http"`,
		},
		{
			name:   "zero handshake timeout",
			modify: func(c *Config) { c.Gateway.HandshakeTimeout = 0 },
			errMsg: "gateway.handshake_timeout must be > 0",
		},
		{
			name:   "zero request timeout",
			modify: func(c *Config) { c.Gateway.RequestTimeout = 0 },
			errMsg: "gateway.request_timeout must be > 0",
		},
		{
			name:   "negative reconnect delay",
			modify: func(c *Config) { c.Gateway.ReconnectDelay = -time.Second },
			errMsg: "gateway.reconnect_delay must be > 0",
		},
		{
			name:   "zero output cap",
			modify: func(c *Config) { c.Monitor.OutputCapBytes = 0 },
			errMsg: "monitor.output_cap_bytes must be >= 1",
		},
		{
			name:   "unknown layout mode",
			modify: func(c *Config) { c.Layout.Mode = "radial" },
			errMsg: `layout.mode must be vertical or horizontal, got "radial"`,
		},
		{
			name:   "zero relay buffer",
			modify: func(c *Config) { c.NATS.RelayBuffer = 0 },
			errMsg: "nats.relay_buffer must be >= 1",
		},
		{
			name:   "zero publish timeout",
			modify: func(c *Config) { c.NATS.PublishTimeout = 0 },
			errMsg: "nats.publish_timeout must be > 0",
		},
		{
			name:   "shared pins without l1 ttl",
			modify: func(c *Config) { c.Cache.PinL1TTL = 0 },
			errMsg: "cache.pin_l1_ttl must be > 0 when cache.pin_bucket is set",
		},
		{
			name:   "zero breaker failures",
			modify: func(c *Config) { c.Breaker.MaxFailures = 0 },
			errMsg: "breaker.max_failures must be >= 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.errMsg)
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}
