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

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "crabwalk.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "CRABWALK_PORT")
	setString(&cfg.Server.CORSOrigin, "CRABWALK_CORS_ORIGIN")

	// Gateway (names shared with the gateway's own tooling)
	setString(&cfg.Gateway.URL, "CLAWDBOT_URL")
	setString(&cfg.Gateway.Token, "CLAWDBOT_API_TOKEN")
	setString(&cfg.Gateway.TokenFile, "CLAWDBOT_API_TOKEN_FILE")
	setString(&cfg.Gateway.ClientID, "CRABWALK_CLIENT_ID")
	setDuration(&cfg.Gateway.HandshakeTimeout, "CRABWALK_HANDSHAKE_TIMEOUT")
	setDuration(&cfg.Gateway.RequestTimeout, "CRABWALK_REQUEST_TIMEOUT")
	setDuration(&cfg.Gateway.ReconnectDelay, "CRABWALK_RECONNECT_DELAY")

	setInt(&cfg.Monitor.ActiveMinutes, "CRABWALK_ACTIVE_MINUTES")
	setInt(&cfg.Monitor.SessionLimit, "CRABWALK_SESSION_LIMIT")
	setInt(&cfg.Monitor.OutputCapBytes, "CRABWALK_OUTPUT_CAP_BYTES")
	setInt(&cfg.Monitor.MaxActionsPerSession, "CRABWALK_MAX_ACTIONS")

	setString(&cfg.Layout.Mode, "CRABWALK_LAYOUT_MODE")

	setString(&cfg.NATS.URL, "NATS_URL")
	setInt(&cfg.NATS.RelayBuffer, "CRABWALK_RELAY_BUFFER")
	setDuration(&cfg.NATS.PublishTimeout, "CRABWALK_RELAY_TIMEOUT")

	setInt64(&cfg.Cache.PinMaxSizeMB, "CRABWALK_PIN_CACHE_MB")
	setDuration(&cfg.Cache.PinTTL, "CRABWALK_PIN_TTL")
	setString(&cfg.Cache.PinBucket, "CRABWALK_PIN_BUCKET")

	setString(&cfg.Logging.Level, "CRABWALK_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CRABWALK_LOG_SERVICE")
	setString(&cfg.Logging.Format, "CRABWALK_LOG_FORMAT")
	setBool(&cfg.Logging.Async, "CRABWALK_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "CRABWALK_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "CRABWALK_BREAKER_TIMEOUT")

	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.Telemetry.ServiceName, "OTEL_SERVICE_NAME")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Gateway.URL == "" {
		return errors.New("gateway.url is required")
	}
	u, err := url.Parse(cfg.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("gateway.url must use ws or wss, got %q", u.Scheme)
	}
	if cfg.Gateway.HandshakeTimeout <= 0 {
		return errors.New("gateway.handshake_timeout must be > 0")
	}
	if cfg.Gateway.RequestTimeout <= 0 {
		return errors.New("gateway.request_timeout must be > 0")
	}
	if cfg.Gateway.ReconnectDelay <= 0 {
		return errors.New("gateway.reconnect_delay must be > 0")
	}
	if cfg.Monitor.OutputCapBytes < 1 {
		return errors.New("monitor.output_cap_bytes must be >= 1")
	}
	if cfg.Layout.Mode != "vertical" && cfg.Layout.Mode != "horizontal" {
		return fmt.Errorf("layout.mode must be vertical or horizontal, got %q", cfg.Layout.Mode)
	}
	if cfg.NATS.RelayBuffer < 1 {
		return errors.New("nats.relay_buffer must be >= 1")
	}
	if cfg.NATS.PublishTimeout <= 0 {
		return errors.New("nats.publish_timeout must be > 0")
	}
	if cfg.Cache.PinBucket != "" && cfg.Cache.PinL1TTL <= 0 {
		return errors.New("cache.pin_l1_ttl must be > 0 when cache.pin_bucket is set")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
