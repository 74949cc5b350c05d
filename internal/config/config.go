// Package config loads ingester configuration from YAML files with
// environment variable overrides.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"adsb_ingest/internal/report"
	"adsb_ingest/internal/storage"
)

// Config is the top-level ingester configuration.
type Config struct {
	Log     LogConfig      `yaml:"log"`
	Storage storage.Config `yaml:"storage"`
	Feed    FeedConfig     `yaml:"feed"`
	Ingest  IngestConfig   `yaml:"ingest"`
	API     APIConfig      `yaml:"api"`
}

// LogConfig controls log output. Level is one of trace, debug, info, warn
// or error; Format is "json" or "console".
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// FeedConfig points at the NATS feed carrying aircraft snapshots.
type FeedConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// IngestConfig tunes the normalization pipeline.
type IngestConfig struct {
	Workers int `yaml:"workers"`

	// TrackerPath is the SQLite file backing the position tracker.
	// Empty keeps tracked fixes in memory only.
	TrackerPath string `yaml:"tracker_path"`

	// Bounds is an optional "minLat,minLon,maxLat,maxLon" box. Reports
	// outside it are skipped. Empty accepts everything.
	Bounds string `yaml:"bounds"`

	// PositionMaxAge is how many minutes a tracked fix survives without
	// an update; CleanupInterval is minutes between stale fix sweeps.
	PositionMaxAge  int `yaml:"position_max_age"`
	CleanupInterval int `yaml:"cleanup_interval"`
}

// APIConfig configures the state API server.
type APIConfig struct {
	Port        int      `yaml:"port"`
	AuthEnabled bool     `yaml:"auth_enabled"`
	APIKeys     []string `yaml:"api_keys"`
}

// Default returns a configuration with local development settings.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: storage.DefaultConfig(),
		Feed: FeedConfig{
			URL:     "nats://localhost:4222",
			Subject: "adsb.snapshot",
		},
		Ingest: IngestConfig{
			Workers:         4,
			PositionMaxAge:  30,
			CleanupInterval: 10,
		},
		API: APIConfig{
			Port: 8081,
		},
	}
}

// Load reads configuration from an optional YAML file, applies environment
// variable overrides, and validates the result. An empty path loads defaults
// plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides configuration fields from the environment. Unset
// variables leave the current values alone.
func (c *Config) applyEnv() {
	envStr("LOG_LEVEL", &c.Log.Level)
	envStr("LOG_FORMAT", &c.Log.Format)

	envStr("POSTGRES_HOST", &c.Storage.Postgres.Host)
	envInt("POSTGRES_PORT", &c.Storage.Postgres.Port)
	envStr("POSTGRES_DATABASE", &c.Storage.Postgres.Database)
	envStr("POSTGRES_USER", &c.Storage.Postgres.User)
	envStr("POSTGRES_PASSWORD", &c.Storage.Postgres.Password)
	if v := os.Getenv("POSTGRES_WRITE_MODE"); v != "" {
		c.Storage.Postgres.WriteMode = storage.WriteMode(v)
	}

	envBool("CLICKHOUSE_ENABLED", &c.Storage.ClickHouse.Enabled)
	envStr("CLICKHOUSE_HOST", &c.Storage.ClickHouse.Host)
	envInt("CLICKHOUSE_PORT", &c.Storage.ClickHouse.Port)
	envStr("CLICKHOUSE_DATABASE", &c.Storage.ClickHouse.Database)
	envStr("CLICKHOUSE_USER", &c.Storage.ClickHouse.User)
	envStr("CLICKHOUSE_PASSWORD", &c.Storage.ClickHouse.Password)

	envStr("NATS_URL", &c.Feed.URL)
	envStr("NATS_SUBJECT", &c.Feed.Subject)

	envInt("API_PORT", &c.API.Port)
	envBool("API_AUTH", &c.API.AuthEnabled)
	if v := os.Getenv("API_KEYS"); v != "" {
		keys := strings.Split(v, ",")
		for i := range keys {
			keys[i] = strings.TrimSpace(keys[i])
		}
		c.API.APIKeys = keys
	}
}

// Validate checks the configuration for values that would fail at runtime.
func (c *Config) Validate() error {
	if _, err := storage.ParseWriteMode(string(c.Storage.Postgres.WriteMode)); err != nil {
		return err
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api port %d out of range", c.API.Port)
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest workers must be at least 1, got %d", c.Ingest.Workers)
	}
	if c.Ingest.PositionMaxAge < 0 || c.Ingest.CleanupInterval < 0 {
		return fmt.Errorf("ingest intervals must not be negative")
	}
	if c.Feed.URL == "" {
		return fmt.Errorf("feed url is required")
	}
	if _, err := c.Ingest.BoundsBox(); err != nil {
		return err
	}
	return nil
}

// BoundsBox parses the configured bounding box. A nil box with a nil error
// means no bounds are configured.
func (c *IngestConfig) BoundsBox() (*report.Bounds, error) {
	if c.Bounds == "" {
		return nil, nil
	}
	b, err := report.ParseBounds(c.Bounds)
	if err != nil {
		return nil, fmt.Errorf("ingest bounds: %w", err)
	}
	return b, nil
}

// SetupLogger creates a configured zerolog logger.
func SetupLogger(cfg LogConfig, component string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer = os.Stdout
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).With().
		Timestamp().
		Str("component", component).
		Logger()
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
