package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"adsb_ingest/internal/storage"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Storage.Postgres.Host != "localhost" {
		t.Errorf("Expected default postgres host 'localhost', got '%s'", cfg.Storage.Postgres.Host)
	}
	if cfg.Storage.Postgres.WriteMode != storage.WriteModeHistory {
		t.Errorf("Expected default write mode 'history', got '%s'", cfg.Storage.Postgres.WriteMode)
	}
	if cfg.Storage.ClickHouse.Enabled {
		t.Error("Expected ClickHouse to be disabled by default")
	}
	if cfg.Ingest.Workers != 4 {
		t.Errorf("Expected 4 default workers, got %d", cfg.Ingest.Workers)
	}
	if cfg.API.Port != 8081 {
		t.Errorf("Expected default API port 8081, got %d", cfg.API.Port)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	content := `
log:
  level: debug
storage:
  postgres:
    host: db.example.com
    write_mode: current
  clickhouse:
    enabled: true
    host: ch.example.com
ingest:
  workers: 8
  bounds: "-40,140,-30,155"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Expected log level 'debug', got '%s'", cfg.Log.Level)
	}
	if cfg.Storage.Postgres.Host != "db.example.com" {
		t.Errorf("Expected postgres host 'db.example.com', got '%s'", cfg.Storage.Postgres.Host)
	}
	if cfg.Storage.Postgres.WriteMode != storage.WriteModeCurrent {
		t.Errorf("Expected write mode 'current', got '%s'", cfg.Storage.Postgres.WriteMode)
	}
	if !cfg.Storage.ClickHouse.Enabled {
		t.Error("Expected ClickHouse to be enabled")
	}
	if cfg.Ingest.Workers != 8 {
		t.Errorf("Expected 8 workers, got %d", cfg.Ingest.Workers)
	}

	// Values the file does not mention keep their defaults.
	if cfg.Storage.Postgres.Port != 5432 {
		t.Errorf("Expected default postgres port 5432, got %d", cfg.Storage.Postgres.Port)
	}
	if cfg.Feed.Subject != "adsb.snapshot" {
		t.Errorf("Expected default feed subject, got '%s'", cfg.Feed.Subject)
	}

	box, err := cfg.Ingest.BoundsBox()
	if err != nil {
		t.Fatalf("BoundsBox failed: %v", err)
	}
	if box == nil {
		t.Fatal("Expected a bounding box")
	}
	if box.MinLat != -40 || box.MaxLon != 155 {
		t.Errorf("Unexpected bounds: %+v", box)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "env-host")
	t.Setenv("POSTGRES_PORT", "15432")
	t.Setenv("NATS_URL", "nats://feed:4222")
	t.Setenv("API_AUTH", "true")
	t.Setenv("API_KEYS", "key-one, key-two")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Storage.Postgres.Host != "env-host" {
		t.Errorf("Expected postgres host 'env-host', got '%s'", cfg.Storage.Postgres.Host)
	}
	if cfg.Storage.Postgres.Port != 15432 {
		t.Errorf("Expected postgres port 15432, got %d", cfg.Storage.Postgres.Port)
	}
	if cfg.Feed.URL != "nats://feed:4222" {
		t.Errorf("Expected feed url override, got '%s'", cfg.Feed.URL)
	}
	if !cfg.API.AuthEnabled {
		t.Error("Expected auth to be enabled via env")
	}
	if len(cfg.API.APIKeys) != 2 || cfg.API.APIKeys[1] != "key-two" {
		t.Errorf("Expected trimmed API keys, got %v", cfg.API.APIKeys)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown write mode",
			mutate:  func(c *Config) { c.Storage.Postgres.WriteMode = "append" },
			wantErr: "write mode",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Ingest.Workers = 0 },
			wantErr: "workers",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.API.Port = 70000 },
			wantErr: "port",
		},
		{
			name:    "malformed bounds",
			mutate:  func(c *Config) { c.Ingest.Bounds = "1,2,3" },
			wantErr: "bounds",
		},
		{
			name:    "empty feed url",
			mutate:  func(c *Config) { c.Feed.URL = "" },
			wantErr: "feed url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing '%s', got '%v'", tt.wantErr, err)
			}
		})
	}
}

func TestBoundsBoxEmpty(t *testing.T) {
	cfg := Default()

	box, err := cfg.Ingest.BoundsBox()
	if err != nil {
		t.Fatalf("BoundsBox failed: %v", err)
	}
	if box != nil {
		t.Errorf("Expected nil box for empty bounds, got %+v", box)
	}
}
