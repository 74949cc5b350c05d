// Package main provides the state-api server for stored aircraft state data.
//
// This is a standalone REST API server over the PostgreSQL store written by
// the ingester, with optional ClickHouse archive statistics. It serves the
// latest state, state history and aged position per aircraft, and exposes
// Prometheus metrics.
//
// Usage:
//
//	state-api [options]
//
// Options:
//
//	-pg-host HOST       PostgreSQL host (default: localhost, env: POSTGRES_HOST)
//	-pg-port PORT       PostgreSQL port (default: 5432, env: POSTGRES_PORT)
//	-pg-database DB     PostgreSQL database (default: adsb, env: POSTGRES_DATABASE)
//	-pg-user USER       PostgreSQL user (default: adsb, env: POSTGRES_USER)
//	-pg-password PASS   PostgreSQL password (default: adsb, env: POSTGRES_PASSWORD)
//	-ch-enabled         Include ClickHouse archive stats (env: CLICKHOUSE_ENABLED)
//	-ch-host HOST       ClickHouse host (default: localhost, env: CLICKHOUSE_HOST)
//	-ch-port PORT       ClickHouse port (default: 9000, env: CLICKHOUSE_PORT)
//	-ch-database DB     ClickHouse database (default: adsb, env: CLICKHOUSE_DATABASE)
//	-port N             HTTP port (default: 8081)
//	-auth               Enable API key authentication
//	-api-keys KEYS      Comma-separated list of valid API keys
//
// API Endpoints:
//
//	GET /api/v1/health
//	    Health check endpoint.
//
//	GET /api/v1/aircraft/{hex}
//	    Most recent stored state for an aircraft.
//
//	GET /api/v1/aircraft/{hex}/history?limit=&since=
//	    Recent state rows for an aircraft.
//
//	GET /api/v1/aircraft/{hex}/position
//	    Current aged position (last known good fix).
//
//	GET /api/v1/stats
//	    Row counts, distinct aircraft and per-message-type counts.
//
//	POST /api/v1/aircraft/batch
//	    Batch latest-state lookup. Body: {"hexes": ["..."]}
//
//	GET /metrics
//	    Prometheus exposition.
//
// Authentication:
//
//	When -auth is enabled, requests must include an API key via:
//	  - X-API-Key header
//	  - Authorization: Bearer <key> header
//	  - ?api_key=<key> query parameter
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"adsb_ingest/internal/api"
	"adsb_ingest/internal/config"
	"adsb_ingest/internal/storage"
)

func main() {
	// PostgreSQL connection flags.
	pgHost := flag.String("pg-host", envOrDefault("POSTGRES_HOST", "localhost"), "PostgreSQL host")
	pgPort := flag.Int("pg-port", envOrDefaultInt("POSTGRES_PORT", 5432), "PostgreSQL port")
	pgUser := flag.String("pg-user", envOrDefault("POSTGRES_USER", "adsb"), "PostgreSQL user")
	pgPassword := flag.String("pg-password", envOrDefault("POSTGRES_PASSWORD", "adsb"), "PostgreSQL password")
	pgDB := flag.String("pg-database", envOrDefault("POSTGRES_DATABASE", "adsb"), "PostgreSQL database")

	// ClickHouse archive flags (optional).
	chEnabled := flag.Bool("ch-enabled", envOrDefault("CLICKHOUSE_ENABLED", "") == "true", "Include ClickHouse archive stats")
	chHost := flag.String("ch-host", envOrDefault("CLICKHOUSE_HOST", "localhost"), "ClickHouse host")
	chPort := flag.Int("ch-port", envOrDefaultInt("CLICKHOUSE_PORT", 9000), "ClickHouse port")
	chUser := flag.String("ch-user", envOrDefault("CLICKHOUSE_USER", "default"), "ClickHouse user")
	chPassword := flag.String("ch-password", envOrDefault("CLICKHOUSE_PASSWORD", ""), "ClickHouse password")
	chDB := flag.String("ch-database", envOrDefault("CLICKHOUSE_DATABASE", "adsb"), "ClickHouse database")

	// API server flags.
	port := flag.Int("port", 8081, "HTTP port for API server")
	authEnabled := flag.Bool("auth", false, "Enable API key authentication")
	apiKeys := flag.String("api-keys", "", "Comma-separated list of valid API keys (when auth enabled)")
	logLevel := flag.String("log-level", envOrDefault("LOG_LEVEL", "info"), "Log level")

	flag.Parse()

	ctx := context.Background()
	log := config.SetupLogger(config.LogConfig{Level: *logLevel, Format: "console"}, "state-api")

	// Open PostgreSQL database.
	pg, err := storage.OpenPostgres(ctx, storage.PostgresConfig{
		Host:     *pgHost,
		Port:     *pgPort,
		Database: *pgDB,
		User:     *pgUser,
		Password: *pgPassword,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening PostgreSQL: %v\n", err)
		os.Exit(1)
	}
	defer pg.Close()

	// ClickHouse is optional; the stats endpoint skips archive numbers
	// without it.
	var ch *storage.ClickHouseDB
	if *chEnabled {
		ch, err = storage.OpenClickHouse(ctx, storage.ClickHouseConfig{
			Enabled:  true,
			Host:     *chHost,
			Port:     *chPort,
			Database: *chDB,
			User:     *chUser,
			Password: *chPassword,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening ClickHouse: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = ch.Close() }()
	}

	// Parse API keys.
	var keys []string
	if *apiKeys != "" {
		keys = strings.Split(*apiKeys, ",")
		for i := range keys {
			keys[i] = strings.TrimSpace(keys[i])
		}
	}

	// Create and run server.
	server := api.NewStateServer(pg, ch, api.Config{
		Port:        *port,
		AuthEnabled: *authEnabled,
		APIKeys:     keys,
		Logger:      log,
	})

	if err := server.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
