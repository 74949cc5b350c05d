package storage

import (
	"context"
	"fmt"
)

// WriteMode selects how aircraft rows are written.
type WriteMode string

const (
	// WriteModeHistory appends one aircraft row per applied report.
	WriteModeHistory WriteMode = "history"
	// WriteModeCurrent keeps one row per hex, updated in place when a
	// newer report arrives.
	WriteModeCurrent WriteMode = "current"
)

// ParseWriteMode parses a write mode string. An empty string means history.
func ParseWriteMode(s string) (WriteMode, error) {
	switch s {
	case "", string(WriteModeHistory):
		return WriteModeHistory, nil
	case string(WriteModeCurrent):
		return WriteModeCurrent, nil
	default:
		return "", fmt.Errorf("unknown write mode %q", s)
	}
}

// Config holds database connection settings for both PostgreSQL and ClickHouse.
type Config struct {
	Postgres   PostgresConfig   `yaml:"postgres"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// DefaultConfig returns a configuration with default local development settings.
func DefaultConfig() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:      "localhost",
			Port:      5432,
			Database:  "adsb",
			User:      "adsb",
			Password:  "adsb",
			WriteMode: WriteModeHistory,
		},
		ClickHouse: ClickHouseConfig{
			Enabled:  false,
			Host:     "localhost",
			Port:     9000,
			Database: "adsb",
			User:     "default",
			Password: "",
		},
	}
}

// DB wraps the PostgreSQL system of record and the optional ClickHouse archive.
type DB struct {
	PG *PostgresDB   // PostgreSQL for the upsert path and API reads.
	CH *ClickHouseDB // ClickHouse archive; nil when disabled.
}

// Open opens the configured databases. ClickHouse is skipped unless enabled.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	pg, err := OpenPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	db := &DB{PG: pg}

	if cfg.ClickHouse.Enabled {
		ch, err := OpenClickHouse(ctx, cfg.ClickHouse)
		if err != nil {
			pg.Close()
			return nil, fmt.Errorf("clickhouse: %w", err)
		}
		db.CH = ch
	}

	return db, nil
}

// Close closes every open connection.
func (d *DB) Close() error {
	var errs []error
	if d.CH != nil {
		if err := d.CH.Close(); err != nil {
			errs = append(errs, fmt.Errorf("clickhouse: %w", err))
		}
	}
	if d.PG != nil {
		d.PG.Close()
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// CreateSchemas creates tables, indexes and enum seeds in every open database.
func (d *DB) CreateSchemas(ctx context.Context) error {
	if err := d.PG.CreateSchema(ctx); err != nil {
		return fmt.Errorf("postgres schema: %w", err)
	}
	if d.CH != nil {
		if err := d.CH.CreateSchema(ctx); err != nil {
			return fmt.Errorf("clickhouse schema: %w", err)
		}
	}
	return nil
}
