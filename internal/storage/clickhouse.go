// Package storage persists normalized aircraft state reports in PostgreSQL
// and archives them in ClickHouse.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"adsb_ingest/internal/report"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// ClickHouseDB wraps a ClickHouse connection for the state archive.
type ClickHouseDB struct {
	conn driver.Conn
}

// Conn returns the underlying ClickHouse connection for direct queries.
func (d *ClickHouseDB) Conn() driver.Conn {
	return d.conn
}

// OpenClickHouse opens a connection to ClickHouse.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	// Test the connection.
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection.
func (d *ClickHouseDB) Close() error {
	return d.conn.Close()
}

// CreateSchema creates the ClickHouse tables.
func (d *ClickHouseDB) CreateSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS aircraft_states (
			hex                  LowCardinality(String),
			message_type         LowCardinality(String),
			call_sign            String,
			registration         String,
			aircraft_type        LowCardinality(String),
			squawk               String,
			emergency            LowCardinality(String),
			lat                  Nullable(Float64),
			lon                  Nullable(Float64),
			barometric_altitude  Nullable(Int32),
			geometric_altitude   Nullable(Int32),
			ground_speed_knots   Nullable(Float64),
			track                Nullable(Float64),
			nic                  Nullable(Int32),
			nac_p                Nullable(Int32),
			sil                  Nullable(Int32),
			num_messages         UInt64,
			rssi                 Float64,
			seen                 DateTime64(3, 'UTC'),
			seen_pos             Nullable(DateTime64(3, 'UTC')),
			import_id            UUID,
			created_at           DateTime64(3, 'UTC') DEFAULT now64(3)
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(seen)
		ORDER BY (hex, seen)
		SETTINGS index_granularity = 8192`,
	}

	for _, q := range queries {
		if err := d.conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	// Add skipping index for per-import audits (ignore error if already exists).
	_ = d.conn.Exec(ctx, `ALTER TABLE aircraft_states ADD INDEX IF NOT EXISTS idx_import_id import_id TYPE bloom_filter GRANULARITY 4`)

	return nil
}

// StateRow is one archived aircraft state.
type StateRow struct {
	Hex                string
	MessageType        string
	CallSign           string
	Registration       string
	AircraftType       string
	Squawk             string
	Emergency          string
	Lat                *float64
	Lon                *float64
	BarometricAltitude *int32
	GeometricAltitude  *int32
	GroundSpeedKt      *float64
	Track              *float64
	NIC                *int32
	NACp               *int32
	SIL                *int32
	NumMessages        uint64
	RSSI               float64
	Seen               time.Time
	SeenPos            *time.Time
	ImportID           uuid.UUID
}

// NewStateRow builds an archive row from a normalized report.
func NewStateRow(dr *report.Draft, importID uuid.UUID) StateRow {
	return StateRow{
		Hex:                dr.Hex,
		MessageType:        dr.MessageType,
		CallSign:           strOrEmpty(dr.CallSign),
		Registration:       strOrEmpty(dr.Registration),
		AircraftType:       strOrEmpty(dr.AircraftType),
		Squawk:             strOrEmpty(dr.Squawk),
		Emergency:          dr.EmergencyTag,
		Lat:                dr.Lat,
		Lon:                dr.Lon,
		BarometricAltitude: dr.BarometricAltitude,
		GeometricAltitude:  dr.GeometricAltitude,
		GroundSpeedKt:      dr.GroundSpeedKt,
		Track:              dr.Track,
		NIC:                dr.NIC,
		NACp:               dr.NACp,
		SIL:                dr.SIL,
		NumMessages:        uint64(dr.NumMessages),
		RSSI:               dr.RSSI,
		Seen:               dr.Seen,
		SeenPos:            dr.SeenPos,
		ImportID:           importID,
	}
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// InsertStates stores a batch of archive rows.
func (d *ClickHouseDB) InsertStates(ctx context.Context, rows []StateRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := d.conn.PrepareBatch(ctx, `
		INSERT INTO aircraft_states (hex, message_type, call_sign, registration, aircraft_type, squawk, emergency, lat, lon, barometric_altitude, geometric_altitude, ground_speed_knots, track, nic, nac_p, sil, num_messages, rssi, seen, seen_pos, import_id)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range rows {
		err := batch.Append(r.Hex, r.MessageType, r.CallSign, r.Registration, r.AircraftType,
			r.Squawk, r.Emergency, r.Lat, r.Lon, r.BarometricAltitude, r.GeometricAltitude,
			r.GroundSpeedKt, r.Track, r.NIC, r.NACp, r.SIL,
			r.NumMessages, r.RSSI, r.Seen, r.SeenPos, r.ImportID)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// CountStates returns the total number of archived states.
func (d *ClickHouseDB) CountStates(ctx context.Context) (uint64, error) {
	var count uint64
	row := d.conn.QueryRow(ctx, "SELECT count() FROM aircraft_states")
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// CountByMessageType returns archived state counts grouped by message type.
func (d *ClickHouseDB) CountByMessageType(ctx context.Context) (map[string]uint64, error) {
	counts := make(map[string]uint64)
	rows, err := d.conn.Query(ctx, "SELECT message_type, count() FROM aircraft_states GROUP BY message_type")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var typ string
		var count uint64
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, fmt.Errorf("scan count by type: %w", err)
		}
		counts[typ] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate count by type: %w", err)
	}
	return counts, nil
}

// RecentStates retrieves the most recent archived states for one aircraft.
func (d *ClickHouseDB) RecentStates(ctx context.Context, hex string, limit int) ([]StateRow, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := d.conn.Query(ctx, fmt.Sprintf(`
		SELECT hex, message_type, call_sign, registration, aircraft_type, squawk, emergency,
		       lat, lon, barometric_altitude, geometric_altitude, ground_speed_knots, track,
		       nic, nac_p, sil, num_messages, rssi, seen, seen_pos, import_id
		FROM aircraft_states
		WHERE hex = ?
		ORDER BY seen DESC
		LIMIT %d
	`, limit), hex)
	if err != nil {
		return nil, fmt.Errorf("query states: %w", err)
	}
	defer rows.Close()

	var states []StateRow
	for rows.Next() {
		var r StateRow
		err := rows.Scan(&r.Hex, &r.MessageType, &r.CallSign, &r.Registration, &r.AircraftType,
			&r.Squawk, &r.Emergency, &r.Lat, &r.Lon, &r.BarometricAltitude, &r.GeometricAltitude,
			&r.GroundSpeedKt, &r.Track, &r.NIC, &r.NACp, &r.SIL,
			&r.NumMessages, &r.RSSI, &r.Seen, &r.SeenPos, &r.ImportID)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		states = append(states, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return states, nil
}
