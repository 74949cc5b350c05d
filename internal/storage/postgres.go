package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"adsb_ingest/internal/enums"
	"adsb_ingest/internal/report"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host      string    `yaml:"host"`
	Port      int       `yaml:"port"`
	Database  string    `yaml:"database"`
	User      string    `yaml:"user"`
	Password  string    `yaml:"password"`
	WriteMode WriteMode `yaml:"write_mode"`
}

// PositionTracker rules on whether a candidate fix supersedes the last
// accepted one for an aircraft, and remembers committed fixes.
type PositionTracker interface {
	// Current returns the stored fix and the last_position row backing it.
	Current(hex string) (report.Position, int64, bool)
	// ShouldStore reports whether the candidate supersedes the stored fix.
	ShouldStore(hex string, cand report.Position) bool
	// Store records a fix after its row has been committed.
	Store(hex string, fix report.Position, rowID int64)
}

// PostgresDB wraps a PostgreSQL connection pool for report storage.
type PostgresDB struct {
	pool     *pgxpool.Pool
	resolver *enums.Resolver
	tracker  PositionTracker
	mode     WriteMode
}

// OpenPostgres opens a connection pool to PostgreSQL. The enum resolver
// starts from the compiled-in seeds; call LoadEnums after CreateSchema to
// pick up the live tables.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresDB, error) {
	mode, err := ParseWriteMode(string(cfg.WriteMode))
	if err != nil {
		return nil, err
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	// Test the connection.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresDB{
		pool:     pool,
		resolver: enums.NewResolver(),
		mode:     mode,
	}, nil
}

// Close closes the PostgreSQL connection pool.
func (d *PostgresDB) Close() {
	d.pool.Close()
}

// Pool returns the underlying connection pool for advanced operations.
func (d *PostgresDB) Pool() *pgxpool.Pool {
	return d.pool
}

// Mode returns the configured write mode.
func (d *PostgresDB) Mode() WriteMode {
	return d.mode
}

// SetPositionTracker attaches the aging tracker consulted on every apply.
// Required before InsertReport is called.
func (d *PostgresDB) SetPositionTracker(t PositionTracker) {
	d.tracker = t
}

// LoadEnums refreshes the enum resolver from the live enum tables.
func (d *PostgresDB) LoadEnums(ctx context.Context) error {
	return d.resolver.LoadFromDB(ctx, d.pool)
}

// CreateSchema creates the PostgreSQL tables, the write-mode index, and the
// enum seed rows.
func (d *PostgresDB) CreateSchema(ctx context.Context) error {
	schema := `
	-- Enum vocabulary: closed tag sets with stable IDs
	CREATE TABLE IF NOT EXISTS message_type (
		id      INTEGER PRIMARY KEY,
		name    TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS sil_type (
		id      INTEGER PRIMARY KEY,
		name    TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS emergency (
		id      INTEGER PRIMARY KEY,
		name    TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS nav_mode (
		id      INTEGER PRIMARY KEY,
		name    TEXT NOT NULL UNIQUE
	);

	-- ACAS resolution advisories, written before the aircraft row that
	-- references them
	CREATE TABLE IF NOT EXISTS acas_ra (
		id                  BIGSERIAL PRIMARY KEY,
		ara                 TEXT,
		mte                 TEXT,
		rac                 TEXT,
		rat                 TEXT,
		tti                 TEXT,
		advisory            TEXT,
		advisory_complement TEXT,
		bytes               TEXT,
		threat_id_hex       TEXT,
		issued_at           TIMESTAMPTZ NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_acas_ra_issued ON acas_ra(issued_at);

	-- Aged positions: append-only; rows are never updated once written
	CREATE TABLE IF NOT EXISTS last_position (
		id          BIGSERIAL PRIMARY KEY,
		seen_pos    TIMESTAMPTZ NOT NULL,
		lat         DOUBLE PRECISION NOT NULL,
		lon         DOUBLE PRECISION NOT NULL,
		nic         INTEGER NOT NULL DEFAULT 0,
		rc          INTEGER NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	-- Telemetry rows
	CREATE TABLE IF NOT EXISTS aircraft (
		id                          BIGSERIAL PRIMARY KEY,
		hex                         TEXT NOT NULL,
		message_type_id             INTEGER NOT NULL REFERENCES message_type(id),
		emergency_id                INTEGER NOT NULL DEFAULT 0 REFERENCES emergency(id),
		sil_type_id                 INTEGER REFERENCES sil_type(id),
		acas_ra_id                  BIGINT REFERENCES acas_ra(id),
		last_position_id            BIGINT REFERENCES last_position(id),
		call_sign                   TEXT,
		registration                TEXT,
		aircraft_type               TEXT,
		emitter_category            TEXT,
		squawk                      TEXT,
		database_flags              BIGINT NOT NULL,
		adsb_version                INTEGER,
		barometric_altitude         INTEGER,
		geometric_altitude          INTEGER,
		barometric_vertical_rate    INTEGER,
		geometric_vertical_rate     INTEGER,
		ground_speed_knots          DOUBLE PRECISION,
		indicated_air_speed_knots   DOUBLE PRECISION,
		true_air_speed_knots        DOUBLE PRECISION,
		mach                        DOUBLE PRECISION,
		track                       DOUBLE PRECISION,
		track_rate                  DOUBLE PRECISION,
		calc_track                  DOUBLE PRECISION,
		roll                        DOUBLE PRECISION,
		magnetic_heading            DOUBLE PRECISION,
		true_heading                DOUBLE PRECISION,
		nav_qnh                     DOUBLE PRECISION,
		nav_altitude_mcp            INTEGER,
		nav_altitude_fms            INTEGER,
		nav_heading                 DOUBLE PRECISION,
		lat                         DOUBLE PRECISION,
		lon                         DOUBLE PRECISION,
		nic                         INTEGER,
		radius_of_containment       INTEGER,
		nic_baro                    INTEGER,
		nac_p                       INTEGER,
		nac_v                       INTEGER,
		sil                         INTEGER,
		gva                         INTEGER,
		sda                         INTEGER,
		distance_nm                 DOUBLE PRECISION,
		bearing                     DOUBLE PRECISION,
		receiver_lat                DOUBLE PRECISION,
		receiver_lon                DOUBLE PRECISION,
		gps_ok_before               TIMESTAMPTZ,
		gps_ok_lat                  DOUBLE PRECISION,
		gps_ok_lon                  DOUBLE PRECISION,
		wind_direction              DOUBLE PRECISION,
		wind_speed_knots            DOUBLE PRECISION,
		outside_air_temperature     DOUBLE PRECISION,
		total_air_temperature       DOUBLE PRECISION,
		is_alert                    BOOLEAN,
		spi                         BOOLEAN,
		num_messages                BIGINT NOT NULL,
		rssi                        DOUBLE PRECISION NOT NULL,
		seen                        TIMESTAMPTZ NOT NULL,
		seen_pos                    TIMESTAMPTZ,
		created_at                  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_aircraft_seen ON aircraft(seen);

	-- Relation sets, replaced wholesale on every apply
	CREATE TABLE IF NOT EXISTS aircraft_nav_modes (
		aircraft_id BIGINT NOT NULL REFERENCES aircraft(id) ON DELETE CASCADE,
		nav_mode_id INTEGER NOT NULL REFERENCES nav_mode(id),
		PRIMARY KEY (aircraft_id, nav_mode_id)
	);

	CREATE TABLE IF NOT EXISTS aircraft_mlat_fields (
		aircraft_id BIGINT NOT NULL REFERENCES aircraft(id) ON DELETE CASCADE,
		field       TEXT NOT NULL,
		PRIMARY KEY (aircraft_id, field)
	);

	CREATE TABLE IF NOT EXISTS aircraft_tisb_fields (
		aircraft_id BIGINT NOT NULL REFERENCES aircraft(id) ON DELETE CASCADE,
		field       TEXT NOT NULL,
		PRIMARY KEY (aircraft_id, field)
	);
	`

	if _, err := d.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	// The hex index depends on the write mode: current mode needs the
	// unique constraint ON CONFLICT targets, history mode wants fast
	// per-aircraft timeline scans.
	var indexSQL string
	if d.mode == WriteModeCurrent {
		indexSQL = `CREATE UNIQUE INDEX IF NOT EXISTS idx_aircraft_hex ON aircraft(hex)`
	} else {
		indexSQL = `CREATE INDEX IF NOT EXISTS idx_aircraft_hex_seen ON aircraft(hex, seen DESC)`
	}
	if _, err := d.pool.Exec(ctx, indexSQL); err != nil {
		return fmt.Errorf("create hex index: %w", err)
	}

	return d.seedEnums(ctx)
}

// seedEnums writes the compiled-in enum rows. Existing rows are left alone.
func (d *PostgresDB) seedEnums(ctx context.Context) error {
	for _, kind := range enums.Kinds() {
		insertSQL := fmt.Sprintf(
			"INSERT INTO %s (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING", kind)
		for _, e := range enums.Seeds(kind) {
			if _, err := d.pool.Exec(ctx, insertSQL, e.ID, e.Tag); err != nil {
				return fmt.Errorf("seed %s: %w", kind, err)
			}
		}
	}
	return nil
}

// aircraftColumns lists every column written by an apply, in placeholder
// order. buildAircraftArgs must follow the same order.
var aircraftColumns = []string{
	"hex", "message_type_id", "emergency_id", "sil_type_id",
	"acas_ra_id", "last_position_id",
	"call_sign", "registration", "aircraft_type", "emitter_category", "squawk",
	"database_flags", "adsb_version",
	"barometric_altitude", "geometric_altitude",
	"barometric_vertical_rate", "geometric_vertical_rate",
	"ground_speed_knots", "indicated_air_speed_knots", "true_air_speed_knots", "mach",
	"track", "track_rate", "calc_track", "roll", "magnetic_heading", "true_heading",
	"nav_qnh", "nav_altitude_mcp", "nav_altitude_fms", "nav_heading",
	"lat", "lon", "nic", "radius_of_containment",
	"nic_baro", "nac_p", "nac_v", "sil", "gva", "sda",
	"distance_nm", "bearing", "receiver_lat", "receiver_lon",
	"gps_ok_before", "gps_ok_lat", "gps_ok_lon",
	"wind_direction", "wind_speed_knots", "outside_air_temperature", "total_air_temperature",
	"is_alert", "spi",
	"num_messages", "rssi", "seen", "seen_pos",
}

func buildAircraftArgs(dr *report.Draft, ids resolvedEnums, raID, lastPosID *int64) []interface{} {
	return []interface{}{
		dr.Hex, ids.messageTypeID, ids.emergencyID, ids.silTypeID,
		raID, lastPosID,
		dr.CallSign, dr.Registration, dr.AircraftType, dr.EmitterCategory, dr.Squawk,
		dr.DatabaseFlags, dr.ADSBVersion,
		dr.BarometricAltitude, dr.GeometricAltitude,
		dr.BarometricVerticalRate, dr.GeometricVerticalRate,
		dr.GroundSpeedKt, dr.IndicatedAirSpeedKt, dr.TrueAirSpeedKt, dr.Mach,
		dr.Track, dr.TrackRate, dr.CalcTrack, dr.Roll, dr.MagneticHeading, dr.TrueHeading,
		dr.NavQNH, dr.NavAltitudeMCP, dr.NavAltitudeFMS, dr.NavHeading,
		dr.Lat, dr.Lon, dr.NIC, dr.RadiusOfContainment,
		dr.NICBaro, dr.NACp, dr.NACv, dr.SIL, dr.GVA, dr.SDA,
		dr.DistanceNM, dr.Bearing, dr.ReceiverLat, dr.ReceiverLon,
		dr.GpsOkBefore, dr.GpsOkLat, dr.GpsOkLon,
		dr.WindDirection, dr.WindSpeedKt, dr.OutsideAirTemp, dr.TotalAirTemp,
		dr.IsAlert, dr.SPI,
		dr.NumMessages, dr.RSSI, dr.Seen, dr.SeenPos,
	}
}

var (
	insertAircraftHistorySQL string
	insertAircraftCurrentSQL string
)

func init() {
	cols := strings.Join(aircraftColumns, ", ")
	ph := placeholders(len(aircraftColumns))

	insertAircraftHistorySQL = fmt.Sprintf(
		"INSERT INTO aircraft (%s) VALUES (%s) RETURNING id", cols, ph)

	// Current mode: one row per hex, refreshed only by reports at least as
	// new as the stored row. Older reports update nothing and scan no row.
	set := make([]string, 0, len(aircraftColumns)-1)
	for _, c := range aircraftColumns[1:] {
		set = append(set, c+" = EXCLUDED."+c)
	}
	insertAircraftCurrentSQL = fmt.Sprintf(
		"INSERT INTO aircraft (%s) VALUES (%s) ON CONFLICT (hex) DO UPDATE SET %s WHERE aircraft.seen <= EXCLUDED.seen RETURNING id",
		cols, ph, strings.Join(set, ", "))
}

func placeholders(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		b.WriteString("$")
		b.WriteString(strconv.Itoa(i))
	}
	return b.String()
}

// resolvedEnums holds the IDs for one draft's enum tags.
type resolvedEnums struct {
	messageTypeID int32
	emergencyID   int32
	silTypeID     *int32
	navModeIDs    []int32
}

func (d *PostgresDB) resolveEnums(dr *report.Draft) (resolvedEnums, error) {
	var ids resolvedEnums
	var err error

	ids.messageTypeID, err = d.resolver.Resolve(enums.KindMessageType, dr.MessageType)
	if err != nil {
		return ids, fmt.Errorf("%w: %w", ErrEnumResolutionFailed, err)
	}
	ids.emergencyID, err = d.resolver.Resolve(enums.KindEmergency, dr.EmergencyTag)
	if err != nil {
		return ids, fmt.Errorf("%w: %w", ErrEnumResolutionFailed, err)
	}
	if dr.SILTypeTag != "" {
		id, err := d.resolver.Resolve(enums.KindSilType, dr.SILTypeTag)
		if err != nil {
			return ids, fmt.Errorf("%w: %w", ErrEnumResolutionFailed, err)
		}
		ids.silTypeID = &id
	}
	for _, mode := range dr.NavModes {
		id, err := d.resolver.Resolve(enums.KindNavMode, mode)
		if err != nil {
			return ids, fmt.Errorf("%w: %w", ErrEnumResolutionFailed, err)
		}
		ids.navModeIDs = append(ids.navModeIDs, id)
	}

	return ids, nil
}

// ApplyResult reports what an InsertReport call wrote.
type ApplyResult struct {
	AircraftID       int64
	PositionRowID    int64 // last_position row referenced; 0 when none
	PositionAdvanced bool  // a new last_position row was written
	AcasRAID         int64 // acas_ra row written; 0 when none
}

// InsertReport applies one normalized report as a single transaction: enum
// resolution, the ACAS RA row, position aging, the aircraft row, and the
// relation sets all land together or not at all.
//
// Callers must serialize applies for the same hex; concurrent applies for
// different aircraft are fine.
func (d *PostgresDB) InsertReport(ctx context.Context, dr *report.Draft) (ApplyResult, error) {
	var res ApplyResult

	if d.tracker == nil {
		return res, errors.New("insert report: no position tracker attached")
	}

	// Resolve every enum tag before touching the database: a report with
	// an unknown tag writes nothing.
	ids, err := d.resolveEnums(dr)
	if err != nil {
		return res, err
	}

	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return res, classify("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var raID *int64
	if dr.AcasRA != nil {
		id, err := insertAcasRA(ctx, tx, dr.AcasRA)
		if err != nil {
			return res, classify("insert acas_ra", err)
		}
		raID = &id
	}

	// Position aging: write a new last_position row only when the fix
	// supersedes the stored one, otherwise keep referencing the old row.
	var lastPosID *int64
	advanced := false
	if dr.Position != nil && d.tracker.ShouldStore(dr.Hex, *dr.Position) {
		id, err := insertLastPosition(ctx, tx, dr.Position)
		if err != nil {
			return res, classify("insert last_position", err)
		}
		lastPosID = &id
		advanced = true
	} else if _, rowID, ok := d.tracker.Current(dr.Hex); ok && rowID > 0 {
		id := rowID
		lastPosID = &id
	}

	aircraftID, err := d.writeAircraft(ctx, tx, dr, ids, raID, lastPosID)
	if err != nil {
		return res, err
	}

	if err := replaceRelationSets(ctx, tx, aircraftID, dr, ids.navModeIDs); err != nil {
		return res, classify("replace relation sets", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return res, classify("commit", err)
	}

	res.AircraftID = aircraftID
	if raID != nil {
		res.AcasRAID = *raID
	}
	if lastPosID != nil {
		res.PositionRowID = *lastPosID
	}
	if advanced {
		res.PositionAdvanced = true
		d.tracker.Store(dr.Hex, *dr.Position, *lastPosID)
	}

	return res, nil
}

func insertAcasRA(ctx context.Context, tx pgx.Tx, ra *report.AcasRA) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO acas_ra (ara, mte, rac, rat, tti, advisory, advisory_complement, bytes, threat_id_hex, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, ra.ARA, ra.MTE, ra.RAC, ra.RAT, ra.TTI, ra.Advisory, ra.AdvisoryComplement, ra.Bytes, ra.ThreatIDHex, ra.IssuedAt).Scan(&id)
	return id, err
}

func insertLastPosition(ctx context.Context, tx pgx.Tx, pos *report.Position) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO last_position (seen_pos, lat, lon, nic, rc)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, pos.SeenPos, pos.Lat, pos.Lon, pos.NIC, pos.RC).Scan(&id)
	return id, err
}

func (d *PostgresDB) writeAircraft(ctx context.Context, tx pgx.Tx, dr *report.Draft, ids resolvedEnums, raID, lastPosID *int64) (int64, error) {
	sql := insertAircraftHistorySQL
	if d.mode == WriteModeCurrent {
		sql = insertAircraftCurrentSQL
	}

	var id int64
	err := tx.QueryRow(ctx, sql, buildAircraftArgs(dr, ids, raID, lastPosID)...).Scan(&id)
	if err == pgx.ErrNoRows {
		// Current mode refused the update: the stored row is newer.
		return 0, fmt.Errorf("%s at %s: %w", dr.Hex, dr.Seen.Format(time.RFC3339), ErrStaleReport)
	}
	if err != nil {
		return 0, classify("insert aircraft", err)
	}
	return id, nil
}

// replaceRelationSets deletes and re-inserts the nav mode, MLAT field and
// TIS-B field sets for an aircraft row in one round trip.
func replaceRelationSets(ctx context.Context, tx pgx.Tx, aircraftID int64, dr *report.Draft, navModeIDs []int32) error {
	batch := &pgx.Batch{}
	batch.Queue("DELETE FROM aircraft_nav_modes WHERE aircraft_id = $1", aircraftID)
	batch.Queue("DELETE FROM aircraft_mlat_fields WHERE aircraft_id = $1", aircraftID)
	batch.Queue("DELETE FROM aircraft_tisb_fields WHERE aircraft_id = $1", aircraftID)
	for _, id := range navModeIDs {
		batch.Queue("INSERT INTO aircraft_nav_modes (aircraft_id, nav_mode_id) VALUES ($1, $2)", aircraftID, id)
	}
	for _, f := range dr.MlatFields {
		batch.Queue("INSERT INTO aircraft_mlat_fields (aircraft_id, field) VALUES ($1, $2)", aircraftID, f)
	}
	for _, f := range dr.TisbFields {
		batch.Queue("INSERT INTO aircraft_tisb_fields (aircraft_id, field) VALUES ($1, $2)", aircraftID, f)
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

// AircraftState is one stored aircraft row with its enum tags joined in.
type AircraftState struct {
	ID             int64
	Hex            string
	MessageType    string
	Emergency      string
	SILType        *string
	AcasRAID       *int64
	LastPositionID *int64

	CallSign        *string
	Registration    *string
	AircraftType    *string
	EmitterCategory *string
	Squawk          *string
	DatabaseFlags   int64
	ADSBVersion     *int32

	BarometricAltitude     *int32
	GeometricAltitude      *int32
	BarometricVerticalRate *int32
	GeometricVerticalRate  *int32

	GroundSpeedKt       *float64
	IndicatedAirSpeedKt *float64
	TrueAirSpeedKt      *float64
	Mach                *float64

	Track           *float64
	TrackRate       *float64
	CalcTrack       *float64
	Roll            *float64
	MagneticHeading *float64
	TrueHeading     *float64

	NavQNH         *float64
	NavAltitudeMCP *int32
	NavAltitudeFMS *int32
	NavHeading     *float64

	Lat                 *float64
	Lon                 *float64
	NIC                 *int32
	RadiusOfContainment *int32
	NICBaro             *int32
	NACp                *int32
	NACv                *int32
	SIL                 *int32
	GVA                 *int32
	SDA                 *int32

	DistanceNM  *float64
	Bearing     *float64
	ReceiverLat *float64
	ReceiverLon *float64

	GpsOkBefore *time.Time
	GpsOkLat    *float64
	GpsOkLon    *float64

	WindDirection  *float64
	WindSpeedKt    *float64
	OutsideAirTemp *float64
	TotalAirTemp   *float64

	IsAlert *bool
	SPI     *bool

	NumMessages int64
	RSSI        float64
	Seen        time.Time
	SeenPos     *time.Time
}

// aircraftSelect and scanAircraftState must stay in the same column order.
const aircraftSelect = `
	SELECT a.id, a.hex, mt.name, e.name, st.name,
	       a.acas_ra_id, a.last_position_id,
	       a.call_sign, a.registration, a.aircraft_type, a.emitter_category, a.squawk,
	       a.database_flags, a.adsb_version,
	       a.barometric_altitude, a.geometric_altitude,
	       a.barometric_vertical_rate, a.geometric_vertical_rate,
	       a.ground_speed_knots, a.indicated_air_speed_knots, a.true_air_speed_knots, a.mach,
	       a.track, a.track_rate, a.calc_track, a.roll, a.magnetic_heading, a.true_heading,
	       a.nav_qnh, a.nav_altitude_mcp, a.nav_altitude_fms, a.nav_heading,
	       a.lat, a.lon, a.nic, a.radius_of_containment,
	       a.nic_baro, a.nac_p, a.nac_v, a.sil, a.gva, a.sda,
	       a.distance_nm, a.bearing, a.receiver_lat, a.receiver_lon,
	       a.gps_ok_before, a.gps_ok_lat, a.gps_ok_lon,
	       a.wind_direction, a.wind_speed_knots, a.outside_air_temperature, a.total_air_temperature,
	       a.is_alert, a.spi,
	       a.num_messages, a.rssi, a.seen, a.seen_pos
	FROM aircraft a
	JOIN message_type mt ON mt.id = a.message_type_id
	JOIN emergency e ON e.id = a.emergency_id
	LEFT JOIN sil_type st ON st.id = a.sil_type_id
`

func scanAircraftState(row pgx.Row) (*AircraftState, error) {
	var s AircraftState
	err := row.Scan(
		&s.ID, &s.Hex, &s.MessageType, &s.Emergency, &s.SILType,
		&s.AcasRAID, &s.LastPositionID,
		&s.CallSign, &s.Registration, &s.AircraftType, &s.EmitterCategory, &s.Squawk,
		&s.DatabaseFlags, &s.ADSBVersion,
		&s.BarometricAltitude, &s.GeometricAltitude,
		&s.BarometricVerticalRate, &s.GeometricVerticalRate,
		&s.GroundSpeedKt, &s.IndicatedAirSpeedKt, &s.TrueAirSpeedKt, &s.Mach,
		&s.Track, &s.TrackRate, &s.CalcTrack, &s.Roll, &s.MagneticHeading, &s.TrueHeading,
		&s.NavQNH, &s.NavAltitudeMCP, &s.NavAltitudeFMS, &s.NavHeading,
		&s.Lat, &s.Lon, &s.NIC, &s.RadiusOfContainment,
		&s.NICBaro, &s.NACp, &s.NACv, &s.SIL, &s.GVA, &s.SDA,
		&s.DistanceNM, &s.Bearing, &s.ReceiverLat, &s.ReceiverLon,
		&s.GpsOkBefore, &s.GpsOkLat, &s.GpsOkLon,
		&s.WindDirection, &s.WindSpeedKt, &s.OutsideAirTemp, &s.TotalAirTemp,
		&s.IsAlert, &s.SPI,
		&s.NumMessages, &s.RSSI, &s.Seen, &s.SeenPos,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetLatestState retrieves the most recent stored row for an aircraft.
// Returns nil when the aircraft has never been seen.
func (d *PostgresDB) GetLatestState(ctx context.Context, hex string) (*AircraftState, error) {
	row := d.pool.QueryRow(ctx, aircraftSelect+`
		WHERE a.hex = $1
		ORDER BY a.seen DESC
		LIMIT 1
	`, hex)

	s, err := scanAircraftState(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get latest state", err)
	}
	return s, nil
}

// GetStateHistory retrieves stored rows for an aircraft, newest first.
// A zero since means no lower bound. Limit is capped at 1000.
func (d *PostgresDB) GetStateHistory(ctx context.Context, hex string, since time.Time, limit int) ([]AircraftState, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	conditions := []string{"a.hex = $1"}
	args := []interface{}{hex}
	if !since.IsZero() {
		conditions = append(conditions, "a.seen >= $2")
		args = append(args, since)
	}

	query := aircraftSelect + " WHERE " + strings.Join(conditions, " AND ") +
		fmt.Sprintf(" ORDER BY a.seen DESC LIMIT %d", limit)

	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("get state history", err)
	}
	defer rows.Close()

	var states []AircraftState
	for rows.Next() {
		s, err := scanAircraftState(rows)
		if err != nil {
			return nil, classify("scan state history", err)
		}
		states = append(states, *s)
	}
	return states, rows.Err()
}

// AgedPosition is a stored last-known-good fix.
type AgedPosition struct {
	ID      int64
	Lat     float64
	Lon     float64
	NIC     int32
	RC      int32
	SeenPos time.Time
}

// GetAgedPosition retrieves the fix referenced by an aircraft's most recent
// row. Returns nil when the aircraft has no stored fix.
func (d *PostgresDB) GetAgedPosition(ctx context.Context, hex string) (*AgedPosition, error) {
	var p AgedPosition
	err := d.pool.QueryRow(ctx, `
		SELECT lp.id, lp.lat, lp.lon, lp.nic, lp.rc, lp.seen_pos
		FROM aircraft a
		JOIN last_position lp ON lp.id = a.last_position_id
		WHERE a.hex = $1
		ORDER BY a.seen DESC
		LIMIT 1
	`, hex).Scan(&p.ID, &p.Lat, &p.Lon, &p.NIC, &p.RC, &p.SeenPos)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get aged position", err)
	}
	return &p, nil
}

// GetRelationSets retrieves the nav mode, MLAT field and TIS-B field sets
// for one aircraft row.
func (d *PostgresDB) GetRelationSets(ctx context.Context, aircraftID int64) (navModes, mlatFields, tisbFields []string, err error) {
	navModes, err = d.queryStrings(ctx, `
		SELECT nm.name
		FROM aircraft_nav_modes j
		JOIN nav_mode nm ON nm.id = j.nav_mode_id
		WHERE j.aircraft_id = $1
		ORDER BY nm.id
	`, aircraftID)
	if err != nil {
		return nil, nil, nil, err
	}

	mlatFields, err = d.queryStrings(ctx, `
		SELECT field FROM aircraft_mlat_fields WHERE aircraft_id = $1 ORDER BY field
	`, aircraftID)
	if err != nil {
		return nil, nil, nil, err
	}

	tisbFields, err = d.queryStrings(ctx, `
		SELECT field FROM aircraft_tisb_fields WHERE aircraft_id = $1 ORDER BY field
	`, aircraftID)
	if err != nil {
		return nil, nil, nil, err
	}

	return navModes, mlatFields, tisbFields, nil
}

func (d *PostgresDB) queryStrings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("query", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// Stats summarizes the stored data.
type Stats struct {
	AircraftRows         int64
	DistinctAircraft     int64
	Positions            int64
	ResolutionAdvisories int64
	ByMessageType        map[string]int64
	LastReportAt         *time.Time
}

// GetStats returns aggregate statistics about stored reports.
func (d *PostgresDB) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByMessageType: make(map[string]int64)}

	err := d.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(DISTINCT hex),
		       (SELECT COUNT(*) FROM last_position),
		       (SELECT COUNT(*) FROM acas_ra),
		       MAX(seen)
		FROM aircraft
	`).Scan(&stats.AircraftRows, &stats.DistinctAircraft, &stats.Positions, &stats.ResolutionAdvisories, &stats.LastReportAt)
	if err != nil {
		return nil, classify("get stats", err)
	}

	rows, err := d.pool.Query(ctx, `
		SELECT mt.name, COUNT(*)
		FROM aircraft a
		JOIN message_type mt ON mt.id = a.message_type_id
		GROUP BY mt.name
		ORDER BY COUNT(*) DESC
	`)
	if err != nil {
		return nil, classify("get stats by type", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var count int64
		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}
		stats.ByMessageType[name] = count
	}

	return stats, rows.Err()
}

// PruneOrphanedPositions deletes last_position rows no aircraft row
// references anymore. Rows younger than grace are kept so an apply still in
// flight is never pulled out from under.
func (d *PostgresDB) PruneOrphanedPositions(ctx context.Context, grace time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-grace)
	tag, err := d.pool.Exec(ctx, `
		DELETE FROM last_position lp
		WHERE lp.created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM aircraft a WHERE a.last_position_id = lp.id)
	`, cutoff)
	if err != nil {
		return 0, classify("prune positions", err)
	}
	return tag.RowsAffected(), nil
}
