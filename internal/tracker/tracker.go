// Package tracker maintains the last known-good position fix per aircraft,
// independent of whichever telemetry row was written most recently.
package tracker

import (
	"database/sql"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	_ "modernc.org/sqlite"

	"adsb_ingest/internal/report"
)

const (
	// maxSpeed is roughly 800 knots in meters per second. Sustained travel
	// faster than this between two fixes marks the newer fix implausible.
	maxSpeed = 412.0

	// jumpWindow bounds the speed check. Fixes further apart in time than
	// this are judged on recency alone.
	jumpWindow = 15 * time.Minute

	// jumpSlack absorbs position jitter near the speed limit.
	jumpSlack = 1000.0 // meters

	// loadWindow limits how far back fixes are loaded on startup.
	loadWindow = 24 * time.Hour
)

// Decision is the outcome of evaluating a candidate fix against the stored one.
type Decision int

const (
	DecisionAccept Decision = iota
	DecisionStale
	DecisionImplausible
)

func (d Decision) String() string {
	switch d {
	case DecisionAccept:
		return "accept"
	case DecisionStale:
		return "stale"
	case DecisionImplausible:
		return "implausible"
	default:
		return "unknown"
	}
}

// stored is an accepted fix plus the database row backing it.
type stored struct {
	fix   report.Position
	rowID int64
}

// Tracker holds the latest accepted fix per aircraft in memory, mirrored to
// SQLite so the aging state survives restarts.
type Tracker struct {
	db *sql.DB
	mu sync.RWMutex

	fixes map[string]stored

	// Callbacks for change notifications.
	onSupersede func(hex string, prev *report.Position, next report.Position)
	onReject    func(hex string, reason Decision)
}

// New opens a tracker backed by the SQLite database at dbPath.
// If dbPath is empty or ":memory:", uses an in-memory database.
func New(dbPath string) (*Tracker, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	t := &Tracker{
		db:    db,
		fixes: make(map[string]stored),
	}

	if err := t.loadFixes(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return t, nil
}

// Close closes the database connection.
func (t *Tracker) Close() error {
	return t.db.Close()
}

// OnSupersede sets a callback for when a stored fix is replaced. prev is nil
// for an aircraft's first fix.
func (t *Tracker) OnSupersede(fn func(hex string, prev *report.Position, next report.Position)) {
	t.onSupersede = fn
}

// OnReject sets a callback for when a candidate fix is turned away.
func (t *Tracker) OnReject(fn func(hex string, reason Decision)) {
	t.onReject = fn
}

// loadFixes loads recent fixes from the database into memory.
func (t *Tracker) loadFixes() error {
	cutoff := time.Now().Add(-loadWindow).UnixMilli()

	rows, err := t.db.Query(`
		SELECT hex, row_id, lat, lon, nic, rc, seen_pos_ms
		FROM last_fix
		WHERE seen_pos_ms > ?
	`, cutoff)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var hex string
		var s stored
		var seenPosMS int64

		if err := rows.Scan(&hex, &s.rowID, &s.fix.Lat, &s.fix.Lon, &s.fix.NIC, &s.fix.RC, &seenPosMS); err != nil {
			continue
		}
		s.fix.SeenPos = time.UnixMilli(seenPosMS).UTC()
		t.fixes[hex] = s
	}

	return rows.Err()
}

// Current returns the stored fix for an aircraft and the last_position row
// backing it. ok is false when the aircraft has no stored fix.
func (t *Tracker) Current(hex string) (report.Position, int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.fixes[hex]
	return s.fix, s.rowID, ok
}

// Evaluate judges a candidate fix against the stored one without changing
// any state. A candidate is accepted when the aircraft has no stored fix, or
// when the candidate's observation time is strictly newer and the implied
// travel speed is plausible.
func (t *Tracker) Evaluate(hex string, cand report.Position) Decision {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cur, ok := t.fixes[hex]
	if !ok {
		return DecisionAccept
	}

	// Strictly newer wins; equal observation times keep the stored fix.
	if !cand.SeenPos.After(cur.fix.SeenPos) {
		return DecisionStale
	}

	elapsed := cand.SeenPos.Sub(cur.fix.SeenPos)
	if elapsed <= jumpWindow {
		dist := geo.Distance(
			orb.Point{cur.fix.Lon, cur.fix.Lat},
			orb.Point{cand.Lon, cand.Lat},
		)
		if dist > maxSpeed*elapsed.Seconds()+jumpSlack {
			return DecisionImplausible
		}
	}

	return DecisionAccept
}

// ShouldStore reports whether the candidate supersedes the stored fix,
// notifying the rejection callback when it does not.
func (t *Tracker) ShouldStore(hex string, cand report.Position) bool {
	d := t.Evaluate(hex, cand)
	if d != DecisionAccept {
		if t.onReject != nil {
			t.onReject(hex, d)
		}
		return false
	}
	return true
}

// Store records a committed fix together with the last_position row that was
// written for it. The caller is responsible for serializing Store against
// Evaluate for the same aircraft.
func (t *Tracker) Store(hex string, fix report.Position, rowID int64) {
	t.mu.Lock()
	prev, existed := t.fixes[hex]
	t.fixes[hex] = stored{fix: fix, rowID: rowID}
	t.mu.Unlock()

	if t.onSupersede != nil {
		if existed {
			prevFix := prev.fix
			t.onSupersede(hex, &prevFix, fix)
		} else {
			t.onSupersede(hex, nil, fix)
		}
	}

	t.saveFix(hex, fix, rowID)
}

// saveFix persists a fix to the database.
func (t *Tracker) saveFix(hex string, fix report.Position, rowID int64) {
	_, err := t.db.Exec(`
		INSERT INTO last_fix (hex, row_id, lat, lon, nic, rc, seen_pos_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hex) DO UPDATE SET
			row_id = excluded.row_id,
			lat = excluded.lat,
			lon = excluded.lon,
			nic = excluded.nic,
			rc = excluded.rc,
			seen_pos_ms = excluded.seen_pos_ms
	`, hex, rowID, fix.Lat, fix.Lon, fix.NIC, fix.RC, fix.SeenPos.UnixMilli())
	// Silently ignore errors - fix persistence is best-effort.
	_ = err
}

// Len returns the number of aircraft with a stored fix.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.fixes)
}

// CleanupStale removes fixes whose observation time is older than the given
// duration, returning how many were dropped from memory.
func (t *Tracker) CleanupStale(olderThan time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0

	for hex, s := range t.fixes {
		if s.fix.SeenPos.Before(cutoff) {
			delete(t.fixes, hex)
			removed++
		}
	}

	// Also cleanup database.
	_, _ = t.db.Exec("DELETE FROM last_fix WHERE seen_pos_ms < ?", cutoff.UnixMilli())

	return removed
}
