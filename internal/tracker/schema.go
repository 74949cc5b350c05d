package tracker

// schema is the SQLite schema backing the tracker. Timestamps are stored as
// unix milliseconds so cutoff comparisons stay exact.
const schema = `
CREATE TABLE IF NOT EXISTS last_fix (
	hex TEXT PRIMARY KEY,
	row_id INTEGER NOT NULL DEFAULT 0,
	lat REAL NOT NULL,
	lon REAL NOT NULL,
	nic INTEGER NOT NULL DEFAULT 0,
	rc INTEGER NOT NULL DEFAULT 0,
	seen_pos_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_last_fix_seen_pos ON last_fix(seen_pos_ms);
`
