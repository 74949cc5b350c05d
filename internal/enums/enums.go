// Package enums maps the fixed vocabulary tags carried by aircraft state
// reports (message type, SIL type, emergency, nav modes) to the integer IDs
// stored in the database.
package enums

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Kind identifies one enum table. The string value is the table name.
type Kind string

const (
	KindMessageType Kind = "message_type"
	KindSilType     Kind = "sil_type"
	KindEmergency   Kind = "emergency"
	KindNavMode     Kind = "nav_mode"
)

// ErrUnknownValue is returned when a tag is not part of the fixed set for
// its table. Callers must not write a row that references such a tag.
var ErrUnknownValue = errors.New("unknown enum value")

// Entry is one tag with its stable ID.
type Entry struct {
	ID  int32
	Tag string
}

// Seed tables. IDs are assigned here and written into the database by schema
// creation; they never change once deployed.
//
// emergency "none" is 0: reports that carry no emergency field resolve to it,
// and it stays distinct from the explicit "unknown" tag a report may carry.
var seedTables = map[Kind][]Entry{
	KindMessageType: {
		{1, "adsb_icao"},
		{2, "adsb_icao_nt"},
		{3, "adsr_icao"},
		{4, "tisb_icao"},
		{5, "adsc"},
		{6, "mlat"},
		{7, "other"},
		{8, "mode_s"},
		{9, "adsb_other"},
		{10, "adsr_other"},
		{11, "tisb_other"},
		{12, "tisb_trackfile"},
		{13, "unknown"},
	},
	KindSilType: {
		{1, "unknown"},
		{2, "perhour"},
		{3, "persample"},
	},
	KindEmergency: {
		{0, "none"},
		{1, "general"},
		{2, "lifeguard"},
		{3, "minfuel"},
		{4, "nordo"},
		{5, "unlawful"},
		{6, "downed"},
		{7, "reserved"},
		{8, "unknown"},
	},
	KindNavMode: {
		{1, "autopilot"},
		{2, "vnav"},
		{3, "althold"},
		{4, "approach"},
		{5, "lnav"},
		{6, "tcas"},
	},
}

// Kinds returns every enum table kind.
func Kinds() []Kind {
	return []Kind{KindMessageType, KindSilType, KindEmergency, KindNavMode}
}

// Seeds returns a copy of the seed entries for a kind, ordered by ID.
func Seeds(kind Kind) []Entry {
	src := seedTables[kind]
	out := make([]Entry, len(src))
	copy(out, src)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolver resolves enum tags to IDs from an in-memory cache. The cache is
// populated from the compiled-in seeds and can be replaced with the contents
// of the live enum tables via LoadFromDB.
type Resolver struct {
	mu     sync.RWMutex
	tables map[Kind]map[string]int32
}

// NewResolver returns a resolver backed by the compiled-in seed tables. It is
// usable without a database connection.
func NewResolver() *Resolver {
	tables := make(map[Kind]map[string]int32, len(seedTables))
	for kind, entries := range seedTables {
		m := make(map[string]int32, len(entries))
		for _, e := range entries {
			m[e.Tag] = e.ID
		}
		tables[kind] = m
	}
	return &Resolver{tables: tables}
}

// Resolve returns the ID for a tag. The same tag always resolves to the same
// ID for the life of the process. Unknown tags, empty tags, and unknown kinds
// return an error wrapping ErrUnknownValue.
func (r *Resolver) Resolve(kind Kind, tag string) (int32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	table, ok := r.tables[kind]
	if !ok {
		return 0, fmt.Errorf("%s: no such enum table: %w", kind, ErrUnknownValue)
	}
	id, ok := table[tag]
	if !ok {
		return 0, fmt.Errorf("%s %q: %w", kind, tag, ErrUnknownValue)
	}
	return id, nil
}

// Tags returns the known tags for a kind, sorted.
func (r *Resolver) Tags(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	table := r.tables[kind]
	tags := make([]string, 0, len(table))
	for tag := range table {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// LoadFromDB replaces the cache with the contents of the enum tables. The
// previous cache is kept untouched if any table fails to load, so a resolver
// never ends up half-refreshed.
func (r *Resolver) LoadFromDB(ctx context.Context, pool *pgxpool.Pool) error {
	tables := make(map[Kind]map[string]int32, len(seedTables))

	for _, kind := range Kinds() {
		rows, err := pool.Query(ctx, "SELECT name, id FROM "+string(kind))
		if err != nil {
			return fmt.Errorf("load enum table %s: %w", kind, err)
		}

		m := make(map[string]int32)
		for rows.Next() {
			var name string
			var id int32
			if err := rows.Scan(&name, &id); err != nil {
				rows.Close()
				return fmt.Errorf("scan enum table %s: %w", kind, err)
			}
			if _, dup := m[name]; dup {
				rows.Close()
				return fmt.Errorf("enum table %s: duplicate tag %q", kind, name)
			}
			m[name] = id
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("read enum table %s: %w", kind, err)
		}
		if len(m) == 0 {
			return fmt.Errorf("enum table %s is empty", kind)
		}

		tables[kind] = m
	}

	r.mu.Lock()
	r.tables = tables
	r.mu.Unlock()

	return nil
}
