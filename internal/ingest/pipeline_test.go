package ingest

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"adsb_ingest/internal/report"
	"adsb_ingest/internal/storage"
)

// fakeStore records applies and pops scripted errors per hex. It also flags
// overlapping applies for the same hex.
type fakeStore struct {
	mu      sync.Mutex
	applies map[string]int
	errs    map[string][]error
	active  map[string]bool
	overlap bool
	delay   time.Duration
	result  storage.ApplyResult
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		applies: make(map[string]int),
		errs:    make(map[string][]error),
		active:  make(map[string]bool),
	}
}

func (f *fakeStore) InsertReport(ctx context.Context, dr *report.Draft) (storage.ApplyResult, error) {
	f.mu.Lock()
	if f.active[dr.Hex] {
		f.overlap = true
	}
	f.active[dr.Hex] = true
	f.applies[dr.Hex]++
	var err error
	if q := f.errs[dr.Hex]; len(q) > 0 {
		err = q[0]
		f.errs[dr.Hex] = q[1:]
	}
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.active[dr.Hex] = false
	f.mu.Unlock()

	if err != nil {
		return storage.ApplyResult{}, err
	}
	return f.result, nil
}

type fakeArchiver struct {
	mu    sync.Mutex
	calls [][]storage.StateRow
}

func (f *fakeArchiver) InsertStates(ctx context.Context, rows []storage.StateRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rows)
	return nil
}

// rawFor builds a report carrying every required field.
func rawFor(hex string) report.Raw {
	rssi := -20.0
	seen := 0.5
	messages := int64(10)
	flags := int64(0)
	return report.Raw{
		Hex:      hex,
		Type:     "adsb_icao",
		RSSI:     &rssi,
		Seen:     &seen,
		Messages: &messages,
		DBFlags:  &flags,
	}
}

func TestProcessSnapshotCounts(t *testing.T) {
	store := newFakeStore()
	p := New(store, Options{Logger: zerolog.Nop(), Workers: 2})

	snap := &report.Snapshot{
		Now: report.FlexFloat64(1741942013.5),
		Aircraft: []report.Raw{
			rawFor("7c6ca3"),
			rawFor("a1b2c3"),
			{Hex: "c0ffee", Type: "adsb_icao"}, // missing required fields
		},
	}

	if err := p.ProcessSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("ProcessSnapshot() error = %v", err)
	}

	c := p.Counts()
	if c.Received != 3 {
		t.Errorf("Received = %d, want 3", c.Received)
	}
	if c.Applied != 2 {
		t.Errorf("Applied = %d, want 2", c.Applied)
	}
	if c.Malformed != 1 {
		t.Errorf("Malformed = %d, want 1", c.Malformed)
	}
}

func TestRetryOnTransientFailure(t *testing.T) {
	store := newFakeStore()
	store.errs["7c6ca3"] = []error{storage.ErrStorageTimeout, storage.ErrStorageUnavailable}
	p := New(store, Options{Logger: zerolog.Nop(), Workers: 1})

	raw := rawFor("7c6ca3")
	p.ProcessReport(context.Background(), &raw, time.Now().UTC())

	if store.applies["7c6ca3"] != 3 {
		t.Errorf("attempts = %d, want 3", store.applies["7c6ca3"])
	}
	c := p.Counts()
	if c.Applied != 1 {
		t.Errorf("Applied = %d, want 1", c.Applied)
	}
	if c.Failed != 0 {
		t.Errorf("Failed = %d, want 0", c.Failed)
	}
}

func TestPermanentFailureNotRetried(t *testing.T) {
	store := newFakeStore()
	store.errs["7c6ca3"] = []error{fmt.Errorf("%w: unknown tag", storage.ErrEnumResolutionFailed)}
	store.errs["a1b2c3"] = []error{storage.ErrStaleReport}
	p := New(store, Options{Logger: zerolog.Nop(), Workers: 1})

	first := rawFor("7c6ca3")
	second := rawFor("a1b2c3")
	p.ProcessReport(context.Background(), &first, time.Now().UTC())
	p.ProcessReport(context.Background(), &second, time.Now().UTC())

	if store.applies["7c6ca3"] != 1 {
		t.Errorf("enum failure attempts = %d, want 1", store.applies["7c6ca3"])
	}
	if store.applies["a1b2c3"] != 1 {
		t.Errorf("stale attempts = %d, want 1", store.applies["a1b2c3"])
	}

	c := p.Counts()
	if c.EnumFailed != 1 {
		t.Errorf("EnumFailed = %d, want 1", c.EnumFailed)
	}
	if c.Stale != 1 {
		t.Errorf("Stale = %d, want 1", c.Stale)
	}
	if c.Applied != 0 {
		t.Errorf("Applied = %d, want 0", c.Applied)
	}
}

func TestBoundsFilter(t *testing.T) {
	store := newFakeStore()
	bounds := &report.Bounds{MinLat: -40, MinLon: 140, MaxLat: -30, MaxLon: 155}
	p := New(store, Options{Logger: zerolog.Nop(), Workers: 1, Bounds: bounds})

	inside := rawFor("7c6ca3")
	insideLat, insideLon := -33.9, 151.2
	inside.Lat, inside.Lon = &insideLat, &insideLon

	outside := rawFor("abc123")
	outsideLat, outsideLon := 51.5, -0.1
	outside.Lat, outside.Lon = &outsideLat, &outsideLon

	noPosition := rawFor("c0ffee")

	snap := &report.Snapshot{Aircraft: []report.Raw{inside, outside, noPosition}}
	if err := p.ProcessSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("ProcessSnapshot() error = %v", err)
	}

	c := p.Counts()
	if c.Applied != 1 {
		t.Errorf("Applied = %d, want 1", c.Applied)
	}
	if c.OutOfBounds != 2 {
		t.Errorf("OutOfBounds = %d, want 2", c.OutOfBounds)
	}
	if store.applies["abc123"] != 0 || store.applies["c0ffee"] != 0 {
		t.Error("filtered reports reached the store")
	}
}

func TestPerHexSerialization(t *testing.T) {
	store := newFakeStore()
	store.delay = 2 * time.Millisecond
	p := New(store, Options{Logger: zerolog.Nop(), Workers: 4})

	snap := &report.Snapshot{}
	for i := 0; i < 8; i++ {
		snap.Aircraft = append(snap.Aircraft, rawFor("7c6ca3"))
	}

	if err := p.ProcessSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("ProcessSnapshot() error = %v", err)
	}

	if store.overlap {
		t.Error("applies for the same hex overlapped")
	}
	if store.applies["7c6ca3"] != 8 {
		t.Errorf("attempts = %d, want 8", store.applies["7c6ca3"])
	}
}

func TestArchiveFlush(t *testing.T) {
	store := newFakeStore()
	arch := &fakeArchiver{}
	importID := uuid.New()
	p := New(store, Options{Logger: zerolog.Nop(), Workers: 1, Archiver: arch, ImportID: importID})

	ctx := context.Background()
	for _, hex := range []string{"7c6ca3", "a1b2c3", "c0ffe1"} {
		raw := rawFor(hex)
		p.ProcessReport(ctx, &raw, time.Now().UTC())
	}

	if len(arch.calls) != 0 {
		t.Fatalf("archiver called before flush: %d calls", len(arch.calls))
	}
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if len(arch.calls) != 1 {
		t.Fatalf("archiver calls = %d, want 1", len(arch.calls))
	}
	if len(arch.calls[0]) != 3 {
		t.Errorf("flushed rows = %d, want 3", len(arch.calls[0]))
	}
	if arch.calls[0][0].ImportID != importID {
		t.Errorf("ImportID = %v, want %v", arch.calls[0][0].ImportID, importID)
	}

	// A second flush with nothing buffered is a no-op.
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("empty Flush() error = %v", err)
	}
	if len(arch.calls) != 1 {
		t.Errorf("archiver calls after empty flush = %d, want 1", len(arch.calls))
	}
}

func TestDecodeFeedMessage(t *testing.T) {
	snapJSON := []byte(`{"now":1741942013.5,"aircraft":[{"hex":"7c6ca3"},{"hex":"a1b2c3"}]}`)
	snap, err := DecodeFeedMessage(snapJSON)
	if err != nil {
		t.Fatalf("snapshot payload: %v", err)
	}
	if len(snap.Aircraft) != 2 {
		t.Errorf("snapshot aircraft = %d, want 2", len(snap.Aircraft))
	}

	rawJSON := []byte(`{"hex":"7c6ca3","type":"adsb_icao","rssi":-20.1}`)
	snap, err = DecodeFeedMessage(rawJSON)
	if err != nil {
		t.Fatalf("single payload: %v", err)
	}
	if len(snap.Aircraft) != 1 || snap.Aircraft[0].Hex != "7c6ca3" {
		t.Errorf("single payload aircraft = %+v, want one 7c6ca3 entry", snap.Aircraft)
	}

	for _, bad := range []string{"not json", "{}", `{"foo":1}`} {
		if _, err := DecodeFeedMessage([]byte(bad)); err == nil {
			t.Errorf("DecodeFeedMessage(%q) error = nil, want error", bad)
		}
	}
}

func TestReadSnapshotFile(t *testing.T) {
	dir := t.TempDir()
	snapJSON := []byte(`{"now":1741942013.5,"aircraft":[{"hex":"7c6ca3"},{"hex":"a1b2c3"}]}`)

	plain := filepath.Join(dir, "aircraft.json")
	if err := os.WriteFile(plain, snapJSON, 0o644); err != nil {
		t.Fatal(err)
	}
	snap, err := ReadSnapshotFile(plain)
	if err != nil {
		t.Fatalf("plain file: %v", err)
	}
	if len(snap.Aircraft) != 2 {
		t.Errorf("plain file aircraft = %d, want 2", len(snap.Aircraft))
	}
	if snap.Time().IsZero() {
		t.Error("plain file capture time is zero")
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(snapJSON); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	gz := filepath.Join(dir, "aircraft.json.gz")
	if err := os.WriteFile(gz, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	snap, err = ReadSnapshotFile(gz)
	if err != nil {
		t.Fatalf("gzip file: %v", err)
	}
	if len(snap.Aircraft) != 2 {
		t.Errorf("gzip file aircraft = %d, want 2", len(snap.Aircraft))
	}
}

func TestReadSnapshotFileJSONL(t *testing.T) {
	dir := t.TempDir()
	lines := `{"hex":"7c6ca3","type":"adsb_icao"}
not json at all
{"hex":"a1b2c3","type":"mlat"}
`
	path := filepath.Join(dir, "trace.jsonl")
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}

	snap, err := ReadSnapshotFile(path)
	if err != nil {
		t.Fatalf("ReadSnapshotFile() error = %v", err)
	}
	if len(snap.Aircraft) != 2 {
		t.Fatalf("aircraft = %d, want 2", len(snap.Aircraft))
	}
	if snap.Aircraft[0].Hex != "7c6ca3" || snap.Aircraft[1].Hex != "a1b2c3" {
		t.Errorf("aircraft = [%s, %s], want [7c6ca3, a1b2c3]", snap.Aircraft[0].Hex, snap.Aircraft[1].Hex)
	}
	if !snap.Time().IsZero() {
		t.Error("synthetic snapshot should carry no capture time")
	}
}

func TestImportFilesSkipsBadFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	if err := os.WriteFile(good, []byte(`{"now":1741942013.5,"aircraft":[{"hex":"7c6ca3","type":"adsb_icao","rssi":-20.1,"seen":0.5,"messages":10,"dbFlags":0}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := newFakeStore()
	p := New(store, Options{Logger: zerolog.Nop(), Workers: 1})

	if err := p.ImportFiles(context.Background(), []string{bad, good}); err != nil {
		t.Fatalf("ImportFiles() error = %v", err)
	}
	c := p.Counts()
	if c.Applied != 1 {
		t.Errorf("Applied = %d, want 1", c.Applied)
	}
}
