package tracker

import (
	"path/filepath"
	"testing"
	"time"

	"adsb_ingest/internal/report"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()

	tr, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open tracker: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func fixAt(lat, lon float64, seenPos time.Time) report.Position {
	return report.Position{Lat: lat, Lon: lon, NIC: 8, RC: 186, SeenPos: seenPos}
}

func TestFirstFixAccepted(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now().UTC()

	cand := fixAt(-33.9, 151.2, now)
	if d := tr.Evaluate("7c6ca3", cand); d != DecisionAccept {
		t.Fatalf("first fix: got %v, want accept", d)
	}

	tr.Store("7c6ca3", cand, 1)

	got, rowID, ok := tr.Current("7c6ca3")
	if !ok {
		t.Fatal("expected a stored fix")
	}
	if rowID != 1 {
		t.Errorf("row id = %d, want 1", rowID)
	}
	if got.Lat != -33.9 || got.Lon != 151.2 {
		t.Errorf("fix = %f,%f, want -33.9,151.2", got.Lat, got.Lon)
	}
}

func TestStrictlyNewerWins(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now().UTC()

	tr.Store("7c6ca3", fixAt(-33.9, 151.2, now), 1)

	tests := []struct {
		name string
		when time.Time
		want Decision
	}{
		{"newer", now.Add(10 * time.Second), DecisionAccept},
		{"equal", now, DecisionStale},
		{"older", now.Add(-10 * time.Second), DecisionStale},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Move a plausible distance: ~0.01 deg is about a kilometer.
			cand := fixAt(-33.91, 151.2, tt.when)
			if d := tr.Evaluate("7c6ca3", cand); d != tt.want {
				t.Errorf("got %v, want %v", d, tt.want)
			}
		})
	}
}

func TestImplausibleJumpRejected(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now().UTC()

	// Sydney.
	tr.Store("7c6ca3", fixAt(-33.9, 151.2, now), 1)

	// London, 60 seconds later: roughly 17000 km, far beyond any airframe.
	cand := fixAt(51.5, -0.1, now.Add(60*time.Second))
	if d := tr.Evaluate("7c6ca3", cand); d != DecisionImplausible {
		t.Fatalf("got %v, want implausible", d)
	}

	// The same jump outside the speed-check window is allowed.
	cand = fixAt(51.5, -0.1, now.Add(16*time.Minute))
	if d := tr.Evaluate("7c6ca3", cand); d != DecisionAccept {
		t.Fatalf("got %v, want accept outside the jump window", d)
	}
}

func TestPlausibleMovementAccepted(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now().UTC()

	tr.Store("7c6ca3", fixAt(-33.9, 151.2, now), 1)

	// ~13 km in 60 s is about 420 knots.
	cand := fixAt(-33.9, 151.34, now.Add(60*time.Second))
	if d := tr.Evaluate("7c6ca3", cand); d != DecisionAccept {
		t.Fatalf("got %v, want accept", d)
	}
}

func TestShouldStoreNotifiesRejects(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now().UTC()

	var gotHex string
	var gotReason Decision
	tr.OnReject(func(hex string, reason Decision) {
		gotHex = hex
		gotReason = reason
	})

	tr.Store("7c6ca3", fixAt(-33.9, 151.2, now), 1)

	if tr.ShouldStore("7c6ca3", fixAt(-33.9, 151.2, now.Add(-time.Second))) {
		t.Fatal("stale fix should not store")
	}
	if gotHex != "7c6ca3" || gotReason != DecisionStale {
		t.Errorf("reject callback got (%q, %v), want (7c6ca3, stale)", gotHex, gotReason)
	}
}

func TestOnSupersedeCallback(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now().UTC()

	var calls int
	var lastPrev *report.Position
	tr.OnSupersede(func(hex string, prev *report.Position, next report.Position) {
		calls++
		lastPrev = prev
	})

	tr.Store("7c6ca3", fixAt(-33.9, 151.2, now), 1)
	if calls != 1 || lastPrev != nil {
		t.Fatalf("first store: calls=%d prev=%v, want 1 and nil", calls, lastPrev)
	}

	tr.Store("7c6ca3", fixAt(-33.91, 151.21, now.Add(time.Second)), 2)
	if calls != 2 {
		t.Fatalf("second store: calls=%d, want 2", calls)
	}
	if lastPrev == nil || lastPrev.Lat != -33.9 {
		t.Errorf("prev fix = %+v, want the first fix", lastPrev)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tracker.db")
	now := time.Now().UTC().Truncate(time.Millisecond)

	tr, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to open tracker: %v", err)
	}
	tr.Store("7c6ca3", fixAt(-33.9, 151.2, now), 42)
	if err := tr.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	tr2, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen tracker: %v", err)
	}
	defer func() { _ = tr2.Close() }()

	fix, rowID, ok := tr2.Current("7c6ca3")
	if !ok {
		t.Fatal("expected fix to survive reopen")
	}
	if rowID != 42 {
		t.Errorf("row id = %d, want 42", rowID)
	}
	if !fix.SeenPos.Equal(now) {
		t.Errorf("seen_pos = %v, want %v", fix.SeenPos, now)
	}
	if fix.NIC != 8 || fix.RC != 186 {
		t.Errorf("nic/rc = %d/%d, want 8/186", fix.NIC, fix.RC)
	}
}

func TestCleanupStale(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now().UTC()

	tr.Store("aaaaaa", fixAt(-33.9, 151.2, now.Add(-2*time.Hour)), 1)
	tr.Store("bbbbbb", fixAt(-33.9, 151.2, now.Add(-time.Minute)), 2)

	removed := tr.CleanupStale(time.Hour)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, _, ok := tr.Current("aaaaaa"); ok {
		t.Error("stale fix should be gone")
	}
	if _, _, ok := tr.Current("bbbbbb"); !ok {
		t.Error("fresh fix should remain")
	}
	if tr.Len() != 1 {
		t.Errorf("len = %d, want 1", tr.Len())
	}
}
