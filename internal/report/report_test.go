package report

import (
	"encoding/json"
	"testing"
	"time"
)

func TestAltitudeOrGroundUnmarshal(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantGround bool
		wantFeet   float64
		wantErr    bool
	}{
		{"number", `36000`, false, 36000, false},
		{"negative number", `-100`, false, -100, false},
		{"fractional", `1237.5`, false, 1237.5, false},
		{"ground", `"ground"`, true, 0, false},
		{"ground uppercase", `"GROUND"`, true, 0, false},
		{"quoted number", `"4500"`, false, 4500, false},
		{"garbage string", `"climbing"`, false, 0, true},
		{"object", `{"ft": 100}`, false, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a AltitudeOrGround
			err := json.Unmarshal([]byte(tt.input), &a)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if a.OnGround != tt.wantGround {
				t.Errorf("OnGround = %v, want %v", a.OnGround, tt.wantGround)
			}
			if a.Feet != tt.wantFeet {
				t.Errorf("Feet = %f, want %f", a.Feet, tt.wantFeet)
			}
		})
	}
}

func TestFlexFloat64Unmarshal(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  float64
	}{
		{"number", `1641038612.4`, 1641038612.4},
		{"string number", `"1641038612.4"`, 1641038612.4},
		{"empty string", `""`, 0},
		{"garbage string", `"soon"`, 0},
		{"bool", `true`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f FlexFloat64
			if err := json.Unmarshal([]byte(tt.input), &f); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if float64(f) != tt.want {
				t.Errorf("got %f, want %f", float64(f), tt.want)
			}
		})
	}
}

func TestSnapshotDecode(t *testing.T) {
	data := `{
		"now": 1641038612.5,
		"messages": 151270,
		"aircraft": [
			{"hex": "7c6ca3", "type": "adsb_icao", "flight": "QFA12  ", "messages": 40, "seen": 0.2, "rssi": -21.5, "dbFlags": 0},
			{"hex": "a1b2c3", "type": "mlat", "messages": 12, "seen": 1.0, "rssi": -30.1, "dbFlags": 1}
		]
	}`

	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(snap.Aircraft) != 2 {
		t.Fatalf("expected 2 aircraft, got %d", len(snap.Aircraft))
	}
	if snap.Aircraft[0].Hex != "7c6ca3" {
		t.Errorf("hex = %q, want 7c6ca3", snap.Aircraft[0].Hex)
	}
	if snap.Messages == nil || *snap.Messages != 151270 {
		t.Errorf("messages = %v, want 151270", snap.Messages)
	}

	want := time.Unix(1641038612, 500000000).UTC()
	if !snap.Time().Equal(want) {
		t.Errorf("Time() = %v, want %v", snap.Time(), want)
	}
}

func TestSnapshotTimeMilliseconds(t *testing.T) {
	// Older archives wrote "now" in epoch milliseconds.
	snap := Snapshot{Now: 1641038612500}
	want := time.Unix(1641038612, 500000000).UTC()
	if got := snap.Time(); !got.Equal(want) {
		t.Errorf("Time() = %v, want %v", got, want)
	}
}

func TestSnapshotTimeZero(t *testing.T) {
	var snap Snapshot
	if !snap.Time().IsZero() {
		t.Errorf("expected zero time, got %v", snap.Time())
	}
}

func TestParseBounds(t *testing.T) {
	b, err := ParseBounds("-44.5,112.0,-10.0,154.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.MinLat != -44.5 || b.MinLon != 112.0 || b.MaxLat != -10.0 || b.MaxLon != 154.0 {
		t.Errorf("unexpected bounds: %+v", b)
	}

	bad := []string{
		"",
		"1,2,3",
		"1,2,3,4,5",
		"a,2,3,4",
		"10,0,-10,20", // minLat > maxLat
		"0,50,10,-50", // minLon > maxLon
	}
	for _, s := range bad {
		if _, err := ParseBounds(s); err == nil {
			t.Errorf("ParseBounds(%q): expected error, got nil", s)
		}
	}
}

func TestBoundsContains(t *testing.T) {
	b := &Bounds{MinLat: -44.5, MinLon: 112.0, MaxLat: -10.0, MaxLon: 154.0}

	tests := []struct {
		lat, lon float64
		want     bool
	}{
		{-33.9, 151.2, true},  // Sydney
		{-44.5, 112.0, true},  // corner is inside
		{51.5, -0.1, false},   // London
		{-33.9, 170.0, false}, // east of the box
	}
	for _, tt := range tests {
		if got := b.Contains(tt.lat, tt.lon); got != tt.want {
			t.Errorf("Contains(%f, %f) = %v, want %v", tt.lat, tt.lon, got, tt.want)
		}
	}
}
