package enums

import (
	"errors"
	"testing"
)

func TestResolveKnownTags(t *testing.T) {
	r := NewResolver()

	tests := []struct {
		kind Kind
		tag  string
		want int32
	}{
		{KindMessageType, "adsb_icao", 1},
		{KindMessageType, "mlat", 6},
		{KindMessageType, "mode_s", 8},
		{KindMessageType, "tisb_trackfile", 12},
		{KindMessageType, "unknown", 13},
		{KindSilType, "unknown", 1},
		{KindSilType, "perhour", 2},
		{KindSilType, "persample", 3},
		{KindEmergency, "none", 0},
		{KindEmergency, "general", 1},
		{KindEmergency, "unlawful", 5},
		{KindEmergency, "unknown", 8},
		{KindNavMode, "autopilot", 1},
		{KindNavMode, "tcas", 6},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+tt.tag, func(t *testing.T) {
			got, err := r.Resolve(tt.kind, tt.tag)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%s, %q) = %d, want %d", tt.kind, tt.tag, got, tt.want)
			}
		})
	}
}

func TestResolveIsStable(t *testing.T) {
	r := NewResolver()

	first, err := r.Resolve(KindMessageType, "adsb_icao")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := r.Resolve(KindMessageType, "adsb_icao")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Errorf("same tag resolved to %d then %d", first, second)
	}
}

func TestResolveUnknownTag(t *testing.T) {
	r := NewResolver()

	tests := []struct {
		name string
		kind Kind
		tag  string
	}{
		{"unseen tag", KindMessageType, "adsb_fancy"},
		{"empty tag", KindEmergency, ""},
		{"wrong table", KindNavMode, "adsb_icao"},
		{"unknown kind", Kind("flight_phase"), "cruise"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(tt.kind, tt.tag)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrUnknownValue) {
				t.Errorf("expected ErrUnknownValue, got %v", err)
			}
		})
	}
}

func TestEmergencyNoneIsSentinel(t *testing.T) {
	r := NewResolver()

	none, err := r.Resolve(KindEmergency, "none")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unknown, err := r.Resolve(KindEmergency, "unknown")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if none != 0 {
		t.Errorf("emergency none = %d, want 0", none)
	}
	if none == unknown {
		t.Error("emergency none and unknown must be distinct IDs")
	}
}

func TestSeedIDsUnique(t *testing.T) {
	for _, kind := range Kinds() {
		seen := make(map[int32]string)
		for _, e := range Seeds(kind) {
			if prev, dup := seen[e.ID]; dup {
				t.Errorf("%s: id %d used by both %q and %q", kind, e.ID, prev, e.Tag)
			}
			seen[e.ID] = e.Tag
		}
	}
}

func TestSeedsOrderedByID(t *testing.T) {
	for _, kind := range Kinds() {
		seeds := Seeds(kind)
		for i := 1; i < len(seeds); i++ {
			if seeds[i-1].ID >= seeds[i].ID {
				t.Errorf("%s: seeds out of order at %d: %d >= %d", kind, i, seeds[i-1].ID, seeds[i].ID)
			}
		}
	}
}

func TestTagsSorted(t *testing.T) {
	r := NewResolver()

	tags := r.Tags(KindEmergency)
	if len(tags) != 9 {
		t.Fatalf("expected 9 emergency tags, got %d", len(tags))
	}
	for i := 1; i < len(tags); i++ {
		if tags[i-1] >= tags[i] {
			t.Errorf("tags not sorted: %q before %q", tags[i-1], tags[i])
		}
	}
}
