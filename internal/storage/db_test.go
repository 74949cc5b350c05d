package storage

import "testing"

func TestParseWriteMode(t *testing.T) {
	tests := []struct {
		input   string
		want    WriteMode
		wantErr bool
	}{
		{"", WriteModeHistory, false},
		{"history", WriteModeHistory, false},
		{"current", WriteModeCurrent, false},
		{"append", "", true},
		{"History", "", true},
	}

	for _, tt := range tests {
		got, err := ParseWriteMode(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseWriteMode(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseWriteMode(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Postgres.Port != 5432 {
		t.Errorf("Postgres.Port = %d, want 5432", cfg.Postgres.Port)
	}
	if cfg.Postgres.WriteMode != WriteModeHistory {
		t.Errorf("Postgres.WriteMode = %q, want history", cfg.Postgres.WriteMode)
	}
	if cfg.ClickHouse.Enabled {
		t.Error("ClickHouse.Enabled = true, want false")
	}
}
