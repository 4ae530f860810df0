package modestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"standard", ModeStandard, false},
		{"Standard", ModeStandard, false},
		{"std", ModeStandard, false},
		{"on", ModeStandard, false},
		{"integrated", ModeIntegrated, false},
		{"int", ModeIntegrated, false},
		{"off", ModeIntegrated, false},
		{"optimized", ModeOptimized, false},
		{"auto", ModeOptimized, false},
		{"  opt  ", ModeOptimized, false},
		{"hybrid", ModeStandard, true},
		{"", ModeStandard, true},
	}

	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestModeString_RoundTrip(t *testing.T) {
	for _, m := range []Mode{ModeStandard, ModeIntegrated, ModeOptimized} {
		got, err := ParseMode(m.String())
		if err != nil {
			t.Fatalf("ParseMode(%q): %v", m.String(), err)
		}
		if got != m {
			t.Errorf("round trip %v -> %q -> %v", m, m.String(), got)
		}
	}
}

func TestStore_LoadMissingFileDefaults(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "state.yaml"))

	st, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if st.Mode != ModeStandard {
		t.Errorf("default mode = %v, want %v", st.Mode, ModeStandard)
	}
	if st.RestoreDelay != 0 {
		t.Errorf("default restore delay = %v, want 0", st.RestoreDelay)
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "state.yaml"))

	applied := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	want := State{Mode: ModeOptimized, LastAppliedAt: applied, RestoreDelay: 5 * time.Second}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Mode != want.Mode {
		t.Errorf("mode = %v, want %v", got.Mode, want.Mode)
	}
	if !got.LastAppliedAt.Equal(want.LastAppliedAt) {
		t.Errorf("last applied = %v, want %v", got.LastAppliedAt, want.LastAppliedAt)
	}
	if got.RestoreDelay != want.RestoreDelay {
		t.Errorf("restore delay = %v, want %v", got.RestoreDelay, want.RestoreDelay)
	}
}

func TestStore_SaveOverwrites(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "state.yaml"))

	if err := s.Save(State{Mode: ModeIntegrated}); err != nil {
		t.Fatalf("first Save() error = %v", err)
	}
	if err := s.Save(State{Mode: ModeStandard}); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Mode != ModeStandard {
		t.Errorf("mode = %v, want %v", got.Mode, ModeStandard)
	}
}

func TestStore_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "state.yaml"))

	if err := s.Save(State{Mode: ModeIntegrated}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.yaml" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("state dir contents = %v, want [state.yaml]", names)
	}
}

func TestStore_LoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	if err := os.WriteFile(path, []byte("{not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := New(path).Load(); err == nil {
		t.Error("Load() on corrupt file succeeded, want error")
	}
}
