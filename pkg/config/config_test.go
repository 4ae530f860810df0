package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParse_EmptyYieldsDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) = %v", err)
	}

	if cfg.StateFile != "/var/lib/nvsleepify/state.yaml" {
		t.Errorf("StateFile = %s", cfg.StateFile)
	}
	if cfg.Device.VendorID != "0x10de" {
		t.Errorf("VendorID = %s", cfg.Device.VendorID)
	}
	if cfg.Device.ClassPrefix != "0x03" {
		t.Errorf("ClassPrefix = %s", cfg.Device.ClassPrefix)
	}
	if len(cfg.Device.Modules) != 4 || cfg.Device.Modules[0] != "nvidia_drm" {
		t.Errorf("Modules = %v", cfg.Device.Modules)
	}
	if len(cfg.Services) != 2 {
		t.Errorf("Services = %v", cfg.Services)
	}
	if cfg.Transitions.UnloadAttempts != 5 {
		t.Errorf("UnloadAttempts = %d", cfg.Transitions.UnloadAttempts)
	}
	if cfg.PowerSource.Debounce != 2*time.Second {
		t.Errorf("Debounce = %s", cfg.PowerSource.Debounce)
	}
	if cfg.Restore.Enabled == nil || !*cfg.Restore.Enabled {
		t.Error("Restore.Enabled should default to true")
	}
}

func TestParse_OverridesKeepUnsetDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
state_file: /tmp/state.yaml
device:
  modules: [nouveau]
transitions:
  rescan_timeout: 30s
power_source:
  debounce: 500ms
restore:
  enabled: false
`))
	if err != nil {
		t.Fatalf("Parse() = %v", err)
	}

	if cfg.StateFile != "/tmp/state.yaml" {
		t.Errorf("StateFile = %s", cfg.StateFile)
	}
	if len(cfg.Device.Modules) != 1 || cfg.Device.Modules[0] != "nouveau" {
		t.Errorf("Modules = %v", cfg.Device.Modules)
	}
	if cfg.Transitions.RescanTimeout != 30*time.Second {
		t.Errorf("RescanTimeout = %s", cfg.Transitions.RescanTimeout)
	}
	if cfg.PowerSource.Debounce != 500*time.Millisecond {
		t.Errorf("Debounce = %s", cfg.PowerSource.Debounce)
	}
	if cfg.Restore.Enabled == nil || *cfg.Restore.Enabled {
		t.Error("Restore.Enabled should be false")
	}

	// Untouched sections keep their defaults.
	if cfg.Device.VendorID != "0x10de" {
		t.Errorf("VendorID = %s", cfg.Device.VendorID)
	}
	if cfg.Transitions.KillGrace != 3*time.Second {
		t.Errorf("KillGrace = %s", cfg.Transitions.KillGrace)
	}
}

func TestParse_RejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"negative debounce", "power_source:\n  debounce: -1s\n", "must not be negative"},
		{"poll beyond timeout", "transitions:\n  rescan_timeout: 1s\n  rescan_poll: 2s\n", "exceeds rescan_timeout"},
		{"malformed yaml", "state_file: [\n", "parse config"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatal("Parse() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Watchdog.Interval != 10*time.Second {
		t.Errorf("Watchdog.Interval = %s", cfg.Watchdog.Interval)
	}
}

func TestLoad_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.yaml")
	if err := os.WriteFile(path, []byte("processes:\n  ignore: [Xorg]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if len(cfg.Processes.Ignore) != 1 || cfg.Processes.Ignore[0] != "Xorg" {
		t.Errorf("Ignore = %v", cfg.Processes.Ignore)
	}
}
