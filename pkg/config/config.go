// Package config loads the daemon's YAML configuration. Every field has
// a working default: an empty file, or no file at all, yields a usable
// configuration for a stock single-dGPU laptop.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root daemon configuration.
type Config struct {
	StateFile   string         `yaml:"state_file,omitempty"`
	Device      DeviceConfig   `yaml:"device,omitempty"`
	Services    []string       `yaml:"services,omitempty"`
	Processes   ProcessConfig  `yaml:"processes,omitempty"`
	Transitions TransitionCfg  `yaml:"transitions,omitempty"`
	PowerSource PowerSourceCfg `yaml:"power_source,omitempty"`
	Watchdog    WatchdogCfg    `yaml:"watchdog,omitempty"`
	Restore     RestoreCfg     `yaml:"restore,omitempty"`
}

// DeviceConfig selects which PCI function is managed and which kernel
// modules back it.
type DeviceConfig struct {
	VendorID    string   `yaml:"vendor_id,omitempty"`    // Default: "0x10de"
	ClassPrefix string   `yaml:"class_prefix,omitempty"` // Default: "0x03" (display controllers)
	Modules     []string `yaml:"modules,omitempty"`      // Unload order, most dependent first
}

// ProcessConfig tunes holder detection.
type ProcessConfig struct {
	// Ignore lists process names whose device handles never count as
	// conflicts (compositors that keep a passive DRM handle open).
	Ignore []string `yaml:"ignore,omitempty"`
}

// TransitionCfg holds the engine's bounded waits.
type TransitionCfg struct {
	UnloadAttempts int           `yaml:"unload_attempts,omitempty"`
	UnloadDelay    time.Duration `yaml:"unload_delay,omitempty"`
	RescanTimeout  time.Duration `yaml:"rescan_timeout,omitempty"`
	RescanPoll     time.Duration `yaml:"rescan_poll,omitempty"`
	KillGrace      time.Duration `yaml:"kill_grace,omitempty"`
	KillPoll       time.Duration `yaml:"kill_poll,omitempty"`
	VerifyDelay    time.Duration `yaml:"verify_delay,omitempty"`
}

// PowerSourceCfg tunes power-source monitoring for optimized mode.
type PowerSourceCfg struct {
	// Debounce is how long a source change must hold before optimized
	// mode reacts.
	Debounce time.Duration `yaml:"debounce,omitempty"`

	// Poll is the sysfs fallback interval, used only when UPower is
	// unavailable on the system bus.
	Poll time.Duration `yaml:"poll,omitempty"`
}

// WatchdogCfg tunes the integrated-mode watchdog.
type WatchdogCfg struct {
	Interval time.Duration `yaml:"interval,omitempty"`
}

// RestoreCfg tunes boot-time mode restoration.
type RestoreCfg struct {
	// Enabled applies the persisted mode at daemon startup.
	Enabled *bool `yaml:"enabled,omitempty"` // Default: true
}

// Load reads configuration from a file path. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			cfg.Defaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults fills unset fields with their stock values.
func (c *Config) Defaults() {
	if c.StateFile == "" {
		c.StateFile = "/var/lib/nvsleepify/state.yaml"
	}
	if c.Device.VendorID == "" {
		c.Device.VendorID = "0x10de"
	}
	if c.Device.ClassPrefix == "" {
		c.Device.ClassPrefix = "0x03"
	}
	if len(c.Device.Modules) == 0 {
		c.Device.Modules = []string{"nvidia_drm", "nvidia_modeset", "nvidia_uvm", "nvidia"}
	}
	if len(c.Services) == 0 {
		c.Services = []string{"nvidia-persistenced.service", "nvidia-powerd.service"}
	}

	t := &c.Transitions
	if t.UnloadAttempts == 0 {
		t.UnloadAttempts = 5
	}
	if t.UnloadDelay == 0 {
		t.UnloadDelay = 500 * time.Millisecond
	}
	if t.RescanTimeout == 0 {
		t.RescanTimeout = 10 * time.Second
	}
	if t.RescanPoll == 0 {
		t.RescanPoll = 250 * time.Millisecond
	}
	if t.KillGrace == 0 {
		t.KillGrace = 3 * time.Second
	}
	if t.KillPoll == 0 {
		t.KillPoll = 200 * time.Millisecond
	}
	if t.VerifyDelay == 0 {
		t.VerifyDelay = time.Second
	}

	if c.PowerSource.Debounce == 0 {
		c.PowerSource.Debounce = 2 * time.Second
	}
	if c.PowerSource.Poll == 0 {
		c.PowerSource.Poll = 5 * time.Second
	}
	if c.Watchdog.Interval == 0 {
		c.Watchdog.Interval = 10 * time.Second
	}
	if c.Restore.Enabled == nil {
		enabled := true
		c.Restore.Enabled = &enabled
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Transitions.UnloadAttempts < 1 {
		return fmt.Errorf("transitions.unload_attempts must be >= 1, got %d", c.Transitions.UnloadAttempts)
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"transitions.unload_delay", c.Transitions.UnloadDelay},
		{"transitions.rescan_timeout", c.Transitions.RescanTimeout},
		{"transitions.rescan_poll", c.Transitions.RescanPoll},
		{"transitions.kill_grace", c.Transitions.KillGrace},
		{"transitions.kill_poll", c.Transitions.KillPoll},
		{"power_source.debounce", c.PowerSource.Debounce},
		{"power_source.poll", c.PowerSource.Poll},
		{"watchdog.interval", c.Watchdog.Interval},
	} {
		if d.value < 0 {
			return fmt.Errorf("%s must not be negative, got %s", d.name, d.value)
		}
	}
	if c.Transitions.RescanPoll > c.Transitions.RescanTimeout {
		return fmt.Errorf("transitions.rescan_poll (%s) exceeds rescan_timeout (%s)",
			c.Transitions.RescanPoll, c.Transitions.RescanTimeout)
	}
	return nil
}
