package powersource

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nvsleepify/nvsleepify/pkg/clock"
)

// SysfsMonitor polls /sys/class/power_supply when UPower is not
// available. A host is on battery when it has a mains supply and none
// of them reports online; a host with no mains supply at all (desktop)
// is treated as externally powered.
type SysfsMonitor struct {
	root string
	clk  clock.Clock
	poll time.Duration
}

// SysfsMonitorOptions configures a SysfsMonitor.
type SysfsMonitorOptions struct {
	// Root is the sysfs mount point. Defaults to /sys.
	Root string

	// PollInterval is how often Changes re-reads the supplies.
	// Defaults to 2 seconds.
	PollInterval time.Duration

	// Clock drives the polling. Defaults to real time.
	Clock clock.Clock
}

// NewSysfsMonitor creates a polling monitor.
func NewSysfsMonitor(opts SysfsMonitorOptions) *SysfsMonitor {
	if opts.Root == "" {
		opts.Root = "/sys"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &SysfsMonitor{root: opts.Root, clk: opts.Clock, poll: opts.PollInterval}
}

// OnBattery scans the power-supply class devices.
func (m *SysfsMonitor) OnBattery(ctx context.Context) (bool, error) {
	suppliesDir := filepath.Join(m.root, "class", "power_supply")
	entries, err := os.ReadDir(suppliesDir)
	if err != nil {
		// No power-supply class at all: assume external power.
		return false, nil
	}

	haveMains := false
	for _, entry := range entries {
		supplyDir := filepath.Join(suppliesDir, entry.Name())
		kind, err := readTrimmed(filepath.Join(supplyDir, "type"))
		if err != nil || kind != "Mains" {
			continue
		}
		haveMains = true
		online, err := readTrimmed(filepath.Join(supplyDir, "online"))
		if err == nil && online == "1" {
			return false, nil
		}
	}
	return haveMains, nil
}

// Changes polls OnBattery and emits on every flip.
func (m *SysfsMonitor) Changes(ctx context.Context) (<-chan bool, error) {
	last, err := m.OnBattery(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan bool, 4)
	ticker := m.clk.NewTicker(m.poll)
	go func() {
		defer close(out)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				current, err := m.OnBattery(ctx)
				if err != nil || current == last {
					continue
				}
				last = current
				select {
				case out <- current:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
