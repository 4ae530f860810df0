package pci

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SysfsOptions configures a sysfs-backed Inspector.
type SysfsOptions struct {
	// Root is the sysfs mount point. Defaults to /sys. Tests point it
	// at a scratch directory.
	Root string

	// DevRoot is the directory holding DRM device nodes. Defaults to
	// /dev/dri.
	DevRoot string

	// VendorID is the PCI vendor to match, as sysfs prints it.
	// Defaults to NVIDIA's 0x10de.
	VendorID string

	// ClassPrefix matches display-class functions (VGA and 3D
	// controllers both start with 0x03). Defaults to "0x03".
	ClassPrefix string

	// Modules is the kernel module list in unload order.
	Modules []string
}

// Sysfs is the production Inspector, reading and writing the text
// attribute files under /sys/bus/pci.
type Sysfs struct {
	root        string
	devRoot     string
	vendorID    string
	classPrefix string
	modules     []string
}

// DefaultModules is the NVIDIA module stack in unload order: the
// display and compute modules hold references on the base driver, so
// they must go first.
var DefaultModules = []string{"nvidia_drm", "nvidia_modeset", "nvidia_uvm", "nvidia"}

// NewSysfs creates a sysfs-backed Inspector.
func NewSysfs(opts SysfsOptions) *Sysfs {
	if opts.Root == "" {
		opts.Root = "/sys"
	}
	if opts.DevRoot == "" {
		opts.DevRoot = "/dev/dri"
	}
	if opts.VendorID == "" {
		opts.VendorID = "0x10de"
	}
	if opts.ClassPrefix == "" {
		opts.ClassPrefix = "0x03"
	}
	if len(opts.Modules) == 0 {
		opts.Modules = DefaultModules
	}
	return &Sysfs{
		root:        opts.Root,
		devRoot:     opts.DevRoot,
		vendorID:    opts.VendorID,
		classPrefix: opts.ClassPrefix,
		modules:     opts.Modules,
	}
}

func (s *Sysfs) devicesDir() string { return filepath.Join(s.root, "bus", "pci", "devices") }
func (s *Sysfs) slotsDir() string   { return filepath.Join(s.root, "bus", "pci", "slots") }
func (s *Sysfs) devicePath(id *Identity) string {
	return filepath.Join(s.devicesDir(), id.Address)
}

// Probe walks /sys/bus/pci/devices looking for a display-class function
// with the configured vendor ID.
func (s *Sysfs) Probe(ctx context.Context) (*Identity, error) {
	entries, err := os.ReadDir(s.devicesDir())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSysUnavailable, err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		devDir := filepath.Join(s.devicesDir(), entry.Name())
		vendor, err := readAttr(filepath.Join(devDir, "vendor"))
		if err != nil || vendor != s.vendorID {
			continue
		}
		class, err := readAttr(filepath.Join(devDir, "class"))
		if err != nil || !strings.HasPrefix(class, s.classPrefix) {
			continue
		}

		id := &Identity{
			Address: entry.Name(),
			Modules: append([]string(nil), s.modules...),
		}
		id.DeviceNodes = s.deviceNodes(devDir)
		return id, nil
	}
	return nil, ErrDeviceNotFound
}

// deviceNodes lists the DRM nodes the bound driver currently exposes.
func (s *Sysfs) deviceNodes(devDir string) []string {
	entries, err := os.ReadDir(filepath.Join(devDir, "drm"))
	if err != nil {
		return nil
	}

	var nodes []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "card") || strings.HasPrefix(name, "render") {
			nodes = append(nodes, filepath.Join(s.devRoot, name))
		}
	}
	sort.Strings(nodes)
	return nodes
}

// State reads the device's power_state attribute.
func (s *Sysfs) State(ctx context.Context, id *Identity) (PowerState, error) {
	devDir := s.devicePath(id)
	if _, err := os.Stat(devDir); err != nil {
		// The device directory disappears when slot power is cut; that
		// is the off state, not an interface failure.
		return StateOff, nil
	}

	raw, err := readAttr(filepath.Join(devDir, "power_state"))
	if err != nil {
		return StateUnknown, fmt.Errorf("%w: read power_state for %s: %v", ErrSysUnavailable, id.Address, err)
	}
	return ParsePowerState(raw), nil
}

// UnbindDriver writes the device address to its driver's unbind
// attribute. A missing driver link means the device is already unbound.
func (s *Sysfs) UnbindDriver(ctx context.Context, id *Identity) error {
	unbind := filepath.Join(s.devicePath(id), "driver", "unbind")
	if _, err := os.Stat(unbind); err != nil {
		return nil
	}
	if err := os.WriteFile(unbind, []byte(id.Address), 0o200); err != nil {
		return fmt.Errorf("unbind driver for %s: %w", id.Address, err)
	}
	return nil
}

// slotPath resolves the device's physical slot directory via its "slot"
// attribute. Not every platform exposes one.
func (s *Sysfs) slotPath(id *Identity) (string, error) {
	slotNum, err := readAttr(filepath.Join(s.devicePath(id), "slot"))
	if err != nil {
		return "", fmt.Errorf("%w: device %s has no slot attribute", ErrSlotControl, id.Address)
	}
	slotDir := filepath.Join(s.slotsDir(), slotNum)
	if _, err := os.Stat(slotDir); err != nil {
		return "", fmt.Errorf("%w: no slot directory %s", ErrSlotControl, slotDir)
	}
	return slotDir, nil
}

// SetSlotPower writes 1 or 0 to the slot's power attribute.
func (s *Sysfs) SetSlotPower(ctx context.Context, id *Identity, on bool) error {
	slotDir, err := s.slotPath(id)
	if err != nil {
		return err
	}
	powerFile := filepath.Join(slotDir, "power")
	if _, err := os.Stat(powerFile); err != nil {
		return fmt.Errorf("%w: no power attribute in %s (is acpiphp loaded?)", ErrSlotControl, slotDir)
	}

	val := "0"
	if on {
		val = "1"
	}
	if err := os.WriteFile(powerFile, []byte(val), 0o200); err != nil {
		return fmt.Errorf("write slot power for %s: %w", id.Address, err)
	}
	return nil
}

// PowerOnAllSlots restores power to any slot reporting 0. During
// startup the powered-off device is absent from the bus, so its slot
// cannot be resolved through the device directory; sweeping every
// depowered slot is how the device's own slot gets restored.
func (s *Sysfs) PowerOnAllSlots(ctx context.Context) error {
	entries, err := os.ReadDir(s.slotsDir())
	if err != nil {
		// No slots directory at all: nothing to restore.
		return nil
	}

	var firstErr error
	for _, entry := range entries {
		powerFile := filepath.Join(s.slotsDir(), entry.Name(), "power")
		raw, err := readAttr(powerFile)
		if err != nil || raw != "0" {
			continue
		}
		if err := os.WriteFile(powerFile, []byte("1"), 0o200); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("power on slot %s: %w", entry.Name(), err)
		}
	}
	return firstErr
}

// Rescan triggers a PCI bus re-enumeration.
func (s *Sysfs) Rescan(ctx context.Context) error {
	rescan := filepath.Join(s.root, "bus", "pci", "rescan")
	if err := os.WriteFile(rescan, []byte("1"), 0o200); err != nil {
		return fmt.Errorf("%w: trigger rescan: %v", ErrSysUnavailable, err)
	}
	return nil
}

func readAttr(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
