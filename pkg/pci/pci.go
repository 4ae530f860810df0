// Package pci inspects and manipulates the discrete GPU's PCI presence
// through sysfs: probing the device, reading its power state, unbinding
// the driver, and controlling ACPI slot power.
//
// All reads are side-effect free; the mutating operations (unbind, slot
// power, rescan) are single attribute writes. Everything else about the
// teardown/restore ordering lives in the engine.
package pci

import (
	"context"
	"errors"
	"strings"
)

// PowerState is the device's current ACPI power state. It is derived
// fresh from sysfs on every query and never stored.
type PowerState int

const (
	// StateUnknown means the state could not be determined.
	StateUnknown PowerState = iota

	// StateActive is D0: powered and operational.
	StateActive

	// StateSuspended is a runtime-suspended D3 state short of D3cold.
	StateSuspended

	// StateOff is D3cold, or the device absent from the bus entirely
	// (slot power cut).
	StateOff
)

// String returns a short display name for the state.
func (s PowerState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateOff:
		return "off"
	default:
		return "unknown"
	}
}

// ParsePowerState maps the sysfs power_state attribute text to a
// PowerState. D0 is active, D3cold is off, any other D3 variant is a
// runtime-suspended state.
func ParsePowerState(s string) PowerState {
	switch t := strings.TrimSpace(s); {
	case t == "D0":
		return StateActive
	case t == "D3cold":
		return StateOff
	case strings.HasPrefix(t, "D3"):
		return StateSuspended
	default:
		return StateUnknown
	}
}

// Identity describes the managed device. It is resolved once by Probe
// and treated as immutable for the life of a transition; callers re-probe
// rather than caching across transitions.
type Identity struct {
	// Address is the PCI bus address, e.g. "0000:01:00.0".
	Address string

	// Modules are the kernel modules backing the device, in unload
	// order (most dependent first). Load order is the reverse.
	Modules []string

	// DeviceNodes are the DRM character devices currently exposed,
	// e.g. /dev/dri/card1. Empty when the driver is unbound.
	DeviceNodes []string
}

var (
	// ErrDeviceNotFound indicates no matching PCI function is present
	// on the bus. Fatal at daemon startup; during a startup transition
	// it is the signal that the rescan has not completed yet.
	ErrDeviceNotFound = errors.New("no matching GPU on the PCI bus")

	// ErrSysUnavailable indicates a required sysfs attribute is missing
	// or unreadable. Callers treat the state as unknown.
	ErrSysUnavailable = errors.New("sysfs interface unavailable")

	// ErrSlotControl indicates the platform exposes no ACPI slot power
	// control for the device. This is a hardware limitation, not a
	// transient failure.
	ErrSlotControl = errors.New("slot power control not available")
)

// Inspector is the read/write surface the engine and supervisor use.
type Inspector interface {
	// Probe locates the managed GPU and resolves its identity.
	// Returns ErrDeviceNotFound if no matching function is present.
	Probe(ctx context.Context) (*Identity, error)

	// State reports the device's current power state. A device absent
	// from the bus reports StateOff. A present device whose power
	// attribute cannot be read reports StateUnknown together with an
	// ErrSysUnavailable error.
	State(ctx context.Context, id *Identity) (PowerState, error)

	// UnbindDriver detaches the bound PCI driver. Unbinding an already
	// unbound device is a no-op.
	UnbindDriver(ctx context.Context, id *Identity) error

	// SetSlotPower writes the device slot's power-control attribute.
	// Returns ErrSlotControl when the platform exposes none.
	SetSlotPower(ctx context.Context, id *Identity, on bool) error

	// PowerOnAllSlots restores power to every slot currently reporting
	// power off. Used during startup, when the device's own slot can
	// no longer be resolved through the (absent) device directory.
	PowerOnAllSlots(ctx context.Context) error

	// Rescan asks the PCI subsystem to re-enumerate the bus.
	Rescan(ctx context.Context) error
}
