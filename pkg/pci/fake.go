package pci

import (
	"context"
	"sync"
)

// Fake is an in-memory Inspector for tests. It models enough of the
// hardware lifecycle to exercise full transitions: cutting slot power
// removes the device from the bus, restoring power and rescanning
// brings it back active.
type Fake struct {
	mu sync.Mutex

	identity    Identity
	state       PowerState
	present     bool
	slotPowered bool

	// SlotControlSupported gates SetSlotPower. False models hardware
	// without ACPI slot power control.
	SlotControlSupported bool

	// StateErr, when set, is returned by State alongside StateUnknown,
	// modeling an unreadable power attribute.
	StateErr error

	// ProbeErr, when set, is returned by Probe, modeling an unreadable
	// sysfs tree.
	ProbeErr error

	// ForcedState, when non-nil, pins the reported state regardless of
	// the modeled lifecycle. Used to provoke verification failures.
	ForcedState *PowerState

	// RescanRestores controls whether a rescan rediscovers the device
	// once its slot is powered. False models a device that never comes
	// back, provoking rescan timeouts.
	RescanRestores bool

	// Call records.
	UnbindCalls     int
	RescanCalls     int
	PowerOnAllCalls int
	SlotWrites      []bool
}

// NewFake creates a Fake inspector for a present, active device with
// slot power control.
func NewFake(id Identity) *Fake {
	return &Fake{
		identity:             id,
		state:                StateActive,
		present:              true,
		slotPowered:          true,
		SlotControlSupported: true,
		RescanRestores:       true,
	}
}

// SetState overrides the modeled power state.
func (f *Fake) SetState(s PowerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

// SetPresent overrides bus presence.
func (f *Fake) SetPresent(present bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.present = present
}

func (f *Fake) Probe(ctx context.Context) (*Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ProbeErr != nil {
		return nil, f.ProbeErr
	}
	if !f.present {
		return nil, ErrDeviceNotFound
	}
	id := f.identity
	id.Modules = append([]string(nil), f.identity.Modules...)
	id.DeviceNodes = append([]string(nil), f.identity.DeviceNodes...)
	return &id, nil
}

func (f *Fake) State(ctx context.Context, id *Identity) (PowerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ForcedState != nil {
		return *f.ForcedState, nil
	}
	if f.StateErr != nil {
		return StateUnknown, f.StateErr
	}
	if !f.present {
		return StateOff, nil
	}
	return f.state, nil
}

func (f *Fake) UnbindDriver(ctx context.Context, id *Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UnbindCalls++
	return nil
}

func (f *Fake) SetSlotPower(ctx context.Context, id *Identity, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.SlotControlSupported {
		return ErrSlotControl
	}
	f.SlotWrites = append(f.SlotWrites, on)
	f.slotPowered = on
	if !on {
		f.present = false
		f.state = StateOff
	}
	return nil
}

func (f *Fake) PowerOnAllSlots(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PowerOnAllCalls++
	f.slotPowered = true
	return nil
}

func (f *Fake) Rescan(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RescanCalls++
	if f.slotPowered && f.RescanRestores {
		f.present = true
		f.state = StateActive
	}
	return nil
}
