// Package powersource reports whether the host runs on battery or
// external power, and notifies on changes. The supervisor uses it to
// drive optimized mode: battery maps to the GPU-off target, external
// power to the GPU-on target.
//
// The production monitor subscribes to UPower on the system bus; hosts
// without UPower fall back to polling /sys/class/power_supply.
package powersource

import "context"

// Monitor is the power-source boundary.
type Monitor interface {
	// OnBattery reports whether the host currently runs on battery.
	OnBattery(ctx context.Context) (bool, error)

	// Changes returns a channel delivering the new on-battery value on
	// every power-source transition. The channel closes when ctx is
	// cancelled. Values are raw; debouncing is the consumer's concern.
	Changes(ctx context.Context) (<-chan bool, error)
}
