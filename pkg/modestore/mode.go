// Package modestore owns the desired power-management mode: the Mode
// type itself and its durable on-disk record. The mode is the policy the
// user asked for, distinct from the live power state of the device.
package modestore

import (
	"fmt"
	"strings"
)

// Mode is the desired power-management policy for the discrete GPU.
type Mode int

const (
	// ModeStandard keeps the GPU powered and available.
	ModeStandard Mode = iota

	// ModeIntegrated keeps the GPU powered off; only the integrated GPU
	// is used.
	ModeIntegrated

	// ModeOptimized follows the power source: off on battery, on when
	// plugged in.
	ModeOptimized
)

// String returns the canonical lower-case name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeStandard:
		return "standard"
	case ModeIntegrated:
		return "integrated"
	case ModeOptimized:
		return "optimized"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses a mode name. Short aliases match the CLI surface:
// std/on for standard, int/off for integrated, opt/auto for optimized.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "standard", "std", "on":
		return ModeStandard, nil
	case "integrated", "int", "off":
		return ModeIntegrated, nil
	case "optimized", "opt", "auto":
		return ModeOptimized, nil
	default:
		return ModeStandard, fmt.Errorf("unknown mode %q", s)
	}
}

// MarshalYAML implements yaml.Marshaler.
func (m Mode) MarshalYAML() (any, error) {
	return m.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *Mode) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
