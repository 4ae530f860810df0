// Package kmod loads and unloads kernel modules through modprobe,
// classifying failures so callers can tell a transiently busy module
// from one that is genuinely broken.
package kmod

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var (
	// ErrBusy indicates the module still has references. Common right
	// after stopping the services that use it; callers retry with
	// backoff.
	ErrBusy = errors.New("module is in use")

	// ErrNotFound indicates the module does not exist in the module
	// tree. During unload this is success (nothing to unload); during
	// load it means the driver is not installed.
	ErrNotFound = errors.New("module not found")
)

// Manager is the kernel-module control boundary.
type Manager interface {
	// Unload removes the named module. Unloading a module that is not
	// loaded is a no-op success.
	Unload(ctx context.Context, name string) error

	// Load inserts the named module and its dependencies.
	Load(ctx context.Context, name string) error
}

// Modprobe is the production Manager, shelling out to modprobe.
type Modprobe struct {
	// path overrides the modprobe binary for tests.
	path string
}

// NewModprobe creates a Manager using the system modprobe.
func NewModprobe() *Modprobe {
	return &Modprobe{path: "modprobe"}
}

// NewModprobeWithPath creates a Manager using a specific binary (for
// tests).
func NewModprobeWithPath(path string) *Modprobe {
	return &Modprobe{path: path}
}

// Unload runs modprobe -r for one module.
func (m *Modprobe) Unload(ctx context.Context, name string) error {
	out, err := m.run(ctx, "-r", name)
	if err == nil {
		return nil
	}
	if classified := Classify(out); classified != nil {
		if errors.Is(classified, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("unload %s: %w", name, classified)
	}
	return fmt.Errorf("unload %s: %w: %s", name, err, firstLine(out))
}

// Load runs modprobe for one module.
func (m *Modprobe) Load(ctx context.Context, name string) error {
	out, err := m.run(ctx, name)
	if err == nil {
		return nil
	}
	if classified := Classify(out); classified != nil {
		return fmt.Errorf("load %s: %w", name, classified)
	}
	return fmt.Errorf("load %s: %w: %s", name, err, firstLine(out))
}

func (m *Modprobe) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, m.path, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

// Classify maps modprobe's diagnostic output to a sentinel error, or
// nil if the output matches no known pattern.
func Classify(output string) error {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "is in use"),
		strings.Contains(lower, "is busy"),
		strings.Contains(lower, "resource temporarily unavailable"):
		return ErrBusy
	case strings.Contains(lower, "not found"),
		strings.Contains(lower, "no such file"):
		return ErrNotFound
	default:
		return nil
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
