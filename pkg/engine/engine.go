// Package engine performs the ordered power transitions for the
// discrete GPU: the shutdown sequence (holders, services, modules,
// driver unbind, slot power) and its mirror startup sequence.
//
// The engine is a linear two-branch state machine, not a general graph.
// Each step must fully succeed before the next begins, and a
// mid-sequence failure leaves the device in its partial state: blind
// rollback (reloading modules onto a half-unbound driver) is less safe
// than reporting the failure and letting the caller retry the same
// target.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nvsleepify/nvsleepify/pkg/clock"
	"github.com/nvsleepify/nvsleepify/pkg/conflict"
	"github.com/nvsleepify/nvsleepify/pkg/kmod"
	"github.com/nvsleepify/nvsleepify/pkg/pci"
	"github.com/nvsleepify/nvsleepify/pkg/procs"
	"github.com/nvsleepify/nvsleepify/pkg/retry"
	"github.com/nvsleepify/nvsleepify/pkg/services"
)

// Config holds the bounded timeouts for every suspension point in a
// transition. Each wait fails deterministically instead of hanging:
// some kernel module references are held indefinitely, and the system
// must surface that rather than wedge.
type Config struct {
	// Services are the systemd units stopped before teardown and
	// started after restore, in order.
	Services []string

	// UnloadAttempts bounds the per-module unload retries.
	UnloadAttempts int

	// UnloadDelay is the pause between unload retries.
	UnloadDelay time.Duration

	// RescanTimeout bounds the wait for the device to reappear after a
	// bus rescan.
	RescanTimeout time.Duration

	// RescanPoll is the probe interval during that wait.
	RescanPoll time.Duration

	// KillGrace is how long holders get to exit after a graceful
	// terminate before being force-killed.
	KillGrace time.Duration

	// KillPoll is the holder re-query interval during the grace
	// period.
	KillPoll time.Duration

	// VerifyDelay is the settle time before re-polling a transient
	// suspended state during startup verification.
	VerifyDelay time.Duration
}

// DefaultConfig returns the stock timeouts.
func DefaultConfig() Config {
	return Config{
		Services:       []string{"nvidia-persistenced.service", "nvidia-powerd.service"},
		UnloadAttempts: 5,
		UnloadDelay:    500 * time.Millisecond,
		RescanTimeout:  10 * time.Second,
		RescanPoll:     250 * time.Millisecond,
		KillGrace:      3 * time.Second,
		KillPoll:       200 * time.Millisecond,
		VerifyDelay:    time.Second,
	}
}

// Engine executes shutdown and startup sequences. It is not safe for
// concurrent transitions; the supervisor serializes calls.
type Engine struct {
	cfg       Config
	inspector pci.Inspector
	procs     procs.Manager
	kmod      kmod.Manager
	services  services.Manager
	clk       clock.Clock
	logger    *slog.Logger

	mu sync.Mutex
	// slotUnsupported is latched on the first unsupported slot-power
	// write so repeat shutdown attempts fail fast instead of walking
	// the whole teardown toward a known-dead end.
	slotUnsupported bool
}

// New creates an Engine. If logger is nil, slog.Default() is used; if
// clk is nil, real time is used.
func New(cfg Config, inspector pci.Inspector, pm procs.Manager, km kmod.Manager, sm services.Manager, clk clock.Clock, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.UnloadAttempts < 1 {
		cfg.UnloadAttempts = 1
	}
	return &Engine{
		cfg:       cfg,
		inspector: inspector,
		procs:     pm,
		kmod:      km,
		services:  sm,
		clk:       clk,
		logger:    logger,
	}
}

// Shutdown drives the device to the powered-off state. The prompter is
// consulted only if processes hold the device; a nil prompter marks the
// request non-interactive, so holders always cancel the transition.
func (e *Engine) Shutdown(ctx context.Context, prompter conflict.Prompter) error {
	id, err := e.inspector.Probe(ctx)
	if errors.Is(err, pci.ErrDeviceNotFound) {
		// Absent from the bus: already powered off.
		e.logger.InfoContext(ctx, "device absent from bus, shutdown is a no-op")
		return nil
	}
	if err != nil {
		return fmt.Errorf("probe device: %w", err)
	}

	state, _ := e.inspector.State(ctx, id)
	if state == pci.StateOff {
		e.logger.InfoContext(ctx, "device already off, shutdown is a no-op")
		return nil
	}

	e.mu.Lock()
	unsupported := e.slotUnsupported
	e.mu.Unlock()
	if unsupported {
		return fmt.Errorf("slot power for %s: %w", id.Address, ErrSlotPowerUnsupported)
	}

	// Pre-flight: resolve holder conflicts before any mutating step.
	holders, err := e.procs.Holders(ctx, id.DeviceNodes)
	if err != nil {
		return fmt.Errorf("enumerate holders: %w", err)
	}
	decision, err := conflict.Resolve(ctx, holders, prompter)
	if err != nil {
		return fmt.Errorf("resolve holder conflict: %w", err)
	}
	switch decision {
	case conflict.Abort:
		return &HoldersError{Holders: holders, Reason: ErrCancelled}
	case conflict.KillAndProceed:
		if err := e.evictHolders(ctx, id, holders); err != nil {
			return err
		}
	}

	// Stop dependent services. Soft failures: the units restart on
	// their own and do not block module unload.
	for _, unit := range e.cfg.Services {
		if err := e.services.Stop(ctx, unit); err != nil {
			e.logger.WarnContext(ctx, "failed to stop service",
				slog.String("unit", unit), slog.String("error", err.Error()))
		}
	}

	if err := e.unloadModules(ctx, id); err != nil {
		return err
	}

	if err := e.inspector.UnbindDriver(ctx, id); err != nil {
		return fmt.Errorf("unbind driver: %w", err)
	}

	if err := e.inspector.SetSlotPower(ctx, id, false); err != nil {
		if errors.Is(err, pci.ErrSlotControl) {
			e.mu.Lock()
			e.slotUnsupported = true
			e.mu.Unlock()
			return fmt.Errorf("slot power for %s: %w", id.Address, ErrSlotPowerUnsupported)
		}
		return fmt.Errorf("power off slot: %w", err)
	}

	state, _ = e.inspector.State(ctx, id)
	if state != pci.StateOff {
		return fmt.Errorf("%w: observed %s after shutdown, want off", ErrVerificationFailed, state)
	}
	e.logger.InfoContext(ctx, "device powered off", slog.String("address", id.Address))
	return nil
}

// Startup drives the device to the active state.
func (e *Engine) Startup(ctx context.Context) error {
	id, err := e.inspector.Probe(ctx)
	if err == nil {
		if state, _ := e.inspector.State(ctx, id); state == pci.StateActive {
			e.logger.InfoContext(ctx, "device already active, startup is a no-op")
			return nil
		}
	} else if !errors.Is(err, pci.ErrDeviceNotFound) {
		return fmt.Errorf("probe device: %w", err)
	}

	// Restore slot power. The powered-off device is absent from the
	// bus, so its own slot cannot be resolved; sweep every depowered
	// slot instead. Best effort: a slot-less platform simply never cut
	// power.
	if err := e.inspector.PowerOnAllSlots(ctx); err != nil {
		e.logger.WarnContext(ctx, "failed to restore slot power", slog.String("error", err.Error()))
	}

	id, err = e.rescanAndWait(ctx)
	if err != nil {
		return err
	}

	// Load modules in reverse dependency order: base driver first.
	for i := len(id.Modules) - 1; i >= 0; i-- {
		if err := e.kmod.Load(ctx, id.Modules[i]); err != nil {
			return fmt.Errorf("load modules: %w", err)
		}
	}

	var startErrs []error
	for _, unit := range e.cfg.Services {
		if err := e.services.Start(ctx, unit); err != nil {
			e.logger.ErrorContext(ctx, "failed to start service",
				slog.String("unit", unit), slog.String("error", err.Error()))
			startErrs = append(startErrs, fmt.Errorf("%s: %v", unit, err))
		}
	}

	state, _ := e.inspector.State(ctx, id)
	if state == pci.StateSuspended {
		// Runtime PM may still be waking the card; give it a moment.
		e.clk.Sleep(e.cfg.VerifyDelay)
		state, _ = e.inspector.State(ctx, id)
	}
	if state != pci.StateActive && state != pci.StateSuspended {
		return fmt.Errorf("%w: observed %s after startup, want active", ErrVerificationFailed, state)
	}
	e.logger.InfoContext(ctx, "device powered on", slog.String("address", id.Address))
	if len(startErrs) > 0 {
		return fmt.Errorf("%w: %v", ErrServicesDegraded, errors.Join(startErrs...))
	}
	return nil
}

// rescanAndWait triggers a bus rescan and polls until the device is
// discoverable again or the rescan window closes.
func (e *Engine) rescanAndWait(ctx context.Context) (*pci.Identity, error) {
	if err := e.inspector.Rescan(ctx); err != nil {
		return nil, fmt.Errorf("rescan bus: %w", err)
	}

	deadline := e.clk.Now().Add(e.cfg.RescanTimeout)
	for {
		id, err := e.inspector.Probe(ctx)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pci.ErrDeviceNotFound) {
			return nil, fmt.Errorf("probe after rescan: %w", err)
		}
		if !e.clk.Now().Before(deadline) {
			return nil, fmt.Errorf("after %s: %w", e.cfg.RescanTimeout, ErrRescanTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.clk.After(e.cfg.RescanPoll):
		}
	}
}

// evictHolders terminates confirmed holders: graceful signal, bounded
// grace period, force-kill of survivors, then a final re-query. Module
// unload must never run against a device with live handles.
func (e *Engine) evictHolders(ctx context.Context, id *pci.Identity, holders []procs.ProcInfo) error {
	for _, h := range holders {
		e.logger.InfoContext(ctx, "terminating holder", slog.Int("pid", int(h.PID)), slog.String("name", h.Name))
		if err := e.procs.Terminate(ctx, h.PID); err != nil {
			e.logger.WarnContext(ctx, "terminate failed", slog.Int("pid", int(h.PID)), slog.String("error", err.Error()))
		}
	}

	deadline := e.clk.Now().Add(e.cfg.KillGrace)
	remaining := holders
	for len(remaining) > 0 && e.clk.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clk.After(e.cfg.KillPoll):
		}
		var err error
		remaining, err = e.procs.Holders(ctx, id.DeviceNodes)
		if err != nil {
			return fmt.Errorf("re-enumerate holders: %w", err)
		}
	}

	if len(remaining) > 0 {
		for _, h := range remaining {
			e.logger.WarnContext(ctx, "force-killing holder", slog.Int("pid", int(h.PID)), slog.String("name", h.Name))
			if err := e.procs.Kill(ctx, h.PID); err != nil {
				e.logger.WarnContext(ctx, "kill failed", slog.Int("pid", int(h.PID)), slog.String("error", err.Error()))
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clk.After(e.cfg.KillPoll):
		}
		var err error
		remaining, err = e.procs.Holders(ctx, id.DeviceNodes)
		if err != nil {
			return fmt.Errorf("re-enumerate holders: %w", err)
		}
	}

	if len(remaining) > 0 {
		return &HoldersError{Holders: remaining, Reason: ErrDeviceBusy}
	}
	return nil
}

// unloadModules removes the modules in dependency order, retrying each
// while it reports busy. Transient references from just-stopped
// services are common and clear within a few hundred milliseconds.
func (e *Engine) unloadModules(ctx context.Context, id *pci.Identity) error {
	retryCfg := retry.Config{
		MaxAttempts:   e.cfg.UnloadAttempts,
		Delay:         e.cfg.UnloadDelay,
		RetryableFunc: func(err error) bool { return errors.Is(err, kmod.ErrBusy) },
		Clock:         e.clk,
	}

	for _, name := range id.Modules {
		err := retryCfg.Do(ctx, func(ctx context.Context) error {
			return e.kmod.Unload(ctx, name)
		})
		if err == nil {
			continue
		}
		if errors.Is(err, kmod.ErrBusy) {
			return fmt.Errorf("%s after %d attempts: %w", name, e.cfg.UnloadAttempts, ErrModuleBusy)
		}
		return fmt.Errorf("unload modules: %w", err)
	}
	return nil
}
