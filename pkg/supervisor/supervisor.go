// Package supervisor owns the desired mode and turns it into power
// transitions. It serializes every trigger source (IPC requests, boot
// restore, power-source changes, the integrated-mode watchdog) through
// one worker goroutine, so transitions never overlap and requests are
// served strictly in arrival order.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nvsleepify/nvsleepify/pkg/clock"
	"github.com/nvsleepify/nvsleepify/pkg/conflict"
	"github.com/nvsleepify/nvsleepify/pkg/engine"
	"github.com/nvsleepify/nvsleepify/pkg/modestore"
	"github.com/nvsleepify/nvsleepify/pkg/pci"
	"github.com/nvsleepify/nvsleepify/pkg/powersource"
	"github.com/nvsleepify/nvsleepify/pkg/procs"
)

// Transitioner is the engine surface the supervisor drives.
type Transitioner interface {
	Shutdown(ctx context.Context, prompter conflict.Prompter) error
	Startup(ctx context.Context) error
}

// Config holds the supervisor's policy timings.
type Config struct {
	// QueueSize bounds the pending request queue.
	QueueSize int

	// Debounce is how long a power-source change must hold before
	// optimized mode reacts to it. Plugging and unplugging within the
	// window is ignored.
	Debounce time.Duration

	// WatchdogInterval is how often integrated mode re-checks that the
	// device is still powered off. External events (a udev rule, a
	// manual rescan) can bring it back without the daemon's involvement.
	WatchdogInterval time.Duration

	// BootRestore applies the persisted mode when Run starts, after the
	// persisted restore delay has elapsed.
	BootRestore bool
}

// DefaultConfig returns the stock supervisor timings.
func DefaultConfig() Config {
	return Config{
		QueueSize:        16,
		Debounce:         2 * time.Second,
		WatchdogInterval: 10 * time.Second,
		BootRestore:      true,
	}
}

// EventKind distinguishes subscriber notifications.
type EventKind int

const (
	// EventModeChanged fires when the persisted mode changes.
	EventModeChanged EventKind = iota

	// EventStateChanged fires after a transition completes.
	EventStateChanged
)

// Event notifies subscribers of mode and state changes.
type Event struct {
	Kind  EventKind
	Mode  modestore.Mode
	State pci.PowerState
}

// Status is a point-in-time snapshot for display. Assembling it never
// mutates anything.
type Status struct {
	Mode         modestore.Mode
	RestoreDelay time.Duration
	Present      bool
	Address      string
	State        pci.PowerState
	Holders      []procs.ProcInfo
	Details      *pci.Details
}

type target int

const (
	targetNone target = iota
	targetOn
	targetOff
)

type request struct {
	id       string
	mode     modestore.Mode
	prompter conflict.Prompter
	reply    chan Result
}

// Supervisor serializes transitions and persists the desired mode.
type Supervisor struct {
	cfg       Config
	engine    Transitioner
	inspector pci.Inspector
	procs     procs.Manager
	store     *modestore.Store
	power     powersource.Monitor
	clk       clock.Clock
	logger    *slog.Logger

	requests chan request

	mu    sync.Mutex
	state modestore.State
	subs  []chan Event

	// lastTarget is the target of the most recent completed transition,
	// used to skip redundant power-source reactions. Worker-only.
	lastTarget target
}

// New creates a Supervisor and loads the persisted mode. A missing state
// file yields the default standard mode.
func New(cfg Config, tr Transitioner, inspector pci.Inspector, pm procs.Manager, store *modestore.Store, power powersource.Monitor, clk clock.Clock, logger *slog.Logger) (*Supervisor, error) {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load persisted mode: %w", err)
	}

	return &Supervisor{
		cfg:       cfg,
		engine:    tr,
		inspector: inspector,
		procs:     pm,
		store:     store,
		power:     power,
		clk:       clk,
		logger:    logger,
		requests:  make(chan request, cfg.QueueSize),
		state:     st,
	}, nil
}

// Mode returns the persisted desired mode.
func (s *Supervisor) Mode() modestore.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Mode
}

// RestoreDelay returns the persisted boot restore delay.
func (s *Supervisor) RestoreDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.RestoreDelay
}

// SetRestoreDelay persists a new boot restore delay.
func (s *Supervisor) SetRestoreDelay(d time.Duration) error {
	s.mu.Lock()
	st := s.state
	st.RestoreDelay = d
	if err := s.store.Save(st); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = st
	s.mu.Unlock()
	return nil
}

// SetMode persists the desired mode and queues the matching transition,
// blocking until the worker has executed it. The mode is durable even if
// the transition then fails: a failed teardown is retried at the next
// boot or trigger, which is what the user asked for.
//
// killHolders marks the request as carrying the caller's explicit
// consent to terminate holder processes. Without it the request is
// non-interactive and holders cancel the transition.
func (s *Supervisor) SetMode(ctx context.Context, mode modestore.Mode, killHolders bool) (Result, error) {
	s.mu.Lock()
	st := s.state
	st.Mode = mode
	st.LastAppliedAt = s.clk.Now()
	if err := s.store.Save(st); err != nil {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("persist mode: %w", err)
	}
	changed := s.state.Mode != mode
	s.state = st
	s.mu.Unlock()

	if changed {
		s.emit(Event{Kind: EventModeChanged, Mode: mode})
	}

	var prompter conflict.Prompter
	if killHolders {
		prompter = conflict.AlwaysConfirm
	}

	req := request{
		id:       uuid.NewString(),
		mode:     mode,
		prompter: prompter,
		reply:    make(chan Result, 1),
	}
	select {
	case s.requests <- req:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Status assembles a read-only snapshot of the device and policy.
func (s *Supervisor) Status(ctx context.Context) (Status, error) {
	s.mu.Lock()
	st := Status{Mode: s.state.Mode, RestoreDelay: s.state.RestoreDelay}
	s.mu.Unlock()

	id, err := s.inspector.Probe(ctx)
	if errors.Is(err, pci.ErrDeviceNotFound) {
		st.State = pci.StateOff
		return st, nil
	}
	if err != nil {
		// Status is a pure read; an unreadable sysfs tree degrades it
		// to unknown rather than failing it.
		s.logger.WarnContext(ctx, "cannot probe device for status", slog.String("error", err.Error()))
		st.State = pci.StateUnknown
		return st, nil
	}

	st.Present = true
	st.Address = id.Address
	st.State, _ = s.inspector.State(ctx, id)

	if holders, err := s.procs.Holders(ctx, id.DeviceNodes); err == nil {
		st.Holders = holders
	}

	if st.State == pci.StateActive && pci.IsNVMLAvailable() {
		if details, err := pci.QueryDetails(id.Address); err == nil {
			st.Details = details
		}
	}
	return st, nil
}

// Subscribe registers for mode and state change events. The returned
// cancel function unregisters and closes the channel. Slow subscribers
// lose events rather than block the worker.
func (s *Supervisor) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				close(ch)
				break
			}
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Supervisor) emit(ev Event) {
	// Sends stay under the lock: cancel closes channels under the same
	// lock, so a send can never hit a closed channel. The sends are
	// non-blocking, so the hold time is bounded.
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Run is the worker loop. It owns the engine: every transition, whatever
// its trigger, executes here. Run returns when ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	changes, err := s.power.Changes(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "power-source notifications unavailable", slog.String("error", err.Error()))
	}

	watchdog := s.clk.NewTicker(s.cfg.WatchdogInterval)
	defer watchdog.Stop()

	if s.cfg.BootRestore {
		if err := s.bootRestore(ctx); err != nil {
			return err
		}
	}

	// pendingSource holds the latest undebounced power-source value;
	// debounceC is armed while a change is settling.
	var (
		pendingSource bool
		debounceC     <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case req := <-s.requests:
			req.reply <- s.apply(ctx, req)

		case onBattery, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			pendingSource = onBattery
			debounceC = s.clk.After(s.cfg.Debounce)

		case <-debounceC:
			debounceC = nil
			s.onPowerSource(ctx, pendingSource)

		case <-watchdog.C():
			s.watchdogCheck(ctx)
		}
	}
}

// bootRestore re-applies the persisted mode after the configured delay.
// The delay exists for machines whose display manager races the daemon
// at boot: tearing the GPU down mid-login wedges the session.
func (s *Supervisor) bootRestore(ctx context.Context) error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	if st.RestoreDelay > 0 {
		s.logger.InfoContext(ctx, "delaying mode restore",
			slog.Duration("delay", st.RestoreDelay), slog.String("mode", st.Mode.String()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clk.After(st.RestoreDelay):
		}
	}

	res := s.apply(ctx, request{id: uuid.NewString(), mode: st.Mode})
	if res.Code != CodeOK {
		s.logger.WarnContext(ctx, "mode restore did not complete",
			slog.String("mode", st.Mode.String()),
			slog.String("code", res.Code.String()),
			slog.String("message", res.Message))
	}
	return nil
}

// onPowerSource reacts to a settled power-source change. Only optimized
// mode follows the power source; reactions are always non-interactive.
func (s *Supervisor) onPowerSource(ctx context.Context, onBattery bool) {
	if s.Mode() != modestore.ModeOptimized {
		return
	}
	want := targetOn
	if onBattery {
		want = targetOff
	}
	if want == s.lastTarget {
		return
	}
	s.logger.InfoContext(ctx, "power source changed", slog.Bool("on_battery", onBattery))
	res := s.apply(ctx, request{id: uuid.NewString(), mode: modestore.ModeOptimized})
	if res.Code != CodeOK {
		s.logger.WarnContext(ctx, "power-source transition did not complete",
			slog.String("code", res.Code.String()), slog.String("message", res.Message))
	}
}

// watchdogCheck re-asserts integrated mode. If the device has come back
// powered while the policy says off, tear it down again, without ever
// touching holder processes.
func (s *Supervisor) watchdogCheck(ctx context.Context) {
	if s.Mode() != modestore.ModeIntegrated {
		return
	}
	id, err := s.inspector.Probe(ctx)
	if err != nil {
		return
	}
	state, _ := s.inspector.State(ctx, id)
	if state != pci.StateActive && state != pci.StateUnknown {
		return
	}
	s.logger.InfoContext(ctx, "device reappeared in integrated mode, powering off",
		slog.String("address", id.Address), slog.String("state", state.String()))
	res := s.apply(ctx, request{id: uuid.NewString(), mode: modestore.ModeIntegrated})
	if res.Code != CodeOK && res.Code != CodeCancelled {
		s.logger.WarnContext(ctx, "watchdog transition did not complete",
			slog.String("code", res.Code.String()), slog.String("message", res.Message))
	}
}

// apply executes the transition for a mode. Worker-only.
func (s *Supervisor) apply(ctx context.Context, req request) Result {
	tgt := s.resolveTarget(ctx, req.mode)

	var err error
	switch tgt {
	case targetOff:
		err = s.engine.Shutdown(ctx, req.prompter)
	case targetOn:
		err = s.engine.Startup(ctx)
	}

	if err == nil || errors.Is(err, engine.ErrServicesDegraded) {
		s.lastTarget = tgt
		state := pci.StateOff
		if tgt == targetOn {
			state = pci.StateActive
		}
		s.emit(Event{Kind: EventStateChanged, Mode: req.mode, State: state})
	}
	return newResult(req.id, err)
}

// resolveTarget maps a mode to the power target it implies right now.
func (s *Supervisor) resolveTarget(ctx context.Context, mode modestore.Mode) target {
	switch mode {
	case modestore.ModeStandard:
		return targetOn
	case modestore.ModeIntegrated:
		return targetOff
	case modestore.ModeOptimized:
		onBattery, err := s.power.OnBattery(ctx)
		if err != nil {
			// Unknown power source: keep the GPU available.
			s.logger.WarnContext(ctx, "cannot determine power source, assuming external power",
				slog.String("error", err.Error()))
			return targetOn
		}
		if onBattery {
			return targetOff
		}
		return targetOn
	default:
		return targetNone
	}
}
