package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nvsleepify/nvsleepify/pkg/conflict"
	"github.com/nvsleepify/nvsleepify/pkg/kmod"
	"github.com/nvsleepify/nvsleepify/pkg/pci"
	"github.com/nvsleepify/nvsleepify/pkg/procs"
	"github.com/nvsleepify/nvsleepify/pkg/services"
)

var testIdentity = pci.Identity{
	Address:     "0000:01:00.0",
	Modules:     []string{"nvidia_drm", "nvidia_modeset", "nvidia_uvm", "nvidia"},
	DeviceNodes: []string{"/dev/dri/card1", "/dev/dri/renderD129"},
}

type fixture struct {
	engine    *Engine
	inspector *pci.Fake
	procs     *procs.Fake
	kmod      *kmod.Fake
	services  *services.Fake
}

// newFixture wires an engine against fakes with millisecond timeouts so
// failure paths complete quickly.
func newFixture(t *testing.T, holderScript ...[]procs.ProcInfo) *fixture {
	t.Helper()
	f := &fixture{
		inspector: pci.NewFake(testIdentity),
		procs:     procs.NewFake(holderScript...),
		kmod:      kmod.NewFake(),
		services:  services.NewFake(),
	}
	cfg := DefaultConfig()
	cfg.UnloadAttempts = 3
	cfg.UnloadDelay = time.Millisecond
	cfg.RescanTimeout = 20 * time.Millisecond
	cfg.RescanPoll = time.Millisecond
	cfg.KillGrace = 10 * time.Millisecond
	cfg.KillPoll = 2 * time.Millisecond
	cfg.VerifyDelay = time.Millisecond
	f.engine = New(cfg, f.inspector, f.procs, f.kmod, f.services, nil, slog.Default())
	return f
}

func (f *fixture) assertNoMutations(t *testing.T) {
	t.Helper()
	if len(f.services.Stopped) != 0 {
		t.Errorf("services stopped = %v, want none", f.services.Stopped)
	}
	if len(f.kmod.Unloaded) != 0 {
		t.Errorf("modules unloaded = %v, want none", f.kmod.Unloaded)
	}
	if f.inspector.UnbindCalls != 0 {
		t.Errorf("unbind calls = %d, want 0", f.inspector.UnbindCalls)
	}
	if len(f.inspector.SlotWrites) != 0 {
		t.Errorf("slot writes = %v, want none", f.inspector.SlotWrites)
	}
}

func TestShutdown_AlreadyOffIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.inspector.SetState(pci.StateOff)

	if err := f.engine.Shutdown(context.Background(), nil); err != nil {
		t.Fatalf("Shutdown() = %v, want nil", err)
	}
	f.assertNoMutations(t)
}

func TestShutdown_DeviceAbsentIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.inspector.SetPresent(false)

	if err := f.engine.Shutdown(context.Background(), nil); err != nil {
		t.Fatalf("Shutdown() = %v, want nil", err)
	}
	f.assertNoMutations(t)
}

func TestShutdown_FullSequence(t *testing.T) {
	f := newFixture(t)

	if err := f.engine.Shutdown(context.Background(), nil); err != nil {
		t.Fatalf("Shutdown() = %v, want nil", err)
	}

	wantServices := []string{"nvidia-persistenced.service", "nvidia-powerd.service"}
	if len(f.services.Stopped) != len(wantServices) {
		t.Fatalf("services stopped = %v, want %v", f.services.Stopped, wantServices)
	}
	for i, u := range wantServices {
		if f.services.Stopped[i] != u {
			t.Errorf("stop order[%d] = %s, want %s", i, f.services.Stopped[i], u)
		}
	}

	wantModules := testIdentity.Modules
	if len(f.kmod.Unloaded) != len(wantModules) {
		t.Fatalf("modules unloaded = %v, want %v", f.kmod.Unloaded, wantModules)
	}
	for i, m := range wantModules {
		if f.kmod.Unloaded[i] != m {
			t.Errorf("unload order[%d] = %s, want %s", i, f.kmod.Unloaded[i], m)
		}
	}

	if f.inspector.UnbindCalls != 1 {
		t.Errorf("unbind calls = %d, want 1", f.inspector.UnbindCalls)
	}
	if len(f.inspector.SlotWrites) != 1 || f.inspector.SlotWrites[0] != false {
		t.Errorf("slot writes = %v, want [false]", f.inspector.SlotWrites)
	}

	state, _ := f.inspector.State(context.Background(), &testIdentity)
	if state != pci.StateOff {
		t.Errorf("final state = %v, want off", state)
	}
}

func TestShutdown_NonInteractiveWithHoldersCancels(t *testing.T) {
	holders := []procs.ProcInfo{{PID: 101, Name: "ffmpeg"}}
	f := newFixture(t, holders)

	err := f.engine.Shutdown(context.Background(), nil)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Shutdown() = %v, want ErrCancelled", err)
	}
	got := BlockingHolders(err)
	if len(got) != 1 || got[0].PID != 101 {
		t.Errorf("blocking holders = %v, want [101]", got)
	}

	// Safety invariant: nothing was signalled, nothing was torn down.
	if len(f.procs.Terminated) != 0 || len(f.procs.Killed) != 0 {
		t.Errorf("signals issued: term=%v kill=%v, want none", f.procs.Terminated, f.procs.Killed)
	}
	f.assertNoMutations(t)
}

func TestShutdown_InteractiveDeclineCancels(t *testing.T) {
	f := newFixture(t, []procs.ProcInfo{{PID: 101, Name: "ffmpeg"}})
	decline := func(ctx context.Context, h []procs.ProcInfo) (bool, error) { return false, nil }

	err := f.engine.Shutdown(context.Background(), decline)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Shutdown() = %v, want ErrCancelled", err)
	}
	f.assertNoMutations(t)
}

func TestShutdown_ConfirmedKillEscalation(t *testing.T) {
	holders := []procs.ProcInfo{{PID: 101, Name: "ffmpeg"}, {PID: 202, Name: "python"}}
	f := newFixture(t, holders)
	// 101 exits on SIGTERM; 202 survives the grace period and needs
	// SIGKILL.
	f.procs.TerminateRemoves = map[int32]bool{101: true}

	err := f.engine.Shutdown(context.Background(), conflict.AlwaysConfirm)
	if err != nil {
		t.Fatalf("Shutdown() = %v, want nil", err)
	}

	if len(f.procs.Terminated) != 2 {
		t.Errorf("terminated = %v, want both holders", f.procs.Terminated)
	}
	if len(f.procs.Killed) != 1 || f.procs.Killed[0] != 202 {
		t.Errorf("killed = %v, want [202] only", f.procs.Killed)
	}
	if len(f.kmod.Unloaded) != len(testIdentity.Modules) {
		t.Errorf("teardown did not proceed after holders cleared: unloaded %v", f.kmod.Unloaded)
	}
}

func TestShutdown_UnkillableHolderIsDeviceBusy(t *testing.T) {
	f := newFixture(t, []procs.ProcInfo{{PID: 303, Name: "cuda-app"}})
	f.procs.TerminateRemoves = map[int32]bool{}
	f.procs.KillRemoves = map[int32]bool{}

	err := f.engine.Shutdown(context.Background(), conflict.AlwaysConfirm)
	if !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("Shutdown() = %v, want ErrDeviceBusy", err)
	}
	// Module unload must never run against a device with live handles.
	if len(f.kmod.Unloaded) != 0 {
		t.Errorf("modules unloaded = %v, want none", f.kmod.Unloaded)
	}
}

func TestShutdown_ModuleBusyRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t)
	f.kmod.BusyFor = map[string]int{"nvidia_uvm": 2}

	if err := f.engine.Shutdown(context.Background(), nil); err != nil {
		t.Fatalf("Shutdown() = %v, want nil", err)
	}
	if got := f.kmod.UnloadAttempts("nvidia_uvm"); got != 3 {
		t.Errorf("nvidia_uvm attempts = %d, want 3", got)
	}
}

func TestShutdown_ModuleBusyExhaustsRetries(t *testing.T) {
	f := newFixture(t)
	f.kmod.BusyFor = map[string]int{"nvidia": 99}

	err := f.engine.Shutdown(context.Background(), nil)
	if !errors.Is(err, ErrModuleBusy) {
		t.Fatalf("Shutdown() = %v, want ErrModuleBusy", err)
	}
	// Partial state: earlier modules are gone, no rollback is
	// attempted, and the sequence stopped before unbind.
	for _, m := range []string{"nvidia_drm", "nvidia_modeset", "nvidia_uvm"} {
		found := false
		for _, u := range f.kmod.Unloaded {
			if u == m {
				found = true
			}
		}
		if !found {
			t.Errorf("module %s was not unloaded before the failure", m)
		}
	}
	if len(f.kmod.Loaded) != 0 {
		t.Errorf("modules reloaded = %v, want no rollback", f.kmod.Loaded)
	}
	if f.inspector.UnbindCalls != 0 {
		t.Errorf("unbind calls = %d, want 0 after module failure", f.inspector.UnbindCalls)
	}
}

func TestShutdown_SlotPowerUnsupported(t *testing.T) {
	f := newFixture(t)
	f.inspector.SlotControlSupported = false

	err := f.engine.Shutdown(context.Background(), nil)
	if !errors.Is(err, ErrSlotPowerUnsupported) {
		t.Fatalf("Shutdown() = %v, want ErrSlotPowerUnsupported", err)
	}

	// Repeat attempts fail fast with the same error: the limitation is
	// hardware, not transient, so no teardown steps re-run.
	stopsBefore := len(f.services.Stopped)
	err = f.engine.Shutdown(context.Background(), nil)
	if !errors.Is(err, ErrSlotPowerUnsupported) {
		t.Fatalf("second Shutdown() = %v, want ErrSlotPowerUnsupported", err)
	}
	if len(f.services.Stopped) != stopsBefore {
		t.Errorf("second attempt re-ran teardown: stops %d -> %d", stopsBefore, len(f.services.Stopped))
	}
}

func TestShutdown_VerificationFailure(t *testing.T) {
	f := newFixture(t)
	forced := pci.StateActive
	f.inspector.ForcedState = &forced

	err := f.engine.Shutdown(context.Background(), nil)
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("Shutdown() = %v, want ErrVerificationFailed", err)
	}
}

func TestStartup_AlreadyActiveIsNoOp(t *testing.T) {
	f := newFixture(t)

	if err := f.engine.Startup(context.Background()); err != nil {
		t.Fatalf("Startup() = %v, want nil", err)
	}
	if f.inspector.RescanCalls != 0 {
		t.Errorf("rescan calls = %d, want 0", f.inspector.RescanCalls)
	}
	if len(f.kmod.Loaded) != 0 {
		t.Errorf("modules loaded = %v, want none", f.kmod.Loaded)
	}
}

func TestStartup_FullSequence(t *testing.T) {
	f := newFixture(t)
	// Device was powered off: absent from the bus.
	f.inspector.SetPresent(false)
	f.inspector.SetState(pci.StateOff)

	if err := f.engine.Startup(context.Background()); err != nil {
		t.Fatalf("Startup() = %v, want nil", err)
	}

	if f.inspector.PowerOnAllCalls != 1 {
		t.Errorf("power-on-all calls = %d, want 1", f.inspector.PowerOnAllCalls)
	}
	if f.inspector.RescanCalls != 1 {
		t.Errorf("rescan calls = %d, want 1", f.inspector.RescanCalls)
	}

	// Load order is the reverse of unload: base driver first.
	wantLoad := []string{"nvidia", "nvidia_uvm", "nvidia_modeset", "nvidia_drm"}
	if len(f.kmod.Loaded) != len(wantLoad) {
		t.Fatalf("modules loaded = %v, want %v", f.kmod.Loaded, wantLoad)
	}
	for i, m := range wantLoad {
		if f.kmod.Loaded[i] != m {
			t.Errorf("load order[%d] = %s, want %s", i, f.kmod.Loaded[i], m)
		}
	}

	wantServices := []string{"nvidia-persistenced.service", "nvidia-powerd.service"}
	if len(f.services.Started) != len(wantServices) {
		t.Errorf("services started = %v, want %v", f.services.Started, wantServices)
	}
}

func TestStartup_ServiceFailureIsReportedNotFatal(t *testing.T) {
	f := newFixture(t)
	f.inspector.SetPresent(false)
	f.inspector.SetState(pci.StateOff)
	f.services.StartErr = map[string]error{
		"nvidia-powerd.service": errors.New("unit is masked"),
	}

	err := f.engine.Startup(context.Background())
	if !errors.Is(err, ErrServicesDegraded) {
		t.Fatalf("Startup() = %v, want ErrServicesDegraded", err)
	}
	if err != nil && !strings.Contains(err.Error(), "nvidia-powerd.service") {
		t.Errorf("error %q does not name the failed unit", err)
	}

	// The device restore itself still ran to completion.
	if len(f.kmod.Loaded) != len(testIdentity.Modules) {
		t.Errorf("modules loaded = %v, want full stack", f.kmod.Loaded)
	}
	if len(f.services.Started) != 1 || f.services.Started[0] != "nvidia-persistenced.service" {
		t.Errorf("services started = %v, want the one healthy unit", f.services.Started)
	}
}

func TestStartup_RescanTimeout(t *testing.T) {
	f := newFixture(t)
	f.inspector.SetPresent(false)
	f.inspector.RescanRestores = false

	err := f.engine.Startup(context.Background())
	if !errors.Is(err, ErrRescanTimeout) {
		t.Fatalf("Startup() = %v, want ErrRescanTimeout", err)
	}
	if len(f.kmod.Loaded) != 0 {
		t.Errorf("modules loaded = %v, want none after rescan timeout", f.kmod.Loaded)
	}
}

func TestStartup_SuspendedIsAcceptedAfterRepoll(t *testing.T) {
	f := newFixture(t)
	f.inspector.SetState(pci.StateSuspended)
	forced := pci.StateSuspended
	f.inspector.ForcedState = &forced

	if err := f.engine.Startup(context.Background()); err != nil {
		t.Fatalf("Startup() = %v, want nil for runtime-suspended device", err)
	}
}

func TestStartup_UnknownStateFailsVerification(t *testing.T) {
	f := newFixture(t)
	f.inspector.SetState(pci.StateOff)
	forced := pci.StateUnknown
	f.inspector.ForcedState = &forced

	err := f.engine.Startup(context.Background())
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("Startup() = %v, want ErrVerificationFailed", err)
	}
}
