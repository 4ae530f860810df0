// nvsleepifyd is the power management daemon for NVIDIA discrete GPUs.
// It owns the device lifecycle (power off, power on, restore at boot)
// and exposes the control surface on the system D-Bus.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sync/errgroup"

	"github.com/nvsleepify/nvsleepify/pkg/config"
	"github.com/nvsleepify/nvsleepify/pkg/daemon"
	"github.com/nvsleepify/nvsleepify/pkg/engine"
	"github.com/nvsleepify/nvsleepify/pkg/kmod"
	"github.com/nvsleepify/nvsleepify/pkg/modestore"
	"github.com/nvsleepify/nvsleepify/pkg/pci"
	"github.com/nvsleepify/nvsleepify/pkg/powersource"
	"github.com/nvsleepify/nvsleepify/pkg/procs"
	"github.com/nvsleepify/nvsleepify/pkg/services"
	"github.com/nvsleepify/nvsleepify/pkg/supervisor"
)

func main() {
	configPath := flag.String("config", "/etc/nvsleepify/daemon.yaml", "Path to daemon configuration")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", *logLevel)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil && err != context.Canceled {
		logger.Error("daemon failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inspector := pci.NewSysfs(pci.SysfsOptions{
		VendorID:    cfg.Device.VendorID,
		ClassPrefix: cfg.Device.ClassPrefix,
		Modules:     cfg.Device.Modules,
	})

	// Fail early when no managed GPU exists at all; a powered-off GPU
	// is indistinguishable from a missing one, so only warn then.
	if _, err := inspector.Probe(ctx); err != nil {
		logger.Warn("no matching GPU found at startup; it may be powered off",
			slog.String("error", err.Error()))
	}

	sd, err := services.NewSystemd(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer sd.Close()

	power := newPowerMonitor(cfg, logger)

	eng := engine.New(engine.Config{
		Services:       cfg.Services,
		UnloadAttempts: cfg.Transitions.UnloadAttempts,
		UnloadDelay:    cfg.Transitions.UnloadDelay,
		RescanTimeout:  cfg.Transitions.RescanTimeout,
		RescanPoll:     cfg.Transitions.RescanPoll,
		KillGrace:      cfg.Transitions.KillGrace,
		KillPoll:       cfg.Transitions.KillPoll,
		VerifyDelay:    cfg.Transitions.VerifyDelay,
	}, inspector, procs.NewSystem(cfg.Processes.Ignore), kmod.NewModprobe(), sd, nil,
		logger.With(slog.String("component", "engine")))

	sup, err := supervisor.New(supervisor.Config{
		QueueSize:        16,
		Debounce:         cfg.PowerSource.Debounce,
		WatchdogInterval: cfg.Watchdog.Interval,
		BootRestore:      *cfg.Restore.Enabled,
	}, eng, inspector, procs.NewSystem(cfg.Processes.Ignore), modestore.New(cfg.StateFile),
		power, nil, logger.With(slog.String("component", "supervisor")))
	if err != nil {
		return err
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}
	defer conn.Close()

	svc := daemon.New(conn, sup, logger.With(slog.String("component", "dbus")))

	logger.Info("starting",
		slog.String("config", configPath),
		slog.String("mode", sup.Mode().String()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(ctx) })
	g.Go(func() error { return svc.Serve(ctx) })
	return g.Wait()
}

// newPowerMonitor prefers UPower and falls back to polling sysfs on
// hosts without it.
func newPowerMonitor(cfg *config.Config, logger *slog.Logger) powersource.Monitor {
	upower, err := powersource.NewUPower()
	if err == nil {
		return upower
	}
	logger.Warn("UPower unavailable, falling back to sysfs polling",
		slog.String("error", err.Error()))
	return powersource.NewSysfsMonitor(powersource.SysfsMonitorOptions{
		PollInterval: cfg.PowerSource.Poll,
	})
}
