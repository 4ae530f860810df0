package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/nvsleepify/nvsleepify/pkg/daemon"
)

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream mode and power state changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.conn.AddMatchSignal(
				dbus.WithMatchObjectPath(daemon.ObjectPath),
				dbus.WithMatchInterface(daemon.Interface),
			); err != nil {
				return err
			}

			signals := make(chan *dbus.Signal, 16)
			c.conn.Signal(signals)

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

			for {
				select {
				case <-interrupt:
					return nil
				case sig, ok := <-signals:
					if !ok {
						return nil
					}
					printSignal(sig)
				}
			}
		},
	}
}

type watchEvent struct {
	Time  string `json:"time"`
	Event string `json:"event"`
	Mode  string `json:"mode"`
	State string `json:"state,omitempty"`
}

func printSignal(sig *dbus.Signal) {
	ev := watchEvent{Time: time.Now().Format(time.RFC3339)}

	switch sig.Name {
	case daemon.Interface + ".ModeChanged":
		if len(sig.Body) < 1 {
			return
		}
		ev.Event = "mode-changed"
		ev.Mode, _ = sig.Body[0].(string)
	case daemon.Interface + ".StateChanged":
		if len(sig.Body) < 2 {
			return
		}
		ev.Event = "state-changed"
		ev.State, _ = sig.Body[0].(string)
		ev.Mode, _ = sig.Body[1].(string)
	default:
		return
	}

	if outputFormat == "json" {
		json.NewEncoder(os.Stdout).Encode(ev)
		return
	}
	if ev.Event == "mode-changed" {
		pterm.Info.Printfln("mode changed to %s", ev.Mode)
	} else {
		pterm.Info.Printfln("power state is %s (mode %s)", ev.State, ev.Mode)
	}
}
