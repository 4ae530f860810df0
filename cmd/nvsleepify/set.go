package main

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/nvsleepify/nvsleepify/pkg/daemon"
)

// Exit codes for scripting. Anything else exits 1.
const (
	exitCancelled   = 2
	exitBusy        = 3
	exitUnsupported = 4
	exitVerify      = 5
)

func setCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "set <standard|integrated|optimized>",
		Short: "Set the desired power mode",
		Long: `Set the desired power mode and apply it immediately.

If processes are using the GPU, the transition stops and lists them;
confirming terminates those processes and retries.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()

			code, message, holders, err := c.SetMode(args[0], false)
			if err != nil {
				return err
			}

			if code == "cancelled" && len(holders) > 0 {
				if !confirmKill(holders, yes) {
					pterm.Info.Println("Mode saved; transition skipped.")
					os.Exit(exitCancelled)
				}
				code, message, _, err = c.SetMode(args[0], true)
				if err != nil {
					return err
				}
			}
			report(args[0], code, message)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Terminate GPU processes without asking")
	return cmd
}

func confirmKill(holders []daemon.Holder, yes bool) bool {
	pterm.Warning.Println("These processes are using the GPU:")
	for _, h := range holders {
		pterm.Printf("  %d  %s\n", h.PID, h.Name)
	}
	if yes {
		return true
	}
	ok, _ := pterm.DefaultInteractiveConfirm.
		WithDefaultText("Terminate them and continue?").
		Show()
	return ok
}

func report(mode, code, message string) {
	switch code {
	case "ok":
		if message != "" {
			pterm.Warning.Printfln("Mode set to %s, but: %s", mode, message)
			return
		}
		pterm.Success.Printfln("Mode set to %s", mode)
	case "cancelled":
		pterm.Info.Println("Transition cancelled; mode saved.")
		os.Exit(exitCancelled)
	case "device-busy", "module-busy":
		pterm.Error.Printfln("GPU is busy: %s", message)
		os.Exit(exitBusy)
	case "slot-power-unsupported":
		pterm.Error.Println("This machine does not support powering the GPU slot off.")
		os.Exit(exitUnsupported)
	case "verification-failed":
		pterm.Error.Printfln("Transition did not verify: %s", message)
		os.Exit(exitVerify)
	default:
		fmt.Fprintln(os.Stderr, message)
		os.Exit(1)
	}
}
