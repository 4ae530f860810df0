package main

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func delayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delay <seconds>",
		Short: "Set how long the daemon waits at boot before restoring the mode",
		Long: `Set the boot restore delay in seconds.

Some display managers grab the GPU during login; delaying the restore
until the session is up avoids tearing the device down underneath it.
Zero disables the delay.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seconds, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid delay %q: expected seconds", args[0])
			}

			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.SetRestoreDelay(uint32(seconds)); err != nil {
				return err
			}
			pterm.Success.Printfln("Restore delay set to %ds", seconds)
			return nil
		},
	}
}
