// nvsleepify is the command-line client for the GPU power management
// daemon. It talks to nvsleepifyd over the system D-Bus.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var outputFormat string

func main() {
	rootCmd := &cobra.Command{
		Use:   "nvsleepify",
		Short: "NVIDIA discrete GPU power management",
		Long: `nvsleepify controls when the discrete NVIDIA GPU is powered.

Modes:
  standard    keep the GPU powered and available
  integrated  keep the GPU powered off
  optimized   follow the power source: off on battery, on when plugged in`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(setCmd())
	rootCmd.AddCommand(delayCmd())
	rootCmd.AddCommand(watchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
