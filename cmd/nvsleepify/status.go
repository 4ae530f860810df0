package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/nvsleepify/nvsleepify/pkg/daemon"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the GPU power state and current mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()

			st, err := c.Status()
			if err != nil {
				return err
			}

			switch outputFormat {
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			case "table":
				return outputStatus(st)
			default:
				return fmt.Errorf("unsupported output format: %s", outputFormat)
			}
		},
	}
}

func outputStatus(st daemon.Status) error {
	table := tablewriter.NewWriter(os.Stdout)
	table.Append([]string{"Mode", st.Mode})
	table.Append([]string{"Power State", st.PowerState})

	if st.Present {
		table.Append([]string{"PCI Address", st.Address})
	}
	if st.DeviceName != "" {
		table.Append([]string{"Device", st.DeviceName})
		table.Append([]string{"Memory", formatBytes(st.MemoryTotal)})
	}
	if st.RestoreDelaySeconds > 0 {
		table.Append([]string{"Restore Delay", fmt.Sprintf("%ds", st.RestoreDelaySeconds)})
	}
	table.Render()

	if len(st.Holders) > 0 {
		fmt.Printf("\nProcesses using the GPU:\n")
		holders := tablewriter.NewWriter(os.Stdout)
		holders.Append([]string{"PID", "Name"})
		for _, h := range st.Holders {
			holders.Append([]string{fmt.Sprintf("%d", h.PID), h.Name})
		}
		holders.Render()
	}
	return nil
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return strings.TrimSuffix(fmt.Sprintf("%.1f", float64(b)/float64(div)), ".0") +
		" " + string("KMGTPE"[exp]) + "iB"
}
