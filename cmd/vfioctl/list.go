package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"gpu-passthrough/pkg/types"
)

var listFormat string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List GPUs with their IOMMU group and current driver",
	Long: `List every display-class PCI function with the state passthrough
depends on.

Available formats:
  • table (default) - Pretty-printed table
  • json - JSON output
  • simple - Tab-separated values`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listFormat, "format", "table", "Output format: table, json, simple")
}

func runList(cmd *cobra.Command, args []string) error {
	switch strings.ToLower(listFormat) {
	case "table", "json", "simple":
	default:
		return fmt.Errorf("invalid format: %s. Use: table, json or simple", listFormat)
	}

	a, err := newApp(false)
	if err != nil {
		return err
	}
	devices, err := a.inv.List(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch strings.ToLower(listFormat) {
	case "json":
		fmt.Fprintln(out, formatGPUJSON(devices))
	case "simple":
		fmt.Fprint(out, formatGPUSimple(devices))
	default:
		fmt.Fprint(out, formatGPUTable(devices))
	}
	return nil
}

func formatGPUJSON(devices []types.GpuDevice) string {
	if devices == nil {
		devices = []types.GpuDevice{}
	}
	data, _ := json.MarshalIndent(devices, "", "  ")
	return string(data)
}

func formatGPUSimple(devices []types.GpuDevice) string {
	var builder strings.Builder
	for _, d := range devices {
		builder.WriteString(fmt.Sprintf("%s\t%s\t%s\t%s\t%s\n",
			d.PCIAddress, d.HardwareID(), orDash(d.CurrentDriver), orDash(d.IOMMUGroup), orDash(d.AudioFunction)))
	}
	return builder.String()
}

func formatGPUTable(devices []types.GpuDevice) string {
	var builder strings.Builder
	builder.WriteString("┌──────────────┬───────────┬──────────────┬───────┬──────────────┬────────────────────────────────┐\n")
	builder.WriteString("│ PCI Address  │ ID        │ Driver       │ Group │ Audio        │ Description                    │\n")
	builder.WriteString("├──────────────┼───────────┼──────────────┼───────┼──────────────┼────────────────────────────────┤\n")
	for _, d := range devices {
		builder.WriteString(fmt.Sprintf("│ %-12s │ %-9s │ %-12s │ %-5s │ %-12s │ %-30s │\n",
			truncateString(d.PCIAddress, 12),
			truncateString(d.HardwareID(), 9),
			truncateString(orDash(d.CurrentDriver), 12),
			truncateString(orDash(d.IOMMUGroup), 5),
			truncateString(orDash(d.AudioFunction), 12),
			truncateString(d.Description, 30)))
	}
	builder.WriteString("└──────────────┴───────────┴──────────────┴───────┴──────────────┴────────────────────────────────┘\n")
	return builder.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// truncateString shortens s to max runes, marking the cut with "...".
func truncateString(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
