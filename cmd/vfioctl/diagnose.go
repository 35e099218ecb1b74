package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"gpu-passthrough/pkg/diagnostics"
)

var diagnoseJSON bool

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Report IOMMU state, IOMMU groups and driver bindings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		report, err := a.diag.Run(cmd.Context())
		if err != nil {
			return err
		}
		if diagnoseJSON {
			data, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		printReport(cmd.OutOrStdout(), report)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(diagnoseCmd)
	diagnoseCmd.Flags().BoolVar(&diagnoseJSON, "json", false, "Print the report as JSON")
}

func printReport(w io.Writer, r *diagnostics.Report) {
	state := "inactive"
	if r.IOMMU.Active {
		state = "active"
	}
	fmt.Fprintf(w, "IOMMU: %s (%d groups)\n", state, r.IOMMU.GroupCount)
	if len(r.IOMMU.ConfigFlags) > 0 {
		fmt.Fprintf(w, "  configured: %s\n", strings.Join(r.IOMMU.ConfigFlags, " "))
	}
	if len(r.IOMMU.BootFlags) > 0 {
		fmt.Fprintf(w, "  booted with: %s\n", strings.Join(r.IOMMU.BootFlags, " "))
	}
	for _, line := range r.IOMMU.KernelEvidence {
		fmt.Fprintf(w, "  kernel: %s\n", line)
	}
	if r.CmdlineLine != "" {
		fmt.Fprintf(w, "Bootloader: %s\n", r.CmdlineLine)
	}

	fmt.Fprintln(w, "GPUs:")
	for _, d := range r.Bindings {
		fmt.Fprintf(w, "  %s %s driver=%s group=%s\n", d.PCIAddress, d.HardwareID(), orDash(d.CurrentDriver), orDash(d.IOMMUGroup))
	}

	fmt.Fprintln(w, "IOMMU groups:")
	for _, g := range r.Groups {
		fmt.Fprintf(w, "  group %s\n", g.ID)
		for _, m := range g.Members {
			fmt.Fprintf(w, "    %s [%s] %s:%s driver=%s\n", m.Address, orDash(m.Class), m.VendorID, m.DeviceID, orDash(m.Driver))
		}
	}

	if len(r.Issues) > 0 {
		fmt.Fprintln(w, "Issues:")
		for _, issue := range r.Issues {
			fmt.Fprintf(w, "  ! %s\n", issue)
		}
	}
}
