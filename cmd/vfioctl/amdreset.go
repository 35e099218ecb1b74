package main

import (
	"github.com/spf13/cobra"

	"gpu-passthrough/pkg/passthrough"
)

var (
	resetSource string
	resetMethod string
	resetDevice string
)

var amdResetCmd = &cobra.Command{
	Use:   "amd-reset",
	Short: "Manage the vendor-reset workaround for AMD GPUs",
	Long: `Some AMD GPUs do not reset cleanly between virtual machine runs.
The vendor-reset module works around it; these commands build it with
dkms, load it at boot and select the reset method for the GPU.`,
}

var amdResetInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Build and install vendor-reset and select the reset method",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		out, err := a.orch.InstallResetWorkaround(cmd.Context(), passthrough.ResetOptions{
			SourceDir: resetSource,
			Method:    passthrough.ResetMethod(resetMethod),
			Address:   resetDevice,
		})
		if err != nil {
			printOutcome(cmd.OutOrStdout(), out)
			return err
		}
		return finish(cmd, a, out, false)
	},
}

var amdResetRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove vendor-reset and its udev rule",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		out, err := a.orch.RemoveResetWorkaround(cmd.Context(), resetSource)
		if err != nil {
			printOutcome(cmd.OutOrStdout(), out)
			return err
		}
		return finish(cmd, a, out, false)
	},
}

func init() {
	rootCmd.AddCommand(amdResetCmd)
	amdResetCmd.AddCommand(amdResetInstallCmd, amdResetRemoveCmd)

	amdResetCmd.PersistentFlags().StringVar(&resetSource, "source", "/usr/src/vendor-reset", "vendor-reset source tree containing dkms.conf")
	amdResetInstallCmd.Flags().StringVar(&resetMethod, "method", string(passthrough.ResetDeviceSpecific), "Reset method: device_specific, flr or bus")
	amdResetInstallCmd.Flags().StringVar(&resetDevice, "device", "", "PCI address of the AMD GPU (default: the only one)")
}
