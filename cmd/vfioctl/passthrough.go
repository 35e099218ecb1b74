package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"gpu-passthrough/pkg/passthrough"
)

var (
	enableVendor  string
	enableAudio   bool
	enableRuntime bool
	enableStrict  bool
	rebootAfter   bool
	rebindAudio   bool
)

var enableCmd = &cobra.Command{
	Use:   "enable [PCI_ADDRESS]",
	Short: "Configure a GPU for vfio-pci from the next boot",
	Long: `Write the vfio-pci options, autoload the vfio modules, add the IOMMU
kernel parameters for this CPU and refresh the initramfs and bootloader.

Without an address the only GPU (or the only GPU of --vendor) is chosen.

Examples:
  vfioctl enable 0000:0a:00.0 --audio
  vfioctl enable --vendor nvidia --audio --runtime`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEnable,
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Remove the passthrough configuration",
	Long: `Remove the vfio-pci options and the kernel parameters and modules
that enable added. The GPU returns to its native driver after a reboot.`,
	Args: cobra.NoArgs,
	RunE: runDisable,
}

var rescueCmd = &cobra.Command{
	Use:   "rescue",
	Short: "Restore console output after a bad passthrough setup",
	Long: `Remove every passthrough artifact and add console-friendly kernel
parameters. Works without reading device state and keeps going past errors.`,
	Args: cobra.NoArgs,
	RunE: runRescue,
}

var rebindCmd = &cobra.Command{
	Use:   "rebind PCI_ADDRESS",
	Short: "Move a device to vfio-pci now, without a reboot",
	Args:  cobra.ExactArgs(1),
	RunE:  runRebind,
}

func init() {
	rootCmd.AddCommand(enableCmd, disableCmd, rescueCmd, rebindCmd)

	enableCmd.Flags().StringVar(&enableVendor, "vendor", "", "Pick the GPU by vendor: nvidia, amd or a hex vendor id")
	enableCmd.Flags().BoolVar(&enableAudio, "audio", false, "Also pass through the GPU's HDMI audio function")
	enableCmd.Flags().BoolVar(&enableRuntime, "runtime", false, "Also rebind the device to vfio-pci now")
	enableCmd.Flags().BoolVar(&enableStrict, "strict-groups", false, "Refuse to leave part of an IOMMU group on the host")

	for _, c := range []*cobra.Command{enableCmd, disableCmd, rescueCmd} {
		c.Flags().BoolVar(&rebootAfter, "reboot", false, "Offer to reboot when done")
	}
	rebindCmd.Flags().BoolVar(&rebindAudio, "audio", false, "Also rebind the audio function")
}

func runEnable(cmd *cobra.Command, args []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	opts := passthrough.EnableOptions{
		Vendor:       enableVendor,
		IncludeAudio: enableAudio,
		StrictGroups: enableStrict,
		Runtime:      enableRuntime,
	}
	if len(args) == 1 {
		opts.Address = args[0]
	}

	out, err := a.orch.Enable(cmd.Context(), opts)
	if err != nil {
		printOutcome(cmd.OutOrStdout(), out)
		return err
	}
	return finish(cmd, a, out, rebootAfter)
}

func runDisable(cmd *cobra.Command, args []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	if !confirm(cmd, "Remove the GPU passthrough configuration?") {
		return fmt.Errorf("aborted")
	}
	out, err := a.orch.Disable(cmd.Context())
	if err != nil {
		printOutcome(cmd.OutOrStdout(), out)
		return err
	}
	return finish(cmd, a, out, rebootAfter)
}

func runRescue(cmd *cobra.Command, args []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	out, err := a.orch.Rescue(cmd.Context())
	if err != nil {
		printOutcome(cmd.OutOrStdout(), out)
		return err
	}
	return finish(cmd, a, out, rebootAfter)
}

func runRebind(cmd *cobra.Command, args []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	out, err := a.orch.RuntimeRebind(cmd.Context(), args[0], rebindAudio)
	printOutcome(cmd.OutOrStdout(), out)
	return err
}
