package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"gpu-passthrough/internal/config"
	"gpu-passthrough/pkg"
)

var (
	configPath string
	envFile    string
	logLevel   string
	rootDir    string
	assumeYes  bool
)

var rootCmd = &cobra.Command{
	Use:   "vfioctl",
	Short: "Configure GPU passthrough to virtual machines with vfio-pci",
	Long: `vfioctl prepares a Linux host to hand a GPU to a virtual machine. It
writes the vfio-pci module options, the autoload list and the bootloader
kernel parameters, and can move a device to vfio-pci at runtime.

Persistent changes take effect after the next reboot.

Examples:
  vfioctl list                          # List GPUs and their drivers
  vfioctl enable 0000:0a:00.0 --audio   # Pass a GPU and its audio function through
  vfioctl diagnose                      # Check IOMMU state and groups
  vfioctl disable                       # Give the GPU back to the host
  vfioctl rescue                        # Restore console output after a bad setup`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		pkg.SetOutput(cmd.ErrOrStderr())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file with VFIOCTL_* overrides")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "Operate on a host filesystem mounted at this path")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "Do not ask for confirmation")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		code := exitCode(err)
		pkg.WithError(err).WithField("exit_code", code).Debug("command failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(code)
	}
}
