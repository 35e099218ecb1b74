package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gpu-passthrough/internal/config"
)

var rebootCmd = &cobra.Command{
	Use:   "reboot",
	Short: "Reboot the host through systemd",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		if !confirm(cmd, "Reboot the host now?") {
			return fmt.Errorf("aborted")
		}
		return a.actions.Reboot(cmd.Context())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the vfioctl configuration file",
}

var configForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil && !configForce {
			return fmt.Errorf("%s already exists, use --force to overwrite", configPath)
		}
		if err := config.SaveConfig(config.CreateDefaultConfig(), configPath); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configPath)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rebootCmd, configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd)
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")
}
