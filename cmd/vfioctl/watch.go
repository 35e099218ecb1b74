package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"gpu-passthrough/pkg/diagnostics"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Report changes to the managed boot configuration files",
	Long: `Watch the modprobe.d artifacts, the autoload list, the bootloader
file and the reset udev rule, printing a line whenever any of them
changes. Stops on interrupt.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		w, err := diagnostics.NewWatcher(a.writer.ManagedFiles())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, dir := range w.Dirs() {
			fmt.Fprintf(out, "watching %s\n", dir)
		}
		return w.Run(cmd.Context(), func(c diagnostics.Change) {
			fmt.Fprintf(out, "%s %s %s\n", time.Now().Format(time.RFC3339), c.Op, c.Path)
		})
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
