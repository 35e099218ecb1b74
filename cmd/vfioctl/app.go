package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"gpu-passthrough/internal/config"
	"gpu-passthrough/pkg"
	"gpu-passthrough/pkg/bootcfg"
	"gpu-passthrough/pkg/diagnostics"
	"gpu-passthrough/pkg/passthrough"
	"gpu-passthrough/pkg/pci"
	"gpu-passthrough/pkg/system"
	"gpu-passthrough/pkg/types"
)

// newActions builds the host-side effects; tests swap in a recorder.
var newActions = func(cfg *config.Config) system.Actions {
	return system.NewExec(cfg.Commands)
}

// app holds the components one command invocation works with.
type app struct {
	cfg     *config.Config
	actions system.Actions
	inv     *pci.Inventory
	writer  *bootcfg.Writer
	orch    *passthrough.Orchestrator
	diag    *diagnostics.Diagnostics
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(envFile); err != nil {
		return nil, err
	}
	if rootDir != "" {
		cfg.Root = rootDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newApp loads the configuration and wires the components. Read-only
// commands log at warn unless a level is requested.
func newApp(mutating bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	level := logLevel
	if level == "" {
		level = cfg.LogLevel
		if !mutating && level != "debug" {
			level = "warn"
		}
	}
	if err := pkg.SetLogLevelFromString(level); err != nil {
		return nil, fmt.Errorf("invalid log level: %v", err)
	}

	actions := newActions(cfg)
	var enum pci.Enumerator
	switch cfg.Enumerator {
	case "lspci":
		enum = pci.LspciEnumerator{Lister: actions}
	default:
		enum = pci.GhwEnumerator{Chroot: cfg.Root}
	}
	inv := pci.NewInventory(enum, pci.OSFS{}, cfg.SysfsPath())
	writer := bootcfg.NewWriter(cfg, actions)

	return &app{
		cfg:     cfg,
		actions: actions,
		inv:     inv,
		writer:  writer,
		orch:    passthrough.New(cfg, inv, writer, actions),
		diag:    diagnostics.New(cfg, inv, writer, actions),
	}, nil
}

// confirm asks a yes/no question on the command's input.
func confirm(cmd *cobra.Command, question string) bool {
	if assumeYes {
		return true
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", question)
	answer, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

func printOutcome(w io.Writer, out *types.Outcome) {
	if out == nil {
		return
	}
	fmt.Fprintf(w, "%s: %s\n", out.Operation, out.Status)
	if out.Target != nil {
		fmt.Fprintf(w, "  target: %s (ids %s)\n", strings.Join(out.Target.Addresses, ", "), out.Target.IDList())
	}
	for _, c := range out.Changes {
		fmt.Fprintf(w, "  + %s\n", c)
	}
	for _, warning := range out.Warnings {
		fmt.Fprintf(w, "  ! %s\n", warning)
	}
	switch {
	case out.RebootRequired && out.Activated:
		fmt.Fprintln(w, "Reboot to apply the new configuration.")
	case out.RebootRequired:
		fmt.Fprintln(w, "Configuration saved but not yet active; fix the warnings above, then reboot.")
	}
}

// finish prints the outcome and, when asked, offers to reboot.
func finish(cmd *cobra.Command, a *app, out *types.Outcome, reboot bool) error {
	printOutcome(cmd.OutOrStdout(), out)
	if !reboot || !out.RebootRequired || out.Status == types.StatusFailed {
		return nil
	}
	if !confirm(cmd, "Reboot now?") {
		return nil
	}
	return a.actions.Reboot(cmd.Context())
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, types.ErrPermissionDenied):
		return 77
	case errors.Is(err, types.ErrNoGPUDetected), errors.Is(err, types.ErrDeviceNotFound):
		return 2
	default:
		return 1
	}
}
