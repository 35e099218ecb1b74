package system

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"gpu-passthrough/internal/config"
	"gpu-passthrough/pkg"
	"gpu-passthrough/pkg/types"
)

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Exec implements Actions with child processes and systemd.
type Exec struct {
	commands config.Commands
	run      Runner
	logger   *logrus.Entry
}

// NewExec creates the production Actions for the configured commands.
func NewExec(commands config.Commands) *Exec {
	return &Exec{
		commands: commands,
		run:      runCommand,
		logger:   pkg.Component("system"),
	}
}

// WithRunner replaces the process runner.
func (e *Exec) WithRunner(r Runner) *Exec {
	e.run = r
	return e
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func (e *Exec) invoke(ctx context.Context, argv []string, extra ...string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("%w: empty command", types.ErrToolInvocationFailed)
	}
	args := append(append([]string(nil), argv[1:]...), extra...)
	e.logger.WithFields(logrus.Fields{"tool": argv[0], "args": strings.Join(args, " ")}).Debug("running tool")

	out, err := e.run(ctx, argv[0], args...)
	if err != nil {
		return string(out), &types.ToolError{Tool: argv[0], Args: args, Output: string(out), Err: err}
	}
	return string(out), nil
}

func (e *Exec) RebuildInitramfs(ctx context.Context) error {
	_, err := e.invoke(ctx, e.commands.Initramfs)
	return err
}

func (e *Exec) RefreshBootloader(ctx context.Context) error {
	_, err := e.invoke(ctx, e.commands.BootloaderRefresh)
	return err
}

func (e *Exec) LoadModule(ctx context.Context, name string) error {
	_, err := e.invoke(ctx, e.commands.Modprobe, name)
	return err
}

func (e *Exec) KernelLog(ctx context.Context) (string, error) {
	return e.invoke(ctx, e.commands.KernelLog)
}

func (e *Exec) ListPCI(ctx context.Context) (string, error) {
	return e.invoke(ctx, e.commands.Lspci)
}

func (e *Exec) DKMSAdd(ctx context.Context, sourceDir string) error {
	_, err := e.invoke(ctx, []string{e.commands.DKMS, "add", sourceDir})
	return err
}

func (e *Exec) DKMSBuild(ctx context.Context, name, version string) error {
	_, err := e.invoke(ctx, []string{e.commands.DKMS, "build", "-m", name, "-v", version}, kernelArgs()...)
	return err
}

func (e *Exec) DKMSInstall(ctx context.Context, name, version string) error {
	_, err := e.invoke(ctx, []string{e.commands.DKMS, "install", "-m", name, "-v", version}, kernelArgs()...)
	return err
}

func (e *Exec) DKMSRemove(ctx context.Context, name, version string) error {
	_, err := e.invoke(ctx, []string{e.commands.DKMS, "remove", "-m", name, "-v", version, "--all"})
	return err
}

// Reboot asks systemd to start reboot.target.
func (e *Exec) Reboot(ctx context.Context) error {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	e.logger.Warn("rebooting host")
	done := make(chan string, 1)
	if _, err := conn.StartUnitContext(ctx, "reboot.target", "replace-irreversibly", done); err != nil {
		return fmt.Errorf("start reboot.target: %w", err)
	}
	select {
	case result := <-done:
		if result != "done" {
			return fmt.Errorf("reboot.target job finished with %q", result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// kernelArgs pins dkms to the running kernel.
func kernelArgs() []string {
	release := KernelRelease()
	if release == "" {
		return nil
	}
	return []string{"-k", release}
}

// KernelRelease returns the running kernel's release string.
func KernelRelease() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return ""
	}
	return unix.ByteSliceToString(uts.Release[:])
}
