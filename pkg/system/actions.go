// Package system wraps every external tool the passthrough code invokes.
// Components depend on the Actions interface so tests can substitute the
// Recorder instead of touching the host.
package system

import "context"

// Actions is the set of blocking host-side effects.
type Actions interface {
	// RebuildInitramfs regenerates the early-boot environment for all kernels.
	RebuildInitramfs(ctx context.Context) error
	// RefreshBootloader regenerates the bootloader's cached configuration.
	RefreshBootloader(ctx context.Context) error
	// LoadModule loads a kernel module at runtime.
	LoadModule(ctx context.Context, name string) error
	// KernelLog returns the kernel ring buffer.
	KernelLog(ctx context.Context) (string, error)
	// ListPCI returns raw `lspci -Dnn` style output.
	ListPCI(ctx context.Context) (string, error)

	DKMSAdd(ctx context.Context, sourceDir string) error
	DKMSBuild(ctx context.Context, name, version string) error
	DKMSInstall(ctx context.Context, name, version string) error
	DKMSRemove(ctx context.Context, name, version string) error

	// Reboot restarts the host. Callers must confirm with the user first.
	Reboot(ctx context.Context) error
}
