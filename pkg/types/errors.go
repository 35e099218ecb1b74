package types

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds shared by every component.
var (
	ErrDeviceNotFound       = errors.New("device not found")
	ErrNoGPUDetected        = errors.New("no GPU detected")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrAlreadyInState       = errors.New("already in requested state")
	ErrToolInvocationFailed = errors.New("tool invocation failed")
	ErrConfigLineAmbiguous  = errors.New("bootloader cmdline line is ambiguous")
	ErrConfigLineMissing    = errors.New("bootloader cmdline line not found")
)

// ToolError describes a failed external command.
type ToolError struct {
	Tool   string
	Args   []string
	Output string
	Err    error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Tool, strings.Join(e.Args, " "), e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

// Unwrap lets errors.Is match both the kind and the underlying exec error.
func (e *ToolError) Unwrap() []error {
	return []error{ErrToolInvocationFailed, e.Err}
}

// ActivationError is returned when configuration was written but the
// early-boot environment or bootloader could not be refreshed.
type ActivationError struct {
	Step string
	Err  error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("saved, not yet active: %s failed: %v", e.Step, e.Err)
}

func (e *ActivationError) Unwrap() error {
	return e.Err
}
