package system

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Recorder is an Actions implementation that records calls instead of
// running tools. Failures can be injected per call name.
type Recorder struct {
	mu        sync.Mutex
	Calls     []string
	Failures  map[string]error
	KernelMsg string
	LspciOut  string
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{Failures: map[string]error{}}
}

// FailOn makes every call whose name starts with prefix return err.
func (r *Recorder) FailOn(prefix string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failures[prefix] = err
}

// Count returns how many recorded calls start with prefix.
func (r *Recorder) Count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.Calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Reset clears the recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = nil
}

func (r *Recorder) record(format string, args ...interface{}) error {
	call := fmt.Sprintf(format, args...)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, call)
	for prefix, err := range r.Failures {
		if strings.HasPrefix(call, prefix) {
			return err
		}
	}
	return nil
}

func (r *Recorder) RebuildInitramfs(ctx context.Context) error {
	return r.record("initramfs")
}

func (r *Recorder) RefreshBootloader(ctx context.Context) error {
	return r.record("bootloader")
}

func (r *Recorder) LoadModule(ctx context.Context, name string) error {
	return r.record("modprobe %s", name)
}

func (r *Recorder) KernelLog(ctx context.Context) (string, error) {
	if err := r.record("kernel-log"); err != nil {
		return "", err
	}
	return r.KernelMsg, nil
}

func (r *Recorder) ListPCI(ctx context.Context) (string, error) {
	if err := r.record("lspci"); err != nil {
		return "", err
	}
	return r.LspciOut, nil
}

func (r *Recorder) DKMSAdd(ctx context.Context, sourceDir string) error {
	return r.record("dkms add %s", sourceDir)
}

func (r *Recorder) DKMSBuild(ctx context.Context, name, version string) error {
	return r.record("dkms build %s/%s", name, version)
}

func (r *Recorder) DKMSInstall(ctx context.Context, name, version string) error {
	return r.record("dkms install %s/%s", name, version)
}

func (r *Recorder) DKMSRemove(ctx context.Context, name, version string) error {
	return r.record("dkms remove %s/%s", name, version)
}

func (r *Recorder) Reboot(ctx context.Context) error {
	return r.record("reboot")
}
