// Package bootcfg edits the persistent boot configuration that decides
// which driver owns a GPU on the next boot: modprobe.d artifacts, the
// module autoload list and the bootloader kernel command line.
package bootcfg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"gpu-passthrough/internal/config"
	"gpu-passthrough/pkg"
	"gpu-passthrough/pkg/system"
	"gpu-passthrough/pkg/types"
)

// VFIOModules are the kernel modules loaded early for passthrough.
var VFIOModules = []string{"vfio", "vfio_iommu_type1", "vfio_pci", "vfio_virqfd"}

// NativeDrivers compete with vfio-pci for GPUs.
var NativeDrivers = []string{"nouveau", "amdgpu", "radeon"}

// ConsoleFlags keep a console visible when the boot GPU is lost.
var ConsoleFlags = []string{"video=efifb:force", "fbcon=map:1", "console=tty1"}

const managedHeader = "# Managed by vfioctl; local changes are overwritten.\n"

// Writer applies persistent boot configuration changes below cfg.Root.
type Writer struct {
	cfg       *config.Config
	actions   system.Actions
	cpuVendor string
	logger    *logrus.Entry
}

// NewWriter creates a writer. The CPU vendor is resolved on first use.
func NewWriter(cfg *config.Config, actions system.Actions) *Writer {
	return &Writer{
		cfg:     cfg,
		actions: actions,
		logger:  pkg.Component("bootcfg"),
	}
}

// RenderVFIOConfig returns the content of the vfio modprobe artifact.
func RenderVFIOConfig(ids []string) string {
	var b strings.Builder
	b.WriteString(managedHeader)
	for _, drv := range NativeDrivers {
		fmt.Fprintf(&b, "blacklist %s\n", drv)
	}
	for _, drv := range append(append([]string(nil), NativeDrivers...), "nvidia") {
		fmt.Fprintf(&b, "softdep %s pre: %s\n", drv, types.DriverVFIO)
	}
	fmt.Fprintf(&b, "options %s ids=%s disable_vga=1\n", types.DriverVFIO, strings.Join(ids, ","))
	return b.String()
}

// WriteVFIOConfig overwrites the vfio artifact so it exactly matches ids.
func (w *Writer) WriteVFIOConfig(ids []string) (bool, error) {
	if len(ids) == 0 {
		return false, fmt.Errorf("no hardware ids to configure")
	}
	path := w.cfg.ModprobePath(w.cfg.Paths.VFIOConf)
	changed, err := writeFile(path, []byte(RenderVFIOConfig(ids)), 0o644)
	if err != nil {
		return false, err
	}
	if changed {
		w.logger.WithFields(logrus.Fields{"path": path, "ids": strings.Join(ids, ",")}).Info("wrote vfio config")
	}
	return changed, nil
}

// RemoveVFIOConfig deletes the vfio artifact.
func (w *Writer) RemoveVFIOConfig() (bool, error) {
	return w.RemoveArtifact(w.cfg.Paths.VFIOConf)
}

// WriteArtifact writes a modprobe.d file by name.
func (w *Writer) WriteArtifact(name, content string) (bool, error) {
	path := w.cfg.ModprobePath(name)
	changed, err := writeFile(path, []byte(managedHeader+content), 0o644)
	if err != nil {
		return false, err
	}
	if changed {
		w.logger.WithField("path", path).Info("wrote modprobe artifact")
	}
	return changed, nil
}

// RemoveArtifact deletes a modprobe.d file by name; absence is success.
func (w *Writer) RemoveArtifact(name string) (bool, error) {
	path := w.cfg.ModprobePath(name)
	removed, err := removeFile(path)
	if removed {
		w.logger.WithField("path", path).Info("removed modprobe artifact")
	}
	return removed, err
}

// EnsureModuleAutoload appends missing modules to the autoload list and
// returns the ones it added.
func (w *Writer) EnsureModuleAutoload(modules ...string) ([]string, error) {
	if len(modules) == 0 {
		modules = VFIOModules
	}
	path := w.cfg.Path(w.cfg.Paths.ModulesFile)
	content, err := readFile(path)
	if err != nil {
		return nil, err
	}

	present := autoloadModules(content)
	var added []string
	for _, m := range modules {
		if _, ok := present[m]; ok {
			continue
		}
		present[m] = struct{}{}
		added = append(added, m)
	}
	if len(added) == 0 {
		return nil, nil
	}

	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += strings.Join(added, "\n") + "\n"
	if _, err := writeFile(path, []byte(content), 0o644); err != nil {
		return nil, err
	}
	w.logger.WithFields(logrus.Fields{"path": path, "modules": strings.Join(added, ",")}).Info("added modules to autoload list")
	return added, nil
}

// RemoveModuleAutoload drops the named modules from the autoload list.
func (w *Writer) RemoveModuleAutoload(modules ...string) ([]string, error) {
	path := w.cfg.Path(w.cfg.Paths.ModulesFile)
	content, err := readFile(path)
	if err != nil || content == "" {
		return nil, err
	}

	drop := make(map[string]struct{}, len(modules))
	for _, m := range modules {
		drop[m] = struct{}{}
	}
	var kept, removed []string
	for _, line := range strings.SplitAfter(content, "\n") {
		if line == "" {
			continue
		}
		if name := moduleName(line); name != "" {
			if _, ok := drop[name]; ok {
				removed = append(removed, name)
				continue
			}
		}
		kept = append(kept, line)
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if _, err := writeFile(path, []byte(strings.Join(kept, "")), 0o644); err != nil {
		return nil, err
	}
	w.logger.WithFields(logrus.Fields{"path": path, "modules": strings.Join(removed, ",")}).Info("removed modules from autoload list")
	return removed, nil
}

// ModulesFileExists reports whether the autoload list is present.
func (w *Writer) ModulesFileExists() bool {
	_, err := os.Stat(w.cfg.Path(w.cfg.Paths.ModulesFile))
	return err == nil
}

// RemoveEmptyModulesFile deletes the autoload list when it holds nothing
// but whitespace.
func (w *Writer) RemoveEmptyModulesFile() (bool, error) {
	path := w.cfg.Path(w.cfg.Paths.ModulesFile)
	content, err := readFile(path)
	if err != nil || strings.TrimSpace(content) != "" {
		return false, err
	}
	removed, err := removeFile(path)
	if removed {
		w.logger.WithField("path", path).Info("removed empty autoload list")
	}
	return removed, err
}

func autoloadModules(content string) map[string]struct{} {
	present := map[string]struct{}{}
	for _, line := range strings.Split(content, "\n") {
		if name := moduleName(line); name != "" {
			present[name] = struct{}{}
		}
	}
	return present
}

// moduleName returns the module on an /etc/modules line, "" for comments.
func moduleName(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	return strings.Fields(line)[0]
}

// CPUVendor returns the resolved CPU vendor.
func (w *Writer) CPUVendor() (string, error) {
	if w.cpuVendor == "" {
		v, err := DetectCPUVendor(w.cfg.CPUVendor)
		if err != nil {
			return "", err
		}
		w.cpuVendor = v
	}
	return w.cpuVendor, nil
}

// IOMMUFlags returns the IOMMU flags for this host.
func (w *Writer) IOMMUFlags() ([]string, error) {
	vendor, err := w.CPUVendor()
	if err != nil {
		return nil, err
	}
	return IOMMUFlags(vendor), nil
}

// EnsureIOMMUCmdline adds the vendor IOMMU flag and iommu=pt.
func (w *Writer) EnsureIOMMUCmdline() ([]string, error) {
	flags, err := w.IOMMUFlags()
	if err != nil {
		return nil, err
	}
	return w.AddFlag(flags...)
}

// AddFlag appends each flag missing from the cmdline line and returns the
// ones added. A missing line is created or rejected per configuration.
func (w *Writer) AddFlag(flags ...string) ([]string, error) {
	var added []string
	err := w.editCmdline(true, func(tokens []string) []string {
		tokens, added = AddTokens(tokens, flags...)
		return tokens
	})
	if err != nil {
		return nil, err
	}
	if len(added) > 0 {
		w.logger.WithField("flags", strings.Join(added, " ")).Info("added kernel parameters")
	}
	return added, nil
}

// RemoveFlag strips flags from the cmdline line and returns the ones
// removed. A missing line has nothing to remove.
func (w *Writer) RemoveFlag(flags ...string) ([]string, error) {
	var removed []string
	err := w.editCmdline(false, func(tokens []string) []string {
		tokens, removed = RemoveTokens(tokens, flags...)
		return tokens
	})
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		w.logger.WithField("flags", strings.Join(removed, " ")).Info("removed kernel parameters")
	}
	return removed, nil
}

func (w *Writer) editCmdline(create bool, edit func([]string) []string) error {
	path := w.cfg.Path(w.cfg.Paths.BootloaderFile)
	key := w.cfg.Bootloader.CmdlineKey
	content, err := readFile(path)
	if err != nil {
		return err
	}

	lines := strings.Split(content, "\n")
	idx, err := FindCmdlineLine(lines, key)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	if idx < 0 {
		if !create {
			return nil
		}
		if w.cfg.Bootloader.MissingLine == config.MissingLineFail {
			return fmt.Errorf("%w: %s in %s", types.ErrConfigLineMissing, key, path)
		}
		tokens := edit(nil)
		if len(tokens) == 0 {
			return nil
		}
		eol := lineEnding(content)
		line := CmdlineLine{Key: key, Quote: `"`, Tokens: tokens}.String()
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += eol
		}
		w.logger.WithFields(logrus.Fields{"path": path, "key": key}).Info("creating missing cmdline line")
		_, err := writeFile(path, []byte(content+line+eol), 0o644)
		return err
	}

	parsed, _, err := ParseCmdlineLine(lines[idx], key)
	if err != nil {
		return fmt.Errorf("%s line %d: %w", path, idx+1, err)
	}
	before := strings.Join(parsed.Tokens, " ")
	parsed.Tokens = edit(parsed.Tokens)
	if strings.Join(parsed.Tokens, " ") == before {
		return nil
	}
	lines[idx] = parsed.String()
	_, err = writeFile(path, []byte(strings.Join(lines, "\n")), 0o644)
	return err
}

// lineEnding returns "\r\n" for files that already use it.
func lineEnding(content string) string {
	if strings.Contains(content, "\r\n") {
		return "\r\n"
	}
	return "\n"
}

// RemoveEmptyCmdline deletes the cmdline line when it carries no flags and
// nothing else. It undoes the line AddFlag creates for a missing key.
func (w *Writer) RemoveEmptyCmdline() (bool, error) {
	path := w.cfg.Path(w.cfg.Paths.BootloaderFile)
	key := w.cfg.Bootloader.CmdlineKey
	content, err := readFile(path)
	if err != nil {
		return false, err
	}
	lines := strings.Split(content, "\n")
	idx, err := FindCmdlineLine(lines, key)
	if err != nil || idx < 0 {
		return false, err
	}
	parsed, _, err := ParseCmdlineLine(lines[idx], key)
	if err != nil {
		return false, fmt.Errorf("%s line %d: %w", path, idx+1, err)
	}
	if len(parsed.Tokens) > 0 || strings.TrimSpace(parsed.Suffix) != "" {
		return false, nil
	}
	lines = append(lines[:idx], lines[idx+1:]...)
	if _, err := writeFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return false, err
	}
	w.logger.WithFields(logrus.Fields{"path": path, "key": key}).Info("removed empty cmdline line")
	return true, nil
}

// CmdlineLine returns the raw bootloader cmdline line for auditing.
func (w *Writer) CmdlineLine() (string, error) {
	path := w.cfg.Path(w.cfg.Paths.BootloaderFile)
	content, err := readFile(path)
	if err != nil {
		return "", err
	}
	lines := strings.Split(content, "\n")
	idx, err := FindCmdlineLine(lines, w.cfg.Bootloader.CmdlineKey)
	if err != nil {
		return "", err
	}
	if idx < 0 {
		return "", fmt.Errorf("%w: %s in %s", types.ErrConfigLineMissing, w.cfg.Bootloader.CmdlineKey, path)
	}
	return strings.TrimSuffix(lines[idx], "\r"), nil
}

// CheckCmdline reports, without writing, whether AddFlag would fail on
// the current bootloader file, and whether the cmdline line exists.
func (w *Writer) CheckCmdline() (bool, error) {
	line, err := w.CmdlineLine()
	switch {
	case err == nil:
		_, _, err = ParseCmdlineLine(line, w.cfg.Bootloader.CmdlineKey)
		return true, err
	case errors.Is(err, types.ErrConfigLineMissing) && w.cfg.Bootloader.MissingLine != config.MissingLineFail:
		return false, nil
	default:
		return false, err
	}
}

// CmdlineTokens returns the flags currently on the cmdline line.
func (w *Writer) CmdlineTokens() ([]string, error) {
	line, err := w.CmdlineLine()
	if err != nil {
		return nil, err
	}
	parsed, _, err := ParseCmdlineLine(line, w.cfg.Bootloader.CmdlineKey)
	if err != nil {
		return nil, err
	}
	return parsed.Tokens, nil
}

// Activate rebuilds the initramfs and refreshes the bootloader. Both steps
// are attempted; failures come back as *types.ActivationError.
func (w *Writer) Activate(ctx context.Context) error {
	var steps []string
	var errs []error

	w.logger.Info("rebuilding initramfs")
	if err := w.actions.RebuildInitramfs(ctx); err != nil {
		steps = append(steps, "initramfs rebuild")
		errs = append(errs, err)
		w.logger.WithError(err).Warn("initramfs rebuild failed")
	}
	w.logger.Info("refreshing bootloader configuration")
	if err := w.actions.RefreshBootloader(ctx); err != nil {
		steps = append(steps, "bootloader refresh")
		errs = append(errs, err)
		w.logger.WithError(err).Warn("bootloader refresh failed")
	}

	if len(errs) > 0 {
		return &types.ActivationError{Step: strings.Join(steps, " and "), Err: errors.Join(errs...)}
	}
	return nil
}

// UdevRulePath returns the reset-method udev rule path.
func (w *Writer) UdevRulePath() string {
	return w.cfg.Path(filepath.Join(w.cfg.Paths.UdevRulesDir, w.cfg.Paths.ResetRule))
}

// WriteUdevRule writes the reset-method udev rule.
func (w *Writer) WriteUdevRule(content string) (bool, error) {
	path := w.UdevRulePath()
	changed, err := writeFile(path, []byte(managedHeader+content), 0o644)
	if changed {
		w.logger.WithField("path", path).Info("wrote udev rule")
	}
	return changed, err
}

// RemoveUdevRule deletes the reset-method udev rule.
func (w *Writer) RemoveUdevRule() (bool, error) {
	path := w.UdevRulePath()
	removed, err := removeFile(path)
	if removed {
		w.logger.WithField("path", path).Info("removed udev rule")
	}
	return removed, err
}

// ManagedFiles lists every file the writer may touch.
func (w *Writer) ManagedFiles() []string {
	return []string{
		w.cfg.ModprobePath(w.cfg.Paths.VFIOConf),
		w.cfg.ModprobePath(w.cfg.Paths.NouveauBlacklist),
		w.cfg.ModprobePath(w.cfg.Paths.AMDBlacklist),
		w.cfg.Path(w.cfg.Paths.ModulesFile),
		w.cfg.Path(w.cfg.Paths.BootloaderFile),
		w.UdevRulePath(),
	}
}

// Snapshot returns the content of every managed file that exists, keyed
// by path.
func (w *Writer) Snapshot() (map[string]string, error) {
	snap := map[string]string{}
	for _, path := range w.ManagedFiles() {
		content, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if content != "" {
			snap[path] = content
		}
	}
	return snap, nil
}
