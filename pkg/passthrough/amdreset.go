package passthrough

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-ini/ini"

	"gpu-passthrough/pkg/bootcfg"
	"gpu-passthrough/pkg/types"
)

// ResetMethod is the PCI reset strategy written to reset_method.
type ResetMethod string

const (
	ResetDeviceSpecific ResetMethod = "device_specific"
	ResetFLR            ResetMethod = "flr"
	ResetBus            ResetMethod = "bus"
)

// ResetModule is the autoloaded module implementing the workaround.
const ResetModule = "vendor-reset"

// ParseResetMethod validates a reset method name.
func ParseResetMethod(s string) (ResetMethod, error) {
	switch m := ResetMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case ResetDeviceSpecific, ResetFLR, ResetBus:
		return m, nil
	case "":
		return ResetDeviceSpecific, nil
	default:
		return "", fmt.Errorf("unknown reset method %q (want device_specific, flr or bus)", s)
	}
}

// ResetOptions configures the AMD reset workaround install.
type ResetOptions struct {
	// SourceDir holds the module source and its dkms.conf.
	SourceDir string
	Method    ResetMethod
	// Address of the AMD GPU; empty selects the only AMD GPU.
	Address string
}

// DKMSPackage identifies a dkms module.
type DKMSPackage struct {
	Name    string
	Version string
}

// ReadDKMSConf reads PACKAGE_NAME and PACKAGE_VERSION from dkms.conf.
func ReadDKMSConf(sourceDir string) (DKMSPackage, error) {
	path := filepath.Join(sourceDir, "dkms.conf")
	conf, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, path)
	if err != nil {
		return DKMSPackage{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	section := conf.Section(ini.DEFAULT_SECTION)
	mod := DKMSPackage{
		Name:    strings.Trim(section.Key("PACKAGE_NAME").String(), `"'`),
		Version: strings.Trim(section.Key("PACKAGE_VERSION").String(), `"'`),
	}
	if mod.Name == "" || mod.Version == "" {
		return DKMSPackage{}, fmt.Errorf("%s: PACKAGE_NAME and PACKAGE_VERSION are required", path)
	}
	return mod, nil
}

// ResetUdevRule returns a udev rule applying method to the device id.
func ResetUdevRule(vendor, device string, method ResetMethod) string {
	return fmt.Sprintf("ACTION==\"add\", SUBSYSTEM==\"pci\", ATTR{vendor}==\"0x%s\", ATTR{device}==\"0x%s\", ATTR{reset_method}=\"%s\"\n",
		types.NormalizeHex(vendor), types.NormalizeHex(device), method)
}

// InstallResetWorkaround builds and installs the vendor-reset module with
// dkms, loads it at boot and selects the reset method for the GPU.
func (o *Orchestrator) InstallResetWorkaround(ctx context.Context, opts ResetOptions) (*types.Outcome, error) {
	out := types.NewOutcome(OpResetInstall)
	out.RebootRequired = true

	method, err := ParseResetMethod(string(opts.Method))
	if err != nil {
		out.Fail()
		return out, err
	}
	dev, err := o.inv.Select(ctx, opts.Address, "amd")
	if err != nil {
		out.Fail()
		return out, err
	}
	if dev.VendorID != types.VendorAMD {
		out.Fail()
		return out, fmt.Errorf("%s is not an AMD GPU (vendor %s)", dev.PCIAddress, dev.VendorID)
	}
	mod, err := ReadDKMSConf(opts.SourceDir)
	if err != nil {
		out.Fail()
		return out, err
	}

	lock, err := o.lock(ctx)
	if err != nil {
		out.Fail()
		return out, err
	}
	defer lock.Release()
	if err := ctx.Err(); err != nil {
		out.Fail()
		return out, err
	}
	ctx = context.WithoutCancel(ctx)

	log := o.logger.WithField("device", dev.PCIAddress).WithField("module", mod.Name+"/"+mod.Version)
	log.Info("installing reset workaround")

	if err := o.actions.DKMSAdd(ctx, opts.SourceDir); err != nil {
		if !toolOutputContains(err, "already added", "already contains") {
			out.Fail()
			return out, err
		}
		log.Debug("module already added to dkms")
	}
	if err := o.actions.DKMSBuild(ctx, mod.Name, mod.Version); err != nil {
		out.Fail()
		return out, err
	}
	if err := o.actions.DKMSInstall(ctx, mod.Name, mod.Version); err != nil {
		out.Fail()
		return out, err
	}
	out.Changed(fmt.Sprintf("installed %s/%s with dkms", mod.Name, mod.Version))

	added, err := o.writer.EnsureModuleAutoload(ResetModule)
	if err != nil {
		out.Fail()
		return out, err
	}
	if len(added) > 0 {
		out.Changed("autoload modules added: " + strings.Join(added, " "))
	}

	if changed, err := o.writer.WriteUdevRule(ResetUdevRule(dev.VendorID, dev.DeviceID, method)); err != nil {
		out.Fail()
		return out, err
	} else if changed {
		out.Changed(fmt.Sprintf("udev rule selects %s reset for %s", method, dev.HardwareID()))
	}

	if err := o.applyResetMethod(dev.PCIAddress, method); err != nil {
		out.Warn(err.Error())
	}

	if err := o.recordReset(&bootcfg.ResetRecord{
		Module:  mod.Name,
		Version: mod.Version,
		Method:  string(method),
		Device:  dev.PCIAddress,
	}); err != nil {
		out.Warn(fmt.Sprintf("could not record reset workaround: %v", err))
	}

	o.activate(ctx, out)
	return out, nil
}

// applyResetMethod selects the method now when the kernel exposes
// reset_method for the device.
func (o *Orchestrator) applyResetMethod(addr string, method ResetMethod) error {
	path := filepath.Join(o.inv.DevicePath(addr), "reset_method")
	if _, err := o.inv.FS().Stat(path); err != nil {
		o.logger.WithField("device", addr).Debug("reset_method not available, relying on udev at next boot")
		return nil
	}
	if err := o.inv.FS().WriteFile(path, []byte(method)); err != nil {
		return fmt.Errorf("could not set reset method on %s now: %v", addr, err)
	}
	o.logger.WithField("device", addr).WithField("method", method).Info("reset method applied")
	return nil
}

func (o *Orchestrator) recordReset(rec *bootcfg.ResetRecord) error {
	ledger, err := bootcfg.LoadLedger(o.ledgerPath())
	if err != nil || ledger == nil {
		ledger = &bootcfg.Ledger{}
	}
	ledger.Reset = rec
	if ledger.Empty() {
		return bootcfg.RemoveLedger(o.ledgerPath())
	}
	return bootcfg.SaveLedger(o.ledgerPath(), ledger)
}

// RemoveResetWorkaround reverses InstallResetWorkaround. The module to
// remove comes from the ledger, or from sourceDir's dkms.conf.
func (o *Orchestrator) RemoveResetWorkaround(ctx context.Context, sourceDir string) (*types.Outcome, error) {
	out := types.NewOutcome(OpResetRemove)

	var mod DKMSPackage
	ledger, err := bootcfg.LoadLedger(o.ledgerPath())
	if err != nil {
		out.Warn(fmt.Sprintf("ignoring unreadable ledger: %v", err))
	}
	switch {
	case ledger != nil && ledger.Reset != nil:
		mod = DKMSPackage{Name: ledger.Reset.Module, Version: ledger.Reset.Version}
	case sourceDir != "":
		if mod, err = ReadDKMSConf(sourceDir); err != nil {
			out.Fail()
			return out, err
		}
	}

	lock, err := o.lock(ctx)
	if err != nil {
		out.Fail()
		return out, err
	}
	defer lock.Release()
	if err := ctx.Err(); err != nil {
		out.Fail()
		return out, err
	}
	ctx = context.WithoutCancel(ctx)

	if mod.Name != "" {
		err := o.actions.DKMSRemove(ctx, mod.Name, mod.Version)
		switch {
		case err == nil:
			out.Changed(fmt.Sprintf("removed %s/%s from dkms", mod.Name, mod.Version))
		case toolOutputContains(err, "There is no instance", "is not located in the DKMS tree", "not found"):
			o.logger.WithField("module", mod.Name).Debug("module already removed from dkms")
		default:
			out.Fail()
			return out, err
		}
	} else {
		out.Warn("no installed reset module recorded; pass the source directory to remove it from dkms")
	}

	removed, err := o.writer.RemoveModuleAutoload(ResetModule)
	if err != nil {
		out.Fail()
		return out, err
	}
	if len(removed) > 0 {
		out.Changed("autoload modules removed: " + ResetModule)
	}
	if gone, err := o.writer.RemoveUdevRule(); err != nil {
		out.Fail()
		return out, err
	} else if gone {
		out.Changed("removed reset udev rule")
	}

	if err := o.recordReset(nil); err != nil {
		out.Warn(fmt.Sprintf("could not update ledger: %v", err))
	}

	if out.Status == types.StatusNoop {
		return out, nil
	}
	out.RebootRequired = true
	o.activate(ctx, out)
	return out, nil
}

func toolOutputContains(err error, needles ...string) bool {
	var toolErr *types.ToolError
	if !errors.As(err, &toolErr) {
		return false
	}
	for _, n := range needles {
		if strings.Contains(toolErr.Output, n) {
			return true
		}
	}
	return false
}
