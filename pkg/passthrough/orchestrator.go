// Package passthrough composes the inventory, the persistent configuration
// writer and the runtime binder into the Enable, Disable, Rescue and
// RuntimeRebind operations.
package passthrough

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"gpu-passthrough/internal/config"
	"gpu-passthrough/pkg"
	"gpu-passthrough/pkg/binder"
	"gpu-passthrough/pkg/bootcfg"
	"gpu-passthrough/pkg/diagnostics"
	"gpu-passthrough/pkg/pci"
	"gpu-passthrough/pkg/system"
	"gpu-passthrough/pkg/types"
)

// Operation names reported in outcomes.
const (
	OpEnable        = "enable"
	OpDisable       = "disable"
	OpRescue        = "rescue"
	OpRuntimeRebind = "runtime-rebind"
	OpResetInstall  = "amd-reset-install"
	OpResetRemove   = "amd-reset-remove"
)

// EnableOptions selects the device and the extras of an Enable.
type EnableOptions struct {
	// Address of the GPU; empty selects the only GPU matching Vendor.
	Address string
	// Vendor filter (nvidia, amd or a hex vendor id) for selection.
	Vendor       string
	IncludeAudio bool
	// StrictGroups aborts before any change when the target leaves part of
	// its IOMMU group behind.
	StrictGroups bool
	// Runtime also rebinds the target to vfio-pci in this session.
	Runtime bool
}

// Orchestrator runs passthrough operations. Operations are synchronous;
// cross-process exclusion comes from the boot-configuration lock.
type Orchestrator struct {
	cfg     *config.Config
	inv     *pci.Inventory
	writer  *bootcfg.Writer
	binder  *binder.Binder
	diag    *diagnostics.Diagnostics
	actions system.Actions
	hooks   []VendorHook
	logger  *logrus.Entry
}

// New wires an orchestrator from its collaborators.
func New(cfg *config.Config, inv *pci.Inventory, writer *bootcfg.Writer, actions system.Actions) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		inv:     inv,
		writer:  writer,
		binder:  binder.New(inv),
		diag:    diagnostics.New(cfg, inv, writer, actions),
		actions: actions,
		hooks:   DefaultHooks(cfg),
		logger:  pkg.Component("orchestrator"),
	}
}

// WithHooks replaces the vendor hooks.
func (o *Orchestrator) WithHooks(hooks ...VendorHook) *Orchestrator {
	o.hooks = hooks
	return o
}

func (o *Orchestrator) lock(ctx context.Context) (*bootcfg.Lock, error) {
	return bootcfg.AcquireLock(ctx, o.cfg.Path(o.cfg.Paths.LockFile))
}

func (o *Orchestrator) ledgerPath() string {
	return o.cfg.Path(o.cfg.Paths.LedgerFile)
}

// Enable configures the selected GPU for vfio-pci from the next boot.
func (o *Orchestrator) Enable(ctx context.Context, opts EnableOptions) (*types.Outcome, error) {
	out := types.NewOutcome(OpEnable)
	out.RebootRequired = true

	dev, err := o.inv.Select(ctx, opts.Address, opts.Vendor)
	if err != nil {
		out.Fail()
		return out, err
	}
	target := types.NewPassthroughTarget(dev, opts.IncludeAudio)
	out.Target = &target
	log := o.logger.WithFields(logrus.Fields{"device": dev.PCIAddress, "ids": target.IDList()})
	if opts.IncludeAudio && dev.AudioFunction != "" && len(target.IDs) == 1 {
		out.Warn(fmt.Sprintf("audio function %s has unreadable ids and is not part of the target", dev.AudioFunction))
	}

	issues := o.diag.CheckTarget(target)
	for _, issue := range issues {
		out.Warn(issue.String())
	}
	if opts.StrictGroups && diagnostics.Incomplete(issues) {
		out.Fail()
		return out, fmt.Errorf("refusing partial IOMMU group passthrough for %s", dev.PCIAddress)
	}

	var hooks []VendorHook
	for _, h := range o.hooks {
		if h.Matches(dev) {
			hooks = append(hooks, h)
		}
	}
	iommuFlags, err := o.writer.IOMMUFlags()
	if err != nil {
		out.Fail()
		return out, err
	}
	lineExists, err := o.writer.CheckCmdline()
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
	// Past this point the sequence runs to completion.
	ctx = context.WithoutCancel(ctx)

	log.Info("enabling passthrough")
	owned := bootcfg.Ledger{Target: target.IDs}
	modulesExisted := o.writer.ModulesFileExists()
	recorded := false
	defer func() {
		if recorded {
			return
		}
		partial := owned
		partial.Target = nil
		if !partial.OwnsConfig() {
			return
		}
		if err := o.recordOwnership(partial); err != nil {
			log.WithError(err).Warn("could not record partially applied configuration")
		}
	}()

	changed, err := o.writer.WriteVFIOConfig(target.IDs)
	if err != nil {
		out.Fail()
		return out, err
	}
	if changed {
		out.Changed("vfio-pci options set to ids=" + target.IDList())
	}

	added, err := o.writer.EnsureModuleAutoload(bootcfg.VFIOModules...)
	if err != nil {
		out.Fail()
		return out, err
	}
	owned.Modules = added
	owned.CreatedModulesFile = !modulesExisted && len(added) > 0
	if len(added) > 0 {
		out.Changed("autoload modules added: " + strings.Join(added, " "))
	}

	flags, err := o.writer.AddFlag(iommuFlags...)
	if err != nil {
		out.Fail()
		return out, err
	}
	owned.Flags = flags
	owned.CreatedLine = !lineExists && len(flags) > 0

	for _, h := range hooks {
		for _, name := range artifactNames(h) {
			changed, err := o.writer.WriteArtifact(name, h.Artifacts()[name])
			if err != nil {
				out.Fail()
				return out, fmt.Errorf("%s hook: %w", h.Name(), err)
			}
			owned.Artifacts = append(owned.Artifacts, name)
			if changed {
				out.Changed(fmt.Sprintf("%s hook wrote %s", h.Name(), name))
			}
		}
		hookFlags, err := o.writer.AddFlag(h.Flags()...)
		if err != nil {
			out.Fail()
			return out, fmt.Errorf("%s hook: %w", h.Name(), err)
		}
		owned.Flags = append(owned.Flags, hookFlags...)
		owned.CreatedLine = owned.CreatedLine || (!lineExists && len(hookFlags) > 0)
	}
	if len(owned.Flags) > 0 {
		out.Changed("kernel parameters added: " + strings.Join(owned.Flags, " "))
	}

	recorded = true
	if err := o.recordOwnership(owned); err != nil {
		out.Warn(fmt.Sprintf("could not record owned configuration, disable will fall back to defaults: %v", err))
	}

	o.activate(ctx, out)

	if opts.Runtime {
		rebind, err := o.rebind(ctx, dev, opts.IncludeAudio)
		for _, c := range rebind.Changes {
			out.Changed(c)
		}
		out.Warnings = append(out.Warnings, rebind.Warnings...)
		if err != nil {
			out.Warn(fmt.Sprintf("runtime rebind failed: %v", err))
		}
	}
	return out, nil
}

func (o *Orchestrator) recordOwnership(owned bootcfg.Ledger) error {
	ledger, err := bootcfg.LoadLedger(o.ledgerPath())
	if err != nil {
		o.logger.WithError(err).Warn("discarding unreadable ledger")
	}
	if ledger == nil {
		ledger = &bootcfg.Ledger{}
	}
	ledger.Merge(owned)
	return bootcfg.SaveLedger(o.ledgerPath(), ledger)
}

// activate refreshes the boot environment, turning a failure into a
// "saved, not yet active" warning.
func (o *Orchestrator) activate(ctx context.Context, out *types.Outcome) {
	err := o.writer.Activate(ctx)
	var actErr *types.ActivationError
	switch {
	case err == nil:
		out.Activated = true
	case errors.As(err, &actErr):
		out.Warn(actErr.Error())
	default:
		out.Warn(fmt.Sprintf("saved, not yet active: %v", err))
	}
}

// Disable removes the vfio configuration and the flags this tool added.
// The device returns to its native driver on the next boot.
func (o *Orchestrator) Disable(ctx context.Context) (*types.Outcome, error) {
	out := types.NewOutcome(OpDisable)

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

	ledger, err := bootcfg.LoadLedger(o.ledgerPath())
	if err != nil {
		out.Warn(fmt.Sprintf("ignoring unreadable ledger: %v", err))
		ledger = nil
	}

	var flags, modules, artifacts []string
	var createdLine, createdModules bool
	if ledger != nil && ledger.HasPassthrough() {
		flags, modules, artifacts = ledger.Flags, ledger.Modules, ledger.Artifacts
		createdLine, createdModules = ledger.CreatedLine, ledger.CreatedModulesFile
	} else {
		o.logger.Info("no ownership ledger, removing the default owned configuration")
		flags = append(append(flags, bootcfg.IOMMUFlags(bootcfg.CPUIntel)...), bootcfg.IOMMUFlags(bootcfg.CPUAMD)...)
		for _, h := range o.hooks {
			flags = append(flags, h.Flags()...)
			artifacts = append(artifacts, artifactNames(h)...)
		}
	}

	removed, err := o.writer.RemoveVFIOConfig()
	if err != nil {
		out.Fail()
		return out, err
	}
	if removed {
		out.Changed("removed " + o.cfg.Paths.VFIOConf)
	}
	for _, name := range artifacts {
		removed, err := o.writer.RemoveArtifact(name)
		if err != nil {
			out.Fail()
			return out, err
		}
		if removed {
			out.Changed("removed " + name)
		}
	}

	if len(modules) > 0 {
		gone, err := o.writer.RemoveModuleAutoload(modules...)
		if err != nil {
			out.Fail()
			return out, err
		}
		if len(gone) > 0 {
			out.Changed("autoload modules removed: " + strings.Join(gone, " "))
		}
	}
	if createdModules {
		removed, err := o.writer.RemoveEmptyModulesFile()
		if err != nil {
			out.Fail()
			return out, err
		}
		if removed {
			out.Changed("removed " + o.cfg.Paths.ModulesFile)
		}
	}

	gone, err := o.writer.RemoveFlag(flags...)
	if err != nil {
		out.Fail()
		return out, err
	}
	if len(gone) > 0 {
		out.Changed("kernel parameters removed: " + strings.Join(gone, " "))
	}
	if createdLine {
		removed, err := o.writer.RemoveEmptyCmdline()
		if err != nil {
			out.Fail()
			return out, err
		}
		if removed {
			out.Changed("removed empty " + o.cfg.Bootloader.CmdlineKey + " line")
		}
	}

	if ledger != nil {
		ledger.ClearPassthrough()
		if ledger.Empty() {
			err = bootcfg.RemoveLedger(o.ledgerPath())
		} else {
			err = bootcfg.SaveLedger(o.ledgerPath(), ledger)
		}
		if err != nil {
			out.Warn(fmt.Sprintf("could not update ledger: %v", err))
		}
	}

	if out.Status == types.StatusNoop {
		o.logger.Info("passthrough was not configured")
		return out, nil
	}
	out.RebootRequired = true
	o.activate(ctx, out)
	return out, nil
}

// Rescue removes every blacklist artifact, forces a visible console and
// refreshes the boot environment. It reads no device state, treats files
// that are already gone as success and keeps going past errors; an
// artifact it could not remove or console flags it could not write fail
// the outcome once every step has run.
func (o *Orchestrator) Rescue(ctx context.Context) (*types.Outcome, error) {
	out := types.NewOutcome(OpRescue)
	out.RebootRequired = true

	lock, err := o.lock(ctx)
	if err != nil {
		o.logger.WithError(err).Warn("proceeding without the configuration lock")
		out.Warn(fmt.Sprintf("proceeding without the configuration lock: %v", err))
	} else {
		defer lock.Release()
	}
	ctx = context.WithoutCancel(ctx)

	names := []string{o.cfg.Paths.VFIOConf, o.cfg.Paths.NouveauBlacklist, o.cfg.Paths.AMDBlacklist}
	for _, h := range o.hooks {
		names = append(names, artifactNames(h)...)
	}
	var errs []error
	seen := map[string]bool{}
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		removed, err := o.writer.RemoveArtifact(name)
		if err != nil {
			out.Warn(err.Error())
			errs = append(errs, err)
			continue
		}
		if removed {
			out.Changed("removed " + name)
		}
	}

	added, err := o.writer.AddFlag(bootcfg.ConsoleFlags...)
	if err != nil {
		out.Warn(fmt.Sprintf("could not add console parameters: %v", err))
		errs = append(errs, fmt.Errorf("console parameters: %w", err))
	} else if len(added) > 0 {
		out.Changed("kernel parameters added: " + strings.Join(added, " "))
	}

	o.activate(ctx, out)
	if len(errs) > 0 {
		out.Fail()
		return out, errors.Join(errs...)
	}
	if out.Status == types.StatusNoop && out.Activated {
		out.Status = types.StatusSuccess
	}
	return out, nil
}

// RuntimeRebind moves the device (and its audio function when requested)
// to vfio-pci now. Nothing is persisted.
func (o *Orchestrator) RuntimeRebind(ctx context.Context, addr string, includeAudio bool) (*types.Outcome, error) {
	dev, err := o.inv.Get(ctx, addr)
	if err != nil {
		out := types.NewOutcome(OpRuntimeRebind)
		out.Fail()
		return out, err
	}
	if err := ctx.Err(); err != nil {
		out := types.NewOutcome(OpRuntimeRebind)
		out.Fail()
		return out, err
	}
	return o.rebind(context.WithoutCancel(ctx), dev, includeAudio)
}

type rebindStep struct {
	addr, vendor, device string
}

func (o *Orchestrator) rebind(ctx context.Context, dev types.GpuDevice, includeAudio bool) (*types.Outcome, error) {
	out := types.NewOutcome(OpRuntimeRebind)
	target := types.NewPassthroughTarget(dev, includeAudio)
	out.Target = &target

	if err := o.actions.LoadModule(ctx, types.DriverVFIO); err != nil {
		out.Warn(fmt.Sprintf("could not load %s: %v", types.DriverVFIO, err))
	}

	steps := []rebindStep{{dev.PCIAddress, dev.VendorID, dev.DeviceID}}
	if includeAudio && dev.AudioHardwareID() != "" {
		steps = append(steps, rebindStep{dev.AudioFunction, dev.AudioVendorID, dev.AudioDeviceID})
	}

	var errs []error
	for _, s := range steps {
		if err := o.rebindOne(out, s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.addr, err))
		}
	}
	if len(errs) > 0 {
		out.Fail()
		return out, errors.Join(errs...)
	}
	return out, nil
}

func (o *Orchestrator) rebindOne(out *types.Outcome, s rebindStep) error {
	log := o.logger.WithField("device", s.addr)
	if o.inv.CurrentDriver(s.addr) == types.DriverVFIO {
		log.Info("device already bound to vfio-pci")
		return nil
	}

	prev, err := o.binder.Unbind(s.addr)
	switch {
	case binder.Benign(err):
		log.Debug("device already unbound")
	case err != nil:
		return err
	default:
		out.Changed(fmt.Sprintf("%s unbound from %s", s.addr, prev))
	}

	if err := o.binder.RegisterIDs(s.vendor, s.device); err != nil {
		return err
	}

	err = o.binder.Bind(s.addr)
	switch {
	case binder.Benign(err):
		out.Changed(fmt.Sprintf("%s claimed by %s", s.addr, types.DriverVFIO))
	case err != nil:
		return err
	default:
		out.Changed(fmt.Sprintf("%s bound to %s", s.addr, types.DriverVFIO))
	}
	return nil
}
