package pci

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"gpu-passthrough/pkg"
	"gpu-passthrough/pkg/types"
)

// Inventory enumerates display-class devices and resolves their sysfs
// relationships. It is read-only and never caches.
type Inventory struct {
	enum   Enumerator
	fs     FS
	sysfs  string
	logger *logrus.Entry
}

// NewInventory creates an inventory reading sysfs below sysfsRoot
// (normally "/sys").
func NewInventory(enum Enumerator, fsys FS, sysfsRoot string) *Inventory {
	return &Inventory{
		enum:   enum,
		fs:     fsys,
		sysfs:  sysfsRoot,
		logger: pkg.Component("inventory"),
	}
}

// DevicePath returns the sysfs directory of a PCI function.
func (inv *Inventory) DevicePath(addr string) string {
	return filepath.Join(inv.sysfs, "bus", "pci", "devices", addr)
}

// DriverPath returns the sysfs directory of a PCI driver.
func (inv *Inventory) DriverPath(driver string) string {
	return filepath.Join(inv.sysfs, "bus", "pci", "drivers", driver)
}

// GroupsPath returns the directory holding the IOMMU groups.
func (inv *Inventory) GroupsPath() string {
	return filepath.Join(inv.sysfs, "kernel", "iommu_groups")
}

// FS returns the filesystem the inventory reads.
func (inv *Inventory) FS() FS {
	return inv.fs
}

// List returns every display-class device, sorted by address.
func (inv *Inventory) List(ctx context.Context) ([]types.GpuDevice, error) {
	records, err := inv.enum.Enumerate(ctx)
	if err != nil {
		return nil, err
	}

	var devices []types.GpuDevice
	for _, rec := range records {
		if !rec.IsDisplay() {
			continue
		}
		devices = append(devices, inv.resolve(rec))
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].PCIAddress < devices[j].PCIAddress
	})

	inv.logger.WithField("count", len(devices)).Debug("enumerated display devices")
	return devices, nil
}

// Get returns one display device by address.
func (inv *Inventory) Get(ctx context.Context, addr string) (types.GpuDevice, error) {
	norm, err := NormalizeAddress(addr)
	if err != nil {
		return types.GpuDevice{}, fmt.Errorf("%w: %v", types.ErrDeviceNotFound, err)
	}
	devices, err := inv.List(ctx)
	if err != nil {
		return types.GpuDevice{}, err
	}
	for _, d := range devices {
		if d.PCIAddress == norm {
			return d, nil
		}
	}
	return types.GpuDevice{}, fmt.Errorf("%w: no display device at %s", types.ErrDeviceNotFound, norm)
}

// Select picks the device to act on. With an address, that device is
// returned. Otherwise the vendor-filtered set must contain exactly one GPU.
func (inv *Inventory) Select(ctx context.Context, addr, vendor string) (types.GpuDevice, error) {
	if addr != "" {
		return inv.Get(ctx, addr)
	}

	devices, err := inv.List(ctx)
	if err != nil {
		return types.GpuDevice{}, err
	}
	var candidates []types.GpuDevice
	for _, d := range devices {
		if vendor == "" || strings.EqualFold(d.VendorName(), vendor) || types.NormalizeHex(vendor) == d.VendorID {
			candidates = append(candidates, d)
		}
	}

	switch len(candidates) {
	case 0:
		if vendor != "" {
			return types.GpuDevice{}, fmt.Errorf("%w: no %s GPU found", types.ErrNoGPUDetected, vendor)
		}
		return types.GpuDevice{}, types.ErrNoGPUDetected
	case 1:
		return candidates[0], nil
	default:
		addrs := make([]string, 0, len(candidates))
		for _, c := range candidates {
			addrs = append(addrs, c.PCIAddress)
		}
		return types.GpuDevice{}, fmt.Errorf("several GPUs found (%s), choose one by address", strings.Join(addrs, ", "))
	}
}

// resolve fills the optional attributes. A missing attribute leaves the
// field empty; it never fails the record.
func (inv *Inventory) resolve(rec Record) types.GpuDevice {
	dev := types.GpuDevice{
		PCIAddress:  rec.Address,
		VendorID:    rec.VendorID,
		DeviceID:    rec.DeviceID,
		Description: rec.Description,
	}
	log := inv.logger.WithField("device", rec.Address)

	dev.IOMMUGroup = inv.IOMMUGroup(rec.Address)
	dev.CurrentDriver = inv.CurrentDriver(rec.Address)

	if addr, err := ParseAddress(rec.Address); err == nil && addr.Function == 0 {
		sibling := addr.Sibling(1).String()
		if inv.Exists(sibling) {
			dev.AudioFunction = sibling
			dev.AudioVendorID, dev.AudioDeviceID = inv.HardwareIDs(sibling)
			if dev.AudioVendorID == "" {
				log.WithField("sibling", sibling).Debug("audio function ids unreadable")
			}
		}
	}
	return dev
}

// Exists reports whether the function is present in sysfs.
func (inv *Inventory) Exists(addr string) bool {
	_, err := inv.fs.Stat(inv.DevicePath(addr))
	return err == nil
}

// IOMMUGroup follows the iommu_group link; "" when there is none.
func (inv *Inventory) IOMMUGroup(addr string) string {
	return inv.linkBase(addr, "iommu_group")
}

// CurrentDriver follows the driver link; "" when the device is unbound.
func (inv *Inventory) CurrentDriver(addr string) string {
	return inv.linkBase(addr, "driver")
}

// HardwareIDs reads the vendor and device attribute files.
func (inv *Inventory) HardwareIDs(addr string) (string, string) {
	return inv.attr(addr, "vendor"), inv.attr(addr, "device")
}

// Class reads the class attribute, e.g. "030000".
func (inv *Inventory) Class(addr string) string {
	return inv.attr(addr, "class")
}

func (inv *Inventory) attr(addr, name string) string {
	data, err := inv.fs.ReadFile(filepath.Join(inv.DevicePath(addr), name))
	if err != nil {
		return ""
	}
	return types.NormalizeHex(string(data))
}

func (inv *Inventory) linkBase(addr, name string) string {
	target, err := inv.fs.Readlink(filepath.Join(inv.DevicePath(addr), name))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			inv.logger.WithError(err).WithFields(logrus.Fields{"device": addr, "attr": name}).Debug("unreadable link")
		}
		return ""
	}
	return filepath.Base(target)
}
