// Package binder moves a PCI function between drivers at runtime through
// the sysfs driver control files. Nothing it does survives a reboot.
package binder

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"gpu-passthrough/pkg"
	"gpu-passthrough/pkg/pci"
	"gpu-passthrough/pkg/types"
)

// Binder issues unbind, new_id and bind writes one device at a time.
type Binder struct {
	inv    *pci.Inventory
	fs     pci.FS
	logger *logrus.Entry
}

// New creates a binder writing through the inventory's filesystem.
func New(inv *pci.Inventory) *Binder {
	return &Binder{
		inv:    inv,
		fs:     inv.FS(),
		logger: pkg.Component("binder"),
	}
}

// Unbind releases the device from its current driver and returns that
// driver's name. An unbound device yields types.ErrAlreadyInState.
func (b *Binder) Unbind(addr string) (string, error) {
	if !b.inv.Exists(addr) {
		return "", fmt.Errorf("%w: %s", types.ErrDeviceNotFound, addr)
	}
	driver := b.inv.CurrentDriver(addr)
	if driver == "" {
		return "", fmt.Errorf("%w: %s is not bound", types.ErrAlreadyInState, addr)
	}

	path := filepath.Join(b.inv.DevicePath(addr), "driver", "unbind")
	if err := b.fs.WriteFile(path, []byte(addr)); err != nil {
		if b.inv.CurrentDriver(addr) == "" {
			return driver, nil
		}
		return "", classify("unbind", addr, err)
	}
	b.logger.WithFields(logrus.Fields{"device": addr, "driver": driver}).Info("unbound device")
	return driver, nil
}

// RegisterIDs tells vfio-pci to claim devices with this vendor:device id.
// Registering an id twice is not a failure.
func (b *Binder) RegisterIDs(vendor, device string) error {
	id := fmt.Sprintf("%s %s", types.NormalizeHex(vendor), types.NormalizeHex(device))
	path := filepath.Join(b.inv.DriverPath(types.DriverVFIO), "new_id")

	err := b.fs.WriteFile(path, []byte(id))
	switch {
	case err == nil:
		b.logger.WithField("ids", id).Info("registered id with vfio-pci")
		return nil
	case errors.Is(err, unix.EEXIST):
		b.logger.WithField("ids", id).Debug("id already registered with vfio-pci")
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s driver is not loaded", types.ErrDeviceNotFound, types.DriverVFIO)
	default:
		return classify("new_id", id, err)
	}
}

// Bind asks vfio-pci to claim the device. A device already owned by
// vfio-pci yields types.ErrAlreadyInState.
func (b *Binder) Bind(addr string) error {
	if !b.inv.Exists(addr) {
		return fmt.Errorf("%w: %s", types.ErrDeviceNotFound, addr)
	}
	if b.inv.CurrentDriver(addr) == types.DriverVFIO {
		return fmt.Errorf("%w: %s already bound to %s", types.ErrAlreadyInState, addr, types.DriverVFIO)
	}

	path := filepath.Join(b.inv.DriverPath(types.DriverVFIO), "bind")
	if err := b.fs.WriteFile(path, []byte(addr)); err != nil {
		// new_id may already have triggered a probe that claimed the device.
		if b.inv.CurrentDriver(addr) == types.DriverVFIO {
			return nil
		}
		return classify("bind", addr, err)
	}
	if drv := b.inv.CurrentDriver(addr); drv != types.DriverVFIO {
		return fmt.Errorf("bind %s: device is owned by %q after bind", addr, drv)
	}
	b.logger.WithField("device", addr).Info("bound device to vfio-pci")
	return nil
}

// Benign reports whether err only says the device was already in the
// requested state.
func Benign(err error) bool {
	return errors.Is(err, types.ErrAlreadyInState)
}

func classify(op, target string, err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s %s: %v", types.ErrPermissionDenied, op, target, err)
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, unix.ENODEV):
		return fmt.Errorf("%w: %s %s: %v", types.ErrDeviceNotFound, op, target, err)
	default:
		return fmt.Errorf("%s %s: %w", op, target, err)
	}
}
