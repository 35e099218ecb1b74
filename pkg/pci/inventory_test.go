package pci

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpu-passthrough/pkg/types"
)

// fakeSysfs lays out a minimal /sys tree below a temp dir.
type fakeSysfs struct {
	t    *testing.T
	root string
}

func newFakeSysfs(t *testing.T) *fakeSysfs {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"bus/pci/devices", "bus/pci/drivers", "kernel/iommu_groups"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
	}
	return &fakeSysfs{t: t, root: root}
}

func (f *fakeSysfs) addDevice(addr, vendor, device, class string) {
	f.t.Helper()
	dir := filepath.Join(f.root, "bus/pci/devices", addr)
	require.NoError(f.t, os.MkdirAll(dir, 0o755))
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "vendor"), []byte("0x"+vendor+"\n"), 0o644))
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "device"), []byte("0x"+device+"\n"), 0o644))
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "class"), []byte("0x"+class+"\n"), 0o644))
}

func (f *fakeSysfs) setDriver(addr, driver string) {
	f.t.Helper()
	drvDir := filepath.Join(f.root, "bus/pci/drivers", driver)
	require.NoError(f.t, os.MkdirAll(drvDir, 0o755))
	require.NoError(f.t, os.Symlink(drvDir, filepath.Join(f.root, "bus/pci/devices", addr, "driver")))
}

func (f *fakeSysfs) setGroup(addr, group string) {
	f.t.Helper()
	groupDir := filepath.Join(f.root, "kernel/iommu_groups", group)
	require.NoError(f.t, os.MkdirAll(filepath.Join(groupDir, "devices"), 0o755))
	require.NoError(f.t, os.Symlink(groupDir, filepath.Join(f.root, "bus/pci/devices", addr, "iommu_group")))
}

func scenarioRecords() StaticEnumerator {
	return StaticEnumerator{
		{Address: "0000:00:01.1", ClassID: "0604", VendorID: "1022", DeviceID: "14db", Description: "PCI bridge"},
		{Address: "0000:0a:00.0", ClassID: "0300", VendorID: "10de", DeviceID: "2684", Description: "NVIDIA Corporation AD102 [GeForce RTX 4090]"},
		{Address: "0000:0a:00.1", ClassID: "0403", VendorID: "10de", DeviceID: "22ba", Description: "NVIDIA Corporation AD102 High Definition Audio Controller"},
	}
}

func TestInventoryList(t *testing.T) {
	sys := newFakeSysfs(t)
	sys.addDevice("0000:0a:00.0", "10de", "2684", "030000")
	sys.addDevice("0000:0a:00.1", "10de", "22ba", "040300")
	sys.setDriver("0000:0a:00.0", "nvidia")
	sys.setGroup("0000:0a:00.0", "14")

	inv := NewInventory(scenarioRecords(), OSFS{}, sys.root)
	devices, err := inv.List(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)

	gpu := devices[0]
	assert.Equal(t, "0000:0a:00.0", gpu.PCIAddress)
	assert.Equal(t, "10de:2684", gpu.HardwareID())
	assert.Equal(t, "14", gpu.IOMMUGroup)
	assert.Equal(t, "nvidia", gpu.CurrentDriver)
	assert.Equal(t, "0000:0a:00.1", gpu.AudioFunction)
	assert.Equal(t, "10de:22ba", gpu.AudioHardwareID())
}

func TestInventoryMissingAttributes(t *testing.T) {
	sys := newFakeSysfs(t)
	// The second GPU has no sysfs directory at all; it must still be listed.
	sys.addDevice("0000:0a:00.0", "10de", "2684", "030000")

	enum := StaticEnumerator{
		{Address: "0000:0a:00.0", ClassID: "0300", VendorID: "10de", DeviceID: "2684"},
		{Address: "0000:41:00.0", ClassID: "0300", VendorID: "1002", DeviceID: "73bf"},
	}
	inv := NewInventory(enum, OSFS{}, sys.root)
	devices, err := inv.List(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)

	for _, d := range devices {
		assert.Empty(t, d.IOMMUGroup, d.PCIAddress)
		assert.Empty(t, d.CurrentDriver, d.PCIAddress)
		assert.Empty(t, d.AudioFunction, d.PCIAddress)
		assert.False(t, d.Bound())
	}
}

func TestInventoryReflectsLiveState(t *testing.T) {
	sys := newFakeSysfs(t)
	sys.addDevice("0000:0a:00.0", "10de", "2684", "030000")
	inv := NewInventory(scenarioRecords(), OSFS{}, sys.root)

	before, err := inv.Get(context.Background(), "0a:00.0")
	require.NoError(t, err)
	assert.Empty(t, before.CurrentDriver)

	sys.setDriver("0000:0a:00.0", "vfio-pci")
	after, err := inv.Get(context.Background(), "0000:0a:00.0")
	require.NoError(t, err)
	assert.Equal(t, types.DriverVFIO, after.CurrentDriver)
}

func TestInventoryGetNotFound(t *testing.T) {
	inv := NewInventory(scenarioRecords(), OSFS{}, t.TempDir())

	_, err := inv.Get(context.Background(), "0000:0b:00.0")
	assert.True(t, errors.Is(err, types.ErrDeviceNotFound))

	// The audio function is not a display device.
	_, err = inv.Get(context.Background(), "0000:0a:00.1")
	assert.True(t, errors.Is(err, types.ErrDeviceNotFound))

	_, err = inv.Get(context.Background(), "bogus")
	assert.True(t, errors.Is(err, types.ErrDeviceNotFound))
}

func TestInventorySelect(t *testing.T) {
	twoGPUs := StaticEnumerator{
		{Address: "0000:0a:00.0", ClassID: "0300", VendorID: "10de", DeviceID: "2684"},
		{Address: "0000:41:00.0", ClassID: "0300", VendorID: "1002", DeviceID: "73bf"},
	}
	inv := NewInventory(twoGPUs, OSFS{}, t.TempDir())
	ctx := context.Background()

	dev, err := inv.Select(ctx, "", "amd")
	require.NoError(t, err)
	assert.Equal(t, "0000:41:00.0", dev.PCIAddress)

	dev, err = inv.Select(ctx, "", "10de")
	require.NoError(t, err)
	assert.Equal(t, "0000:0a:00.0", dev.PCIAddress)

	_, err = inv.Select(ctx, "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0000:0a:00.0, 0000:41:00.0")

	_, err = inv.Select(ctx, "", "intel")
	assert.True(t, errors.Is(err, types.ErrNoGPUDetected))

	dev, err = inv.Select(ctx, "41:00.0", "")
	require.NoError(t, err)
	assert.Equal(t, "1002", dev.VendorID)

	empty := NewInventory(StaticEnumerator{}, OSFS{}, t.TempDir())
	_, err = empty.Select(ctx, "", "")
	assert.True(t, errors.Is(err, types.ErrNoGPUDetected))
}
