package diagnostics

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpu-passthrough/internal/config"
	"gpu-passthrough/pkg/bootcfg"
	"gpu-passthrough/pkg/pci"
	"gpu-passthrough/pkg/pci/pcitest"
	"gpu-passthrough/pkg/system"
	"gpu-passthrough/pkg/types"
)

type host struct {
	cfg    *config.Config
	kernel *pcitest.Kernel
	rec    *system.Recorder
	enum   pci.StaticEnumerator
}

func newHost(t *testing.T, cmdline string) *host {
	t.Helper()
	cfg := config.CreateDefaultConfig()
	cfg.Root = t.TempDir()
	cfg.CPUVendor = bootcfg.CPUIntel
	h := &host{cfg: cfg, kernel: pcitest.NewKernel(cfg.SysfsPath()), rec: system.NewRecorder()}
	h.write(t, cfg.Paths.BootloaderFile, "GRUB_CMDLINE_LINUX_DEFAULT=\""+cmdline+"\"\n")
	return h
}

func (h *host) write(t *testing.T, path, content string) {
	t.Helper()
	full := h.cfg.Path(path)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func (h *host) add(addr, class string, d pcitest.Device) {
	h.kernel.AddDevice(addr, d)
	h.enum = append(h.enum, pci.Record{Address: addr, ClassID: class, VendorID: d.Vendor, DeviceID: d.Device})
}

func (h *host) diagnostics() *Diagnostics {
	inv := pci.NewInventory(h.enum, h.kernel, h.kernel.Root())
	return New(h.cfg, inv, bootcfg.NewWriter(h.cfg, h.rec), h.rec)
}

func (h *host) addGPU(driver string) {
	h.add("0000:0a:00.0", "0300", pcitest.Device{Vendor: "10de", Device: "2684", Class: "030000", Driver: driver, Group: "14"})
	h.add("0000:0a:00.1", "0403", pcitest.Device{Vendor: "10de", Device: "22ba", Class: "040300", Driver: "snd_hda_intel", Group: "14"})
}

func TestIOMMUActive(t *testing.T) {
	h := newHost(t, "quiet intel_iommu=on iommu=pt")
	h.write(t, h.cfg.Paths.ProcCmdline, "BOOT_IMAGE=/vmlinuz root=/dev/sda1 intel_iommu=on\n")
	h.rec.KernelMsg = "[    0.000000] Linux version 6.8.0\n[    0.118372] DMAR: IOMMU enabled\n[    0.321000] pci 0000:00:00.0: Adding to iommu group 0\n"
	h.addGPU("nvidia")

	status := h.diagnostics().IOMMU(context.Background())
	assert.True(t, status.Active)
	assert.Equal(t, []string{"intel_iommu=on", "iommu=pt"}, status.ConfigFlags)
	assert.Equal(t, []string{"intel_iommu=on"}, status.BootFlags)
	assert.Equal(t, []string{"[    0.118372] DMAR: IOMMU enabled"}, status.KernelEvidence)
	assert.Equal(t, 1, status.GroupCount)
}

func TestIOMMUInactive(t *testing.T) {
	t.Run("no flag", func(t *testing.T) {
		h := newHost(t, "quiet splash")
		h.addGPU("nvidia")
		status := h.diagnostics().IOMMU(context.Background())
		assert.False(t, status.Active)
		assert.Equal(t, 1, status.GroupCount)
	})

	t.Run("flag not yet booted", func(t *testing.T) {
		h := newHost(t, "quiet amd_iommu=on")
		h.add("0000:0a:00.0", "0300", pcitest.Device{Vendor: "1002", Device: "73bf", Class: "030000", Driver: "amdgpu"})
		status := h.diagnostics().IOMMU(context.Background())
		assert.False(t, status.Active)
		assert.Equal(t, []string{"amd_iommu=on"}, status.ConfigFlags)
		assert.Zero(t, status.GroupCount)
	})
}

func TestGroupsOrderedNumerically(t *testing.T) {
	h := newHost(t, "")
	h.add("0000:00:02.0", "0300", pcitest.Device{Vendor: "8086", Device: "a780", Class: "030000", Driver: "i915", Group: "2"})
	h.add("0000:01:00.0", "0108", pcitest.Device{Vendor: "144d", Device: "a808", Class: "010802", Driver: "nvme", Group: "10"})
	h.addGPU("nvidia")

	groups, err := h.diagnostics().Groups()
	require.NoError(t, err)
	require.Len(t, groups, 3)
	assert.Equal(t, "2", groups[0].ID)
	assert.Equal(t, "10", groups[1].ID)
	assert.Equal(t, "14", groups[2].ID)
	assert.Equal(t, []Member{
		{Address: "0000:0a:00.0", VendorID: "10de", DeviceID: "2684", Class: "030000", Driver: "nvidia"},
		{Address: "0000:0a:00.1", VendorID: "10de", DeviceID: "22ba", Class: "040300", Driver: "snd_hda_intel"},
	}, groups[2].Members)
}

func TestCheckTarget(t *testing.T) {
	h := newHost(t, "")
	h.addGPU("nvidia")
	h.add("0000:00:01.0", "0604", pcitest.Device{Vendor: "8086", Device: "a70d", Class: "060400", Driver: "pcieport", Group: "14"})
	h.add("0000:41:00.0", "0300", pcitest.Device{Vendor: "1002", Device: "73bf", Class: "030000", Driver: "amdgpu"})
	d := h.diagnostics()

	gpu := types.GpuDevice{PCIAddress: "0000:0a:00.0", VendorID: "10de", DeviceID: "2684", AudioFunction: "0000:0a:00.1", AudioVendorID: "10de", AudioDeviceID: "22ba"}

	issues := d.CheckTarget(types.NewPassthroughTarget(gpu, false))
	require.Len(t, issues, 1)
	assert.Equal(t, GroupIssue{Kind: IssueIncompleteGroup, Group: "14", Device: "0000:0a:00.0", Missing: "0000:0a:00.1"}, issues[0])
	assert.Contains(t, issues[0].String(), "partial groups cannot be passed through")
	assert.True(t, Incomplete(issues))

	assert.Empty(t, d.CheckTarget(types.NewPassthroughTarget(gpu, true)))

	amd := types.GpuDevice{PCIAddress: "0000:41:00.0", VendorID: "1002", DeviceID: "73bf"}
	issues = d.CheckTarget(types.NewPassthroughTarget(amd, true))
	require.Len(t, issues, 1)
	assert.Equal(t, IssueNoGroup, issues[0].Kind)
	assert.Contains(t, issues[0].String(), "no IOMMU group")
	assert.False(t, Incomplete(issues))
}

func TestRunReport(t *testing.T) {
	h := newHost(t, "quiet intel_iommu=on iommu=pt")
	h.rec.KernelMsg = "DMAR: IOMMU enabled\n"
	h.addGPU(types.DriverVFIO)

	report, err := h.diagnostics().Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.IOMMU.Active)
	assert.Equal(t, `GRUB_CMDLINE_LINUX_DEFAULT="quiet intel_iommu=on iommu=pt"`, report.CmdlineLine)
	require.Len(t, report.Bindings, 1)
	assert.Equal(t, types.DriverVFIO, report.Bindings[0].CurrentDriver)
	require.Len(t, report.Groups, 1)
	assert.Empty(t, report.Issues)
}

func TestRunReportsMissingCmdline(t *testing.T) {
	h := newHost(t, "")
	h.write(t, h.cfg.Paths.BootloaderFile, "GRUB_DEFAULT=0\n")
	h.addGPU("nvidia")

	report, err := h.diagnostics().Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.CmdlineLine)
	assert.Contains(t, report.Issues, "IOMMU is not active")
	assert.Len(t, report.Issues, 2)
}
