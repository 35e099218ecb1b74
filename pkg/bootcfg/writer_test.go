package bootcfg

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpu-passthrough/internal/config"
	"gpu-passthrough/pkg/system"
	"gpu-passthrough/pkg/types"
)

func newTestWriter(t *testing.T, grub string) (*Writer, *config.Config, *system.Recorder) {
	t.Helper()
	cfg := config.CreateDefaultConfig()
	cfg.Root = t.TempDir()
	cfg.CPUVendor = CPUIntel
	if grub != "" {
		path := cfg.Path(cfg.Paths.BootloaderFile)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(grub), 0o644))
	}
	rec := system.NewRecorder()
	return NewWriter(cfg, rec), cfg, rec
}

func readString(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

const grubDefaults = `GRUB_DEFAULT=0
GRUB_TIMEOUT=5
GRUB_CMDLINE_LINUX_DEFAULT="quiet splash"
GRUB_CMDLINE_LINUX=""
`

func TestEnsureIOMMUCmdlineIntel(t *testing.T) {
	w, cfg, _ := newTestWriter(t, grubDefaults)
	path := cfg.Path(cfg.Paths.BootloaderFile)

	added, err := w.EnsureIOMMUCmdline()
	require.NoError(t, err)
	assert.Equal(t, []string{"intel_iommu=on", "iommu=pt"}, added)

	line, err := w.CmdlineLine()
	require.NoError(t, err)
	assert.Equal(t, `GRUB_CMDLINE_LINUX_DEFAULT="quiet splash intel_iommu=on iommu=pt"`, line)

	first := readString(t, path)
	added, err = w.EnsureIOMMUCmdline()
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Equal(t, first, readString(t, path))

	// Every other line is untouched.
	assert.Contains(t, first, "GRUB_TIMEOUT=5\n")
	assert.Contains(t, first, `GRUB_CMDLINE_LINUX=""`)
}

func TestEnsureIOMMUCmdlineAMD(t *testing.T) {
	w, cfg, _ := newTestWriter(t, grubDefaults)
	cfg.CPUVendor = CPUAMD

	_, err := w.EnsureIOMMUCmdline()
	require.NoError(t, err)
	tokens, err := w.CmdlineTokens()
	require.NoError(t, err)
	assert.Equal(t, []string{"quiet", "splash", "amd_iommu=on", "iommu=pt"}, tokens)
}

func TestRemoveFlag(t *testing.T) {
	w, _, _ := newTestWriter(t, `GRUB_CMDLINE_LINUX_DEFAULT="quiet kvm.ignore_msrs=1 splash"`+"\n")

	removed, err := w.RemoveFlag("kvm.ignore_msrs=1", "iommu=pt")
	require.NoError(t, err)
	assert.Equal(t, []string{"kvm.ignore_msrs=1"}, removed)

	line, err := w.CmdlineLine()
	require.NoError(t, err)
	assert.Equal(t, `GRUB_CMDLINE_LINUX_DEFAULT="quiet splash"`, line)
}

func TestMissingCmdlineLine(t *testing.T) {
	t.Run("create", func(t *testing.T) {
		w, cfg, _ := newTestWriter(t, "GRUB_TIMEOUT=5")
		added, err := w.AddFlag("iommu=pt")
		require.NoError(t, err)
		assert.Equal(t, []string{"iommu=pt"}, added)
		assert.Equal(t, "GRUB_TIMEOUT=5\nGRUB_CMDLINE_LINUX_DEFAULT=\"iommu=pt\"\n",
			readString(t, cfg.Path(cfg.Paths.BootloaderFile)))
	})

	t.Run("create without file", func(t *testing.T) {
		w, cfg, _ := newTestWriter(t, "")
		_, err := w.AddFlag(ConsoleFlags...)
		require.NoError(t, err)
		assert.Equal(t, "GRUB_CMDLINE_LINUX_DEFAULT=\"video=efifb:force fbcon=map:1 console=tty1\"\n",
			readString(t, cfg.Path(cfg.Paths.BootloaderFile)))
	})

	t.Run("fail", func(t *testing.T) {
		w, cfg, _ := newTestWriter(t, "GRUB_TIMEOUT=5\n")
		cfg.Bootloader.MissingLine = config.MissingLineFail
		_, err := w.AddFlag("iommu=pt")
		assert.True(t, errors.Is(err, types.ErrConfigLineMissing))
		assert.Equal(t, "GRUB_TIMEOUT=5\n", readString(t, cfg.Path(cfg.Paths.BootloaderFile)))
	})

	t.Run("remove is a no-op", func(t *testing.T) {
		w, _, _ := newTestWriter(t, "GRUB_TIMEOUT=5\n")
		removed, err := w.RemoveFlag("iommu=pt")
		require.NoError(t, err)
		assert.Empty(t, removed)
	})
}

func TestAmbiguousCmdlineLine(t *testing.T) {
	grub := "GRUB_CMDLINE_LINUX_DEFAULT=\"quiet\"\nGRUB_CMDLINE_LINUX_DEFAULT=\"splash\"\n"
	w, cfg, _ := newTestWriter(t, grub)

	_, err := w.AddFlag("iommu=pt")
	assert.True(t, errors.Is(err, types.ErrConfigLineAmbiguous))
	assert.Equal(t, grub, readString(t, cfg.Path(cfg.Paths.BootloaderFile)))
}

func TestCmdlineInlineComment(t *testing.T) {
	grub := "GRUB_DEFAULT=0\nGRUB_CMDLINE_LINUX_DEFAULT=\"quiet splash\" # distro default\n"
	w, cfg, _ := newTestWriter(t, grub)
	path := cfg.Path(cfg.Paths.BootloaderFile)

	added, err := w.EnsureIOMMUCmdline()
	require.NoError(t, err)
	assert.Equal(t, []string{"intel_iommu=on", "iommu=pt"}, added)
	assert.Equal(t, "GRUB_DEFAULT=0\nGRUB_CMDLINE_LINUX_DEFAULT=\"quiet splash intel_iommu=on iommu=pt\" # distro default\n", readString(t, path))

	_, err = w.RemoveFlag("intel_iommu=on", "iommu=pt")
	require.NoError(t, err)
	assert.Equal(t, grub, readString(t, path))
}

func TestCmdlineCRLF(t *testing.T) {
	grub := "GRUB_DEFAULT=0\r\nGRUB_CMDLINE_LINUX_DEFAULT=\"quiet\"\r\nGRUB_TIMEOUT=5\r\n"
	w, cfg, _ := newTestWriter(t, grub)
	path := cfg.Path(cfg.Paths.BootloaderFile)

	_, err := w.AddFlag("iommu=pt")
	require.NoError(t, err)
	assert.Equal(t, "GRUB_DEFAULT=0\r\nGRUB_CMDLINE_LINUX_DEFAULT=\"quiet iommu=pt\"\r\nGRUB_TIMEOUT=5\r\n", readString(t, path))

	line, err := w.CmdlineLine()
	require.NoError(t, err)
	assert.Equal(t, `GRUB_CMDLINE_LINUX_DEFAULT="quiet iommu=pt"`, line)

	t.Run("created line", func(t *testing.T) {
		w, cfg, _ := newTestWriter(t, "GRUB_DEFAULT=0\r\n")
		_, err := w.AddFlag("iommu=pt")
		require.NoError(t, err)
		assert.Equal(t, "GRUB_DEFAULT=0\r\nGRUB_CMDLINE_LINUX_DEFAULT=\"iommu=pt\"\r\n", readString(t, cfg.Path(cfg.Paths.BootloaderFile)))
	})
}

func TestUnparseableCmdlineLine(t *testing.T) {
	grub := "GRUB_CMDLINE_LINUX_DEFAULT=\"quiet\"$EXTRA\n"
	w, cfg, _ := newTestWriter(t, grub)

	_, err := w.CheckCmdline()
	assert.True(t, errors.Is(err, types.ErrConfigLineAmbiguous))
	_, err = w.AddFlag("iommu=pt")
	assert.True(t, errors.Is(err, types.ErrConfigLineAmbiguous))
	_, err = w.RemoveFlag("quiet")
	assert.True(t, errors.Is(err, types.ErrConfigLineAmbiguous))
	assert.Equal(t, grub, readString(t, cfg.Path(cfg.Paths.BootloaderFile)))
}

func TestRemoveEmptyCmdline(t *testing.T) {
	w, cfg, _ := newTestWriter(t, "GRUB_DEFAULT=0\n")
	path := cfg.Path(cfg.Paths.BootloaderFile)

	exists, err := w.CheckCmdline()
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = w.AddFlag("iommu=pt")
	require.NoError(t, err)
	removed, err := w.RemoveEmptyCmdline()
	require.NoError(t, err)
	assert.False(t, removed, "line still carries a flag")

	_, err = w.RemoveFlag("iommu=pt")
	require.NoError(t, err)
	removed, err = w.RemoveEmptyCmdline()
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, "GRUB_DEFAULT=0\n", readString(t, path))

	t.Run("keeps a commented line", func(t *testing.T) {
		w, cfg, _ := newTestWriter(t, "GRUB_CMDLINE_LINUX_DEFAULT=\"\" # keep\n")
		removed, err := w.RemoveEmptyCmdline()
		require.NoError(t, err)
		assert.False(t, removed)
		assert.Equal(t, "GRUB_CMDLINE_LINUX_DEFAULT=\"\" # keep\n", readString(t, cfg.Path(cfg.Paths.BootloaderFile)))
	})
}

func TestRemoveEmptyModulesFile(t *testing.T) {
	w, cfg, _ := newTestWriter(t, "")
	path := cfg.Path(cfg.Paths.ModulesFile)
	assert.False(t, w.ModulesFileExists())

	_, err := w.EnsureModuleAutoload("vfio")
	require.NoError(t, err)
	assert.True(t, w.ModulesFileExists())

	removed, err := w.RemoveEmptyModulesFile()
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = w.RemoveModuleAutoload("vfio")
	require.NoError(t, err)
	removed, err = w.RemoveEmptyModulesFile()
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestPermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses file permissions")
	}
	dir := filepath.Join(t.TempDir(), "locked")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "vfio.conf")
	require.NoError(t, os.WriteFile(path, []byte("x\n"), 0o644))
	require.NoError(t, os.Chmod(dir, 0o555))
	t.Cleanup(func() { os.Chmod(dir, 0o755) })

	_, err := removeFile(path)
	assert.True(t, errors.Is(err, types.ErrPermissionDenied))
	assert.FileExists(t, path)
}

func TestWriteVFIOConfig(t *testing.T) {
	w, cfg, _ := newTestWriter(t, "")
	path := cfg.ModprobePath(cfg.Paths.VFIOConf)

	changed, err := w.WriteVFIOConfig([]string{"10de:2684", "10de:22ba"})
	require.NoError(t, err)
	assert.True(t, changed)

	content := readString(t, path)
	assert.Contains(t, content, "options vfio-pci ids=10de:2684,10de:22ba disable_vga=1\n")
	for _, drv := range NativeDrivers {
		assert.Equal(t, 1, strings.Count(content, "blacklist "+drv+"\n"), drv)
	}
	assert.Contains(t, content, "softdep nvidia pre: vfio-pci\n")

	changed, err = w.WriteVFIOConfig([]string{"10de:2684", "10de:22ba"})
	require.NoError(t, err)
	assert.False(t, changed)

	// A new target replaces the old one entirely.
	_, err = w.WriteVFIOConfig([]string{"1002:73bf"})
	require.NoError(t, err)
	content = readString(t, path)
	assert.Contains(t, content, "ids=1002:73bf disable_vga=1")
	assert.NotContains(t, content, "10de:2684")

	removed, err := w.RemoveVFIOConfig()
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = w.RemoveVFIOConfig()
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = w.WriteVFIOConfig(nil)
	assert.Error(t, err)
}

func TestModuleAutoload(t *testing.T) {
	w, cfg, _ := newTestWriter(t, "")
	path := cfg.Path(cfg.Paths.ModulesFile)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("# /etc/modules\nloop\nvfio\n"), 0o644))

	added, err := w.EnsureModuleAutoload()
	require.NoError(t, err)
	assert.Equal(t, []string{"vfio_iommu_type1", "vfio_pci", "vfio_virqfd"}, added)
	assert.Equal(t, "# /etc/modules\nloop\nvfio\nvfio_iommu_type1\nvfio_pci\nvfio_virqfd\n", readString(t, path))

	added, err = w.EnsureModuleAutoload()
	require.NoError(t, err)
	assert.Empty(t, added)

	removed, err := w.RemoveModuleAutoload("vfio_iommu_type1", "vfio_pci", "vfio_virqfd")
	require.NoError(t, err)
	assert.Equal(t, []string{"vfio_iommu_type1", "vfio_pci", "vfio_virqfd"}, removed)
	assert.Equal(t, "# /etc/modules\nloop\nvfio\n", readString(t, path))
}

func TestActivate(t *testing.T) {
	w, _, rec := newTestWriter(t, "")
	require.NoError(t, w.Activate(context.Background()))
	assert.Equal(t, []string{"initramfs", "bootloader"}, rec.Calls)

	rec.Reset()
	rec.FailOn("initramfs", &types.ToolError{Tool: "update-initramfs", Err: errors.New("exit status 1")})
	err := w.Activate(context.Background())

	var actErr *types.ActivationError
	require.True(t, errors.As(err, &actErr))
	assert.Equal(t, "initramfs rebuild", actErr.Step)
	assert.True(t, errors.Is(err, types.ErrToolInvocationFailed))
	assert.Contains(t, err.Error(), "saved, not yet active")
	// The bootloader refresh is still attempted.
	assert.Equal(t, []string{"initramfs", "bootloader"}, rec.Calls)
}

func TestAtomicWritePreservesMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grub")
	require.NoError(t, os.WriteFile(path, []byte("a\n"), 0o600))

	changed, err := writeFile(path, []byte("b\n"), 0o644)
	require.NoError(t, err)
	assert.True(t, changed)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "state.yaml")

	l, err := LoadLedger(path)
	require.NoError(t, err)
	assert.Nil(t, l)

	l = &Ledger{}
	l.Merge(Ledger{Target: []string{"10de:2684"}, Flags: []string{"iommu=pt", "intel_iommu=on"}})
	l.Merge(Ledger{Flags: []string{"iommu=pt", "kvm.ignore_msrs=1"}, Modules: []string{"vfio"}})
	require.NoError(t, SaveLedger(path, l))

	loaded, err := LoadLedger(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"10de:2684"}, loaded.Target)
	assert.Equal(t, []string{"intel_iommu=on", "iommu=pt", "kvm.ignore_msrs=1"}, loaded.Flags)
	assert.Equal(t, []string{"vfio"}, loaded.Modules)
	assert.False(t, loaded.Empty())

	require.NoError(t, RemoveLedger(path))
	require.NoError(t, RemoveLedger(path))
}

func TestLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "vfioctl.lock")

	lock, err := AcquireLock(context.Background(), path)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	_, err = AcquireLock(ctx, path)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	require.NoError(t, lock.Release())
	again, err := AcquireLock(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, again.Release())
	require.NoError(t, (*Lock)(nil).Release())
}
