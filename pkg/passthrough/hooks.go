package passthrough

import (
	"sort"

	"gpu-passthrough/internal/config"
	"gpu-passthrough/pkg/types"
)

// VendorHook layers vendor-specific configuration on top of the base
// Enable/Disable steps.
type VendorHook interface {
	Name() string
	Matches(dev types.GpuDevice) bool
	// Artifacts maps modprobe.d file names to their content.
	Artifacts() map[string]string
	// Flags are kernel parameters added on Enable and removed on Disable.
	Flags() []string
}

type vendorHook struct {
	name      string
	vendorID  string
	artifacts map[string]string
	flags     []string
}

func (h vendorHook) Name() string { return h.name }

func (h vendorHook) Matches(dev types.GpuDevice) bool { return dev.VendorID == h.vendorID }

func (h vendorHook) Artifacts() map[string]string { return h.artifacts }

func (h vendorHook) Flags() []string { return h.flags }

// NVIDIAHook blacklists nouveau and sets kvm.ignore_msrs=1, without which
// the guest driver fails to initialize on some hosts.
func NVIDIAHook(cfg *config.Config) VendorHook {
	return vendorHook{
		name:     "nvidia",
		vendorID: types.VendorNVIDIA,
		artifacts: map[string]string{
			cfg.Paths.NouveauBlacklist: "blacklist nouveau\noptions nouveau modeset=0\n",
		},
		flags: []string{"kvm.ignore_msrs=1"},
	}
}

// AMDHook blacklists amdgpu and radeon.
func AMDHook(cfg *config.Config) VendorHook {
	return vendorHook{
		name:     "amd",
		vendorID: types.VendorAMD,
		artifacts: map[string]string{
			cfg.Paths.AMDBlacklist: "blacklist amdgpu\nblacklist radeon\n",
		},
	}
}

// DefaultHooks returns the built-in vendor hooks.
func DefaultHooks(cfg *config.Config) []VendorHook {
	return []VendorHook{NVIDIAHook(cfg), AMDHook(cfg)}
}

func artifactNames(h VendorHook) []string {
	names := make([]string, 0, len(h.Artifacts()))
	for name := range h.Artifacts() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
