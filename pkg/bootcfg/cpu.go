package bootcfg

import (
	"fmt"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// CPU vendors that select the IOMMU flag.
const (
	CPUIntel = "intel"
	CPUAMD   = "amd"
)

// DetectCPUVendor resolves the configured vendor. "auto" (or "") asks
// cpuid; Hygon parts use the AMD IOMMU driver.
func DetectCPUVendor(configured string) (string, error) {
	switch strings.ToLower(configured) {
	case CPUIntel:
		return CPUIntel, nil
	case CPUAMD:
		return CPUAMD, nil
	case "", "auto":
	default:
		return "", fmt.Errorf("unknown cpu vendor %q", configured)
	}

	switch cpuid.CPU.VendorID {
	case cpuid.Intel:
		return CPUIntel, nil
	case cpuid.AMD, cpuid.Hygon:
		return CPUAMD, nil
	default:
		return "", fmt.Errorf("unsupported cpu vendor %q (%s)", cpuid.CPU.VendorString, cpuid.CPU.BrandName)
	}
}

// IOMMUFlags returns the kernel parameters enabling the IOMMU in
// passthrough mode for the vendor.
func IOMMUFlags(vendor string) []string {
	if vendor == CPUAMD {
		return []string{"amd_iommu=on", "iommu=pt"}
	}
	return []string{"intel_iommu=on", "iommu=pt"}
}
