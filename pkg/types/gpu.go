package types

import (
	"fmt"
	"sort"
	"strings"
)

// Well-known PCI vendor ids.
const (
	VendorNVIDIA = "10de"
	VendorAMD    = "1002"
	VendorIntel  = "8086"
)

// Driver names the passthrough tooling reasons about.
const (
	DriverVFIO = "vfio-pci"
)

// GpuDevice is the identity and relationship record for one display-class
// PCI function.
type GpuDevice struct {
	PCIAddress    string `json:"pci_address"`
	VendorID      string `json:"vendor_id"`
	DeviceID      string `json:"device_id"`
	Description   string `json:"description"`
	IOMMUGroup    string `json:"iommu_group,omitempty"`
	CurrentDriver string `json:"current_driver,omitempty"`
	AudioFunction string `json:"audio_function,omitempty"`
	AudioVendorID string `json:"audio_vendor_id,omitempty"`
	AudioDeviceID string `json:"audio_device_id,omitempty"`
}

// HardwareID returns the vendor:device pair in modprobe notation.
func (d GpuDevice) HardwareID() string {
	return FormatHardwareID(d.VendorID, d.DeviceID)
}

// AudioHardwareID returns the audio sibling's vendor:device pair, or ""
// when the sibling or its ids are unknown.
func (d GpuDevice) AudioHardwareID() string {
	if d.AudioFunction == "" || d.AudioVendorID == "" || d.AudioDeviceID == "" {
		return ""
	}
	return FormatHardwareID(d.AudioVendorID, d.AudioDeviceID)
}

// Bound reports whether a driver currently owns the device.
func (d GpuDevice) Bound() bool {
	return d.CurrentDriver != ""
}

// VendorName returns a short vendor label for display.
func (d GpuDevice) VendorName() string {
	switch d.VendorID {
	case VendorNVIDIA:
		return "nvidia"
	case VendorAMD:
		return "amd"
	case VendorIntel:
		return "intel"
	default:
		return d.VendorID
	}
}

// FormatHardwareID normalises a vendor/device pair to lower-case hex
// without the sysfs "0x" prefix.
func FormatHardwareID(vendor, device string) string {
	return fmt.Sprintf("%s:%s", NormalizeHex(vendor), NormalizeHex(device))
}

// NormalizeHex strips whitespace and a 0x prefix and lower-cases the rest.
func NormalizeHex(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimPrefix(s, "0x")
}

// PassthroughTarget is the set of hardware ids handed to vfio-pci. It is
// computed on every Enable and never stored on its own.
type PassthroughTarget struct {
	Device    string   `json:"device"`
	Addresses []string `json:"addresses"`
	IDs       []string `json:"ids"`
}

// NewPassthroughTarget builds a target for the device, adding the audio
// sibling when requested and known.
func NewPassthroughTarget(dev GpuDevice, includeAudio bool) PassthroughTarget {
	t := PassthroughTarget{
		Device:    dev.PCIAddress,
		Addresses: []string{dev.PCIAddress},
		IDs:       []string{dev.HardwareID()},
	}
	if includeAudio {
		if id := dev.AudioHardwareID(); id != "" {
			t.Addresses = append(t.Addresses, dev.AudioFunction)
			if !contains(t.IDs, id) {
				t.IDs = append(t.IDs, id)
			}
		}
	}
	return t
}

// IDList returns the comma-joined id list used in vfio-pci options.
func (t PassthroughTarget) IDList() string {
	return strings.Join(t.IDs, ",")
}

// SortedIDs returns a sorted copy of the ids.
func (t PassthroughTarget) SortedIDs() []string {
	out := append([]string(nil), t.IDs...)
	sort.Strings(out)
	return out
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
