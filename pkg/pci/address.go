package pci

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	fullBDFPattern  = regexp.MustCompile(`(?i)^([0-9a-f]{4}):([0-9a-f]{2}):([0-9a-f]{2})\.([0-7])$`)
	shortBDFPattern = regexp.MustCompile(`(?i)^([0-9a-f]{2}):([0-9a-f]{2})\.([0-7])$`)
)

// Address identifies a PCI function by domain:bus:slot.function.
type Address struct {
	Domain   uint16
	Bus      uint8
	Slot     uint8
	Function uint8
}

func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%d", a.Domain, a.Bus, a.Slot, a.Function)
}

// Sibling returns the address of another function on the same slot.
func (a Address) Sibling(function uint8) Address {
	a.Function = function
	return a
}

// ParseAddress accepts full (0000:0a:00.0), short (0a:00.0) and
// sysfs-path forms.
func ParseAddress(raw string) (Address, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Address{}, fmt.Errorf("pci address is empty")
	}
	if idx := strings.LastIndexByte(s, '/'); idx >= 0 {
		s = s[idx+1:]
	}

	if m := fullBDFPattern.FindStringSubmatch(s); len(m) == 5 {
		return addressFromHex(m[1], m[2], m[3], m[4])
	}
	if m := shortBDFPattern.FindStringSubmatch(s); len(m) == 4 {
		return addressFromHex("0000", m[1], m[2], m[3])
	}
	return Address{}, fmt.Errorf("invalid pci address format: %q", raw)
}

// NormalizeAddress returns the canonical full form of raw.
func NormalizeAddress(raw string) (string, error) {
	a, err := ParseAddress(raw)
	if err != nil {
		return "", err
	}
	return a.String(), nil
}

func addressFromHex(domain, bus, slot, function string) (Address, error) {
	d, err := strconv.ParseUint(domain, 16, 16)
	if err != nil {
		return Address{}, fmt.Errorf("invalid pci domain %q: %w", domain, err)
	}
	b, err := strconv.ParseUint(bus, 16, 8)
	if err != nil {
		return Address{}, fmt.Errorf("invalid pci bus %q: %w", bus, err)
	}
	s, err := strconv.ParseUint(slot, 16, 8)
	if err != nil {
		return Address{}, fmt.Errorf("invalid pci slot %q: %w", slot, err)
	}
	f, err := strconv.ParseUint(function, 16, 8)
	if err != nil {
		return Address{}, fmt.Errorf("invalid pci function %q: %w", function, err)
	}
	return Address{Domain: uint16(d), Bus: uint8(b), Slot: uint8(s), Function: uint8(f)}, nil
}
