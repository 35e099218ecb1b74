package pci

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strings"

	"gpu-passthrough/pkg/types"
)

// Record is one line of the enumeration source.
type Record struct {
	Address     string
	ClassID     string
	ClassName   string
	VendorID    string
	DeviceID    string
	Description string
}

// IsDisplay reports whether the record is a display controller
// (base class 0x03: VGA, XGA, 3D and other display controllers).
func (r Record) IsDisplay() bool {
	return strings.HasPrefix(strings.ToLower(r.ClassID), "03")
}

// Enumerator yields PCI records.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]Record, error)
}

var (
	trailerPattern = regexp.MustCompile(`\s*\((?:rev|prog-if) [^)]*\)$`)
	idsPattern     = regexp.MustCompile(`\s*\[([0-9a-fA-F]{4}):([0-9a-fA-F]{4})\]$`)
	classIDPattern = regexp.MustCompile(`^(.*?)\s*\[([0-9a-fA-F]{4})\]$`)
)

// ParseLspci parses `lspci -nn` or `lspci -Dnn` output. Lines that do not
// look like device records are skipped.
func ParseLspci(output string) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec, ok := parseLspciLine(line)
		if !ok {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read lspci output: %w", err)
	}
	return records, nil
}

// Example line:
// 0000:0a:00.0 VGA compatible controller [0300]: NVIDIA Corporation AD102 [GeForce RTX 4090] [10de:2684] (rev a1)
func parseLspciLine(line string) (Record, bool) {
	addrField, rest, ok := strings.Cut(line, " ")
	if !ok {
		return Record{}, false
	}
	addr, err := NormalizeAddress(addrField)
	if err != nil {
		return Record{}, false
	}

	classPart, desc, ok := strings.Cut(rest, "]: ")
	if !ok {
		return Record{}, false
	}
	m := classIDPattern.FindStringSubmatch(strings.TrimSpace(classPart) + "]")
	if m == nil {
		return Record{}, false
	}

	for trailerPattern.MatchString(desc) {
		desc = trailerPattern.ReplaceAllString(desc, "")
	}
	ids := idsPattern.FindStringSubmatch(desc)
	if ids == nil {
		return Record{}, false
	}
	desc = strings.TrimSpace(idsPattern.ReplaceAllString(desc, ""))

	return Record{
		Address:     addr,
		ClassID:     strings.ToLower(m[2]),
		ClassName:   m[1],
		VendorID:    types.NormalizeHex(ids[1]),
		DeviceID:    types.NormalizeHex(ids[2]),
		Description: desc,
	}, true
}

// PCILister returns raw lspci output; system.Actions satisfies it.
type PCILister interface {
	ListPCI(ctx context.Context) (string, error)
}

// LspciEnumerator enumerates devices by parsing lspci output.
type LspciEnumerator struct {
	Lister PCILister
}

func (e LspciEnumerator) Enumerate(ctx context.Context) ([]Record, error) {
	out, err := e.Lister.ListPCI(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pci devices: %w", err)
	}
	return ParseLspci(out)
}

// StaticEnumerator returns a fixed set of records.
type StaticEnumerator []Record

func (s StaticEnumerator) Enumerate(ctx context.Context) ([]Record, error) {
	return append([]Record(nil), s...), nil
}
