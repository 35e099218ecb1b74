package pci

import (
	"context"
	"fmt"
	"strings"

	"github.com/jaypipes/ghw"
)

// GhwEnumerator enumerates PCI devices through ghw, which reads sysfs and
// resolves names from the pci.ids database.
type GhwEnumerator struct {
	// Chroot is passed to ghw so a host root mounted elsewhere can be read.
	Chroot string
}

func (e GhwEnumerator) Enumerate(ctx context.Context) ([]Record, error) {
	opts := []any{ghw.WithDisableWarnings()}
	if e.Chroot != "" && e.Chroot != "/" {
		opts = append(opts, ghw.WithChroot(e.Chroot))
	}

	info, err := ghw.PCI(opts...)
	if err != nil {
		return nil, fmt.Errorf("could not get PCI info: %w", err)
	}

	records := make([]Record, 0, len(info.Devices))
	for _, dev := range info.Devices {
		if dev == nil {
			continue
		}
		records = append(records, recordFromGhw(dev))
	}
	return records, nil
}

func recordFromGhw(dev *ghw.PCIDevice) Record {
	rec := Record{Address: dev.Address}
	var names []string
	if dev.Class != nil {
		rec.ClassID = strings.ToLower(dev.Class.ID)
		rec.ClassName = dev.Class.Name
	}
	if dev.Subclass != nil {
		rec.ClassID += strings.ToLower(dev.Subclass.ID)
		rec.ClassName = dev.Subclass.Name
	}
	if dev.Vendor != nil {
		rec.VendorID = strings.ToLower(dev.Vendor.ID)
		names = append(names, dev.Vendor.Name)
	}
	if dev.Product != nil {
		rec.DeviceID = strings.ToLower(dev.Product.ID)
		names = append(names, dev.Product.Name)
	}
	rec.Description = strings.TrimSpace(strings.Join(names, " "))
	return rec
}
