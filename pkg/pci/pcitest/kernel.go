// Package pcitest provides an in-memory sysfs that emulates the kernel's
// driver-binding side effects, for tests of code that writes sysfs
// control files.
package pcitest

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"gpu-passthrough/pkg/pci"
)

var _ pci.FS = (*Kernel)(nil)

// Kernel implements pci.FS over an emulated /sys.
type Kernel struct {
	mu       sync.Mutex
	sysfs    string
	devices  map[string]*Device
	drivers  map[string]map[string]bool
	failures map[string]error

	// Writes records every control-file write as "<path relative to sysfs> <data>".
	Writes []string
}

// Device is one emulated PCI function.
type Device struct {
	Vendor      string
	Device      string
	Class       string
	Driver      string
	Group       string
	ResetMethod string
}

// NewKernel returns an emulated sysfs rooted at sysfs with the vfio-pci
// driver loaded.
func NewKernel(sysfs string) *Kernel {
	return &Kernel{
		sysfs:    path.Clean(sysfs),
		devices:  map[string]*Device{},
		drivers:  map[string]map[string]bool{"vfio-pci": {}},
		failures: map[string]error{},
	}
}

// Root returns the emulated sysfs mount point.
func (k *Kernel) Root() string { return k.sysfs }

// AddDevice adds a function; its driver is loaded implicitly.
func (k *Kernel) AddDevice(addr string, d Device) {
	k.mu.Lock()
	defer k.mu.Unlock()
	dev := d
	k.devices[addr] = &dev
	if d.Driver != "" {
		k.loadLocked(d.Driver)
	}
}

// LoadDriver makes a driver's control files appear.
func (k *Kernel) LoadDriver(name string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.loadLocked(name)
}

// UnloadDriver removes a driver's control files.
func (k *Kernel) UnloadDriver(name string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.drivers, name)
}

func (k *Kernel) loadLocked(name string) {
	if _, ok := k.drivers[name]; !ok {
		k.drivers[name] = map[string]bool{}
	}
}

// Driver returns the driver currently bound to addr.
func (k *Kernel) Driver(addr string) string {
	k.mu.Lock()
	defer k.mu.Unlock()
	if d, ok := k.devices[addr]; ok {
		return d.Driver
	}
	return ""
}

// ResetMethod returns the device's reset_method attribute.
func (k *Kernel) ResetMethod(addr string) string {
	k.mu.Lock()
	defer k.mu.Unlock()
	if d, ok := k.devices[addr]; ok {
		return d.ResetMethod
	}
	return ""
}

// FailWrite makes writes to any path ending in suffix fail with err.
func (k *Kernel) FailWrite(suffix string, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failures[suffix] = err
}

func (k *Kernel) rel(name string) (string, bool) {
	name = path.Clean(name)
	if !strings.HasPrefix(name, k.sysfs+"/") {
		return "", false
	}
	return strings.TrimPrefix(name, k.sysfs+"/"), true
}

func notExist(op, name string) error {
	return &fs.PathError{Op: op, Path: name, Err: unix.ENOENT}
}

func (k *Kernel) ReadFile(name string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	value, err := k.lookupAttr(name)
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

func (k *Kernel) lookupAttr(name string) (string, error) {
	rel, ok := k.rel(name)
	if !ok {
		return "", notExist("open", name)
	}
	parts := strings.Split(rel, "/")
	if len(parts) != 5 || parts[0] != "bus" || parts[1] != "pci" || parts[2] != "devices" {
		return "", notExist("open", name)
	}
	dev, ok := k.devices[parts[3]]
	if !ok {
		return "", notExist("open", name)
	}
	switch parts[4] {
	case "vendor":
		return "0x" + dev.Vendor + "\n", nil
	case "device":
		return "0x" + dev.Device + "\n", nil
	case "class":
		return "0x" + dev.Class + "\n", nil
	case "reset_method":
		if dev.ResetMethod == "" {
			return "", notExist("open", name)
		}
		return dev.ResetMethod + "\n", nil
	}
	return "", notExist("open", name)
}

func (k *Kernel) Readlink(name string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	rel, ok := k.rel(name)
	parts := strings.Split(rel, "/")
	if !ok || len(parts) != 5 || parts[2] != "devices" {
		return "", notExist("readlink", name)
	}
	dev, ok := k.devices[parts[3]]
	if !ok {
		return "", notExist("readlink", name)
	}
	switch {
	case parts[4] == "driver" && dev.Driver != "":
		return "../../../bus/pci/drivers/" + dev.Driver, nil
	case parts[4] == "iommu_group" && dev.Group != "":
		return "../../../kernel/iommu_groups/" + dev.Group, nil
	}
	return "", notExist("readlink", name)
}

func (k *Kernel) Stat(name string) (fs.FileInfo, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	rel, ok := k.rel(name)
	if !ok {
		return nil, notExist("stat", name)
	}
	parts := strings.Split(rel, "/")
	switch {
	case len(parts) == 4 && parts[2] == "devices":
		if _, ok := k.devices[parts[3]]; ok {
			return fileInfo{name: parts[3], dir: true}, nil
		}
	case len(parts) == 4 && parts[2] == "drivers":
		if _, ok := k.drivers[parts[3]]; ok {
			return fileInfo{name: parts[3], dir: true}, nil
		}
	case len(parts) == 5 && parts[2] == "devices":
		if _, err := k.lookupAttr(name); err == nil {
			return fileInfo{name: parts[4]}, nil
		}
	}
	return nil, notExist("stat", name)
}

func (k *Kernel) ReadDir(name string) ([]fs.DirEntry, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	rel, ok := k.rel(name)
	if !ok {
		return nil, notExist("open", name)
	}

	var names []string
	switch parts := strings.Split(rel, "/"); {
	case rel == "kernel/iommu_groups":
		seen := map[string]bool{}
		for _, d := range k.devices {
			if d.Group != "" && !seen[d.Group] {
				seen[d.Group] = true
				names = append(names, d.Group)
			}
		}
	case len(parts) == 4 && parts[0] == "kernel" && parts[1] == "iommu_groups" && parts[3] == "devices":
		for addr, d := range k.devices {
			if d.Group == parts[2] {
				names = append(names, addr)
			}
		}
		if len(names) == 0 {
			return nil, notExist("open", name)
		}
	case rel == "bus/pci/devices":
		for addr := range k.devices {
			names = append(names, addr)
		}
	default:
		return nil, notExist("open", name)
	}

	sort.Strings(names)
	entries := make([]fs.DirEntry, 0, len(names))
	for _, n := range names {
		entries = append(entries, fs.FileInfoToDirEntry(fileInfo{name: n, dir: true}))
	}
	return entries, nil
}

// WriteFile emulates the sysfs control files: driver/unbind,
// drivers/<name>/new_id, drivers/<name>/bind and reset_method.
func (k *Kernel) WriteFile(name string, data []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	rel, ok := k.rel(name)
	if !ok {
		return notExist("open", name)
	}
	value := strings.TrimSpace(string(data))
	k.Writes = append(k.Writes, rel+" "+value)

	for suffix, err := range k.failures {
		if strings.HasSuffix(rel, suffix) {
			return &fs.PathError{Op: "write", Path: name, Err: err}
		}
	}

	parts := strings.Split(rel, "/")
	switch {
	case len(parts) == 6 && parts[2] == "devices" && parts[4] == "driver" && parts[5] == "unbind":
		dev, ok := k.devices[parts[3]]
		if !ok || dev.Driver == "" {
			return notExist("open", name)
		}
		if value != parts[3] {
			return &fs.PathError{Op: "write", Path: name, Err: unix.ENODEV}
		}
		dev.Driver = ""
		return nil

	case len(parts) == 5 && parts[2] == "drivers" && parts[4] == "new_id":
		ids, ok := k.drivers[parts[3]]
		if !ok {
			return notExist("open", name)
		}
		if ids[value] {
			return &fs.PathError{Op: "write", Path: name, Err: unix.EEXIST}
		}
		ids[value] = true
		for _, dev := range k.devices {
			if dev.Driver == "" && fmt.Sprintf("%s %s", dev.Vendor, dev.Device) == value {
				dev.Driver = parts[3]
			}
		}
		return nil

	case len(parts) == 5 && parts[2] == "drivers" && parts[4] == "bind":
		ids, ok := k.drivers[parts[3]]
		if !ok {
			return notExist("open", name)
		}
		dev, ok := k.devices[value]
		if !ok || !ids[fmt.Sprintf("%s %s", dev.Vendor, dev.Device)] {
			return &fs.PathError{Op: "write", Path: name, Err: unix.ENODEV}
		}
		if dev.Driver != "" {
			return &fs.PathError{Op: "write", Path: name, Err: unix.EBUSY}
		}
		dev.Driver = parts[3]
		return nil

	case len(parts) == 5 && parts[2] == "devices" && parts[4] == "reset_method":
		dev, ok := k.devices[parts[3]]
		if !ok || dev.ResetMethod == "" {
			return notExist("open", name)
		}
		dev.ResetMethod = value
		return nil
	}
	return notExist("open", name)
}

type fileInfo struct {
	name string
	dir  bool
}

func (f fileInfo) Name() string { return f.name }
func (f fileInfo) Size() int64  { return 4096 }
func (f fileInfo) Mode() fs.FileMode {
	if f.dir {
		return fs.ModeDir | 0o755
	}
	return 0o644
}
func (f fileInfo) ModTime() time.Time { return time.Time{} }
func (f fileInfo) IsDir() bool        { return f.dir }
func (f fileInfo) Sys() any           { return nil }
