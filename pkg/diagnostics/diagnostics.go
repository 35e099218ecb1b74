// Package diagnostics reports IOMMU state, IOMMU group membership, driver
// bindings and the bootloader cmdline without changing anything.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"gpu-passthrough/internal/config"
	"gpu-passthrough/pkg"
	"gpu-passthrough/pkg/bootcfg"
	"gpu-passthrough/pkg/pci"
	"gpu-passthrough/pkg/system"
	"gpu-passthrough/pkg/types"
)

// Kernel log lines that show the IOMMU driver initialized.
var iommuLogMarkers = []string{
	"DMAR: IOMMU enabled",
	"DMAR-IR: Enabled IRQ remapping",
	"AMD-Vi: Interrupt remapping enabled",
	"AMD-Vi: Found IOMMU",
	"iommu: Default domain type",
}

var iommuFlags = []string{"intel_iommu=on", "amd_iommu=on", "iommu=pt", "iommu=on"}

const classBridgePCI = "0604"

// IOMMUStatus summarizes whether the IOMMU is usable.
type IOMMUStatus struct {
	Active         bool     `json:"active"`
	ConfigFlags    []string `json:"config_flags,omitempty"`
	BootFlags      []string `json:"boot_flags,omitempty"`
	KernelEvidence []string `json:"kernel_evidence,omitempty"`
	GroupCount     int      `json:"group_count"`
}

// Member is one function in an IOMMU group.
type Member struct {
	Address  string `json:"address"`
	VendorID string `json:"vendor_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	Class    string `json:"class,omitempty"`
	Driver   string `json:"driver,omitempty"`
}

// Group is an IOMMU group and its members.
type Group struct {
	ID      string   `json:"id"`
	Members []Member `json:"members"`
}

// Issue kinds returned by CheckTarget.
const (
	IssueIncompleteGroup = "incomplete-group"
	IssueNoGroup         = "no-group"
)

// GroupIssue flags a target that cannot be passed through as chosen.
type GroupIssue struct {
	Kind    string `json:"kind"`
	Group   string `json:"group,omitempty"`
	Device  string `json:"device"`
	Missing string `json:"missing,omitempty"`
}

func (i GroupIssue) String() string {
	switch i.Kind {
	case IssueIncompleteGroup:
		return fmt.Sprintf("IOMMU group %s: %s is not in the passthrough target alongside %s; partial groups cannot be passed through", i.Group, i.Missing, i.Device)
	case IssueNoGroup:
		return fmt.Sprintf("%s has no IOMMU group; the IOMMU is not active yet", i.Device)
	}
	return i.Kind
}

// Report is the full diagnostic output.
type Report struct {
	IOMMU       IOMMUStatus       `json:"iommu"`
	Groups      []Group           `json:"groups"`
	Bindings    []types.GpuDevice `json:"bindings"`
	CmdlineLine string            `json:"cmdline_line"`
	Issues      []string          `json:"issues,omitempty"`
}

// Diagnostics reads live system state.
type Diagnostics struct {
	cfg     *config.Config
	inv     *pci.Inventory
	writer  *bootcfg.Writer
	actions system.Actions
	logger  *logrus.Entry
}

// New creates a diagnostics reader.
func New(cfg *config.Config, inv *pci.Inventory, writer *bootcfg.Writer, actions system.Actions) *Diagnostics {
	return &Diagnostics{
		cfg:     cfg,
		inv:     inv,
		writer:  writer,
		actions: actions,
		logger:  pkg.Component("diagnostics"),
	}
}

// IOMMU reports the IOMMU state: a flag on the configured or booted
// cmdline, corroborated by kernel log evidence or populated groups.
func (d *Diagnostics) IOMMU(ctx context.Context) IOMMUStatus {
	var status IOMMUStatus

	if tokens, err := d.writer.CmdlineTokens(); err == nil {
		status.ConfigFlags = filterFlags(tokens)
	} else {
		d.logger.WithError(err).Debug("bootloader cmdline unavailable")
	}
	if data, err := os.ReadFile(d.cfg.Path(d.cfg.Paths.ProcCmdline)); err == nil {
		status.BootFlags = filterFlags(strings.Fields(string(data)))
	} else {
		d.logger.WithError(err).Debug("booted cmdline unavailable")
	}

	if log, err := d.actions.KernelLog(ctx); err == nil {
		for _, line := range strings.Split(log, "\n") {
			for _, marker := range iommuLogMarkers {
				if strings.Contains(line, marker) {
					status.KernelEvidence = append(status.KernelEvidence, strings.TrimSpace(line))
					break
				}
			}
		}
	} else {
		d.logger.WithError(err).Debug("kernel log unavailable")
	}

	if entries, err := d.inv.FS().ReadDir(d.inv.GroupsPath()); err == nil {
		status.GroupCount = len(entries)
	}

	flagged := len(status.ConfigFlags) > 0 || len(status.BootFlags) > 0
	corroborated := len(status.KernelEvidence) > 0 || status.GroupCount > 0
	status.Active = flagged && corroborated
	return status
}

func filterFlags(tokens []string) []string {
	var out []string
	for _, t := range tokens {
		for _, f := range iommuFlags {
			if t == f {
				out = append(out, t)
			}
		}
	}
	return out
}

// Groups lists every IOMMU group with its members, ordered numerically.
func (d *Diagnostics) Groups() ([]Group, error) {
	entries, err := d.inv.FS().ReadDir(d.inv.GroupsPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read iommu groups: %w", err)
	}

	var groups []Group
	for _, e := range entries {
		members, err := d.GroupMembers(e.Name())
		if err != nil {
			d.logger.WithError(err).WithField("group", e.Name()).Warn("skipping unreadable group")
			continue
		}
		groups = append(groups, Group{ID: e.Name(), Members: members})
	}
	sort.Slice(groups, func(i, j int) bool {
		a, errA := strconv.Atoi(groups[i].ID)
		b, errB := strconv.Atoi(groups[j].ID)
		if errA != nil || errB != nil {
			return groups[i].ID < groups[j].ID
		}
		return a < b
	})
	return groups, nil
}

// GroupMembers lists the functions in one IOMMU group.
func (d *Diagnostics) GroupMembers(id string) ([]Member, error) {
	entries, err := d.inv.FS().ReadDir(filepath.Join(d.inv.GroupsPath(), id, "devices"))
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(entries))
	for _, e := range entries {
		addr := e.Name()
		vendor, device := d.inv.HardwareIDs(addr)
		members = append(members, Member{
			Address:  addr,
			VendorID: vendor,
			DeviceID: device,
			Class:    d.inv.Class(addr),
			Driver:   d.inv.CurrentDriver(addr),
		})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Address < members[j].Address })
	return members, nil
}

// CheckTarget flags every group member left out of the target. PCI
// bridges are ignored since they are never bound to vfio-pci.
func (d *Diagnostics) CheckTarget(target types.PassthroughTarget) []GroupIssue {
	inTarget := make(map[string]bool, len(target.Addresses))
	for _, a := range target.Addresses {
		inTarget[a] = true
	}

	var issues []GroupIssue
	checked := map[string]bool{}
	for _, addr := range target.Addresses {
		group := d.inv.IOMMUGroup(addr)
		if group == "" {
			issues = append(issues, GroupIssue{Kind: IssueNoGroup, Device: addr})
			continue
		}
		if checked[group] {
			continue
		}
		checked[group] = true

		members, err := d.GroupMembers(group)
		if err != nil {
			d.logger.WithError(err).WithField("group", group).Warn("could not read group members")
			continue
		}
		for _, m := range members {
			if inTarget[m.Address] || strings.HasPrefix(m.Class, classBridgePCI) {
				continue
			}
			issues = append(issues, GroupIssue{Kind: IssueIncompleteGroup, Group: group, Device: addr, Missing: m.Address})
		}
	}
	return issues
}

// Incomplete reports whether any issue is a partial-group condition.
func Incomplete(issues []GroupIssue) bool {
	for _, i := range issues {
		if i.Kind == IssueIncompleteGroup {
			return true
		}
	}
	return false
}

// Run collects the full report.
func (d *Diagnostics) Run(ctx context.Context) (*Report, error) {
	report := &Report{IOMMU: d.IOMMU(ctx)}

	groups, err := d.Groups()
	if err != nil {
		return nil, err
	}
	report.Groups = groups

	devices, err := d.inv.List(ctx)
	if err != nil {
		return nil, err
	}
	report.Bindings = devices

	for _, dev := range devices {
		if dev.CurrentDriver != types.DriverVFIO {
			continue
		}
		for _, issue := range d.CheckTarget(types.NewPassthroughTarget(dev, true)) {
			report.Issues = append(report.Issues, issue.String())
		}
	}

	line, err := d.writer.CmdlineLine()
	if err != nil {
		report.Issues = append(report.Issues, err.Error())
	}
	report.CmdlineLine = line

	if !report.IOMMU.Active {
		report.Issues = append(report.Issues, "IOMMU is not active")
	}
	return report, nil
}
