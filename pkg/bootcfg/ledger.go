package bootcfg

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Ledger records what Enable added so Disable can remove exactly that.
type Ledger struct {
	Target    []string `yaml:"target,omitempty"`
	Flags     []string `yaml:"flags,omitempty"`
	Modules   []string `yaml:"modules,omitempty"`
	Artifacts []string `yaml:"artifacts,omitempty"`
	// CreatedLine and CreatedModulesFile are set when Enable had to create
	// the cmdline line or the autoload list; Disable removes them once empty.
	CreatedLine        bool `yaml:"created_line,omitempty"`
	CreatedModulesFile bool `yaml:"created_modules_file,omitempty"`

	Reset *ResetRecord `yaml:"reset,omitempty"`
}

// ResetRecord describes an installed reset-workaround module.
type ResetRecord struct {
	Module  string `yaml:"module"`
	Version string `yaml:"version"`
	Method  string `yaml:"method"`
	Device  string `yaml:"device,omitempty"`
}

// Merge adds entries from other, keeping each list sorted and unique.
// Target is replaced, since only the latest target is configured.
func (l *Ledger) Merge(other Ledger) {
	if len(other.Target) > 0 {
		l.Target = append([]string(nil), other.Target...)
	}
	l.Flags = union(l.Flags, other.Flags)
	l.Modules = union(l.Modules, other.Modules)
	l.Artifacts = union(l.Artifacts, other.Artifacts)
	l.CreatedLine = l.CreatedLine || other.CreatedLine
	l.CreatedModulesFile = l.CreatedModulesFile || other.CreatedModulesFile
}

// Empty reports whether the ledger owns nothing.
func (l Ledger) Empty() bool {
	return !l.HasPassthrough() && l.Reset == nil
}

// HasPassthrough reports whether Enable recorded anything.
func (l Ledger) HasPassthrough() bool {
	return len(l.Target) > 0 || l.OwnsConfig()
}

// OwnsConfig reports whether the ledger holds anything Disable must undo
// besides the target ids.
func (l Ledger) OwnsConfig() bool {
	return len(l.Flags) > 0 || len(l.Modules) > 0 || len(l.Artifacts) > 0 || l.CreatedLine || l.CreatedModulesFile
}

// ClearPassthrough forgets everything Enable recorded, keeping the reset
// workaround record.
func (l *Ledger) ClearPassthrough() {
	l.Target, l.Flags, l.Modules, l.Artifacts = nil, nil, nil, nil
	l.CreatedLine, l.CreatedModulesFile = false, false
}

// LoadLedger reads the ledger. A missing file yields nil and no error.
func LoadLedger(path string) (*Ledger, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	var l Ledger
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to parse ledger %s: %w", path, err)
	}
	return &l, nil
}

// SaveLedger writes the ledger atomically.
func SaveLedger(path string, l *Ledger) error {
	data, err := yaml.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}
	_, err = writeFile(path, data, 0o644)
	return err
}

// RemoveLedger deletes the ledger file; absence is fine.
func RemoveLedger(path string) error {
	_, err := removeFile(path)
	return err
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, v := range append(append([]string(nil), a...), b...) {
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
