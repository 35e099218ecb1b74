package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for its configuration file.
const DefaultPath = "/etc/vfioctl/config.yaml"

// Missing-line policies for the bootloader cmdline.
const (
	MissingLineCreate = "create"
	MissingLineFail   = "fail"
)

// Config holds every path, marker and command the passthrough components
// use. It replaces module-level globals so tests can point Root at a
// temporary directory.
type Config struct {
	Root       string     `yaml:"root"`
	Paths      Paths      `yaml:"paths"`
	Bootloader Bootloader `yaml:"bootloader"`
	Commands   Commands   `yaml:"commands"`
	CPUVendor  string     `yaml:"cpu_vendor"`
	Enumerator string     `yaml:"enumerator"`
	LogLevel   string     `yaml:"log_level"`
}

// Paths are absolute paths interpreted relative to Root.
type Paths struct {
	ModprobeDir      string `yaml:"modprobe_dir"`
	VFIOConf         string `yaml:"vfio_conf"`
	NouveauBlacklist string `yaml:"nouveau_blacklist"`
	AMDBlacklist     string `yaml:"amd_blacklist"`
	ModulesFile      string `yaml:"modules_file"`
	BootloaderFile   string `yaml:"bootloader_file"`
	UdevRulesDir     string `yaml:"udev_rules_dir"`
	ResetRule        string `yaml:"reset_rule"`
	Sysfs            string `yaml:"sysfs"`
	ProcCmdline      string `yaml:"proc_cmdline"`
	LockFile         string `yaml:"lock_file"`
	LedgerFile       string `yaml:"ledger_file"`
}

// Bootloader identifies the single kernel-parameter line.
type Bootloader struct {
	CmdlineKey  string `yaml:"cmdline_key"`
	MissingLine string `yaml:"missing_line"`
}

// Commands are argv vectors for the external tools.
type Commands struct {
	Initramfs         []string `yaml:"initramfs"`
	BootloaderRefresh []string `yaml:"bootloader_refresh"`
	Lspci             []string `yaml:"lspci"`
	KernelLog         []string `yaml:"kernel_log"`
	Modprobe          []string `yaml:"modprobe"`
	DKMS              string   `yaml:"dkms"`
}

// CreateDefaultConfig returns the configuration for a Debian-family host
// booting through GRUB.
func CreateDefaultConfig() *Config {
	return &Config{
		Root: "/",
		Paths: Paths{
			ModprobeDir:      "/etc/modprobe.d",
			VFIOConf:         "vfio.conf",
			NouveauBlacklist: "blacklist-nouveau.conf",
			AMDBlacklist:     "blacklist-amdgpu.conf",
			ModulesFile:      "/etc/modules",
			BootloaderFile:   "/etc/default/grub",
			UdevRulesDir:     "/etc/udev/rules.d",
			ResetRule:        "99-vendor-reset.rules",
			Sysfs:            "/sys",
			ProcCmdline:      "/proc/cmdline",
			LockFile:         "/run/vfioctl.lock",
			LedgerFile:       "/var/lib/vfioctl/state.yaml",
		},
		Bootloader: Bootloader{
			CmdlineKey:  "GRUB_CMDLINE_LINUX_DEFAULT",
			MissingLine: MissingLineCreate,
		},
		Commands: Commands{
			Initramfs:         []string{"update-initramfs", "-u", "-k", "all"},
			BootloaderRefresh: []string{"update-grub"},
			Lspci:             []string{"lspci", "-Dnn"},
			KernelLog:         []string{"dmesg"},
			Modprobe:          []string{"modprobe"},
			DKMS:              "dkms",
		},
		CPUVendor:  "auto",
		Enumerator: "ghw",
		LogLevel:   "info",
	}
}

// LoadConfig loads configuration from a YAML file on top of the defaults.
// A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	config := CreateDefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Marshal renders the configuration as YAML.
func Marshal(config *Config) ([]byte, error) {
	data, err := yaml.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// SaveConfig writes the configuration as YAML, creating its directory.
func SaveConfig(config *Config, path string) error {
	data, err := Marshal(config)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ApplyEnv overlays VFIOCTL_* variables. Values from envFile (dotenv
// format) are used when the process environment does not set them.
func (c *Config) ApplyEnv(envFile string) error {
	fileEnv := map[string]string{}
	if envFile != "" {
		var err error
		fileEnv, err = godotenv.Read(envFile)
		if err != nil {
			return fmt.Errorf("failed to read env file %s: %w", envFile, err)
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileEnv[key]
		return v, ok
	}

	overrides := map[string]*string{
		"VFIOCTL_ROOT":            &c.Root,
		"VFIOCTL_LOG_LEVEL":       &c.LogLevel,
		"VFIOCTL_CPU_VENDOR":      &c.CPUVendor,
		"VFIOCTL_ENUMERATOR":      &c.Enumerator,
		"VFIOCTL_BOOTLOADER_FILE": &c.Paths.BootloaderFile,
		"VFIOCTL_CMDLINE_KEY":     &c.Bootloader.CmdlineKey,
	}
	for key, field := range overrides {
		if v, ok := lookup(key); ok && v != "" {
			*field = v
		}
	}
	return nil
}

// Validate checks the configuration for values the components cannot use.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root is required")
	}
	if c.Bootloader.CmdlineKey == "" {
		return fmt.Errorf("bootloader.cmdline_key is required")
	}
	if strings.ContainsAny(c.Bootloader.CmdlineKey, " =\"'") {
		return fmt.Errorf("bootloader.cmdline_key %q must be a bare variable name", c.Bootloader.CmdlineKey)
	}
	switch c.Bootloader.MissingLine {
	case MissingLineCreate, MissingLineFail:
	default:
		return fmt.Errorf("bootloader.missing_line must be %q or %q, got %q",
			MissingLineCreate, MissingLineFail, c.Bootloader.MissingLine)
	}
	switch strings.ToLower(c.CPUVendor) {
	case "auto", "intel", "amd":
	default:
		return fmt.Errorf("cpu_vendor must be auto, intel or amd, got %q", c.CPUVendor)
	}
	switch c.Enumerator {
	case "ghw", "lspci":
	default:
		return fmt.Errorf("enumerator must be ghw or lspci, got %q", c.Enumerator)
	}
	if len(c.Commands.Initramfs) == 0 || len(c.Commands.BootloaderRefresh) == 0 {
		return fmt.Errorf("commands.initramfs and commands.bootloader_refresh are required")
	}
	for name, p := range map[string]string{
		"paths.modprobe_dir":    c.Paths.ModprobeDir,
		"paths.modules_file":    c.Paths.ModulesFile,
		"paths.bootloader_file": c.Paths.BootloaderFile,
		"paths.sysfs":           c.Paths.Sysfs,
	} {
		if p == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	return nil
}

// Path resolves an absolute host path against Root.
func (c *Config) Path(p string) string {
	if c.Root == "" || c.Root == "/" {
		return filepath.Clean(p)
	}
	return filepath.Join(c.Root, p)
}

// ModprobePath resolves a file name inside the modprobe.d directory.
func (c *Config) ModprobePath(name string) string {
	return c.Path(filepath.Join(c.Paths.ModprobeDir, name))
}

// SysfsPath resolves a path below the sysfs mount.
func (c *Config) SysfsPath(elem ...string) string {
	return c.Path(filepath.Join(append([]string{c.Paths.Sysfs}, elem...)...))
}
