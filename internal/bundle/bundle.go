// Package bundle reads and writes rvemu.yaml machine descriptions.
package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	MetadataFilename = "rvemu.yaml"

	DefaultMemoryMB = 128
	DefaultTerminal = TerminalStdio
)

// Terminal backends.
const (
	TerminalStdio  = "stdio"
	TerminalScreen = "screen"
	TerminalNone   = "none"
)

// Metadata describes a machine folder on disk. Paths are relative to the
// folder holding rvemu.yaml.
type Metadata struct {
	Version     int    `yaml:"version"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	Machine MachineConfig `yaml:"machine"`
}

type MachineConfig struct {
	Program    string `yaml:"program"`
	Filesystem string `yaml:"filesystem,omitempty"`
	DTB        string `yaml:"dtb,omitempty"`
	Bootargs   string `yaml:"bootargs,omitempty"`

	// XLEN is 32, 64, or 0 to take it from the ELF class.
	XLEN      int    `yaml:"xlen,omitempty"`
	MemoryMB  uint64 `yaml:"memoryMB,omitempty"`
	PageCache bool   `yaml:"pageCache,omitempty"`
	Terminal  string `yaml:"terminal,omitempty"`

	StopAt   []Address `yaml:"stopAt,omitempty"`
	MaxSteps uint64    `yaml:"maxSteps,omitempty"`
}

// Address is a guest address written in YAML as a hex string or an integer.
type Address uint64

func (a Address) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("%#x", uint64(a)), nil
}

func (a *Address) UnmarshalYAML(value *yaml.Node) error {
	v, err := strconv.ParseUint(strings.ReplaceAll(value.Value, "_", ""), 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid address %q", value.Line, value.Value)
	}
	*a = Address(v)
	return nil
}

func (m *Metadata) normalize() {
	if m.Version == 0 {
		m.Version = 1
	}
	if m.Name == "" {
		m.Name = "{{name}}"
	}
	if m.Machine.MemoryMB == 0 {
		m.Machine.MemoryMB = DefaultMemoryMB
	}
	if m.Machine.Terminal == "" {
		m.Machine.Terminal = DefaultTerminal
	}
}

func (m *Metadata) validate() error {
	switch m.Machine.XLEN {
	case 0, 32, 64:
	default:
		return fmt.Errorf("machine.xlen must be 32 or 64, got %d", m.Machine.XLEN)
	}
	switch m.Machine.Terminal {
	case TerminalStdio, TerminalScreen, TerminalNone:
	default:
		return fmt.Errorf("machine.terminal %q is not one of stdio, screen, none", m.Machine.Terminal)
	}
	return nil
}

// Resolve returns p relative to dir unless it is empty or absolute.
func Resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func IsBundleDir(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, MetadataFilename))
	return err == nil
}

// ValidateBundleDir checks the metadata and that every referenced file exists.
func ValidateBundleDir(dir string) error {
	if !IsBundleDir(dir) {
		return fmt.Errorf("missing %s", MetadataFilename)
	}

	meta, err := LoadMetadata(dir)
	if err != nil {
		return fmt.Errorf("invalid metadata: %w", err)
	}
	if meta.Machine.Program == "" {
		return fmt.Errorf("machine.program is not set")
	}

	for _, p := range []string{meta.Machine.Program, meta.Machine.Filesystem, meta.Machine.DTB} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(Resolve(dir, p)); err != nil {
			return fmt.Errorf("referenced file: %w", err)
		}
	}
	return nil
}

func LoadMetadata(dir string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFilename))
	if err != nil {
		return Metadata{}, fmt.Errorf("read %s: %w", MetadataFilename, err)
	}

	var meta Metadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse %s: %w", MetadataFilename, err)
	}
	meta.normalize()
	if err := meta.validate(); err != nil {
		return Metadata{}, fmt.Errorf("parse %s: %w", MetadataFilename, err)
	}
	return meta, nil
}

// WriteTemplate writes a metadata YAML file into dir, creating it if needed.
func WriteTemplate(dir string, meta Metadata) error {
	meta.normalize()
	if err := meta.validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, MetadataFilename))
	if err != nil {
		return fmt.Errorf("create %s: %w", MetadataFilename, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&meta); err != nil {
		return fmt.Errorf("encode %s: %w", MetadataFilename, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", MetadataFilename, err)
	}
	return nil
}
