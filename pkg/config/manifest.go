package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultOutputDir holds instance output files when a manifest names none
const DefaultOutputDir = "output"

// Manifest describes a batch. Relative paths are resolved against the
// manifest's directory. Unset fields keep the environment settings.
type Manifest struct {
	BatchID         string     `yaml:"batch_id"`
	Launcher        string     `yaml:"launcher"`
	Table           string     `yaml:"table"`
	Timeout         *int       `yaml:"timeout"`
	Memout          *int       `yaml:"memout"`
	TerminationWait *int       `yaml:"termination_wait"`
	PoolSize        int        `yaml:"pool_size"`
	OutputDir       string     `yaml:"output_dir"`
	Callback        string     `yaml:"callback"`
	Instances       []Instance `yaml:"instances"`
}

// Instance is one entry of a manifest
type Instance struct {
	ID     string   `yaml:"id"`
	Args   []string `yaml:"args"`
	Output string   `yaml:"output"`
}

// LoadManifest reads and validates the manifest at path
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.resolve(filepath.Dir(path))
	return m, nil
}

// ParseManifest decodes and validates a manifest. Unknown fields are rejected.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.OutputDir == "" {
		m.OutputDir = DefaultOutputDir
	}
	return &m, nil
}

// Validate checks instance ids and limits
func (m *Manifest) Validate() error {
	seen := make(map[string]struct{}, len(m.Instances))
	for i, inst := range m.Instances {
		if inst.ID == "" {
			return fmt.Errorf("instance %d has no id", i)
		}
		if _, dup := seen[inst.ID]; dup {
			return fmt.Errorf("duplicate instance id %q", inst.ID)
		}
		seen[inst.ID] = struct{}{}
	}
	for name, v := range map[string]*int{"timeout": m.Timeout, "memout": m.Memout, "termination_wait": m.TerminationWait} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}
	if m.PoolSize < 0 {
		return fmt.Errorf("pool_size cannot be negative")
	}
	return nil
}

func (m *Manifest) resolve(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	m.Launcher = abs(m.Launcher)
	m.Table = abs(m.Table)
	m.OutputDir = abs(m.OutputDir)
	m.Callback = abs(m.Callback)
	for i := range m.Instances {
		m.Instances[i].Output = abs(m.Instances[i].Output)
	}
}

// OutputFile returns the output file of inst
func (m *Manifest) OutputFile(inst Instance) string {
	if inst.Output != "" {
		return inst.Output
	}
	return filepath.Join(m.OutputDir, inst.ID+".out")
}

// Apply overrides cfg with the fields the manifest sets
func (m *Manifest) Apply(cfg *Config) {
	if m.Launcher != "" {
		cfg.LauncherPath = m.Launcher
	}
	if m.Table != "" {
		cfg.TablePath = m.Table
	}
	if m.Timeout != nil {
		cfg.Timeout = *m.Timeout
	}
	if m.Memout != nil {
		cfg.Memout = *m.Memout
	}
	if m.TerminationWait != nil {
		cfg.TerminationWait = *m.TerminationWait
	}
	if m.PoolSize > 0 {
		cfg.PoolSize = m.PoolSize
	}
	if m.Callback != "" {
		cfg.CallbackScript = m.Callback
	}
}
