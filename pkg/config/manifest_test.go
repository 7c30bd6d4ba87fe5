package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleManifest = `
batch_id: nightly
launcher: bin/runsolver
table: results/results.csv
timeout: 60
memout: 0
pool_size: 4
callback: cb.js
instances:
  - id: sat-01
    args: [./solver, --seed, "1", sat-01.cnf]
  - id: sat-02
    args: [./solver, sat-02.cnf]
    output: /tmp/sat-02.log
`

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleManifest), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)

	assert.Equal(t, "nightly", m.BatchID)
	assert.Equal(t, filepath.Join(dir, "bin/runsolver"), m.Launcher)
	assert.Equal(t, filepath.Join(dir, "results/results.csv"), m.Table)
	assert.Equal(t, filepath.Join(dir, DefaultOutputDir), m.OutputDir)
	require.Len(t, m.Instances, 2)
	assert.Equal(t, []string{"./solver", "--seed", "1", "sat-01.cnf"}, m.Instances[0].Args)

	assert.Equal(t, filepath.Join(dir, DefaultOutputDir, "sat-01.out"), m.OutputFile(m.Instances[0]))
	assert.Equal(t, "/tmp/sat-02.log", m.OutputFile(m.Instances[1]))
}

func TestManifestApply(t *testing.T) {
	m, err := ParseManifest([]byte(sampleManifest))
	require.NoError(t, err)

	cfg := &Config{LauncherPath: "/env/rs", TablePath: "env.csv", Timeout: 10, Memout: 512, TerminationWait: 5, PoolSize: 1}
	m.Apply(cfg)

	assert.Equal(t, "bin/runsolver", cfg.LauncherPath)
	assert.Equal(t, "results/results.csv", cfg.TablePath)
	assert.Equal(t, 60, cfg.Timeout)
	assert.Equal(t, 0, cfg.Memout)
	assert.Equal(t, 5, cfg.TerminationWait)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, "cb.js", cfg.CallbackScript)
}

func TestParseManifestErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown field", "instancez: []"},
		{"missing id", "instances:\n  - args: [a]\n"},
		{"duplicate id", "instances:\n  - id: a\n  - id: a\n"},
		{"negative timeout", "timeout: -1\n"},
		{"negative pool", "pool_size: -2\n"},
		{"bad yaml", "instances: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.content))
			assert.Error(t, err)
		})
	}
}

func TestParseEmptyManifest(t *testing.T) {
	m, err := ParseManifest(nil)
	require.NoError(t, err)
	assert.Empty(t, m.Instances)
	assert.Equal(t, DefaultOutputDir, m.OutputDir)
}
