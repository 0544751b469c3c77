package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err, "an explicit missing file is an error")

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxIterations)
	assert.Equal(t, 5, cfg.MaxRecursionDepth)
	assert.Equal(t, 8000, cfg.MaxContextTokens)
	assert.InDelta(t, 0.10, cfg.OutputReserveRatio, 0.001)
	assert.Equal(t, 10, cfg.ToolConcurrencyLimit)
	assert.Equal(t, 1000, cfg.BusHistoryCap)
	assert.Equal(t, 50, cfg.Memory.MaxL1Size)
	assert.InDelta(t, 0.6, cfg.Memory.PromoteThreshold, 0.001)
	assert.Equal(t, "hybrid", cfg.SkillActivationMode)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weave-config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model: test-model
max_iterations: 3
memory:
  max_l1_size: 7
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test-model", cfg.Model)
	assert.Equal(t, 3, cfg.MaxIterations)
	assert.Equal(t, 7, cfg.Memory.MaxL1Size)
	// Untouched keys keep their defaults.
	assert.Equal(t, 5, cfg.MaxRecursionDepth)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WEAVE_MAX_ITERATIONS", "4")
	t.Setenv("WEAVE_MODEL", "env-model")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxIterations)
	assert.Equal(t, "env-model", cfg.Model)
}

func TestDerivedConfigs(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	agentCfg := cfg.AgentConfig()
	assert.Equal(t, 60*time.Second, agentCfg.LLMTimeout)
	assert.Equal(t, 10, agentCfg.MaxIterations)

	execCfg := cfg.ExecutorConfig()
	assert.Equal(t, 120*time.Second, execCfg.CallTimeout)
	assert.Equal(t, 10, execCfg.ConcurrencyLimit)
}
