package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Workflow.MaxParallelWorkflows)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("ORCH_HEARTBEAT", "45s")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "workflow:\n  heartbeat_timeout: ${ORCH_HEARTBEAT:-60s}\nserver:\n  addr: \":9090\"\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "45s", cfg.Workflow.HeartbeatTimeout.String())
	assert.Equal(t, ":9090", cfg.Server.Addr)
}

func TestLoadRejectsIncompleteAuthConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "server:\n  auth:\n    enabled: true\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestRateLimitConfigRulesConvert(t *testing.T) {
	c := RateLimitConfig{Enabled: true}
	c.SetDefaults()
	require.Len(t, c.Limits, 1)
	rules := c.Rules()
	require.Len(t, rules, 1)
	assert.EqualValues(t, 60, rules[0].Limit)
}
