package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestConfig writes a config file in a fake home directory's allowed
// config location and returns its path.
func writeTestConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)

	configDir := filepath.Join(home, ".config", "swarmd")
	require.NoError(t, os.MkdirAll(configDir, 0700))

	configPath := filepath.Join(configDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), perm))
	return configPath
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	configPath := writeTestConfig(t, `server:
  http_port: 9280
  shutdown_timeout: 5s

orchestration:
  enforcement_mode: warn
  max_retries: 5

collision:
  window: 30s
`, 0600)

	cfg, err := LoadWithFile(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9280, cfg.Server.Port)
	assert.Equal(t, EnforcementWarn, cfg.Orchestration.EnforcementMode)
	assert.Equal(t, 5, cfg.Orchestration.MaxRetries)
	assert.Equal(t, "30s", cfg.Collision.Window.Duration().String())

	// Unspecified sections keep defaults.
	assert.Equal(t, []int{25, 50, 75, 100}, cfg.Progress.MilestoneThresholds)
	assert.InDelta(t, 0.85, cfg.Alignment.DriftThreshold, 1e-9)
}

func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	configPath := writeTestConfig(t, `orchestration:
  enforcement_mode: suggest
  max_retries: 2
`, 0600)

	t.Setenv("ORCHESTRATION_MAX_RETRIES", "7")

	cfg, err := LoadWithFile(configPath)
	require.NoError(t, err)

	// Env beats file; file beats defaults.
	assert.Equal(t, 7, cfg.Orchestration.MaxRetries)
	assert.Equal(t, EnforcementSuggest, cfg.Orchestration.EnforcementMode)
}

func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	configPath := writeTestConfig(t, "server:\n  http_port: 9280\n", 0644)

	_, err := LoadWithFile(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_PathOutsideAllowedDirs(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	outside := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(outside, []byte("server:\n  http_port: 1\n"), 0600))

	_, err := LoadWithFile(outside)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file must be in")
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := LoadWithFile("")
	require.NoError(t, err)
	assert.Equal(t, 9180, cfg.Server.Port)
	assert.Equal(t, EnforcementEnforce, cfg.Orchestration.EnforcementMode)
}

func TestLoadWithFile_InvalidValuesRejected(t *testing.T) {
	configPath := writeTestConfig(t, `orchestration:
  enforcement_mode: aggressive
`, 0600)

	_, err := LoadWithFile(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid enforcement mode")
}
