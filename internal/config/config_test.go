package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := defaultConfig()

	assert.Equal(t, 9180, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, ".swarmd", cfg.Storage.Dir)
	assert.Equal(t, EnforcementEnforce, cfg.Orchestration.EnforcementMode)
	assert.Equal(t, 3, cfg.Orchestration.MaxRetries)
	assert.Equal(t, []int{25, 50, 75, 100}, cfg.Progress.MilestoneThresholds)
	assert.InDelta(t, 0.85, cfg.Alignment.DriftThreshold, 1e-9)
	assert.InDelta(t, 0.60, cfg.Alignment.CriticalThreshold, 1e-9)
	assert.Equal(t, 50, cfg.Alignment.HistoryLimit)
	assert.Equal(t, 20*time.Second, cfg.Collision.Window.Duration())
	assert.Equal(t, 512, cfg.Collision.MaxResources)
	assert.Equal(t, "log", cfg.Tracker.Provider)
	assert.Equal(t, "swarmd", cfg.Observability.ServiceName)
}

func TestConfig_Validate_Defaults(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "invalid server port",
		},
		{
			name:    "invalid enforcement mode",
			mutate:  func(c *Config) { c.Orchestration.EnforcementMode = "strict" },
			wantErr: "invalid enforcement mode",
		},
		{
			name:    "zero max retries",
			mutate:  func(c *Config) { c.Orchestration.MaxRetries = 0 },
			wantErr: "max retries must be >= 1",
		},
		{
			name:    "unsorted thresholds",
			mutate:  func(c *Config) { c.Progress.MilestoneThresholds = []int{50, 25} },
			wantErr: "sorted ascending",
		},
		{
			name:    "duplicate thresholds",
			mutate:  func(c *Config) { c.Progress.MilestoneThresholds = []int{25, 25, 50} },
			wantErr: "duplicate milestone threshold",
		},
		{
			name:    "threshold above 100",
			mutate:  func(c *Config) { c.Progress.MilestoneThresholds = []int{50, 150} },
			wantErr: "out of range",
		},
		{
			name:    "drift threshold out of range",
			mutate:  func(c *Config) { c.Alignment.DriftThreshold = 1.5 },
			wantErr: "drift threshold",
		},
		{
			name: "critical above drift",
			mutate: func(c *Config) {
				c.Alignment.DriftThreshold = 0.5
				c.Alignment.CriticalThreshold = 0.9
			},
			wantErr: "must not exceed drift threshold",
		},
		{
			name:    "negative collision window",
			mutate:  func(c *Config) { c.Collision.Window = Duration(-time.Second) },
			wantErr: "collision window",
		},
		{
			name:    "github tracker without token",
			mutate:  func(c *Config) { c.Tracker.Provider = "github" },
			wantErr: "tracker.github.token required",
		},
		{
			name: "github tracker without repo",
			mutate: func(c *Config) {
				c.Tracker.Provider = "github"
				c.Tracker.GitHub.Token = "ghp_test"
				c.Tracker.GitHub.Owner = "fyrsmithlabs"
			},
			wantErr: "tracker.github.owner and tracker.github.repo",
		},
		{
			name:    "unknown tracker provider",
			mutate:  func(c *Config) { c.Tracker.Provider = "jira" },
			wantErr: "invalid tracker provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("45s")))
	assert.Equal(t, 45*time.Second, d.Duration())

	require.Error(t, d.UnmarshalText([]byte("-5s")))
	require.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("ghp_supersecret")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "ghp_supersecret", s.Value())
	assert.True(t, s.IsSet())

	data, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "supersecret")

	var empty Secret
	assert.Equal(t, "", empty.String())
	assert.False(t, empty.IsSet())
}
