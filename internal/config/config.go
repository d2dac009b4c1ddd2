// Package config provides configuration loading for swarmd.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables. This package covers the server, orchestration policy, progress
// aggregation, alignment scoring, collision detection, and collaborator
// settings.
package config

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Enforcement modes for spawn validation.
const (
	EnforcementSuggest = "suggest"
	EnforcementWarn    = "warn"
	EnforcementEnforce = "enforce"
)

// Config holds the complete swarmd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Storage       StorageConfig       `koanf:"storage"`
	Orchestration OrchestrationConfig `koanf:"orchestration"`
	Progress      ProgressConfig      `koanf:"progress"`
	Alignment     AlignmentConfig     `koanf:"alignment"`
	Collision     CollisionConfig     `koanf:"collision"`
	Bus           BusConfig           `koanf:"bus"`
	Tracker       TrackerConfig       `koanf:"tracker"`
	Watch         WatchConfig         `koanf:"watch"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP intake server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StorageConfig holds hierarchy persistence configuration.
type StorageConfig struct {
	// Dir is the state directory for the project workspace.
	Dir string `koanf:"dir"`
}

// OrchestrationConfig holds spawn validation and retry policy.
type OrchestrationConfig struct {
	// EnforcementMode is one of suggest, warn, enforce.
	EnforcementMode string `koanf:"enforcement_mode"`
	// MaxRetries caps total attempts per task. With MaxRetries=3 a task
	// gets its initial attempt plus two retries before abort.
	MaxRetries int `koanf:"max_retries"`
}

// ProgressConfig holds aggregation and milestone settings.
type ProgressConfig struct {
	// MilestoneThresholds are completion percentages reported to the
	// external tracker at most once per node.
	MilestoneThresholds []int `koanf:"milestone_thresholds"`
}

// AlignmentConfig holds drift scoring thresholds.
type AlignmentConfig struct {
	DriftThreshold    float64 `koanf:"drift_threshold"`
	CriticalThreshold float64 `koanf:"critical_threshold"`
	// HistoryLimit caps observations retained per vision (FIFO).
	HistoryLimit int `koanf:"history_limit"`
	// ObserveInterval is the periodic re-score interval. Zero disables
	// the ticker; observations still fire on progress events.
	ObserveInterval Duration `koanf:"observe_interval"`
}

// CollisionConfig holds the shared-resource write window settings.
type CollisionConfig struct {
	// Window is how long after a write another agent's write to the same
	// resource counts as a collision.
	Window Duration `koanf:"window"`
	// MaxResources caps tracked resources; oldest by last write evicted.
	MaxResources int `koanf:"max_resources"`
}

// BusConfig holds the embedded NATS broker settings.
type BusConfig struct {
	Enabled bool `koanf:"enabled"`
	// ListenPort exposes the embedded broker for external subscribers.
	// Zero keeps the broker in-process only.
	ListenPort int `koanf:"listen_port"`
}

// TrackerConfig selects the external progress notifier.
type TrackerConfig struct {
	// Provider is one of log, github, none.
	Provider string       `koanf:"provider"`
	GitHub   GitHubConfig `koanf:"github"`
}

// GitHubConfig holds issue-tracker notifier settings.
type GitHubConfig struct {
	Token Secret `koanf:"token"`
	Owner string `koanf:"owner"`
	Repo  string `koanf:"repo"`
	// ProgressIssue is the issue number receiving milestone comments.
	ProgressIssue int `koanf:"progress_issue"`
	// RatePerMinute bounds outbound API calls.
	RatePerMinute int `koanf:"rate_per_minute"`
}

// WatchConfig holds the plan file watcher settings.
type WatchConfig struct {
	Enabled  bool     `koanf:"enabled"`
	PlanPath string   `koanf:"plan_path"`
	Debounce Duration `koanf:"debounce"`
}

// ObservabilityConfig holds logging and OpenTelemetry settings.
type ObservabilityConfig struct {
	ServiceName     string     `koanf:"service_name"`
	EnableTelemetry bool       `koanf:"enable_telemetry"`
	LogLevel        string     `koanf:"log_level"`
	LogFormat       string     `koanf:"log_format"`
	OTLP            OTLPConfig `koanf:"otlp"`
}

// OTLPConfig holds exporter endpoint settings.
type OTLPConfig struct {
	Endpoint string `koanf:"endpoint"`
	// Protocol is "grpc" or "http/protobuf".
	Protocol string `koanf:"protocol"`
	Insecure bool   `koanf:"insecure"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9180
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = ".swarmd"
	}

	if cfg.Orchestration.EnforcementMode == "" {
		cfg.Orchestration.EnforcementMode = EnforcementEnforce
	}
	if cfg.Orchestration.MaxRetries == 0 {
		cfg.Orchestration.MaxRetries = 3
	}

	if len(cfg.Progress.MilestoneThresholds) == 0 {
		cfg.Progress.MilestoneThresholds = []int{25, 50, 75, 100}
	}

	if cfg.Alignment.DriftThreshold == 0 {
		cfg.Alignment.DriftThreshold = 0.85
	}
	if cfg.Alignment.CriticalThreshold == 0 {
		cfg.Alignment.CriticalThreshold = 0.60
	}
	if cfg.Alignment.HistoryLimit == 0 {
		cfg.Alignment.HistoryLimit = 50
	}

	if cfg.Collision.Window == 0 {
		cfg.Collision.Window = Duration(20 * time.Second)
	}
	if cfg.Collision.MaxResources == 0 {
		cfg.Collision.MaxResources = 512
	}

	if cfg.Tracker.Provider == "" {
		cfg.Tracker.Provider = "log"
	}
	if cfg.Tracker.GitHub.RatePerMinute == 0 {
		cfg.Tracker.GitHub.RatePerMinute = 30
	}

	if cfg.Watch.PlanPath == "" {
		cfg.Watch.PlanPath = ".swarmd/plan.yaml"
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = Duration(500 * time.Millisecond)
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "swarmd"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
	if cfg.Observability.OTLP.Protocol == "" {
		cfg.Observability.OTLP.Protocol = "grpc"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	switch c.Orchestration.EnforcementMode {
	case EnforcementSuggest, EnforcementWarn, EnforcementEnforce:
	default:
		return fmt.Errorf("invalid enforcement mode %q (must be suggest, warn, or enforce)",
			c.Orchestration.EnforcementMode)
	}
	if c.Orchestration.MaxRetries < 1 {
		return fmt.Errorf("max retries must be >= 1, got %d", c.Orchestration.MaxRetries)
	}

	if err := validateThresholds(c.Progress.MilestoneThresholds); err != nil {
		return err
	}

	if c.Alignment.DriftThreshold <= 0 || c.Alignment.DriftThreshold > 1 {
		return fmt.Errorf("drift threshold must be in (0, 1], got %v", c.Alignment.DriftThreshold)
	}
	if c.Alignment.CriticalThreshold <= 0 || c.Alignment.CriticalThreshold > 1 {
		return fmt.Errorf("critical threshold must be in (0, 1], got %v", c.Alignment.CriticalThreshold)
	}
	if c.Alignment.CriticalThreshold > c.Alignment.DriftThreshold {
		return fmt.Errorf("critical threshold %v must not exceed drift threshold %v",
			c.Alignment.CriticalThreshold, c.Alignment.DriftThreshold)
	}
	if c.Alignment.HistoryLimit < 1 {
		return fmt.Errorf("alignment history limit must be >= 1, got %d", c.Alignment.HistoryLimit)
	}

	if c.Collision.Window.Duration() <= 0 {
		return errors.New("collision window must be positive")
	}
	if c.Collision.MaxResources < 1 {
		return fmt.Errorf("collision max resources must be >= 1, got %d", c.Collision.MaxResources)
	}

	switch c.Tracker.Provider {
	case "log", "none":
	case "github":
		if !c.Tracker.GitHub.Token.IsSet() {
			return errors.New("tracker.github.token required when provider is github")
		}
		if c.Tracker.GitHub.Owner == "" || c.Tracker.GitHub.Repo == "" {
			return errors.New("tracker.github.owner and tracker.github.repo required when provider is github")
		}
	default:
		return fmt.Errorf("invalid tracker provider %q (must be log, github, or none)", c.Tracker.Provider)
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	return nil
}

// validateThresholds checks milestone thresholds are in (0, 100], unique, and
// sorted ascending.
func validateThresholds(ts []int) error {
	if !sort.IntsAreSorted(ts) {
		return fmt.Errorf("milestone thresholds must be sorted ascending: %v", ts)
	}
	prev := 0
	for _, t := range ts {
		if t <= 0 || t > 100 {
			return fmt.Errorf("milestone threshold %d out of range (0, 100]", t)
		}
		if t == prev {
			return fmt.Errorf("duplicate milestone threshold %d", t)
		}
		prev = t
	}
	return nil
}
