// Package spawn validates agent-spawn transitions against the fixed
// hierarchy legality table and registers allowed agents atomically.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/hierarchy"
)

const instrumentationName = "github.com/fyrsmithlabs/swarmd/internal/spawn"

// Mode selects how illegal spawn transitions are handled.
type Mode string

const (
	// ModeSuggest never blocks; illegal transitions are only annotated.
	ModeSuggest Mode = "suggest"
	// ModeWarn allows illegal transitions with an explanatory message.
	ModeWarn Mode = "warn"
	// ModeEnforce denies illegal transitions.
	ModeEnforce Mode = "enforce"
)

// ParseMode validates an enforcement mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSuggest, ModeWarn, ModeEnforce:
		return Mode(s), nil
	}
	return "", fmt.Errorf("invalid enforcement mode: %q", s)
}

// spawnTable is the fixed legality table: spawner tier → spawnable tiers.
var spawnTable = map[hierarchy.AgentLevel][]hierarchy.AgentLevel{
	hierarchy.AgentMain: {hierarchy.AgentL1, hierarchy.AgentL2, hierarchy.AgentL3},
	hierarchy.AgentL1:   {hierarchy.AgentL2, hierarchy.AgentL3},
	hierarchy.AgentL2:   {hierarchy.AgentL3},
	hierarchy.AgentL3:   {},
}

// CanSpawn reports whether spawner may create an agent at level.
func CanSpawn(spawner, level hierarchy.AgentLevel) bool {
	for _, allowed := range spawnTable[spawner] {
		if allowed == level {
			return true
		}
	}
	return false
}

// explicitLevelRe matches an explicit L1/L2/L3 token in free text.
var explicitLevelRe = regexp.MustCompile(`(?i)\bL([123])\b`)

// levelKeywords are the domain keyword families checked in order when no
// explicit token is present. Specific families come before the broad
// specialist family.
var levelKeywords = []struct {
	level    hierarchy.AgentLevel
	keywords []string
}{
	{hierarchy.AgentL1, []string{
		"orchestrat", "coordinate", "delegate", "decompose",
		"multi-domain", "epic", "roadmap",
	}},
	{hierarchy.AgentL3, []string{
		"atomic", "worker", "single task", "single file",
		"one function", "run the test", "apply the patch",
	}},
	{hierarchy.AgentL2, []string{
		"specialist", "frontend", "backend", "database", "infrastructure",
		"security", "testing", "api", "architecture", "domain",
	}},
}

// InferLevel resolves the requested agent level from free text: an
// explicit L1/L2/L3 token wins, then domain keyword families, then the
// conservative default of L2. The inference is allowed to be wrong;
// enforcement modes exist for exactly that reason.
func InferLevel(description string) hierarchy.AgentLevel {
	if m := explicitLevelRe.FindStringSubmatch(description); m != nil {
		return hierarchy.AgentLevel("L" + m[1])
	}
	lower := strings.ToLower(description)
	for _, family := range levelKeywords {
		for _, kw := range family.keywords {
			if strings.Contains(lower, kw) {
				return family.level
			}
		}
	}
	return hierarchy.AgentL2
}

// Request describes a spawn attempt.
type Request struct {
	// SpawnerID is the requesting agent's id. Empty, "main", or unknown
	// ids resolve to the main orchestrator.
	SpawnerID string

	// AgentID optionally fixes the new agent's id; generated when empty.
	AgentID string

	// Description is the free text the level is inferred from.
	Description string

	// Level optionally pins the requested level, bypassing inference.
	Level string

	// Domain tags the new agent's specialist domain.
	Domain string

	// TaskRef optionally binds the agent to a hierarchy node.
	TaskRef *hierarchy.NodeRef
}

// Decision is the validator's verdict on a spawn attempt.
type Decision struct {
	Allowed bool

	// AgentID is set when the agent was registered.
	AgentID string

	// Level is the resolved level of the requested agent.
	Level hierarchy.AgentLevel

	// SpawnerLevel is the tier the spawner resolved to.
	SpawnerLevel hierarchy.AgentLevel

	// Mode is the enforcement mode the decision was made under.
	Mode Mode

	// Reason explains a denial, carries the warn-mode message, or
	// annotates a suggest-mode violation.
	Reason string
}

// Config configures the validator.
type Config struct {
	// Mode is the enforcement mode (default: enforce).
	Mode Mode
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{Mode: ModeEnforce}
}

// Validator checks spawn legality and registers allowed agents in the
// same store mutation, so a concurrent duplicate spawn cannot race past
// validation.
type Validator struct {
	config *Config
	store  *hierarchy.Store
	logger *zap.Logger

	tracer         trace.Tracer
	meter          metric.Meter
	decisionsTotal metric.Int64Counter
}

// NewValidator creates a spawn validator.
func NewValidator(cfg *Config, store *hierarchy.Store, logger *zap.Logger) (*Validator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeEnforce
	}
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("hierarchy store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	v := &Validator{
		config: cfg,
		store:  store,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	v.initMetrics()

	return v, nil
}

func (v *Validator) initMetrics() {
	var err error

	v.decisionsTotal, err = v.meter.Int64Counter(
		"swarmd.spawn.decisions_total",
		metric.WithDescription("Spawn decisions, labeled by mode, resolved level, and outcome."),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		v.logger.Warn("failed to create decisions counter", zap.Error(err))
	}
}

// Mode returns the active enforcement mode.
func (v *Validator) Mode() Mode {
	return v.config.Mode
}

// Validate resolves the requested level, checks the transition table,
// and on allow registers the agent. Denials are reported in the
// Decision, not as errors; errors are reserved for invalid requests and
// store failures.
func (v *Validator) Validate(ctx context.Context, req *Request) (*Decision, error) {
	ctx, span := v.tracer.Start(ctx, "spawn.validate")
	defer span.End()

	if req == nil {
		return nil, errors.New("request is required")
	}

	level, err := v.resolveLevel(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("spawner_id", req.SpawnerID),
		attribute.String("level", string(level)),
		attribute.String("mode", string(v.config.Mode)),
	)

	decision := &Decision{Level: level, Mode: v.config.Mode}

	err = v.store.Update(ctx, func(tx *hierarchy.Tx) error {
		spawnedBy := req.SpawnerID
		if spawnedBy == "" {
			spawnedBy = "main"
		}

		// Unknown spawners resolve to main on purpose: a spawner the
		// store has never seen is the human operator, not an agent.
		spawnerLevel := hierarchy.AgentMain
		if spawnedBy != "main" {
			if a, err := tx.Agent(spawnedBy); err == nil {
				spawnerLevel = a.Level
			} else {
				v.logger.Debug("unknown spawner, defaulting to main",
					zap.String("spawner_id", spawnedBy))
			}
		}
		decision.SpawnerLevel = spawnerLevel

		if legal := CanSpawn(spawnerLevel, level); !legal {
			switch v.config.Mode {
			case ModeEnforce:
				decision.Allowed = false
				decision.Reason = fmt.Sprintf("%s agents may not spawn %s agents", spawnerLevel, level)
				return nil
			case ModeWarn:
				decision.Allowed = true
				decision.Reason = fmt.Sprintf("%s spawning %s violates the hierarchy; allowed in warn mode", spawnerLevel, level)
			default:
				decision.Allowed = true
				decision.Reason = fmt.Sprintf("note: %s spawning %s is outside the hierarchy table", spawnerLevel, level)
			}
		} else {
			decision.Allowed = true
		}

		agent := &hierarchy.Agent{
			AgentID:   req.AgentID,
			Level:     level,
			Domain:    req.Domain,
			Status:    hierarchy.AgentRunning,
			TaskRef:   req.TaskRef,
			SpawnedBy: spawnedBy,
			SpawnedAt: tx.Now(),
		}
		if agent.AgentID == "" {
			agent.AgentID = uuid.New().String()
		}
		if err := tx.RegisterAgent(agent); err != nil {
			return err
		}
		decision.AgentID = agent.AgentID
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if v.decisionsTotal != nil {
		v.decisionsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("mode", string(v.config.Mode)),
			attribute.String("level", string(level)),
			attribute.Bool("allowed", decision.Allowed),
		))
	}

	if decision.Allowed {
		v.logger.Info("spawn allowed",
			zap.String("agent_id", decision.AgentID),
			zap.String("level", string(level)),
			zap.String("spawner_level", string(decision.SpawnerLevel)),
			zap.String("reason", decision.Reason),
		)
	} else {
		v.logger.Warn("spawn denied",
			zap.String("spawner_id", req.SpawnerID),
			zap.String("spawner_level", string(decision.SpawnerLevel)),
			zap.String("level", string(level)),
			zap.String("reason", decision.Reason),
		)
	}

	return decision, nil
}

// resolveLevel picks the requested level: the explicit request field,
// then free-text inference.
func (v *Validator) resolveLevel(req *Request) (hierarchy.AgentLevel, error) {
	if req.Level != "" {
		l, err := hierarchy.ParseAgentLevel(req.Level)
		if err != nil {
			return "", err
		}
		if l == hierarchy.AgentMain {
			return "", fmt.Errorf("%w: cannot spawn a main agent", hierarchy.ErrInvalidAgentLevel)
		}
		return l, nil
	}
	return InferLevel(req.Description), nil
}
