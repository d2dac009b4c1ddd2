package recovery

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/extraction"
	"github.com/fyrsmithlabs/swarmd/internal/hierarchy"
)

const instrumentationName = "github.com/fyrsmithlabs/swarmd/internal/recovery"

// Config configures the recovery engine.
type Config struct {
	// MaxRetries is the total attempt budget per task: the initial
	// attempt plus maxRetries-1 retries (default: 3).
	MaxRetries int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{MaxRetries: 3}
}

// Outcome describes what the engine did with a termination signal.
type Outcome struct {
	// Action taken; empty for blocked signals and replays.
	Action Action

	// Kind is the classified error family (failed signals only).
	Kind Kind

	// Task the outcome was folded into.
	Task hierarchy.NodeRef

	// RetryCount is the task's retry counter after this event.
	RetryCount int

	// Replay is set when the event was already consumed: the agent had
	// left the active set, so nothing changed.
	Replay bool

	// Escalated is set when this event recorded a new escalation.
	Escalated bool
}

// Engine folds failed and blocked agent terminations into the
// hierarchy: retry counters, aborts, and at-most-once escalations, all
// through single store mutations. The agent's removal from the active
// set doubles as the replay guard; a signal whose agent is already gone
// is a no-op.
type Engine struct {
	config *Config
	store  *hierarchy.Store
	logger *zap.Logger

	tracer           trace.Tracer
	meter            metric.Meter
	actionsTotal     metric.Int64Counter
	escalationsTotal metric.Int64Counter
}

// NewEngine creates a recovery engine.
func NewEngine(cfg *Config, store *hierarchy.Store, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if store == nil {
		return nil, errors.New("hierarchy store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		config: cfg,
		store:  store,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	e.initMetrics()

	return e, nil
}

func (e *Engine) initMetrics() {
	var err error

	e.actionsTotal, err = e.meter.Int64Counter(
		"swarmd.recovery.actions_total",
		metric.WithDescription("Recovery actions taken, labeled by action and error family."),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		e.logger.Warn("failed to create actions counter", zap.Error(err))
	}

	e.escalationsTotal, err = e.meter.Int64Counter(
		"swarmd.recovery.escalations_total",
		metric.WithDescription("New escalations recorded on blocked or fatal tasks."),
		metric.WithUnit("{escalation}"),
	)
	if err != nil {
		e.logger.Warn("failed to create escalations counter", zap.Error(err))
	}
}

// HandleFailure consumes a failed signal: classify, decide, fold.
// Retry keeps the task dispatchable and increments its retry counter
// once per distinct failure event; abort marks it failed; escalate
// marks it blocked. The reporting agent is removed in the same
// mutation.
func (e *Engine) HandleFailure(ctx context.Context, sig *extraction.Signal) (*Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "recovery.handle_failure")
	defer span.End()

	if sig == nil || sig.Kind != extraction.KindFailed {
		return nil, errors.New("failed signal is required")
	}

	outcome := &Outcome{Kind: Classify(sig.Error)}
	span.SetAttributes(
		attribute.String("agent_id", sig.AgentID),
		attribute.String("task_id", sig.TaskID),
		attribute.String("error_family", string(outcome.Kind)),
	)

	err := e.store.Update(ctx, func(tx *hierarchy.Tx) error {
		agent, err := tx.Agent(sig.AgentID)
		if err != nil {
			outcome.Replay = true
			return nil
		}

		task, err := e.resolveTask(tx, agent, sig.TaskID)
		if err != nil {
			// Fold the agent away even when the task is unresolvable so
			// the event cannot replay forever.
			_ = tx.RemoveAgent(agent.AgentID)
			return err
		}
		outcome.Task = task.Ref()

		outcome.Action = Decide(outcome.Kind, task.RetryCount, e.config.MaxRetries)
		switch outcome.Action {
		case ActionRetry:
			task.RetryCount++
			task.ErrorText = sig.Error
			// Status stays pending/in_progress so the task can be
			// re-dispatched.
		case ActionAbort:
			task.Status = hierarchy.StatusFailed
			task.ErrorText = fmt.Sprintf("retry limit reached (%d attempts): %s", task.RetryCount+1, sig.Error)
		case ActionEscalate:
			task.Status = hierarchy.StatusBlocked
			task.BlockerReason = sig.Error
			if !task.Escalated {
				task.Escalated = true
				outcome.Escalated = true
			}
		}
		tx.Touch(task)
		outcome.RetryCount = task.RetryCount

		return tx.RemoveAgent(agent.AgentID)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	e.record(ctx, outcome)
	return outcome, nil
}

// HandleBlocked consumes a blocked signal: the task is marked blocked
// with the reported reason and the blocker is escalated at most once
// while it stays unresolved. Repeats are no-ops.
func (e *Engine) HandleBlocked(ctx context.Context, sig *extraction.Signal) (*Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "recovery.handle_blocked")
	defer span.End()

	if sig == nil || sig.Kind != extraction.KindBlocked {
		return nil, errors.New("blocked signal is required")
	}

	outcome := &Outcome{}
	span.SetAttributes(
		attribute.String("agent_id", sig.AgentID),
		attribute.String("task_id", sig.TaskID),
	)

	err := e.store.Update(ctx, func(tx *hierarchy.Tx) error {
		agent, err := tx.Agent(sig.AgentID)
		if err != nil {
			outcome.Replay = true
			return nil
		}

		task, err := e.resolveTask(tx, agent, sig.TaskID)
		if err != nil {
			_ = tx.RemoveAgent(agent.AgentID)
			return err
		}
		outcome.Task = task.Ref()
		outcome.RetryCount = task.RetryCount

		if task.Status != hierarchy.StatusBlocked || !task.Escalated {
			task.Status = hierarchy.StatusBlocked
			if task.BlockerReason == "" {
				task.BlockerReason = sig.Blocker
			}
			if !task.Escalated {
				task.Escalated = true
				outcome.Escalated = true
			}
			tx.Touch(task)
		}

		return tx.RemoveAgent(agent.AgentID)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	e.record(ctx, outcome)
	return outcome, nil
}

// resolveTask prefers the signal's task id, falling back to the agent's
// task ref for signals that carry none (generic failures).
func (e *Engine) resolveTask(tx *hierarchy.Tx, agent *hierarchy.Agent, taskID string) (*hierarchy.Node, error) {
	if taskID != "" {
		return tx.Node(hierarchy.NodeRef{Level: hierarchy.LevelTask, ID: taskID})
	}
	if agent.TaskRef != nil {
		return tx.Node(*agent.TaskRef)
	}
	return nil, fmt.Errorf("%w: signal carries no task and agent %s is unbound", hierarchy.ErrNotFound, agent.AgentID)
}

func (e *Engine) record(ctx context.Context, outcome *Outcome) {
	if outcome.Replay {
		e.logger.Debug("replayed termination signal ignored",
			zap.String("task", outcome.Task.String()))
		return
	}

	if e.actionsTotal != nil && outcome.Action != "" {
		e.actionsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", string(outcome.Action)),
			attribute.String("error_family", string(outcome.Kind)),
		))
	}
	if e.escalationsTotal != nil && outcome.Escalated {
		e.escalationsTotal.Add(ctx, 1)
	}

	switch {
	case outcome.Escalated:
		e.logger.Warn("task escalated to human",
			zap.String("task", outcome.Task.String()),
			zap.String("action", string(outcome.Action)))
	case outcome.Action == ActionAbort:
		e.logger.Error("task aborted after retry limit",
			zap.String("task", outcome.Task.String()),
			zap.Int("retries", outcome.RetryCount))
	case outcome.Action == ActionRetry:
		e.logger.Info("task scheduled for retry",
			zap.String("task", outcome.Task.String()),
			zap.Int("retry_count", outcome.RetryCount),
			zap.String("error_family", string(outcome.Kind)))
	}
}
