// Package progress folds completion signals into the hierarchy and
// recomputes aggregate state upward from the task that changed.
//
// The aggregator owns three derived facts: a non-leaf node's completion
// percentage and status, the Ready flag on dependency-gated siblings,
// and the at-most-once milestone set. All three are recomputed inside a
// single store mutation, so a crash or a replayed event can never leave
// them disagreeing with the tree. Bus events and tracker notifications
// are emitted only after the mutation commits and are fire-and-forget.
package progress

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/bus"
	"github.com/fyrsmithlabs/swarmd/internal/extraction"
	"github.com/fyrsmithlabs/swarmd/internal/hierarchy"
	"github.com/fyrsmithlabs/swarmd/internal/tracker"
)

const instrumentationName = "github.com/fyrsmithlabs/swarmd/internal/progress"

// notifyTimeout bounds one external notification, including any time
// spent waiting on the notifier's rate limiter.
const notifyTimeout = 30 * time.Second

// Config holds aggregator configuration.
type Config struct {
	// Thresholds are the completion percentages that fire milestones.
	Thresholds []int
}

// DefaultConfig returns the default aggregator configuration.
func DefaultConfig() *Config {
	return &Config{
		Thresholds: []int{25, 50, 75, 100},
	}
}

// Milestone is one threshold crossing fired by a signal application.
type Milestone struct {
	Node      hierarchy.NodeRef
	Threshold int
	// Pct is the node's percentage after the crossing.
	Pct   int
	Title string
}

// CompletedNode is a node that newly reached completed status.
type CompletedNode struct {
	Node  hierarchy.NodeRef
	Title string
}

// Result reports everything one signal application changed.
type Result struct {
	Task hierarchy.NodeRef
	Kind extraction.Kind

	// Replay is true when the signal's outcome had already been applied
	// and the application was a no-op.
	Replay bool

	// Vision is the root vision id of the task's chain, VisionPct its
	// completion percentage after the application.
	Vision    string
	VisionPct int

	Completed  []CompletedNode
	Ready      []hierarchy.NodeRef
	Milestones []Milestone
}

// Aggregator applies completed and partial signals to the store.
type Aggregator struct {
	config   *Config
	store    *hierarchy.Store
	events   *bus.Bus         // nil disables bus publishing
	notifier tracker.Notifier // nil disables external sync
	logger   *zap.Logger

	tracer  trace.Tracer
	metrics *Metrics

	wg sync.WaitGroup
}

// NewAggregator creates an aggregator. The store is required; events and
// notifier may be nil, which disables the corresponding fan-out.
func NewAggregator(cfg *Config, store *hierarchy.Store, events *bus.Bus, notifier tracker.Notifier, logger *zap.Logger) (*Aggregator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Thresholds) == 0 {
		cfg.Thresholds = DefaultConfig().Thresholds
	}

	thresholds := append([]int(nil), cfg.Thresholds...)
	sort.Ints(thresholds)

	return &Aggregator{
		config:   &Config{Thresholds: thresholds},
		store:    store,
		events:   events,
		notifier: notifier,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		metrics:  NewMetrics(),
	}, nil
}

// Apply folds one completed or partial signal into the hierarchy and
// recomputes every derived fact the change can reach. Failed and blocked
// signals belong to the recovery engine and are rejected.
//
// Applying the same terminal outcome twice is a no-op: the result carries
// Replay=true and nothing is recounted, re-fired, or re-notified.
func (a *Aggregator) Apply(ctx context.Context, sig *extraction.Signal) (*Result, error) {
	if sig == nil {
		return nil, fmt.Errorf("signal is required")
	}
	if sig.Kind != extraction.KindCompleted && sig.Kind != extraction.KindPartial {
		return nil, fmt.Errorf("aggregator cannot apply %s signals", sig.Kind)
	}

	ctx, span := a.tracer.Start(ctx, "progress.apply",
		trace.WithAttributes(
			attribute.String("kind", string(sig.Kind)),
			attribute.String("task_id", sig.TaskID),
		))
	defer span.End()

	res := &Result{Kind: sig.Kind}
	err := a.store.Update(ctx, func(tx *hierarchy.Tx) error {
		task, err := resolveTask(tx, sig)
		if err != nil {
			return err
		}
		res.Task = task.Ref()

		root := rootOf(tx, task)
		res.Vision = root.ID

		switch sig.Kind {
		case extraction.KindCompleted:
			if task.Status == hierarchy.StatusCompleted {
				res.Replay = true
			} else {
				a.foldAgent(tx, sig.AgentID)
				a.applyCompleted(tx, task, sig, res)
			}
		default:
			if task.Status.Terminal() {
				// A straggler after the terminal outcome landed.
				res.Replay = true
			} else {
				a.foldAgent(tx, sig.AgentID)
				applyPartial(tx, task, sig)
			}
		}

		res.VisionPct = root.CompletionPct
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, "apply failed")
		span.RecordError(err)
		a.metrics.RecordSignal(string(sig.Kind), "error")
		return nil, fmt.Errorf("apply %s signal: %w", sig.Kind, err)
	}

	outcome := "applied"
	if res.Replay {
		outcome = "replay"
	}
	a.metrics.RecordSignal(string(sig.Kind), outcome)
	span.SetAttributes(
		attribute.Bool("replay", res.Replay),
		attribute.Int("milestones", len(res.Milestones)),
	)

	a.dispatch(ctx, res)

	return res, nil
}

// Close waits for outstanding notification goroutines to finish.
func (a *Aggregator) Close() {
	a.wg.Wait()
}

// resolveTask finds the task a signal refers to, preferring the explicit
// task id and falling back to the reporting agent's assignment.
func resolveTask(tx *hierarchy.Tx, sig *extraction.Signal) (*hierarchy.Node, error) {
	if sig.TaskID != "" {
		return tx.Node(hierarchy.NodeRef{Level: hierarchy.LevelTask, ID: sig.TaskID})
	}
	if sig.AgentID != "" {
		if agent, err := tx.Agent(sig.AgentID); err == nil && agent.TaskRef != nil {
			return tx.Node(*agent.TaskRef)
		}
	}
	return nil, fmt.Errorf("%w: signal carries no resolvable task", hierarchy.ErrNotFound)
}

// foldAgent drops the reporting agent from the active set. A terminated
// agent never stays registered, whatever its output said.
func (a *Aggregator) foldAgent(tx *hierarchy.Tx, agentID string) {
	if agentID == "" {
		return
	}
	if err := tx.RemoveAgent(agentID); err != nil {
		// Unknown agents are fine: the main orchestrator reports
		// directly without ever being registered.
		a.logger.Debug("no agent to fold", zap.String("agent_id", agentID))
	}
}

func (a *Aggregator) applyCompleted(tx *hierarchy.Tx, task *hierarchy.Node, sig *extraction.Signal, res *Result) {
	task.Status = hierarchy.StatusCompleted
	task.CompletionPct = 100
	task.ErrorText = ""
	task.BlockerReason = ""
	task.Escalated = false
	mergeOutput(task, sig)
	tx.Touch(task)

	res.Completed = append(res.Completed, CompletedNode{Node: task.Ref(), Title: task.Title})

	// Recompute upward. At each level the completed node's siblings are
	// settled first, so dependency chains unlock before the parent is
	// recounted.
	node := task
	for {
		parent, ok := tx.Parent(node)
		if !ok {
			break
		}
		a.settleChildren(tx, parent, res)
		a.recomputeNode(tx, parent, res)
		node = parent
	}
}

// applyPartial records a worker's intermediate output. It never moves a
// task to a terminal status; at most it starts a ready pending task.
func applyPartial(tx *hierarchy.Tx, task *hierarchy.Node, sig *extraction.Signal) {
	changed := mergeOutput(task, sig)

	if task.Status == hierarchy.StatusPending && task.Ready {
		task.Status = hierarchy.StatusInProgress
		if task.StartedAt == nil {
			now := tx.Now()
			task.StartedAt = &now
		}
		changed = true
	}

	if changed {
		tx.Touch(task)
	}
}

// mergeOutput appends new artifacts and adopts a non-empty summary.
// Reports whether anything changed, so replays stay version-stable.
func mergeOutput(task *hierarchy.Node, sig *extraction.Signal) bool {
	changed := false

	for _, artifact := range sig.Artifacts {
		seen := false
		for _, existing := range task.Artifacts {
			if existing == artifact {
				seen = true
				break
			}
		}
		if !seen {
			task.Artifacts = append(task.Artifacts, artifact)
			changed = true
		}
	}

	if sig.Summary != "" && sig.Summary != task.Summary {
		task.Summary = sig.Summary
		changed = true
	}

	return changed
}

// settleChildren refreshes Ready flags among parent's children and lets
// nodes unblocked by a fresh completion leave pending. A completion can
// unlock a chain of dependents, so it loops until nothing moves.
func (a *Aggregator) settleChildren(tx *hierarchy.Tx, parent *hierarchy.Node, res *Result) {
	for {
		changed := false

		for _, child := range parent.Children {
			ready := hierarchy.DepsSatisfied(parent, child)
			if ready != child.Ready {
				child.Ready = ready
				tx.Touch(child)
				changed = true
				if ready {
					res.Ready = append(res.Ready, child.Ref())
				}
			}
			if !child.Level.IsLeaf() {
				if a.recomputeNode(tx, child, res) {
					changed = true
				}
			}
		}

		if !changed {
			return
		}
	}
}

// recomputeNode recalculates one non-leaf node's percentage and status
// from its children. Reports whether anything changed.
func (a *Aggregator) recomputeNode(tx *hierarchy.Tx, n *hierarchy.Node, res *Result) bool {
	if n.Level.IsLeaf() || len(n.Children) == 0 {
		return false
	}

	total := len(n.Children)
	done := 0
	for _, child := range n.Children {
		if child.Status == hierarchy.StatusCompleted {
			done++
		}
	}
	pct := int(math.Round(100 * float64(done) / float64(total)))

	status := n.Status
	switch {
	case !nodeDepsCompleted(tx, n):
		// Unmet dependencies pin the node to pending whatever its
		// children have done.
		status = hierarchy.StatusPending
	case done == total:
		status = hierarchy.StatusCompleted
	case pct > 0:
		status = hierarchy.StatusInProgress
	default:
		status = hierarchy.StatusPending
	}

	prevPct := n.CompletionPct
	changed := false
	if pct != prevPct {
		n.CompletionPct = pct
		changed = true
	}
	if status != n.Status {
		if status == hierarchy.StatusCompleted {
			res.Completed = append(res.Completed, CompletedNode{Node: n.Ref(), Title: n.Title})
		}
		n.Status = status
		changed = true
	}
	if changed {
		tx.Touch(n)
	}

	if pct > prevPct {
		a.fireMilestones(tx, n, prevPct, pct, res)
	}

	return changed
}

// fireMilestones marks and collects every threshold crossed by the move
// from prevPct to newPct that has not been reported before.
func (a *Aggregator) fireMilestones(tx *hierarchy.Tx, n *hierarchy.Node, prevPct, newPct int, res *Result) {
	ref := n.Ref()
	for _, t := range a.config.Thresholds {
		if t <= prevPct || t > newPct {
			continue
		}
		if tx.MilestoneReported(ref, t) {
			continue
		}
		tx.MarkMilestone(ref, t)
		res.Milestones = append(res.Milestones, Milestone{
			Node:      ref,
			Threshold: t,
			Pct:       newPct,
			Title:     n.Title,
		})
	}
}

func nodeDepsCompleted(tx *hierarchy.Tx, n *hierarchy.Node) bool {
	parent, ok := tx.Parent(n)
	if !ok {
		return true
	}
	return hierarchy.DepsSatisfied(parent, n)
}

func rootOf(tx *hierarchy.Tx, n *hierarchy.Node) *hierarchy.Node {
	root := n
	for {
		parent, ok := tx.Parent(root)
		if !ok {
			return root
		}
		root = parent
	}
}

// dispatch fans the committed result out to metrics, the bus, and the
// external notifier. Nothing here can fail the application; errors are
// logged and counted only.
func (a *Aggregator) dispatch(ctx context.Context, res *Result) {
	if res.Replay {
		return
	}

	a.metrics.SetVisionPct(res.Vision, res.VisionPct)

	for _, c := range res.Completed {
		a.metrics.RecordCompleted(string(c.Node.Level))
		if a.events != nil {
			ev := bus.NodeCompletedEvent{
				Node:   c.Node.String(),
				Level:  string(c.Node.Level),
				Title:  c.Title,
				Vision: res.Vision,
			}
			if err := a.events.Publish(ctx, bus.SubjectNodeCompleted, ev); err != nil {
				a.logger.Warn("failed to publish completion event",
					zap.String("node", c.Node.String()),
					zap.Error(err))
			}
		}
	}

	for _, m := range res.Milestones {
		a.metrics.RecordMilestone(string(m.Node.Level), m.Threshold)

		if a.events != nil {
			ev := bus.MilestoneEvent{
				Node:      m.Node.String(),
				Level:     string(m.Node.Level),
				Threshold: m.Threshold,
				Pct:       m.Pct,
				Title:     m.Title,
				Vision:    res.Vision,
			}
			if err := a.events.Publish(ctx, bus.SubjectMilestone, ev); err != nil {
				a.logger.Warn("failed to publish milestone event",
					zap.String("node", m.Node.String()),
					zap.Error(err))
			}
		}

		if a.notifier != nil {
			a.wg.Add(1)
			go a.notify(m)
		}
	}

	if len(res.Milestones) > 0 || len(res.Completed) > 0 {
		a.logger.Info("progress applied",
			zap.String("task", res.Task.String()),
			zap.String("vision", res.Vision),
			zap.Int("vision_pct", res.VisionPct),
			zap.Int("completed", len(res.Completed)),
			zap.Int("milestones", len(res.Milestones)))
	}
}

// notify delivers one milestone to the external tracker on its own
// goroutine, detached from the triggering request.
func (a *Aggregator) notify(m Milestone) {
	defer a.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	err := a.notifier.NotifyProgress(ctx, tracker.ProgressUpdate{
		NodeID:     m.Node.ID,
		Level:      string(m.Node.Level),
		Percentage: m.Pct,
		Milestone:  m.Threshold,
		Title:      m.Title,
	})
	if err != nil {
		a.metrics.RecordNotifyFailure()
		a.logger.Warn("progress notification failed",
			zap.String("node", m.Node.String()),
			zap.Int("threshold", m.Threshold),
			zap.Error(err))
	}
}
