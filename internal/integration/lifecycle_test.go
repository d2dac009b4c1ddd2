// Package integration exercises the full signal path the daemon wires
// together: spawn validation, output parsing, recovery, bottom-up
// aggregation, milestones, and alignment scoring against one shared
// store.
package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/swarmd/internal/alignment"
	"github.com/fyrsmithlabs/swarmd/internal/extraction"
	"github.com/fyrsmithlabs/swarmd/internal/hierarchy"
	"github.com/fyrsmithlabs/swarmd/internal/progress"
	"github.com/fyrsmithlabs/swarmd/internal/recovery"
	"github.com/fyrsmithlabs/swarmd/internal/spawn"
	"github.com/fyrsmithlabs/swarmd/internal/tracker"
)

type recordingNotifier struct {
	mu      sync.Mutex
	updates []tracker.ProgressUpdate
}

func (r *recordingNotifier) NotifyProgress(_ context.Context, u tracker.ProgressUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return nil
}

func (r *recordingNotifier) milestonesFor(nodeID string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, u := range r.updates {
		if u.NodeID == nodeID {
			out = append(out, u.Milestone)
		}
	}
	return out
}

// swarm is the daemon's service graph minus the transport.
type swarm struct {
	store      *hierarchy.Store
	validator  *spawn.Validator
	engine     *recovery.Engine
	aggregator *progress.Aggregator
	observer   *alignment.Observer
	notifier   *recordingNotifier
}

func newSwarm(t *testing.T) *swarm {
	t.Helper()

	store, err := hierarchy.NewStore(&hierarchy.Config{Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	validator, err := spawn.NewValidator(&spawn.Config{Mode: spawn.ModeEnforce}, store, nil)
	require.NoError(t, err)

	engine, err := recovery.NewEngine(nil, store, nil)
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	aggregator, err := progress.NewAggregator(nil, store, nil, notifier, nil)
	require.NoError(t, err)
	t.Cleanup(aggregator.Close)

	observer, err := alignment.NewObserver(nil, store, nil)
	require.NoError(t, err)
	t.Cleanup(observer.Close)

	return &swarm{
		store:      store,
		validator:  validator,
		engine:     engine,
		aggregator: aggregator,
		observer:   observer,
		notifier:   notifier,
	}
}

// seedVision builds the scenario tree: one vision, one epic, one
// roadmap, and two phases of two tasks each, with phase-b gated on
// phase-a.
func seedVision(t *testing.T, store *hierarchy.Store) {
	t.Helper()

	err := store.Update(context.Background(), func(tx *hierarchy.Tx) error {
		if err := tx.AddVision(&hierarchy.Node{
			ID:    "v1",
			Level: hierarchy.LevelVision,
			Title: "Launch the workflow engine",
			Plan: &hierarchy.VisionPlan{
				EstimatedDays: 30,
				PlannedEpics:  1,
				SuccessCriteria: []string{
					"[met] intake API serving",
					"[met] all suites green",
				},
			},
		}); err != nil {
			return err
		}
		if err := tx.AddChild(hierarchy.NodeRef{Level: hierarchy.LevelVision, ID: "v1"}, &hierarchy.Node{ID: "e1", Title: "Core engine"}); err != nil {
			return err
		}
		if err := tx.AddChild(hierarchy.NodeRef{Level: hierarchy.LevelEpic, ID: "e1"}, &hierarchy.Node{ID: "r1", Title: "Q3"}); err != nil {
			return err
		}

		phases := []struct {
			id   string
			deps []string
		}{
			{"phase-a", nil},
			{"phase-b", []string{"phase-a"}},
		}
		for _, ph := range phases {
			if err := tx.AddChild(hierarchy.NodeRef{Level: hierarchy.LevelRoadmap, ID: "r1"}, &hierarchy.Node{
				ID:           ph.id,
				Level:        hierarchy.LevelPhase,
				Dependencies: ph.deps,
			}); err != nil {
				return err
			}
			for i := 1; i <= 2; i++ {
				if err := tx.AddChild(hierarchy.NodeRef{Level: hierarchy.LevelPhase, ID: ph.id}, &hierarchy.Node{
					ID: fmt.Sprintf("%s-t%d", ph.id, i),
				}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	require.NoError(t, err)
}

// spawnWorker admits an L3 worker for a task through the validator, the
// same path the intake server takes.
func (s *swarm) spawnWorker(t *testing.T, taskID string) string {
	t.Helper()

	d, err := s.validator.Validate(context.Background(), &spawn.Request{
		SpawnerID:   "main",
		Level:       "L3",
		Description: "worker to apply the patch",
		TaskRef:     &hierarchy.NodeRef{Level: hierarchy.LevelTask, ID: taskID},
	})
	require.NoError(t, err)
	require.True(t, d.Allowed)
	return d.AgentID
}

// terminate routes a terminated agent's raw output the way the intake
// handler does: parse, then hand failures and blocks to the engine and
// everything else to the aggregator.
func (s *swarm) terminate(t *testing.T, agentID, output string) {
	t.Helper()

	sig, ok := extraction.Extract(output)
	require.True(t, ok, "output should carry a signal")
	sig.AgentID = agentID

	ctx := context.Background()
	var err error
	switch sig.Kind {
	case extraction.KindFailed:
		_, err = s.engine.HandleFailure(ctx, sig)
	case extraction.KindBlocked:
		_, err = s.engine.HandleBlocked(ctx, sig)
	default:
		_, err = s.aggregator.Apply(ctx, sig)
	}
	require.NoError(t, err)
}

func (s *swarm) node(t *testing.T, level hierarchy.Level, id string) *hierarchy.Node {
	t.Helper()
	n, err := s.store.Node(hierarchy.NodeRef{Level: level, ID: id})
	require.NoError(t, err)
	return n
}

func TestLifecycle_VisionCompletesThroughAgents(t *testing.T) {
	s := newSwarm(t)
	seedVision(t, s.store)

	// Phase A: two workers complete both tasks.
	for _, task := range []string{"phase-a-t1", "phase-a-t2"} {
		agent := s.spawnWorker(t, task)
		s.terminate(t, agent, fmt.Sprintf("TASK_COMPLETED: %s\nSUMMARY: shipped\n", task))
	}

	phaseA := s.node(t, hierarchy.LevelPhase, "phase-a")
	assert.Equal(t, hierarchy.StatusCompleted, phaseA.Status)
	assert.Equal(t, 100, phaseA.CompletionPct)

	// Phase B unlocked but untouched.
	phaseB := s.node(t, hierarchy.LevelPhase, "phase-b")
	assert.True(t, phaseB.Ready)
	assert.Equal(t, hierarchy.StatusPending, phaseB.Status)

	roadmap := s.node(t, hierarchy.LevelRoadmap, "r1")
	assert.Equal(t, 50, roadmap.CompletionPct)

	// Phase B: one worker fails transiently, the task stays
	// dispatchable, and a fresh worker finishes the job.
	agent := s.spawnWorker(t, "phase-b-t1")
	s.terminate(t, agent, "TASK_FAILED: phase-b-t1\nERROR: connection reset by registry\n")

	retried := s.node(t, hierarchy.LevelTask, "phase-b-t1")
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, hierarchy.StatusPending, retried.Status)

	for _, task := range []string{"phase-b-t1", "phase-b-t2"} {
		a := s.spawnWorker(t, task)
		s.terminate(t, a, fmt.Sprintf("TASK_COMPLETED: %s\n", task))
	}

	roadmap = s.node(t, hierarchy.LevelRoadmap, "r1")
	assert.Equal(t, 100, roadmap.CompletionPct)
	assert.Equal(t, hierarchy.StatusCompleted, roadmap.Status)

	vision := s.node(t, hierarchy.LevelVision, "v1")
	assert.Equal(t, 100, vision.CompletionPct)
	assert.Equal(t, hierarchy.StatusCompleted, vision.Status)

	// All terminated workers were folded out of the active set.
	assert.Empty(t, s.store.Agents())

	// The roadmap crossed 100 exactly once even though several signals
	// touched it on the way up.
	s.aggregator.Close()
	hundreds := 0
	for _, m := range s.notifier.milestonesFor("r1") {
		if m == 100 {
			hundreds++
		}
	}
	assert.Equal(t, 1, hundreds)

	// Replaying the final completion changes nothing and re-fires
	// nothing.
	res, err := s.aggregator.Apply(context.Background(), &extraction.Signal{
		Kind:   extraction.KindCompleted,
		TaskID: "phase-b-t2",
	})
	require.NoError(t, err)
	assert.True(t, res.Replay)
	s.aggregator.Close()
	after := 0
	for _, m := range s.notifier.milestonesFor("r1") {
		if m == 100 {
			after++
		}
	}
	assert.Equal(t, 1, after)

	// A completed vision with its criteria met scores clean.
	obs, err := s.observer.Observe(context.Background(), "v1")
	require.NoError(t, err)
	assert.False(t, obs.DriftDetected)
	assert.GreaterOrEqual(t, obs.Score, 0.85)
}

func TestLifecycle_FatalFailureEscalatesOnce(t *testing.T) {
	s := newSwarm(t)
	seedVision(t, s.store)

	agent := s.spawnWorker(t, "phase-a-t1")
	s.terminate(t, agent, "TASK_FAILED: phase-a-t1\nERROR: permission denied writing /etc\n")

	task := s.node(t, hierarchy.LevelTask, "phase-a-t1")
	assert.Equal(t, hierarchy.StatusBlocked, task.Status)
	assert.True(t, task.Escalated)
	version := task.Version

	// The same unresolved blocker reported again is a no-op on the node.
	agent = s.spawnWorker(t, "phase-a-t1")
	sig, ok := extraction.Extract("TASK_BLOCKED: phase-a-t1\nBLOCKER: cannot write /etc\n")
	require.True(t, ok)
	sig.AgentID = agent
	outcome, err := s.engine.HandleBlocked(context.Background(), sig)
	require.NoError(t, err)
	assert.False(t, outcome.Escalated)

	task = s.node(t, hierarchy.LevelTask, "phase-a-t1")
	assert.Equal(t, version, task.Version)
	assert.True(t, task.Escalated)
}

func TestLifecycle_SpawnChainEnforced(t *testing.T) {
	s := newSwarm(t)

	d, err := s.validator.Validate(context.Background(), &spawn.Request{
		SpawnerID:   "main",
		Description: "L1 to orchestrate the rollout",
	})
	require.NoError(t, err)
	require.True(t, d.Allowed)
	l1 := d.AgentID

	d, err = s.validator.Validate(context.Background(), &spawn.Request{
		SpawnerID:   l1,
		Description: "backend specialist for the storage work",
	})
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Equal(t, hierarchy.AgentL2, d.Level)
	l2 := d.AgentID

	// An L2 may spawn workers but not peers.
	d, err = s.validator.Validate(context.Background(), &spawn.Request{SpawnerID: l2, Level: "L3"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = s.validator.Validate(context.Background(), &spawn.Request{SpawnerID: l2, Level: "L2"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.NotEmpty(t, d.Reason)
}

func TestLifecycle_ConcurrentSiblingCompletions(t *testing.T) {
	s := newSwarm(t)
	seedVision(t, s.store)

	var wg sync.WaitGroup
	for _, task := range []string{"phase-a-t1", "phase-a-t2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := s.aggregator.Apply(context.Background(), &extraction.Signal{
				Kind:   extraction.KindCompleted,
				TaskID: id,
			})
			assert.NoError(t, err)
		}(task)
	}
	wg.Wait()

	phaseA := s.node(t, hierarchy.LevelPhase, "phase-a")
	assert.Equal(t, 100, phaseA.CompletionPct)
	assert.Equal(t, hierarchy.StatusCompleted, phaseA.Status)
}
