package alignment

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/swarmd/internal/bus"
	"github.com/fyrsmithlabs/swarmd/internal/hierarchy"
)

func newTestStore(t *testing.T, historyLimit int) *hierarchy.Store {
	t.Helper()
	s, err := hierarchy.NewStore(&hierarchy.Config{Dir: t.TempDir(), HistoryLimit: historyLimit}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestObserver(t *testing.T, s *hierarchy.Store) *Observer {
	t.Helper()
	o, err := NewObserver(nil, s, nil)
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o
}

type visionSeed struct {
	id      string
	started time.Time
	pct     int
	epics   int
	plan    *hierarchy.VisionPlan
}

func seedVision(t *testing.T, s *hierarchy.Store, seed visionSeed) {
	t.Helper()
	err := s.Update(context.Background(), func(tx *hierarchy.Tx) error {
		v := &hierarchy.Node{
			ID:            seed.id,
			Level:         hierarchy.LevelVision,
			Title:         "Ship the product",
			CompletionPct: seed.pct,
			Plan:          seed.plan,
		}
		if !seed.started.IsZero() {
			started := seed.started
			v.StartedAt = &started
		}
		if err := tx.AddVision(v); err != nil {
			return err
		}
		for i := 0; i < seed.epics; i++ {
			epic := &hierarchy.Node{
				ID:    fmt.Sprintf("%s-e%d", seed.id, i+1),
				Level: hierarchy.LevelEpic,
				Title: fmt.Sprintf("Epic %d", i+1),
			}
			if err := tx.AddChild(v.Ref(), epic); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func adjustmentKinds(obs *hierarchy.Observation) []string {
	kinds := make([]string, 0, len(obs.Adjustments))
	for _, a := range obs.Adjustments {
		kinds = append(kinds, a.Kind)
	}
	return kinds
}

func TestObserver_OnTrackNoDrift(t *testing.T) {
	s := newTestStore(t, 0)
	seedVision(t, s, visionSeed{
		id:      "v1",
		started: time.Now().Add(-5 * 24 * time.Hour),
		pct:     50,
		epics:   2,
		plan: &hierarchy.VisionPlan{
			EstimatedDays: 10,
			PlannedEpics:  2,
			SuccessCriteria: []string{
				"[met] Users can sign in",
				"Checkout flow live",
			},
		},
	})
	o := newTestObserver(t, s)

	obs, err := o.Observe(context.Background(), "v1")
	require.NoError(t, err)

	assert.InDelta(t, 1.0, obs.Score, 0.01)
	assert.False(t, obs.DriftDetected)
	assert.Empty(t, obs.Issues)
	assert.Empty(t, obs.Adjustments)
	assert.Equal(t, "v1", obs.VisionID)
	assert.NotEmpty(t, obs.ID)

	history := s.Observations("v1")
	require.Len(t, history, 1)
	assert.Equal(t, obs.ID, history[0].ID)
}

func TestObserver_DetectsTimelineDrift(t *testing.T) {
	s := newTestStore(t, 0)
	// 80% of the schedule burned at 10% completion with no criteria met.
	seedVision(t, s, visionSeed{
		id:      "v1",
		started: time.Now().Add(-8 * 24 * time.Hour),
		pct:     10,
		epics:   2,
		plan: &hierarchy.VisionPlan{
			EstimatedDays: 10,
			PlannedEpics:  2,
			SuccessCriteria: []string{
				"Users can sign in",
				"Checkout flow live",
			},
		},
	})
	o := newTestObserver(t, s)

	obs, err := o.Observe(context.Background(), "v1")
	require.NoError(t, err)

	assert.InDelta(t, 0.42, obs.Score, 0.01)
	assert.True(t, obs.DriftDetected)
	assert.Len(t, obs.Issues, 2)

	kinds := adjustmentKinds(obs)
	assert.ElementsMatch(t, []string{"replan_timeline", "review_criteria", "escalate"}, kinds)
	for _, a := range obs.Adjustments {
		assert.Equal(t, hierarchy.SeverityCritical, a.Severity, "adjustment %s", a.Kind)
	}
}

func TestObserver_ModerateDriftWarnsWithoutEscalation(t *testing.T) {
	s := newTestStore(t, 0)
	// Timeline 0.5 and scope 0.75 land the score at 0.725, drifted but
	// above the critical threshold.
	seedVision(t, s, visionSeed{
		id:      "v1",
		started: time.Now().Add(-7 * 24 * time.Hour),
		pct:     20,
		epics:   3,
		plan: &hierarchy.VisionPlan{
			EstimatedDays: 10,
			PlannedEpics:  4,
			SuccessCriteria: []string{
				"[met] Users can sign in",
				"Checkout flow live",
			},
		},
	})
	o := newTestObserver(t, s)

	obs, err := o.Observe(context.Background(), "v1")
	require.NoError(t, err)

	assert.InDelta(t, 0.725, obs.Score, 0.01)
	assert.True(t, obs.DriftDetected)

	kinds := adjustmentKinds(obs)
	assert.ElementsMatch(t, []string{"replan_timeline", "rescope"}, kinds)
	for _, a := range obs.Adjustments {
		assert.Equal(t, hierarchy.SeverityWarning, a.Severity, "adjustment %s", a.Kind)
	}
}

func TestObserver_NoObservationWithoutPlan(t *testing.T) {
	s := newTestStore(t, 0)
	seedVision(t, s, visionSeed{id: "v1", pct: 30})
	o := newTestObserver(t, s)

	_, err := o.Observe(context.Background(), "v1")
	require.ErrorIs(t, err, ErrNoPlan)
	assert.Empty(t, s.Observations("v1"))
}

func TestObserver_UnknownVision(t *testing.T) {
	s := newTestStore(t, 0)
	o := newTestObserver(t, s)

	_, err := o.Observe(context.Background(), "ghost")
	require.ErrorIs(t, err, hierarchy.ErrNotFound)
}

func TestObserver_AppendsBoundedHistory(t *testing.T) {
	s := newTestStore(t, 3)
	seedVision(t, s, visionSeed{
		id:   "v1",
		pct:  50,
		plan: &hierarchy.VisionPlan{EstimatedDays: 10},
	})
	o := newTestObserver(t, s)

	var last *hierarchy.Observation
	for i := 0; i < 5; i++ {
		obs, err := o.Observe(context.Background(), "v1")
		require.NoError(t, err)
		last = obs
	}

	history := s.Observations("v1")
	require.Len(t, history, 3)
	assert.Equal(t, last.ID, history[2].ID, "newest observation survives eviction")
}

func TestObserver_RejectsInvertedThresholds(t *testing.T) {
	s := newTestStore(t, 0)

	_, err := NewObserver(&Config{DriftThreshold: 0.5, CriticalThreshold: 0.7}, s, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "critical threshold")
}

func TestNewObserver_RequiresStore(t *testing.T) {
	_, err := NewObserver(nil, nil, nil)
	require.Error(t, err)
}

func TestObserver_BusTriggersObservation(t *testing.T) {
	s := newTestStore(t, 0)
	seedVision(t, s, visionSeed{
		id:      "v1",
		started: time.Now().Add(-24 * time.Hour),
		pct:     25,
		plan:    &hierarchy.VisionPlan{EstimatedDays: 10},
	})

	b, err := bus.New(nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	o := newTestObserver(t, s)
	require.NoError(t, o.SubscribeBus(b))

	err = b.Publish(context.Background(), bus.SubjectNodeCompleted, bus.NodeCompletedEvent{
		Node:   "task/t1",
		Level:  "task",
		Title:  "Implement login",
		Vision: "v1",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(s.Observations("v1")) > 0
	}, 3*time.Second, 50*time.Millisecond)
}

func TestObserver_PeriodicTickerScoresVisions(t *testing.T) {
	s := newTestStore(t, 0)
	seedVision(t, s, visionSeed{
		id:   "v1",
		pct:  40,
		plan: &hierarchy.VisionPlan{EstimatedDays: 10},
	})

	o, err := NewObserver(&Config{ObserveInterval: 20 * time.Millisecond}, s, nil)
	require.NoError(t, err)
	t.Cleanup(o.Close)

	require.Eventually(t, func() bool {
		return len(s.Observations("v1")) > 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestObserver_BusIgnoresPlanlessVision(t *testing.T) {
	s := newTestStore(t, 0)
	seedVision(t, s, visionSeed{id: "v1", pct: 25})

	b, err := bus.New(nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	o := newTestObserver(t, s)
	require.NoError(t, o.SubscribeBus(b))

	err = b.Publish(context.Background(), bus.SubjectNodeCompleted, bus.NodeCompletedEvent{
		Node:   "task/t1",
		Level:  "task",
		Vision: "v1",
	})
	require.NoError(t, err)

	// The handler must swallow ErrNoPlan; give it time to run, then
	// confirm nothing was recorded.
	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, s.Observations("v1"))
}
