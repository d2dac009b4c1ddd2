package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/collision"
	"github.com/fyrsmithlabs/swarmd/internal/hierarchy"
	"github.com/fyrsmithlabs/swarmd/internal/progress"
	"github.com/fyrsmithlabs/swarmd/internal/recovery"
	"github.com/fyrsmithlabs/swarmd/internal/spawn"
	apiv1 "github.com/fyrsmithlabs/swarmd/pkg/api/v1"
)

func newTestServer(t *testing.T, mode spawn.Mode) (*Server, *hierarchy.Store) {
	t.Helper()

	store, err := hierarchy.NewStore(&hierarchy.Config{Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	validator, err := spawn.NewValidator(&spawn.Config{Mode: mode}, store, nil)
	require.NoError(t, err)

	engine, err := recovery.NewEngine(nil, store, nil)
	require.NoError(t, err)

	aggregator, err := progress.NewAggregator(nil, store, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(aggregator.Close)

	detector := collision.NewDetector(nil, nil)
	t.Cleanup(detector.Close)

	srv, err := NewServer(nil, store, validator, engine, aggregator, detector, nil, nil, zap.NewNop())
	require.NoError(t, err)

	return srv, store
}

// seedTree builds one vision → epic → roadmap → phase chain with two
// tasks under the phase.
func seedTree(t *testing.T, store *hierarchy.Store) {
	t.Helper()

	err := store.Update(context.Background(), func(tx *hierarchy.Tx) error {
		if err := tx.AddVision(&hierarchy.Node{ID: "v1", Level: hierarchy.LevelVision, Title: "Ship it"}); err != nil {
			return err
		}
		if err := tx.AddChild(hierarchy.NodeRef{Level: hierarchy.LevelVision, ID: "v1"}, &hierarchy.Node{ID: "e1"}); err != nil {
			return err
		}
		if err := tx.AddChild(hierarchy.NodeRef{Level: hierarchy.LevelEpic, ID: "e1"}, &hierarchy.Node{ID: "r1"}); err != nil {
			return err
		}
		if err := tx.AddChild(hierarchy.NodeRef{Level: hierarchy.LevelRoadmap, ID: "r1"}, &hierarchy.Node{ID: "p1", Level: hierarchy.LevelPhase}); err != nil {
			return err
		}
		for i := 1; i <= 2; i++ {
			err := tx.AddChild(hierarchy.NodeRef{Level: hierarchy.LevelPhase, ID: "p1"}, &hierarchy.Node{
				ID: fmt.Sprintf("t%d", i),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t, spawn.ModeEnforce)

	rec := doJSON(t, srv, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
}

func TestServer_SpawnAllowAndDeny(t *testing.T) {
	srv, _ := newTestServer(t, spawn.ModeEnforce)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/events/spawn", apiv1.SpawnEvent{
		SpawnerID:   "main",
		Description: "backend specialist for the payments service",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	allowed := decode[apiv1.SpawnDecision](t, rec)
	assert.True(t, allowed.Allowed)
	assert.Equal(t, "L2", allowed.Level)
	require.NotEmpty(t, allowed.AgentID)

	// The registered L2 may not spawn another L2 under enforce.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/events/spawn", apiv1.SpawnEvent{
		SpawnerID: allowed.AgentID,
		Level:     "L2",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	denied := decode[apiv1.SpawnDecision](t, rec)
	assert.False(t, denied.Allowed)
	assert.NotEmpty(t, denied.Reason)
}

func TestServer_TerminatedRoutesCompletion(t *testing.T) {
	srv, store := newTestServer(t, spawn.ModeEnforce)
	seedTree(t, store)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/events/terminated", apiv1.TerminationEvent{
		AgentID: "agent-1",
		Output:  "all done\nTASK_COMPLETED: t1\nSUMMARY: wired the handler\n",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[apiv1.TerminationResult](t, rec)
	assert.Equal(t, "completed", result.Signal)
	assert.Equal(t, "t1", result.TaskID)
	assert.Contains(t, result.Milestones, 50)

	task, err := store.Node(hierarchy.NodeRef{Level: hierarchy.LevelTask, ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, hierarchy.StatusCompleted, task.Status)
}

func TestServer_TerminatedRoutesFailure(t *testing.T) {
	srv, store := newTestServer(t, spawn.ModeEnforce)
	seedTree(t, store)

	taskRef := hierarchy.NodeRef{Level: hierarchy.LevelTask, ID: "t1"}
	err := store.Update(context.Background(), func(tx *hierarchy.Tx) error {
		return tx.RegisterAgent(&hierarchy.Agent{
			AgentID:   "agent-1",
			Level:     hierarchy.AgentL3,
			TaskRef:   &taskRef,
			SpawnedBy: "main",
		})
	})
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/events/terminated", apiv1.TerminationEvent{
		AgentID: "agent-1",
		Output:  "TASK_FAILED: t1\nERROR: request timeout talking to the registry\n",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[apiv1.TerminationResult](t, rec)
	assert.Equal(t, "failed", result.Signal)
	assert.Equal(t, "transient", result.Classification)
	assert.Equal(t, "retry", result.Action)
	assert.Equal(t, 1, result.RetryCount)
}

func TestServer_TerminatedParseMiss(t *testing.T) {
	srv, _ := newTestServer(t, spawn.ModeEnforce)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/events/terminated", apiv1.TerminationEvent{
		AgentID: "agent-1",
		Output:  "nothing to report here",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[apiv1.TerminationResult](t, rec)
	assert.Equal(t, "none", result.Signal)
}

func TestServer_TerminatedUnknownTask(t *testing.T) {
	srv, _ := newTestServer(t, spawn.ModeEnforce)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/events/terminated", apiv1.TerminationEvent{
		AgentID: "agent-1",
		Output:  "TASK_COMPLETED: no-such-task\n",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ResourceWriteWarnings(t *testing.T) {
	srv, _ := newTestServer(t, spawn.ModeEnforce)

	base := time.Now()
	restore := nowFunc
	nowFunc = func() time.Time { return base }
	t.Cleanup(func() { nowFunc = restore })

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/events/resource-write", apiv1.ResourceWriteEvent{
		AgentID: "agent-x", Resource: "src/main.go",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode[apiv1.ResourceWriteResult](t, rec)
	assert.Empty(t, first.Warnings)

	nowFunc = func() time.Time { return base.Add(10 * time.Second) }
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/events/resource-write", apiv1.ResourceWriteEvent{
		AgentID: "agent-y", Resource: "src/main.go",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[apiv1.ResourceWriteResult](t, rec)
	require.Len(t, second.Warnings, 1)
	assert.Equal(t, "agent-x", second.Warnings[0].PriorAgent)
	assert.InDelta(t, 10.0, second.Warnings[0].GapSeconds, 0.001)
}

func TestServer_EditNodeVersionConflict(t *testing.T) {
	srv, store := newTestServer(t, spawn.ModeEnforce)
	seedTree(t, store)

	node, err := store.Node(hierarchy.NodeRef{Level: hierarchy.LevelPhase, ID: "p1"})
	require.NoError(t, err)

	title := "Rename the phase"
	rec := doJSON(t, srv, http.MethodPut, "/api/v1/hierarchy/phase/p1", apiv1.NodeEdit{
		Version: node.Version,
		Title:   &title,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	edited := decode[hierarchy.Node](t, rec)
	assert.Equal(t, title, edited.Title)
	assert.Equal(t, node.Version+1, edited.Version)

	// Replaying the same edit with the stale version must conflict.
	rec = doJSON(t, srv, http.MethodPut, "/api/v1/hierarchy/phase/p1", apiv1.NodeEdit{
		Version: node.Version,
		Title:   &title,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_NodeNotFound(t *testing.T) {
	srv, _ := newTestServer(t, spawn.ModeEnforce)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/hierarchy/task/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/hierarchy/nonsense/x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_HierarchyAndAgents(t *testing.T) {
	srv, store := newTestServer(t, spawn.ModeEnforce)
	seedTree(t, store)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/hierarchy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tree := decode[HierarchyResponse](t, rec)
	require.Len(t, tree.Visions, 1)
	assert.Equal(t, "v1", tree.Visions[0].ID)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	agents := decode[AgentsResponse](t, rec)
	assert.Empty(t, agents.Agents)
}
