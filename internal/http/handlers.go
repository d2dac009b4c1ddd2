package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/bus"
	"github.com/fyrsmithlabs/swarmd/internal/extraction"
	"github.com/fyrsmithlabs/swarmd/internal/hierarchy"
	"github.com/fyrsmithlabs/swarmd/internal/spawn"
	apiv1 "github.com/fyrsmithlabs/swarmd/pkg/api/v1"
)

// handleSpawn validates a spawn request and registers the agent when the
// transition is allowed. A denial is a normal 200 response with
// allowed=false; only malformed requests and store failures are errors.
func (s *Server) handleSpawn(c echo.Context) error {
	var ev apiv1.SpawnEvent
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, apiv1.ErrInvalidRequest.Error())
	}

	req := &spawn.Request{
		SpawnerID:   ev.SpawnerID,
		AgentID:     ev.AgentID,
		Description: ev.Description,
		Level:       ev.Level,
		Domain:      ev.Domain,
	}
	if ev.TaskID != "" {
		level := hierarchy.LevelTask
		if ev.TaskLevel != "" {
			parsed, err := hierarchy.ParseLevel(ev.TaskLevel)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}
			level = parsed
		}
		req.TaskRef = &hierarchy.NodeRef{Level: level, ID: ev.TaskID}
	}

	decision, err := s.validator.Validate(c.Request().Context(), req)
	if err != nil {
		return storeError(err)
	}

	return c.JSON(http.StatusOK, apiv1.SpawnDecision{
		Allowed: decision.Allowed,
		AgentID: decision.AgentID,
		Level:   string(decision.Level),
		Mode:    string(decision.Mode),
		Reason:  decision.Reason,
	})
}

// handleTerminated parses a finished agent's output and routes the
// extracted signal: failures to the recovery engine, blocks to the
// escalation path, completions and partials to the aggregator. Output
// without a recognizable signal is a parse miss, reported as "none".
func (s *Server) handleTerminated(c echo.Context) error {
	var ev apiv1.TerminationEvent
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, apiv1.ErrInvalidRequest.Error())
	}
	if ev.AgentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, apiv1.ErrAgentRequired.Error())
	}

	ctx := c.Request().Context()
	result := apiv1.TerminationResult{Signal: "none"}

	sig, ok := extraction.Extract(ev.Output)
	if !ok {
		s.logger.Debug("no signal in agent output",
			zap.String("agent_id", ev.AgentID),
			zap.Int("output_bytes", len(ev.Output)))
		// The agent is gone either way; fold it out of the active set.
		_ = s.store.Update(ctx, func(tx *hierarchy.Tx) error {
			_ = tx.RemoveAgent(ev.AgentID)
			return nil
		})
		s.publishTerminated(ctx, ev.AgentID, "", "none")
		return c.JSON(http.StatusOK, result)
	}

	sig.AgentID = ev.AgentID
	result.Signal = string(sig.Kind)
	result.TaskID = sig.TaskID

	switch sig.Kind {
	case extraction.KindFailed:
		outcome, err := s.engine.HandleFailure(ctx, sig)
		if err != nil {
			return storeError(err)
		}
		result.Classification = string(outcome.Kind)
		result.Action = string(outcome.Action)
		result.RetryCount = outcome.RetryCount

	case extraction.KindBlocked:
		outcome, err := s.engine.HandleBlocked(ctx, sig)
		if err != nil {
			return storeError(err)
		}
		result.RetryCount = outcome.RetryCount

	default: // completed, partial
		res, err := s.aggregator.Apply(ctx, sig)
		if err != nil {
			return storeError(err)
		}
		for _, m := range res.Milestones {
			result.Milestones = append(result.Milestones, m.Threshold)
		}
	}

	s.publishTerminated(ctx, ev.AgentID, sig.TaskID, string(sig.Kind))
	return c.JSON(http.StatusOK, result)
}

// handleResourceWrite records a resource write and returns any collision
// warnings. Writes are never blocked; warnings are advisory.
func (s *Server) handleResourceWrite(c echo.Context) error {
	var ev apiv1.ResourceWriteEvent
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, apiv1.ErrInvalidRequest.Error())
	}
	if ev.AgentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, apiv1.ErrAgentRequired.Error())
	}
	if ev.Resource == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "resource is required")
	}

	warnings := s.detector.Record(ev.Resource, ev.AgentID, nowFunc())

	result := apiv1.ResourceWriteResult{Warnings: []apiv1.CollisionWarning{}}
	for _, w := range warnings {
		result.Warnings = append(result.Warnings, apiv1.CollisionWarning{
			Resource:   w.Resource,
			AgentID:    w.AgentID,
			PriorAgent: w.PriorAgent,
			GapSeconds: w.Gap.Seconds(),
			Message:    w.Message,
		})
		if s.events != nil {
			_ = s.events.Publish(c.Request().Context(), bus.SubjectCollisionWarning, bus.CollisionEvent{
				Resource:   w.Resource,
				AgentID:    w.AgentID,
				PriorAgent: w.PriorAgent,
				GapSeconds: w.Gap.Seconds(),
			})
		}
	}

	return c.JSON(http.StatusOK, result)
}

// handleHierarchy returns the full hierarchy snapshot.
func (s *Server) handleHierarchy(c echo.Context) error {
	return c.JSON(http.StatusOK, HierarchyResponse{Visions: s.store.Visions()})
}

// handleNode returns one node and its subtree.
func (s *Server) handleNode(c echo.Context) error {
	ref, err := parseRef(c)
	if err != nil {
		return err
	}
	node, err := s.store.Node(ref)
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, node)
}

// handleEditNode applies an external edit (title, dependencies) under
// optimistic concurrency. A stale version is a 409.
func (s *Server) handleEditNode(c echo.Context) error {
	ref, err := parseRef(c)
	if err != nil {
		return err
	}

	var edit apiv1.NodeEdit
	if err := c.Bind(&edit); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, apiv1.ErrInvalidRequest.Error())
	}

	err = s.store.EditNode(c.Request().Context(), ref, edit.Version, func(n *hierarchy.Node) error {
		if edit.Title != nil {
			n.Title = *edit.Title
		}
		if edit.Dependencies != nil {
			n.Dependencies = edit.Dependencies
		}
		return nil
	})
	if err != nil {
		return storeError(err)
	}

	node, err := s.store.Node(ref)
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, node)
}

// handleAgents returns the active agent set.
func (s *Server) handleAgents(c echo.Context) error {
	return c.JSON(http.StatusOK, AgentsResponse{Agents: s.store.Agents()})
}

// handleAlignment returns the vision's observation history, freshly
// scored when the observer is wired.
func (s *Server) handleAlignment(c echo.Context) error {
	visionID := c.Param("visionID")

	resp := AlignmentResponse{Vision: visionID}
	if s.observer != nil {
		obs, err := s.observer.Observe(c.Request().Context(), visionID)
		if err != nil {
			return storeError(err)
		}
		resp.Latest = obs
	}
	resp.History = s.store.Observations(visionID)
	if resp.History == nil {
		resp.History = []*hierarchy.Observation{}
	}

	return c.JSON(http.StatusOK, resp)
}

// publishTerminated fans the termination out on the bus; fire-and-forget.
func (s *Server) publishTerminated(ctx context.Context, agentID, taskID, signal string) {
	if s.events == nil {
		return
	}
	err := s.events.Publish(ctx, bus.SubjectAgentTerminated, bus.AgentTerminatedEvent{
		AgentID: agentID,
		TaskID:  taskID,
		Signal:  signal,
	})
	if err != nil {
		s.logger.Debug("failed to publish termination event", zap.Error(err))
	}
}

// nowFunc is swapped in tests to pin collision timestamps.
var nowFunc = time.Now

// parseRef reads the :level/:id route params.
func parseRef(c echo.Context) (hierarchy.NodeRef, error) {
	level, err := hierarchy.ParseLevel(c.Param("level"))
	if err != nil {
		return hierarchy.NodeRef{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return hierarchy.NodeRef{Level: level, ID: c.Param("id")}, nil
}

// storeError maps store errors onto HTTP statuses.
func storeError(err error) error {
	switch {
	case errors.Is(err, hierarchy.ErrNotFound), errors.Is(err, hierarchy.ErrAgentNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, hierarchy.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, hierarchy.ErrBusy):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, hierarchy.ErrDuplicateID), errors.Is(err, hierarchy.ErrAgentExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, hierarchy.ErrIntegrity), errors.Is(err, hierarchy.ErrInvalidLevel):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
