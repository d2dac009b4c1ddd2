// Package v1 defines the wire types for the swarmd event intake API.
// Hook scripts and external tools post lifecycle events with these types
// and receive the orchestrator's decisions in response.
package v1

// SpawnEvent is the request body for POST /api/v1/events/spawn.
type SpawnEvent struct {
	// SpawnerID identifies the requesting agent. Empty or unknown ids are
	// treated as the main orchestrator.
	SpawnerID string `json:"spawner_id"`

	// AgentID optionally fixes the id of the agent being spawned. A new
	// id is generated when empty. Duplicate ids are rejected.
	AgentID string `json:"agent_id,omitempty"`

	// Description is the free-text task description the agent level is
	// inferred from when Level is not set.
	Description string `json:"description"`

	// Level optionally pins the requested agent level (L1, L2, L3).
	Level string `json:"level,omitempty"`

	// Domain tags the specialist domain of the requested agent.
	Domain string `json:"domain,omitempty"`

	// TaskLevel/TaskID optionally bind the agent to a hierarchy node.
	TaskLevel string `json:"task_level,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
}

// SpawnDecision is the response body for POST /api/v1/events/spawn.
type SpawnDecision struct {
	Allowed bool `json:"allowed"`

	// AgentID is set when the spawn was allowed and registered.
	AgentID string `json:"agent_id,omitempty"`

	// Level is the resolved level of the requested agent.
	Level string `json:"level"`

	// Mode is the enforcement mode the decision was made under
	// (suggest, warn, enforce).
	Mode string `json:"mode"`

	// Reason explains a denial or carries the warn-mode advisory message.
	Reason string `json:"reason,omitempty"`
}

// TerminationEvent is the request body for POST /api/v1/events/terminated.
type TerminationEvent struct {
	AgentID string `json:"agent_id"`

	// Output is the agent's final output, scanned for completion markers.
	Output string `json:"output"`
}

// TerminationResult is the response body for POST /api/v1/events/terminated.
type TerminationResult struct {
	// Signal is the extracted signal kind: completed, blocked, failed,
	// partial, or none when the output carried no recognizable marker.
	Signal string `json:"signal"`

	TaskID string `json:"task_id,omitempty"`

	// Classification and Action are set on the failure path:
	// transient/recoverable/fatal/unknown and retry/escalate/abort.
	Classification string `json:"classification,omitempty"`
	Action         string `json:"action,omitempty"`

	// RetryCount is the task's retry counter after this event.
	RetryCount int `json:"retry_count,omitempty"`

	// Milestones lists progress thresholds crossed by this event.
	Milestones []int `json:"milestones,omitempty"`
}

// ResourceWriteEvent is the request body for POST /api/v1/events/resource-write.
type ResourceWriteEvent struct {
	AgentID  string `json:"agent_id"`
	Resource string `json:"resource"`
}

// CollisionWarning reports another agent writing the same resource within
// the collision window. Warnings are advisory; the write is never blocked.
type CollisionWarning struct {
	Resource   string  `json:"resource"`
	AgentID    string  `json:"agent_id"`
	PriorAgent string  `json:"prior_agent"`
	GapSeconds float64 `json:"gap_seconds"`
	Message    string  `json:"message"`
}

// ResourceWriteResult is the response body for POST /api/v1/events/resource-write.
type ResourceWriteResult struct {
	Warnings []CollisionWarning `json:"warnings"`
}

// NodeEdit is the request body for PUT /api/v1/hierarchy/:level/:id.
// Version must match the stored node or the edit is rejected with a
// version conflict.
type NodeEdit struct {
	Version      uint64   `json:"version"`
	Title        *string  `json:"title,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}
