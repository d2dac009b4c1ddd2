package bus

// Subjects for swarm lifecycle events.
const (
	// SubjectMilestone carries MilestoneEvent payloads, one per
	// threshold crossing per node.
	SubjectMilestone = "swarm.progress.milestone"

	// SubjectNodeCompleted carries NodeCompletedEvent payloads whenever
	// a hierarchy node reaches completed status.
	SubjectNodeCompleted = "swarm.node.completed"

	// SubjectCollisionWarning carries CollisionEvent payloads when two
	// agents write the same resource inside the collision window.
	SubjectCollisionWarning = "swarm.collision.warning"

	// SubjectAgentTerminated carries AgentTerminatedEvent payloads after
	// a terminated agent's output has been parsed and folded in.
	SubjectAgentTerminated = "swarm.agent.terminated"
)

// MilestoneEvent reports a completion threshold crossing on one node.
type MilestoneEvent struct {
	Node      string `json:"node"` // "level/id"
	Level     string `json:"level"`
	Threshold int    `json:"threshold"`
	Pct       int    `json:"pct"`
	Title     string `json:"title,omitempty"`
	Vision    string `json:"vision,omitempty"` // root vision id
}

// NodeCompletedEvent reports a node reaching completed status.
type NodeCompletedEvent struct {
	Node   string `json:"node"`
	Level  string `json:"level"`
	Title  string `json:"title,omitempty"`
	Vision string `json:"vision,omitempty"`
}

// CollisionEvent reports two agents writing one resource close together.
type CollisionEvent struct {
	Resource   string  `json:"resource"`
	AgentID    string  `json:"agent_id"`
	PriorAgent string  `json:"prior_agent"`
	GapSeconds float64 `json:"gap_seconds"`
}

// AgentTerminatedEvent reports a terminated agent and the signal kind
// parsed from its output. Signal is "none" when nothing was recognized.
type AgentTerminatedEvent struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id,omitempty"`
	Signal  string `json:"signal"`
}
