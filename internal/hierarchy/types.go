package hierarchy

import (
	"fmt"
	"time"
)

// Level identifies a tier of the progress hierarchy, ordered root to leaf.
type Level string

const (
	LevelVision  Level = "vision"
	LevelEpic    Level = "epic"
	LevelRoadmap Level = "roadmap"
	LevelPlan    Level = "plan"
	LevelPhase   Level = "phase"
	LevelTask    Level = "task"
)

// levelOrder lists the tiers root to leaf.
var levelOrder = []Level{LevelVision, LevelEpic, LevelRoadmap, LevelPlan, LevelPhase, LevelTask}

// ParseLevel validates a level name.
func ParseLevel(s string) (Level, error) {
	l := Level(s)
	if !l.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidLevel, s)
	}
	return l, nil
}

// Valid reports whether l names a known tier.
func (l Level) Valid() bool {
	return l.depth() >= 0
}

// Child returns the tier below l. ok is false for task, the leaf tier.
func (l Level) Child() (Level, bool) {
	d := l.depth()
	if d < 0 || d == len(levelOrder)-1 {
		return "", false
	}
	return levelOrder[d+1], true
}

// IsLeaf reports whether l is the task tier.
func (l Level) IsLeaf() bool {
	return l == LevelTask
}

// Below reports whether l is a strictly deeper tier than other.
func (l Level) Below(other Level) bool {
	d, o := l.depth(), other.depth()
	return d >= 0 && o >= 0 && d > o
}

func (l Level) depth() int {
	for i, v := range levelOrder {
		if v == l {
			return i
		}
	}
	return -1
}

// Status is the lifecycle state of a hierarchy node.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
)

// Terminal reports whether the status is a final outcome. Blocked nodes
// are not terminal: a human can unblock and resume them.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// NodeRef addresses a node by level and id.
type NodeRef struct {
	Level Level  `json:"level"`
	ID    string `json:"id"`
}

func (r NodeRef) String() string {
	return string(r.Level) + "/" + r.ID
}

// Ref returns the node's own address.
func (n *Node) Ref() NodeRef {
	return NodeRef{Level: n.Level, ID: n.ID}
}

// VisionPlan carries the planning estimates alignment scoring compares
// actual progress against.
type VisionPlan struct {
	// EstimatedDays is the planned duration of the vision.
	EstimatedDays float64 `json:"estimated_days"`

	// PlannedEpics is the number of epics the plan called for.
	PlannedEpics int `json:"planned_epics"`

	// SuccessCriteria are the completion criteria tracked for quality
	// scoring. Met criteria are prefixed with "[met]".
	SuccessCriteria []string `json:"success_criteria,omitempty"`
}

// Node is one node of the progress hierarchy.
type Node struct {
	// ID is unique within the node's level.
	ID string `json:"id"`

	// Level is the hierarchy tier this node lives at.
	Level Level `json:"level"`

	// Title is the human-readable node title.
	Title string `json:"title"`

	// Status is the lifecycle state. Derived fields below are recomputed
	// from children on every progress application.
	Status Status `json:"status"`

	// CompletionPct is the derived completion percentage (0-100).
	CompletionPct int `json:"completion_pct"`

	// Dependencies are sibling ids that must complete before this node
	// may leave pending.
	Dependencies []string `json:"dependencies,omitempty"`

	// Ready is derived: all dependencies completed.
	Ready bool `json:"ready"`

	// Parent is a weak reference for upward lookup, rebuilt on load.
	Parent *NodeRef `json:"-"`

	// Children are owned, ordered subnodes.
	Children []*Node `json:"children,omitempty"`

	// RetryCount counts distinct failure events consumed by this node.
	RetryCount int `json:"retry_count,omitempty"`

	// BlockerReason is set when the node is blocked.
	BlockerReason string `json:"blocker_reason,omitempty"`

	// ErrorText is set when the node failed.
	ErrorText string `json:"error_text,omitempty"`

	// Escalated records that a blocker was escalated to a human.
	// Set at most once per unresolved blocker.
	Escalated bool `json:"escalated,omitempty"`

	// Artifacts and Summary are reported by completion signals.
	Artifacts []string `json:"artifacts,omitempty"`
	Summary   string   `json:"summary,omitempty"`

	// Plan and StartedAt are set on vision nodes only.
	Plan      *VisionPlan `json:"plan,omitempty"`
	StartedAt *time.Time  `json:"started_at,omitempty"`

	// Version supports optimistic concurrency for external edits.
	Version uint64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the node and its subtree.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Parent != nil {
		p := *n.Parent
		c.Parent = &p
	}
	if n.Plan != nil {
		pl := *n.Plan
		pl.SuccessCriteria = append([]string(nil), n.Plan.SuccessCriteria...)
		c.Plan = &pl
	}
	if n.StartedAt != nil {
		t := *n.StartedAt
		c.StartedAt = &t
	}
	c.Dependencies = append([]string(nil), n.Dependencies...)
	c.Artifacts = append([]string(nil), n.Artifacts...)
	if n.Children != nil {
		c.Children = make([]*Node, len(n.Children))
		for i, ch := range n.Children {
			c.Children[i] = ch.Clone()
		}
	}
	return &c
}

// DepsSatisfied reports whether every dependency of n is completed.
// Dependencies name siblings; a dangling id counts as unmet, so a typo
// gates rather than silently advances. A nil parent satisfies only an
// empty dependency list.
func DepsSatisfied(parent, n *Node) bool {
	for _, dep := range n.Dependencies {
		met := false
		if parent != nil {
			for _, sibling := range parent.Children {
				if sibling.ID == dep {
					met = sibling.Status == StatusCompleted
					break
				}
			}
		}
		if !met {
			return false
		}
	}
	return true
}

// AgentLevel is the orchestration tier of an agent.
type AgentLevel string

const (
	// AgentMain is the root orchestrator (the human-driven session).
	AgentMain AgentLevel = "main"
	// AgentL1 are orchestrator agents that coordinate specialists.
	AgentL1 AgentLevel = "L1"
	// AgentL2 are specialist agents owning a domain.
	AgentL2 AgentLevel = "L2"
	// AgentL3 are worker agents executing atomic tasks.
	AgentL3 AgentLevel = "L3"
)

// ParseAgentLevel validates an agent level token.
func ParseAgentLevel(s string) (AgentLevel, error) {
	switch AgentLevel(s) {
	case AgentMain, AgentL1, AgentL2, AgentL3:
		return AgentLevel(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAgentLevel, s)
}

// AgentStatus is the lifecycle state of an active agent.
type AgentStatus string

const (
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentBlocked   AgentStatus = "blocked"
	AgentFailed    AgentStatus = "failed"
)

// Agent is an active coding agent tracked by the store. Agents are
// removed on termination; their outcome is folded into the task node.
type Agent struct {
	// AgentID is the unique agent identifier (uuid).
	AgentID string `json:"agent_id"`

	// Level is the agent's orchestration tier.
	Level AgentLevel `json:"level"`

	// Domain tags the specialist domain (L2) or task domain (L3).
	Domain string `json:"domain,omitempty"`

	// Status is the agent lifecycle state.
	Status AgentStatus `json:"status"`

	// TaskRef binds the agent to the hierarchy node it works on.
	TaskRef *NodeRef `json:"task_ref,omitempty"`

	// SpawnedBy is the spawning agent's id, or "main".
	SpawnedBy string `json:"spawned_by"`

	// RetryCount is the retry attempt this agent represents.
	RetryCount int `json:"retry_count,omitempty"`

	SpawnedAt time.Time `json:"spawned_at"`
}

// Clone returns a copy of the agent.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	if a.TaskRef != nil {
		r := *a.TaskRef
		c.TaskRef = &r
	}
	return &c
}

// AdjustmentSeverity grades a suggested correction.
type AdjustmentSeverity string

const (
	SeverityInfo     AdjustmentSeverity = "info"
	SeverityWarning  AdjustmentSeverity = "warning"
	SeverityCritical AdjustmentSeverity = "critical"
)

// Adjustment is a corrective suggestion attached to a drifted observation.
type Adjustment struct {
	Kind     string             `json:"kind"`
	Reason   string             `json:"reason"`
	Severity AdjustmentSeverity `json:"severity"`
}

// Observation is one alignment scoring pass over a vision. Observations
// are immutable once appended to the vision's history.
type Observation struct {
	ID        string    `json:"id"`
	VisionID  string    `json:"vision_id"`
	Timestamp time.Time `json:"timestamp"`

	// Score is the weighted alignment score in [0,1].
	Score float64 `json:"score"`

	// Factor scores, each in [0,1].
	Timeline float64 `json:"timeline"`
	Scope    float64 `json:"scope"`
	Quality  float64 `json:"quality"`

	Issues        []string     `json:"issues,omitempty"`
	DriftDetected bool         `json:"drift_detected"`
	Adjustments   []Adjustment `json:"adjustments,omitempty"`
}

// Clone returns a copy of the observation.
func (o *Observation) Clone() *Observation {
	if o == nil {
		return nil
	}
	c := *o
	c.Issues = append([]string(nil), o.Issues...)
	c.Adjustments = append([]Adjustment(nil), o.Adjustments...)
	return &c
}
