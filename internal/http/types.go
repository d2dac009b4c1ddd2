package http

import "github.com/fyrsmithlabs/swarmd/internal/hierarchy"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Nodes  int    `json:"nodes"`
	Agents int    `json:"agents"`
}

// HierarchyResponse is the response body for GET /api/v1/hierarchy.
type HierarchyResponse struct {
	Visions []*hierarchy.Node `json:"visions"`
}

// AgentsResponse is the response body for GET /api/v1/agents.
type AgentsResponse struct {
	Agents []*hierarchy.Agent `json:"agents"`
}

// AlignmentResponse is the response body for GET /api/v1/alignment/:visionID.
// Latest is freshly scored when the observer is wired; History is the
// persisted observation trail, oldest first.
type AlignmentResponse struct {
	Vision  string                   `json:"vision"`
	Latest  *hierarchy.Observation   `json:"latest,omitempty"`
	History []*hierarchy.Observation `json:"history"`
}
