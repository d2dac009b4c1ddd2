package v1

import "errors"

// Common API errors.
var (
	ErrAgentRequired  = errors.New("agent_id is required")
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("version conflict")
	ErrTimeout        = errors.New("operation timed out")
)
