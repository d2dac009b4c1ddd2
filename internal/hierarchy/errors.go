package hierarchy

import "errors"

// Errors for store operations. ErrBusy and ErrConflict are transient:
// callers may retry. ErrNotFound and ErrIntegrity fail only the mutation
// that raised them, never the store.
var (
	ErrNotFound          = errors.New("node not found")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrAgentExists       = errors.New("agent already registered")
	ErrDuplicateID       = errors.New("node id already exists at level")
	ErrInvalidLevel      = errors.New("invalid hierarchy level")
	ErrInvalidAgentLevel = errors.New("invalid agent level")
	ErrIntegrity         = errors.New("hierarchy integrity violation")
	ErrConflict          = errors.New("version conflict")
	ErrBusy              = errors.New("mutation queue full")
	ErrClosed            = errors.New("store is closed")
	ErrCorrupted         = errors.New("state file corrupted")
)
