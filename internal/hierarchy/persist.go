package hierarchy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	stateFileName    = "state.json"
	stateFileVersion = 1
)

func stateFilePath(dir string) string {
	return filepath.Join(dir, stateFileName)
}

// persistedState is the snapshot structure written to disk. Parent refs
// are omitted and rebuilt from the nesting on load.
type persistedState struct {
	Version      int                       `json:"version"`
	Visions      []*Node                   `json:"visions"`
	Agents       map[string]*Agent         `json:"agents"`
	Observations map[string][]*Observation `json:"observations,omitempty"`
	Milestones   map[string]bool           `json:"milestones,omitempty"`
}

// save writes the state snapshot atomically: marshal under the read
// lock, write to a temp file, rename over the old snapshot.
func (s *Store) save() error {
	s.mu.RLock()
	ps := persistedState{
		Version:      stateFileVersion,
		Visions:      s.state.visions,
		Agents:       s.state.agents,
		Observations: s.state.observations,
		Milestones:   s.state.milestones,
	}
	data, err := json.MarshalIndent(ps, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmpPath := s.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename state: %w", err)
	}
	return nil
}

// load reads the snapshot from disk and rebuilds the index and parent
// references. Called once before the writer goroutine starts.
func (s *Store) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}

	var ps persistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	st := newState()
	for _, v := range ps.Visions {
		if v.Level != LevelVision {
			return fmt.Errorf("%w: root %q has level %s", ErrCorrupted, v.ID, v.Level)
		}
		if err := indexTree(st, v, nil); err != nil {
			return err
		}
		st.visions = append(st.visions, v)
	}
	if ps.Agents != nil {
		st.agents = ps.Agents
	}
	if ps.Observations != nil {
		st.observations = ps.Observations
	}
	if ps.Milestones != nil {
		st.milestones = ps.Milestones
	}

	s.state = st
	return nil
}

// indexTree walks a loaded subtree, validates levels and id uniqueness,
// and rebuilds parent references.
func indexTree(st *state, n *Node, parent *Node) error {
	if n.ID == "" || !n.Level.Valid() {
		return fmt.Errorf("%w: node %q/%q", ErrCorrupted, n.Level, n.ID)
	}
	ref := n.Ref()
	if _, exists := st.index[ref]; exists {
		return fmt.Errorf("%w: duplicate node %s", ErrCorrupted, ref)
	}
	if parent != nil {
		if !n.Level.Below(parent.Level) {
			return fmt.Errorf("%w: %s cannot parent %s", ErrCorrupted, parent.Level, n.Level)
		}
		pref := parent.Ref()
		n.Parent = &pref
	}
	st.index[ref] = n
	for _, c := range n.Children {
		if err := indexTree(st, c, n); err != nil {
			return err
		}
	}
	return nil
}
