// Package collision warns when concurrent agents write the same resource.
//
// The detector keeps a sliding window of recent writers per resource. A
// write by one agent inside another agent's window produces a warning
// naming the prior writer and the elapsed gap; the write itself is never
// blocked. Collisions are advisory: the swarm's file ownership is decided
// by task decomposition, and the detector only surfaces the cases where
// that decomposition leaked.
package collision

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultWindow       = 20 * time.Second
	defaultMaxResources = 512

	// retention is how long a write stays in the log, as a multiple of
	// the window. Old entries feed no warnings; they exist so Snapshot
	// carries recent history across a restart.
	retentionFactor = 3
)

// Config holds detector configuration.
type Config struct {
	// Window is how far back a prior write still collides.
	Window time.Duration

	// MaxResources caps the number of tracked resources. The resource
	// with the oldest last write is evicted first.
	MaxResources int
}

// DefaultConfig returns the default detector configuration.
func DefaultConfig() *Config {
	return &Config{
		Window:       defaultWindow,
		MaxResources: defaultMaxResources,
	}
}

// Warning names a prior writer found inside the collision window.
type Warning struct {
	Resource   string
	AgentID    string
	PriorAgent string
	Gap        time.Duration
	Message    string
}

// WriteRecord is one recorded write, the unit of Snapshot.
type WriteRecord struct {
	AgentID string    `json:"agent_id"`
	At      time.Time `json:"at"`
}

// Snapshot is the detector's serializable state for shutdown handoff.
type Snapshot struct {
	TakenAt   time.Time                `json:"taken_at"`
	Resources map[string][]WriteRecord `json:"resources"`
}

type resourceLog struct {
	writes    []WriteRecord // ordered by At
	lastWrite time.Time
}

// Detector tracks recent writers per resource.
type Detector struct {
	config *Config
	logger *zap.Logger

	mu        sync.Mutex
	resources map[string]*resourceLog

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}

	metrics *Metrics
}

// NewDetector creates a detector and starts its sweep loop.
func NewDetector(cfg *Config, logger *zap.Logger) *Detector {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.MaxResources <= 0 {
		cfg.MaxResources = defaultMaxResources
	}

	d := &Detector{
		config:    cfg,
		logger:    logger,
		resources: make(map[string]*resourceLog),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		metrics:   NewMetrics(),
	}

	go d.run()

	return d
}

// run sweeps stale entries on a fixed cadence until Close.
func (d *Detector) run() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.config.Window)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case now := <-ticker.C:
			dropped := d.sweep(now)
			if dropped > 0 {
				d.logger.Debug("swept stale collision entries", zap.Int("dropped", dropped))
			}
		}
	}
}

// Record notes that agentID wrote resourceID at the given time and
// returns a warning for every other agent that wrote the same resource
// inside the window. The write is always recorded.
func (d *Detector) Record(resourceID, agentID string, at time.Time) []Warning {
	d.mu.Lock()
	defer d.mu.Unlock()

	rl, ok := d.resources[resourceID]
	if !ok {
		d.evictLocked()
		rl = &resourceLog{}
		d.resources[resourceID] = rl
	}

	rl.prune(at.Add(-retentionFactor * d.config.Window))

	// One warning per distinct prior agent, pinned to its latest write.
	latest := make(map[string]time.Time)
	for _, w := range rl.writes {
		if w.AgentID == agentID {
			continue
		}
		gap := at.Sub(w.At)
		if gap < 0 || gap > d.config.Window {
			continue
		}
		if prev, seen := latest[w.AgentID]; !seen || w.At.After(prev) {
			latest[w.AgentID] = w.At
		}
	}

	var warnings []Warning
	for prior, wroteAt := range latest {
		gap := at.Sub(wroteAt)
		warnings = append(warnings, Warning{
			Resource:   resourceID,
			AgentID:    agentID,
			PriorAgent: prior,
			Gap:        gap,
			Message: fmt.Sprintf("agent %s wrote %s %.0fs after agent %s",
				agentID, resourceID, gap.Seconds(), prior),
		})
	}
	sort.Slice(warnings, func(i, j int) bool {
		return warnings[i].Gap < warnings[j].Gap
	})

	rl.writes = append(rl.writes, WriteRecord{AgentID: agentID, At: at})
	if at.After(rl.lastWrite) {
		rl.lastWrite = at
	}

	d.metrics.RecordWrite()
	d.metrics.SetTrackedResources(len(d.resources))
	for _, w := range warnings {
		d.metrics.RecordWarning()
		d.logger.Warn("resource collision",
			zap.String("resource", w.Resource),
			zap.String("agent", w.AgentID),
			zap.String("prior_agent", w.PriorAgent),
			zap.Duration("gap", w.Gap))
	}

	return warnings
}

// evictLocked makes room for one more resource when the cap is reached.
func (d *Detector) evictLocked() {
	if len(d.resources) < d.config.MaxResources {
		return
	}

	oldestID := ""
	var oldestAt time.Time
	for id, rl := range d.resources {
		if oldestID == "" || rl.lastWrite.Before(oldestAt) {
			oldestID = id
			oldestAt = rl.lastWrite
		}
	}
	if oldestID != "" {
		delete(d.resources, oldestID)
		d.metrics.RecordEviction()
	}
}

// sweep drops writes older than the retention horizon and forgets
// resources with nothing left. Returns how many resources were dropped.
func (d *Detector) sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	horizon := now.Add(-retentionFactor * d.config.Window)
	dropped := 0
	for id, rl := range d.resources {
		rl.prune(horizon)
		if len(rl.writes) == 0 {
			delete(d.resources, id)
			dropped++
		}
	}
	d.metrics.SetTrackedResources(len(d.resources))

	return dropped
}

// Snapshot returns a copy of the current state for persistence.
func (d *Detector) Snapshot() *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := &Snapshot{
		TakenAt:   time.Now().UTC(),
		Resources: make(map[string][]WriteRecord, len(d.resources)),
	}
	for id, rl := range d.resources {
		snap.Resources[id] = append([]WriteRecord(nil), rl.writes...)
	}

	return snap
}

// Restore replaces the detector's state with a snapshot, dropping
// entries that aged out while the process was down.
func (d *Detector) Restore(snap *Snapshot) {
	if snap == nil {
		return
	}

	horizon := time.Now().UTC().Add(-retentionFactor * d.config.Window)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.resources = make(map[string]*resourceLog, len(snap.Resources))
	for id, writes := range snap.Resources {
		rl := &resourceLog{writes: append([]WriteRecord(nil), writes...)}
		sort.Slice(rl.writes, func(i, j int) bool {
			return rl.writes[i].At.Before(rl.writes[j].At)
		})
		rl.prune(horizon)
		if len(rl.writes) == 0 {
			continue
		}
		rl.lastWrite = rl.writes[len(rl.writes)-1].At
		d.resources[id] = rl
	}
	d.metrics.SetTrackedResources(len(d.resources))
}

// SaveTo writes a snapshot atomically to path.
func (d *Detector) SaveTo(path string) error {
	snap := d.Snapshot()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal collision snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write collision snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace collision snapshot: %w", err)
	}

	return nil
}

// LoadFrom restores state from a snapshot file. A missing file is not
// an error; the detector just starts empty.
func (d *Detector) LoadFrom(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read collision snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode collision snapshot: %w", err)
	}

	d.Restore(&snap)
	d.logger.Info("restored collision snapshot",
		zap.Int("resources", len(snap.Resources)),
		zap.Time("taken_at", snap.TakenAt))

	return nil
}

// Close stops the sweep loop. Safe to call more than once.
func (d *Detector) Close() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	<-d.doneCh
}

// prune drops writes at or before the horizon.
func (rl *resourceLog) prune(horizon time.Time) {
	keep := 0
	for ; keep < len(rl.writes); keep++ {
		if rl.writes[keep].At.After(horizon) {
			break
		}
	}
	if keep > 0 {
		rl.writes = append([]WriteRecord(nil), rl.writes[keep:]...)
	}
}
