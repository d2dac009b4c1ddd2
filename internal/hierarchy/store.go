package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/swarmd/internal/hierarchy"

// CAS retry bounds for external edits.
const (
	casMaxAttempts = 3
	casBackoffBase = 10 * time.Millisecond
)

// Config configures the store.
type Config struct {
	// Dir is the workspace state directory (default: .swarmd).
	Dir string

	// QueueSize bounds the mutation queue (default: 256). A full queue
	// surfaces ErrBusy to the submitter instead of blocking.
	QueueSize int

	// HistoryLimit caps each vision's observation log (default: 50).
	// Oldest observations are evicted first.
	HistoryLimit int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Dir:          ".swarmd",
		QueueSize:    256,
		HistoryLimit: 50,
	}
}

// state is the mutable store state. The writer goroutine is the only
// mutator; readers copy out under the RWMutex.
type state struct {
	visions      []*Node
	index        map[NodeRef]*Node
	agents       map[string]*Agent
	observations map[string][]*Observation
	milestones   map[string]bool
}

func newState() *state {
	return &state{
		index:        make(map[NodeRef]*Node),
		agents:       make(map[string]*Agent),
		observations: make(map[string][]*Observation),
		milestones:   make(map[string]bool),
	}
}

// mutation is one queued store mutation.
type mutation struct {
	fn   func(*Tx) error
	done chan error
}

// Store owns the hierarchy, the active agent set, the observation log,
// and the reported-milestone set, persisting all of it as one atomic
// JSON snapshot after each successful mutation.
type Store struct {
	config *Config
	logger *zap.Logger

	mu    sync.RWMutex
	state *state

	queue  chan mutation
	stopCh chan struct{}
	doneCh chan struct{}

	closeMu sync.RWMutex
	closed  bool

	filePath string

	tracer         trace.Tracer
	meter          metric.Meter
	mutationsTotal metric.Int64Counter
	conflictsTotal metric.Int64Counter
}

// NewStore creates the store, loads any existing snapshot from the state
// directory, and starts the writer goroutine.
func NewStore(cfg *Config, logger *zap.Logger) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Dir == "" {
		cfg.Dir = ".swarmd"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	s := &Store{
		config:   cfg,
		logger:   logger,
		state:    newState(),
		queue:    make(chan mutation, cfg.QueueSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		filePath: stateFilePath(cfg.Dir),
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	s.initMetrics()

	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	go s.run()

	return s, nil
}

func (s *Store) initMetrics() {
	var err error

	s.mutationsTotal, err = s.meter.Int64Counter(
		"swarmd.hierarchy.mutations_total",
		metric.WithDescription("Total store mutations, labeled by outcome (ok, error)."),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		s.logger.Warn("failed to create mutations counter", zap.Error(err))
	}

	s.conflictsTotal, err = s.meter.Int64Counter(
		"swarmd.hierarchy.cas_conflicts_total",
		metric.WithDescription("Version conflicts detected on external node edits."),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		s.logger.Warn("failed to create conflicts counter", zap.Error(err))
	}
}

// run is the writer goroutine. It executes queued mutations serially and
// answers every mutation that made it into the queue, including during
// shutdown drain.
func (s *Store) run() {
	defer close(s.doneCh)
	for {
		select {
		case m := <-s.queue:
			m.done <- s.apply(m.fn)
		case <-s.stopCh:
			for {
				select {
				case m := <-s.queue:
					m.done <- ErrClosed
				default:
					return
				}
			}
		}
	}
}

// apply executes one mutation under the write lock and persists the
// snapshot when the mutation touched state.
func (s *Store) apply(fn func(*Tx) error) error {
	tx := &Tx{store: s, now: time.Now().UTC()}

	s.mu.Lock()
	tx.state = s.state
	err := fn(tx)
	s.mu.Unlock()

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if s.mutationsTotal != nil {
		s.mutationsTotal.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("outcome", outcome),
		))
	}
	if err != nil {
		return err
	}

	if tx.dirty {
		if perr := s.save(); perr != nil {
			s.logger.Error("failed to persist state snapshot", zap.Error(perr))
			return fmt.Errorf("persist state: %w", perr)
		}
	}
	return nil
}

// Update submits a mutation and waits for it to execute. The mutation
// runs serially with all others; a full queue returns ErrBusy without
// blocking. fn must validate before mutating (an error does not roll
// back changes already made) and must not call back into the store.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) error {
	if fn == nil {
		return errors.New("mutation fn is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, span := s.tracer.Start(ctx, "hierarchy.update")
	defer span.End()

	m := mutation{fn: fn, done: make(chan error, 1)}

	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return ErrClosed
	}
	select {
	case s.queue <- m:
		s.closeMu.RUnlock()
	default:
		s.closeMu.RUnlock()
		span.SetStatus(codes.Error, ErrBusy.Error())
		return ErrBusy
	}

	select {
	case err := <-m.done:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	case <-ctx.Done():
		// The mutation still executes; only the wait is abandoned.
		return ctx.Err()
	}
}

// EditNode applies an external edit when expected matches the node's
// current Version, bumping it on success. A mismatch returns ErrConflict.
func (s *Store) EditNode(ctx context.Context, ref NodeRef, expected uint64, edit func(*Node) error) error {
	return s.Update(ctx, func(tx *Tx) error {
		n, err := tx.Node(ref)
		if err != nil {
			return err
		}
		if n.Version != expected {
			if s.conflictsTotal != nil {
				s.conflictsTotal.Add(ctx, 1)
			}
			return fmt.Errorf("%w: %s: have version %d, expected %d", ErrConflict, ref, n.Version, expected)
		}
		if err := edit(n); err != nil {
			return err
		}
		tx.Touch(n)
		return nil
	})
}

// EditNodeWithRetry reads the node's current version and applies edit via
// compare-and-swap, retrying with exponential backoff when another
// mutation lands between the read and the apply. After casMaxAttempts
// the last ErrConflict is returned.
func (s *Store) EditNodeWithRetry(ctx context.Context, ref NodeRef, edit func(*Node) error) error {
	backoff := casBackoffBase
	var err error
	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}

		var current *Node
		current, err = s.Node(ref)
		if err != nil {
			return err
		}
		err = s.EditNode(ctx, ref, current.Version, edit)
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return err
}

// Node returns a deep copy of the addressed node and its subtree.
func (s *Store) Node(ref NodeRef) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.state.index[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return n.Clone(), nil
}

// Visions returns deep copies of all root nodes.
func (s *Store) Visions() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Node, len(s.state.visions))
	for i, v := range s.state.visions {
		out[i] = v.Clone()
	}
	return out
}

// Agent returns a copy of the active agent.
func (s *Store) Agent(id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.state.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return a.Clone(), nil
}

// Agents returns copies of all active agents ordered by spawn time.
func (s *Store) Agents() []*Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Agent, 0, len(s.state.agents))
	for _, a := range s.state.agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SpawnedAt.Equal(out[j].SpawnedAt) {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].SpawnedAt.Before(out[j].SpawnedAt)
	})
	return out
}

// Observations returns copies of a vision's observation log, oldest first.
func (s *Store) Observations(visionID string) []*Observation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.state.observations[visionID]
	out := make([]*Observation, len(log))
	for i, o := range log {
		out[i] = o.Clone()
	}
	return out
}

// Stats summarizes store contents for health reporting.
type Stats struct {
	Nodes  int `json:"nodes"`
	Agents int `json:"agents"`
}

// Stats returns node and agent counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Nodes:  len(s.state.index),
		Agents: len(s.state.agents),
	}
}

// Close stops the writer goroutine after draining queued mutations.
// Safe to call multiple times.
func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	close(s.stopCh)
	<-s.doneCh
	return nil
}

// Tx is the mutation view handed to Update closures. Node and Agent
// return live pointers: mutate them, then call Touch so the version bump
// and persistence happen.
type Tx struct {
	store *Store
	state *state
	now   time.Time
	dirty bool
}

// Now is the mutation timestamp; one value for the whole mutation.
func (tx *Tx) Now() time.Time {
	return tx.now
}

// Node returns the live node for ref.
func (tx *Tx) Node(ref NodeRef) (*Node, error) {
	n, ok := tx.state.index[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return n, nil
}

// Parent returns the live parent of n, or false for roots.
func (tx *Tx) Parent(n *Node) (*Node, bool) {
	if n.Parent == nil {
		return nil, false
	}
	p, ok := tx.state.index[*n.Parent]
	return p, ok
}

// Visions returns the live root nodes.
func (tx *Tx) Visions() []*Node {
	return tx.state.visions
}

// Touch bumps the node's version and timestamps it, marking the
// mutation dirty so the snapshot is persisted.
func (tx *Tx) Touch(n *Node) {
	n.Version++
	n.UpdatedAt = tx.now
	tx.dirty = true
}

// AddVision adds a new root node.
func (tx *Tx) AddVision(n *Node) error {
	if n.Level != LevelVision {
		return fmt.Errorf("%w: root must be a vision, got %s", ErrIntegrity, n.Level)
	}
	return tx.addNode(nil, n)
}

// AddChild adds n under parent. An empty child level defaults to the
// tier directly below the parent's; an explicit level only has to be
// deeper than the parent, so small plans may skip tiers.
func (tx *Tx) AddChild(parent NodeRef, n *Node) error {
	p, err := tx.Node(parent)
	if err != nil {
		return err
	}
	next, ok := p.Level.Child()
	if !ok {
		return fmt.Errorf("%w: %s cannot have children", ErrIntegrity, p.Level)
	}
	if n.Level == "" {
		n.Level = next
	}
	if !n.Level.Below(p.Level) {
		return fmt.Errorf("%w: child of %s must sit below it, got %s", ErrIntegrity, p.Level, n.Level)
	}
	return tx.addNode(p, n)
}

func (tx *Tx) addNode(parent *Node, n *Node) error {
	if n.ID == "" {
		return fmt.Errorf("%w: node id is required", ErrIntegrity)
	}
	if !n.Level.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidLevel, n.Level)
	}
	ref := n.Ref()
	if _, exists := tx.state.index[ref]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, ref)
	}

	if n.Status == "" {
		n.Status = StatusPending
	}
	if len(n.Dependencies) == 0 {
		// Nothing gates a node without dependencies.
		n.Ready = true
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = tx.now
	}
	n.UpdatedAt = tx.now
	if n.Version == 0 {
		n.Version = 1
	}

	if parent == nil {
		n.Parent = nil
		tx.state.visions = append(tx.state.visions, n)
	} else {
		pref := parent.Ref()
		n.Parent = &pref
		parent.Children = append(parent.Children, n)
	}
	tx.state.index[ref] = n
	tx.dirty = true
	return nil
}

// Agent returns the live agent for id.
func (tx *Tx) Agent(id string) (*Agent, error) {
	a, ok := tx.state.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return a, nil
}

// Agents returns the live active agents ordered by spawn time.
func (tx *Tx) Agents() []*Agent {
	out := make([]*Agent, 0, len(tx.state.agents))
	for _, a := range tx.state.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SpawnedAt.Equal(out[j].SpawnedAt) {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].SpawnedAt.Before(out[j].SpawnedAt)
	})
	return out
}

// RegisterAgent adds an agent to the active set. Duplicate ids return
// ErrAgentExists.
func (tx *Tx) RegisterAgent(a *Agent) error {
	if a.AgentID == "" {
		return fmt.Errorf("%w: agent id is required", ErrIntegrity)
	}
	if _, exists := tx.state.agents[a.AgentID]; exists {
		return fmt.Errorf("%w: %s", ErrAgentExists, a.AgentID)
	}
	if a.Status == "" {
		a.Status = AgentRunning
	}
	if a.SpawnedAt.IsZero() {
		a.SpawnedAt = tx.now
	}
	tx.state.agents[a.AgentID] = a
	tx.dirty = true
	return nil
}

// RemoveAgent drops an agent from the active set.
func (tx *Tx) RemoveAgent(id string) error {
	if _, ok := tx.state.agents[id]; !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	delete(tx.state.agents, id)
	tx.dirty = true
	return nil
}

// AppendObservation appends to the vision's capped history, evicting the
// oldest entry when the cap is reached.
func (tx *Tx) AppendObservation(o *Observation) error {
	ref := NodeRef{Level: LevelVision, ID: o.VisionID}
	if _, ok := tx.state.index[ref]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}

	log := tx.state.observations[o.VisionID]
	log = append(log, o)
	if limit := tx.store.config.HistoryLimit; len(log) > limit {
		log = log[len(log)-limit:]
	}
	tx.state.observations[o.VisionID] = log
	tx.dirty = true
	return nil
}

// Observations returns the live observation log for a vision.
func (tx *Tx) Observations(visionID string) []*Observation {
	return tx.state.observations[visionID]
}

// MilestoneReported reports whether the (node, threshold) milestone was
// already published.
func (tx *Tx) MilestoneReported(ref NodeRef, threshold int) bool {
	return tx.state.milestones[milestoneKey(ref, threshold)]
}

// MarkMilestone records a published milestone so it never re-fires.
func (tx *Tx) MarkMilestone(ref NodeRef, threshold int) {
	tx.state.milestones[milestoneKey(ref, threshold)] = true
	tx.dirty = true
}

func milestoneKey(ref NodeRef, threshold int) string {
	return fmt.Sprintf("%s@%d", ref, threshold)
}
