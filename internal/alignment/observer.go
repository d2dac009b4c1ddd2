// Package alignment scores a vision's actual progress against its
// declared plan.
//
// Each scoring pass produces an immutable Observation appended to the
// vision's bounded history, preserving an auditable drift trend. Scoring
// reads and the append happen inside one store mutation, so every
// observation describes a single consistent snapshot of the tree.
package alignment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/bus"
	"github.com/fyrsmithlabs/swarmd/internal/hierarchy"
)

const instrumentationName = "github.com/fyrsmithlabs/swarmd/internal/alignment"

// observeTimeout bounds a bus-triggered scoring pass.
const observeTimeout = 5 * time.Second

// metCriterionPrefix marks a satisfied success criterion in the plan.
const metCriterionPrefix = "[met]"

// ErrNoPlan is returned for visions that never declared a plan; there is
// nothing to score drift against.
var ErrNoPlan = errors.New("vision has no plan")

// Config holds observer configuration.
type Config struct {
	// DriftThreshold is the score below which drift is flagged.
	DriftThreshold float64

	// CriticalThreshold is the score below which adjustments escalate.
	CriticalThreshold float64

	// ObserveInterval re-scores every vision periodically. Zero disables
	// the ticker; observations still fire on completion events.
	ObserveInterval time.Duration
}

// DefaultConfig returns the default observer configuration.
func DefaultConfig() *Config {
	return &Config{
		DriftThreshold:    0.85,
		CriticalThreshold: 0.60,
	}
}

// Observer scores visions and appends observations to their histories.
type Observer struct {
	config *Config
	store  *hierarchy.Store
	logger *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	observationsTotal metric.Int64Counter
	scoreHist         metric.Float64Histogram

	subs []*nats.Subscription

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewObserver creates an observer. The store is required.
func NewObserver(cfg *Config, store *hierarchy.Store, logger *zap.Logger) (*Observer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DriftThreshold <= 0 {
		cfg.DriftThreshold = DefaultConfig().DriftThreshold
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = DefaultConfig().CriticalThreshold
	}
	if cfg.CriticalThreshold > cfg.DriftThreshold {
		return nil, fmt.Errorf("critical threshold %.2f above drift threshold %.2f",
			cfg.CriticalThreshold, cfg.DriftThreshold)
	}

	o := &Observer{
		config: cfg,
		store:  store,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	o.initMetrics()

	if cfg.ObserveInterval > 0 {
		go o.run()
	} else {
		close(o.doneCh)
	}

	return o, nil
}

// run re-scores every vision on the configured interval.
func (o *Observer) run() {
	defer close(o.doneCh)

	ticker := time.NewTicker(o.config.ObserveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.observeAll()
		case <-o.stopCh:
			return
		}
	}
}

func (o *Observer) observeAll() {
	for _, vision := range o.store.Visions() {
		ctx, cancel := context.WithTimeout(context.Background(), observeTimeout)
		_, err := o.Observe(ctx, vision.ID)
		cancel()
		if err != nil && !errors.Is(err, ErrNoPlan) {
			o.logger.Warn("periodic observation failed",
				zap.String("vision", vision.ID),
				zap.Error(err))
		}
	}
}

func (o *Observer) initMetrics() {
	var err error

	o.observationsTotal, err = o.meter.Int64Counter(
		"swarmd.alignment.observations_total",
		metric.WithDescription("Total alignment observations recorded"),
	)
	if err != nil {
		o.logger.Warn("failed to create observation counter", zap.Error(err))
	}

	o.scoreHist, err = o.meter.Float64Histogram(
		"swarmd.alignment.score",
		metric.WithDescription("Distribution of alignment scores"),
	)
	if err != nil {
		o.logger.Warn("failed to create score histogram", zap.Error(err))
	}
}

// Observe scores one vision against its plan and appends the observation
// to the vision's history. The returned observation is a copy.
func (o *Observer) Observe(ctx context.Context, visionID string) (*hierarchy.Observation, error) {
	ctx, span := o.tracer.Start(ctx, "alignment.observe",
		trace.WithAttributes(attribute.String("vision", visionID)))
	defer span.End()

	var obs *hierarchy.Observation
	err := o.store.Update(ctx, func(tx *hierarchy.Tx) error {
		vision, err := tx.Node(hierarchy.NodeRef{Level: hierarchy.LevelVision, ID: visionID})
		if err != nil {
			return err
		}
		if vision.Plan == nil {
			return fmt.Errorf("%w: %s", ErrNoPlan, visionID)
		}

		in := inputsFrom(vision, tx.Now())
		factors := ComputeFactors(in)
		score := WeightedScore(factors)

		obs = &hierarchy.Observation{
			ID:            uuid.New().String(),
			VisionID:      visionID,
			Timestamp:     tx.Now(),
			Score:         score,
			Timeline:      factors.Timeline,
			Scope:         factors.Scope,
			Quality:       factors.Quality,
			Issues:        o.describeIssues(in, factors),
			DriftDetected: score < o.config.DriftThreshold,
		}
		if obs.DriftDetected {
			obs.Adjustments = o.adjustments(factors, score)
		}

		return tx.AppendObservation(obs)
	})
	if err != nil {
		span.SetStatus(codes.Error, "observation failed")
		span.RecordError(err)
		return nil, err
	}

	if o.observationsTotal != nil {
		o.observationsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("drift_detected", obs.DriftDetected),
		))
	}
	if o.scoreHist != nil {
		o.scoreHist.Record(ctx, obs.Score)
	}

	if obs.DriftDetected {
		o.logger.Warn("alignment drift detected",
			zap.String("vision", visionID),
			zap.Float64("score", obs.Score),
			zap.Float64("timeline", obs.Timeline),
			zap.Float64("scope", obs.Scope),
			zap.Float64("quality", obs.Quality),
			zap.Strings("issues", obs.Issues))
	} else {
		o.logger.Debug("alignment on track",
			zap.String("vision", visionID),
			zap.Float64("score", obs.Score))
	}

	return obs.Clone(), nil
}

// SubscribeBus re-scores a vision whenever one of its nodes completes.
func (o *Observer) SubscribeBus(b *bus.Bus) error {
	sub, err := b.Subscribe(bus.SubjectNodeCompleted, func(data []byte) {
		var ev bus.NodeCompletedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			o.logger.Warn("malformed completion event", zap.Error(err))
			return
		}
		if ev.Vision == "" {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), observeTimeout)
		defer cancel()

		if _, err := o.Observe(ctx, ev.Vision); err != nil && !errors.Is(err, ErrNoPlan) {
			o.logger.Warn("bus-triggered observation failed",
				zap.String("vision", ev.Vision),
				zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	o.subs = append(o.subs, sub)
	return nil
}

// Close stops the periodic ticker and drops the observer's bus
// subscriptions.
func (o *Observer) Close() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
	})
	<-o.doneCh

	for _, sub := range o.subs {
		_ = sub.Unsubscribe()
	}
	o.subs = nil
}

// inputsFrom measures a vision at one instant.
func inputsFrom(vision *hierarchy.Node, now time.Time) Inputs {
	start := vision.CreatedAt
	if vision.StartedAt != nil {
		start = *vision.StartedAt
	}

	met, total := criteriaProgress(vision.Plan.SuccessCriteria)

	actualEpics := 0
	for _, child := range vision.Children {
		if child.Level == hierarchy.LevelEpic {
			actualEpics++
		}
	}

	return Inputs{
		ElapsedDays:   now.Sub(start).Hours() / 24,
		EstimatedDays: vision.Plan.EstimatedDays,
		ProgressPct:   vision.CompletionPct,
		PlannedEpics:  vision.Plan.PlannedEpics,
		ActualEpics:   actualEpics,
		CriteriaMet:   met,
		CriteriaTotal: total,
	}
}

// criteriaProgress counts met criteria by their "[met]" prefix.
func criteriaProgress(criteria []string) (met, total int) {
	for _, c := range criteria {
		if strings.HasPrefix(strings.TrimSpace(c), metCriterionPrefix) {
			met++
		}
	}
	return met, len(criteria)
}

// describeIssues names each factor sitting below the drift threshold.
func (o *Observer) describeIssues(in Inputs, f Factors) []string {
	var issues []string

	if f.Timeline < o.config.DriftThreshold {
		issues = append(issues, fmt.Sprintf(
			"behind schedule: %.1f of %.1f estimated days used at %d%% completion",
			in.ElapsedDays, in.EstimatedDays, in.ProgressPct))
	}
	if f.Scope < o.config.DriftThreshold {
		issues = append(issues, fmt.Sprintf(
			"scope deviates from plan: %d epics vs %d planned",
			in.ActualEpics, in.PlannedEpics))
	}
	if f.Quality < o.config.DriftThreshold {
		issues = append(issues, fmt.Sprintf(
			"success criteria lag progress: %d of %d met at %d%% completion",
			in.CriteriaMet, in.CriteriaTotal, in.ProgressPct))
	}

	return issues
}

// adjustments recommends corrections for a drifted observation. Below
// the critical threshold everything escalates.
func (o *Observer) adjustments(f Factors, score float64) []hierarchy.Adjustment {
	severity := hierarchy.SeverityWarning
	if score < o.config.CriticalThreshold {
		severity = hierarchy.SeverityCritical
	}

	var out []hierarchy.Adjustment
	if f.Timeline < o.config.DriftThreshold {
		out = append(out, hierarchy.Adjustment{
			Kind:     "replan_timeline",
			Reason:   "progress is not keeping pace with the estimated duration",
			Severity: severity,
		})
	}
	if f.Scope < o.config.DriftThreshold {
		out = append(out, hierarchy.Adjustment{
			Kind:     "rescope",
			Reason:   "epic count diverges from the plan",
			Severity: severity,
		})
	}
	if f.Quality < o.config.DriftThreshold {
		out = append(out, hierarchy.Adjustment{
			Kind:     "review_criteria",
			Reason:   "success criteria are not being met as progress advances",
			Severity: severity,
		})
	}
	if score < o.config.CriticalThreshold {
		out = append(out, hierarchy.Adjustment{
			Kind:     "escalate",
			Reason:   fmt.Sprintf("alignment score %.2f below critical threshold %.2f", score, o.config.CriticalThreshold),
			Severity: hierarchy.SeverityCritical,
		})
	}

	return out
}
