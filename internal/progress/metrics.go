package progress

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the progress aggregator.
type Metrics struct {
	SignalsTotal    *prometheus.CounterVec
	MilestonesTotal *prometheus.CounterVec
	NodesCompleted  *prometheus.CounterVec
	NotifyFailures  prometheus.Counter
	VisionPct       *prometheus.GaugeVec
}

// NewMetrics creates and registers Prometheus metrics for the aggregator.
//
// Registration is guarded by sync.Once so repeated construction cannot
// panic on duplicate collectors.
//
// Metrics:
//   - swarm_progress_signals_total{kind,outcome} - Completion signals applied
//   - swarm_progress_milestones_total{level,threshold} - Milestone crossings fired
//   - swarm_progress_nodes_completed_total{level} - Nodes reaching completed
//   - swarm_progress_notify_failures_total - Failed external notifications
//   - swarm_vision_completion_pct{vision} - Current vision completion percentage
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			SignalsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "swarm_progress_signals_total",
					Help: "Total completion signals applied by the aggregator",
				},
				[]string{"kind", "outcome"}, // outcome: "applied", "replay", "error"
			),

			MilestonesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "swarm_progress_milestones_total",
					Help: "Total milestone threshold crossings fired",
				},
				[]string{"level", "threshold"},
			),

			NodesCompleted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "swarm_progress_nodes_completed_total",
					Help: "Total hierarchy nodes that reached completed status",
				},
				[]string{"level"},
			),

			NotifyFailures: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "swarm_progress_notify_failures_total",
					Help: "Total failed external progress notifications",
				},
			),

			VisionPct: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "swarm_vision_completion_pct",
					Help: "Current completion percentage per vision",
				},
				[]string{"vision"},
			),
		}
	})

	return globalMetrics
}

// RecordSignal records one applied, replayed, or failed signal.
func (m *Metrics) RecordSignal(kind, outcome string) {
	m.SignalsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordMilestone records a fired milestone crossing.
func (m *Metrics) RecordMilestone(level string, threshold int) {
	m.MilestonesTotal.WithLabelValues(level, strconv.Itoa(threshold)).Inc()
}

// RecordCompleted records a node reaching completed status.
func (m *Metrics) RecordCompleted(level string) {
	m.NodesCompleted.WithLabelValues(level).Inc()
}

// RecordNotifyFailure records a failed external notification.
func (m *Metrics) RecordNotifyFailure() {
	m.NotifyFailures.Inc()
}

// SetVisionPct updates the completion gauge for one vision.
func (m *Metrics) SetVisionPct(vision string, pct int) {
	m.VisionPct.WithLabelValues(vision).Set(float64(pct))
}
