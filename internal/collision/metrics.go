package collision

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the collision detector.
type Metrics struct {
	WritesTotal      prometheus.Counter
	WarningsTotal    prometheus.Counter
	EvictionsTotal   prometheus.Counter
	TrackedResources prometheus.Gauge
}

// NewMetrics creates and registers Prometheus metrics for the detector.
//
// Registration is guarded by sync.Once so repeated construction cannot
// panic on duplicate collectors.
//
// Metrics:
//   - swarm_collision_writes_total - Resource writes recorded
//   - swarm_collision_warnings_total - Collision warnings emitted
//   - swarm_collision_evictions_total - Resources evicted at the cap
//   - swarm_collision_tracked_resources - Currently tracked resources
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			WritesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "swarm_collision_writes_total",
					Help: "Total resource writes recorded by the collision detector",
				},
			),

			WarningsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "swarm_collision_warnings_total",
					Help: "Total collision warnings emitted",
				},
			),

			EvictionsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "swarm_collision_evictions_total",
					Help: "Total resources evicted when the tracking cap was hit",
				},
			),

			TrackedResources: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "swarm_collision_tracked_resources",
					Help: "Current number of tracked resources",
				},
			),
		}
	})

	return globalMetrics
}

// RecordWrite records one resource write.
func (m *Metrics) RecordWrite() {
	m.WritesTotal.Inc()
}

// RecordWarning records one emitted collision warning.
func (m *Metrics) RecordWarning() {
	m.WarningsTotal.Inc()
}

// RecordEviction records one cap eviction.
func (m *Metrics) RecordEviction() {
	m.EvictionsTotal.Inc()
}

// SetTrackedResources updates the tracked-resource gauge.
func (m *Metrics) SetTrackedResources(n int) {
	m.TrackedResources.Set(float64(n))
}
