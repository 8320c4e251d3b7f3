// Package metrics exposes the prometheus collectors the coordinator
// updates as it runs. Wiring a scrape endpoint for them is the request
// router's job; this package only owns the collector definitions and a
// Registry to gather them into, mirroring how the wider pool-service
// corpus keeps its metrics struct separate from the HTTP layer that serves
// them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireAttemptsTotal counts every attempt (not retry round) made by
	// Coordinator.Acquire, labeled by outcome: granted, shortage, error.
	AcquireAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leasekeeper_acquire_attempts_total",
		Help: "Acquisition attempts made by the lease coordinator, by outcome.",
	}, []string{"outcome"})

	// AcquireDurationSeconds observes the wall-clock time of a full
	// Acquire call, from creation of the execution row to its resolution.
	AcquireDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "leasekeeper_acquire_duration_seconds",
		Help:    "Time to resolve an acquisition, success or failure.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"result"})

	// ReleasedEntitiesTotal counts entities returned to the pool via Release.
	ReleasedEntitiesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leasekeeper_released_entities_total",
		Help: "Pool entities unleased via Coordinator.Release.",
	})

	// AvailableEntities is a gauge snapshot of the last-observed
	// availability_by_role result, labeled by role. It is advisory, set
	// only after an Availability() call, never consulted for correctness.
	AvailableEntities = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "leasekeeper_available_entities",
		Help: "Last-observed unleased, healthy entity count by role.",
	}, []string{"role"})
)

// Registry returns a fresh registry with every collector in this package
// registered, for a caller (a metrics command, a /metrics handler owned by
// the request router) to gather from.
func Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(AcquireAttemptsTotal, AcquireDurationSeconds, ReleasedEntitiesTotal, AvailableEntities)
	return reg
}
