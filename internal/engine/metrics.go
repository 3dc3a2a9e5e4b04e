package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OutcomesTotal counts reported request outcomes per backend.
	OutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upstreamd",
			Subsystem: "engine",
			Name:      "outcomes_total",
			Help:      "Total reported request outcomes by backend and result",
		},
		[]string{"backend", "outcome"},
	)

	// OutcomeLatencySeconds observes reported request latencies.
	OutcomeLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "upstreamd",
			Subsystem: "engine",
			Name:      "outcome_latency_seconds",
			Help:      "Latency of dispatched requests as reported by the caller",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "outcome"},
	)
)

// RecordOutcome records a reported request outcome.
func RecordOutcome(backend string, outcome Outcome, latency time.Duration) {
	OutcomesTotal.WithLabelValues(backend, outcome.String()).Inc()
	OutcomeLatencySeconds.WithLabelValues(backend, outcome.String()).Observe(latency.Seconds())
}
