package probe

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProbesTotal counts probe attempts by result.
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upstreamd",
			Subsystem: "probe",
			Name:      "attempts_total",
			Help:      "Total health probe attempts by result",
		},
		[]string{"backend", "result"},
	)

	// ProbeDurationSeconds observes probe latency.
	ProbeDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "upstreamd",
			Subsystem: "probe",
			Name:      "duration_seconds",
			Help:      "Duration of health probe attempts",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	// HealthStatus tracks each backend's health flag.
	HealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "upstreamd",
			Subsystem: "probe",
			Name:      "health_status",
			Help:      "Backend health status (1=healthy, 0=unhealthy)",
		},
		[]string{"backend"},
	)

	// ConsecutiveFailures tracks the failed-probe streak per backend.
	ConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "upstreamd",
			Subsystem: "probe",
			Name:      "consecutive_failures",
			Help:      "Consecutive failed probes per backend",
		},
		[]string{"backend"},
	)
)

// RecordProbe records one probe attempt.
func RecordProbe(backend, result string, elapsed time.Duration) {
	ProbesTotal.WithLabelValues(backend, result).Inc()
	ProbeDurationSeconds.WithLabelValues(backend).Observe(elapsed.Seconds())
}

// RecordHealth records a health flip.
func RecordHealth(backend string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	HealthStatus.WithLabelValues(backend).Set(v)
}

// RecordConsecutiveFailures records the current failed-probe streak.
func RecordConsecutiveFailures(backend string, n int) {
	ConsecutiveFailures.WithLabelValues(backend).Set(float64(n))
}
