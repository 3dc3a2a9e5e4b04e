package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BreakerState shows the current state of circuit breakers.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "upstreamd",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"backend"},
	)

	// BreakerAdmissionsTotal counts admission decisions by result.
	BreakerAdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upstreamd",
			Subsystem: "breaker",
			Name:      "admissions_total",
			Help:      "Total admission decisions made by circuit breakers",
		},
		[]string{"backend", "result"},
	)

	// BreakerFailuresTotal counts failure outcomes recorded per backend.
	BreakerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upstreamd",
			Subsystem: "breaker",
			Name:      "failures_total",
			Help:      "Total failure outcomes recorded by circuit breakers",
		},
		[]string{"backend"},
	)

	// BreakerSuccessesTotal counts success outcomes recorded per backend.
	BreakerSuccessesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upstreamd",
			Subsystem: "breaker",
			Name:      "successes_total",
			Help:      "Total success outcomes recorded by circuit breakers",
		},
		[]string{"backend"},
	)

	// BreakerTransitionsTotal counts state transitions.
	BreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upstreamd",
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Total circuit breaker state transitions",
		},
		[]string{"backend", "from", "to"},
	)
)

// RecordState records the current state of a circuit breaker.
func RecordState(name string, state State) {
	BreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordAdmission records an admission decision.
func RecordAdmission(name string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	BreakerAdmissionsTotal.WithLabelValues(name, result).Inc()
}

// RecordFailure records a failure outcome.
func RecordFailure(name string) {
	BreakerFailuresTotal.WithLabelValues(name).Inc()
}

// RecordSuccess records a success outcome.
func RecordSuccess(name string) {
	BreakerSuccessesTotal.WithLabelValues(name).Inc()
}

// RecordStateChange records a state transition.
func RecordStateChange(name string, from, to State) {
	BreakerTransitionsTotal.WithLabelValues(name, from.String(), to.String()).Inc()
	RecordState(name, to)
}
