package selector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SelectionsTotal counts successful selections per algorithm.
	SelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upstreamd",
			Subsystem: "selector",
			Name:      "selections_total",
			Help:      "Total successful backend selections by algorithm",
		},
		[]string{"algorithm", "backend"},
	)

	// SelectionErrorsTotal counts failed selections per algorithm.
	SelectionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upstreamd",
			Subsystem: "selector",
			Name:      "selection_errors_total",
			Help:      "Total failed backend selections by algorithm and reason",
		},
		[]string{"algorithm", "reason"},
	)

	// StickyHitsTotal counts selections served from the sticky map.
	StickyHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "upstreamd",
			Subsystem: "selector",
			Name:      "sticky_hits_total",
			Help:      "Total selections resolved by an existing sticky binding",
		},
	)
)

// RecordSelection records a successful selection.
func RecordSelection(alg Algorithm, backend string) {
	SelectionsTotal.WithLabelValues(alg.String(), backend).Inc()
}

// RecordSelectionError records a failed selection.
func RecordSelectionError(alg Algorithm, reason string) {
	SelectionErrorsTotal.WithLabelValues(alg.String(), reason).Inc()
}

// RecordStickyHit records a sticky-binding hit.
func RecordStickyHit() {
	StickyHitsTotal.Inc()
}
