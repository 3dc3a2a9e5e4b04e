package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RegisteredBackends tracks the number of registered backends.
	RegisteredBackends = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "upstreamd",
			Subsystem: "registry",
			Name:      "backends",
			Help:      "Number of registered backends",
		},
	)

	// EligibleBackends tracks the size of the last eligible snapshot.
	EligibleBackends = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "upstreamd",
			Subsystem: "registry",
			Name:      "eligible_backends",
			Help:      "Number of backends in the last eligibility snapshot",
		},
	)

	// RingVirtualNodes tracks the number of virtual nodes on the hash ring.
	RingVirtualNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "upstreamd",
			Subsystem: "registry",
			Name:      "ring_virtual_nodes",
			Help:      "Number of virtual nodes on the current hash ring",
		},
	)
)

// RecordMembership records registry and ring sizes after a rebuild.
func RecordMembership(backends, virtualNodes int) {
	RegisteredBackends.Set(float64(backends))
	RingVirtualNodes.Set(float64(virtualNodes))
}

// RecordEligible records the size of an eligibility snapshot.
func RecordEligible(n int) {
	EligibleBackends.Set(float64(n))
}
