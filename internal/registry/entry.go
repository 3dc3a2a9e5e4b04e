// Package registry provides the concurrent backend registry for the
// routing engine. It is the authoritative store of backend descriptors and
// their live state: health, circuit breaker, and connection counts.
package registry

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/upstreamd/upstreamd/internal/breaker"
)

// Health represents the health status of a backend.
type Health int32

const (
	// HealthUnknown indicates the backend has not been probed yet. Unknown
	// backends are routable so that a fresh backend set can serve traffic
	// before the first probe cycle completes.
	HealthUnknown Health = iota
	// HealthHealthy indicates the backend passed its probe threshold.
	HealthHealthy
	// HealthUnhealthy indicates the backend failed its probe threshold.
	HealthUnhealthy
)

// String returns the string representation of the health status.
func (h Health) String() string {
	switch h {
	case HealthUnknown:
		return "unknown"
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Target is the opaque transport descriptor for a backend. The registry
// stores it and hands it to collaborators (probers, proxies) untouched.
type Target struct {
	Address string
	Port    int
	Scheme  string
	Path    string
}

// Addr returns the host:port form of the target.
func (t Target) Addr() string {
	return fmt.Sprintf("%s:%d", t.Address, t.Port)
}

// URL returns the target URL using its scheme, defaulting to http.
func (t Target) URL() string {
	scheme := t.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, t.Address, t.Port)
}

// BackendSpec describes a backend to register.
type BackendSpec struct {
	ID             string
	Target         Target
	Weight         int
	Disabled       bool
	MaxConnections int64
}

// Patch describes a partial update to a registered backend. Nil fields are
// left unchanged.
type Patch struct {
	Weight         *int
	Enabled        *bool
	MaxConnections *int64
}

// Backend is one registered backend and its live state. All mutable fields
// are per-entry atomics, so health flips, breaker transitions, and
// connection counting on one backend never contend with reads touching
// another.
type Backend struct {
	id     string
	target Target

	weight   atomic.Int32
	enabled  atomic.Bool
	maxConns atomic.Int64

	health      atomic.Int32
	probeOKs    atomic.Int32
	probeFails  atomic.Int32
	connections atomic.Int64
	lastUsed    atomic.Int64

	circuit *breaker.Breaker
}

// newBackend creates a backend entry from a spec.
func newBackend(spec BackendSpec, cb *breaker.Breaker) *Backend {
	b := &Backend{
		id:      spec.ID,
		target:  spec.Target,
		circuit: cb,
	}
	weight := spec.Weight
	if weight < 1 {
		weight = 1
	}
	b.weight.Store(int32(weight))
	b.enabled.Store(!spec.Disabled)
	b.maxConns.Store(spec.MaxConnections)
	b.health.Store(int32(HealthUnknown))
	return b
}

// ID returns the backend's unique identifier.
func (b *Backend) ID() string {
	return b.id
}

// Target returns the backend's transport descriptor.
func (b *Backend) Target() Target {
	return b.target
}

// Weight returns the backend's selection weight.
func (b *Backend) Weight() int {
	return int(b.weight.Load())
}

// Enabled reports whether the backend is administratively enabled.
func (b *Backend) Enabled() bool {
	return b.enabled.Load()
}

// Health returns the backend's health status.
func (b *Backend) Health() Health {
	return Health(b.health.Load())
}

// SetHealth sets the backend's health status directly, bypassing the probe
// thresholds. Used by operators and tests.
func (b *Backend) SetHealth(h Health) {
	b.health.Store(int32(h))
	b.probeOKs.Store(0)
	b.probeFails.Store(0)
}

// Connections returns the current active connection count.
func (b *Backend) Connections() int64 {
	return b.connections.Load()
}

// LastUsed returns the time the backend was last selected.
func (b *Backend) LastUsed() time.Time {
	return time.Unix(0, b.lastUsed.Load())
}

// Breaker returns the backend's circuit breaker.
func (b *Backend) Breaker() *breaker.Breaker {
	return b.circuit
}

// Routable reports whether the backend may receive traffic right now:
// enabled, not unhealthy, within its connection cap, and with a breaker
// that admits at least one request. It does not consume a half-open trial
// slot.
func (b *Backend) Routable() bool {
	if !b.enabled.Load() {
		return false
	}
	if Health(b.health.Load()) == HealthUnhealthy {
		return false
	}
	if max := b.maxConns.Load(); max > 0 && b.connections.Load() >= max {
		return false
	}
	return b.circuit.CanAttempt()
}

// Acquire reserves the backend for one request: it checks the connection
// cap, consumes a breaker admission (a trial slot when half-open), and
// increments the active connection count. It returns false when the
// backend cannot take the request, in which case nothing was reserved.
func (b *Backend) Acquire() bool {
	if max := b.maxConns.Load(); max > 0 && b.connections.Load() >= max {
		return false
	}
	if !b.circuit.Acquire() {
		return false
	}
	b.connections.Add(1)
	b.lastUsed.Store(time.Now().UnixNano())
	return true
}

// Release drops the reservation taken by Acquire. Called once per
// dispatched request when its outcome is reported.
func (b *Backend) Release() {
	b.connections.Add(-1)
}

// ProbeSuccess records a successful health probe and returns true when the
// success threshold was crossed and the backend flipped to healthy.
// The prober loop is the only caller for a given backend.
func (b *Backend) ProbeSuccess(healthyThreshold int) bool {
	oks := b.probeOKs.Add(1)
	b.probeFails.Store(0)

	if int(oks) >= healthyThreshold && Health(b.health.Load()) != HealthHealthy {
		b.health.Store(int32(HealthHealthy))
		return true
	}
	return false
}

// ProbeFailure records a failed health probe and returns true when the
// failure threshold was crossed and the backend flipped to unhealthy.
func (b *Backend) ProbeFailure(unhealthyThreshold int) bool {
	fails := b.probeFails.Add(1)
	b.probeOKs.Store(0)

	if int(fails) >= unhealthyThreshold && Health(b.health.Load()) != HealthUnhealthy {
		b.health.Store(int32(HealthUnhealthy))
		return true
	}
	return false
}

// ConsecutiveProbeFailures returns the current failed-probe streak.
func (b *Backend) ConsecutiveProbeFailures() int {
	return int(b.probeFails.Load())
}
