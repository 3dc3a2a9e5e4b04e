// Package selector implements the request routing algorithms over the
// registry's eligible backend set: round-robin, least-connections
// (power-of-two-choices), consistent hashing, random, and weighted-random,
// plus an optional sticky-session layer.
package selector

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/upstreamd/upstreamd/internal/observability"
	"github.com/upstreamd/upstreamd/internal/registry"
	"github.com/upstreamd/upstreamd/internal/ring"
)

// ErrNoBackendAvailable is returned when the eligible set is empty: every
// backend is disabled, unhealthy, breaker-open, or at capacity. Callers
// typically surface it upstream as service-unavailable.
var ErrNoBackendAvailable = errors.New("no backend available")

// ErrMissingRoutingKey is returned when the consistent-hash or sticky
// algorithms are invoked without a routing key.
var ErrMissingRoutingKey = errors.New("routing key required")

// Algorithm identifies a selection algorithm.
type Algorithm int

const (
	// RoundRobin cycles through the eligible set with a monotonic counter.
	RoundRobin Algorithm = iota
	// LeastConnections samples two distinct eligible backends and picks the
	// one with fewer active connections.
	LeastConnections
	// ConsistentHash maps a routing key onto the virtual-node hash ring.
	ConsistentHash
	// Random picks uniformly using a cryptographically secure source.
	Random
	// WeightedRandom picks with probability proportional to weight,
	// renormalized over the eligible subset.
	WeightedRandom
)

// String returns the string representation of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case RoundRobin:
		return "roundRobin"
	case LeastConnections:
		return "leastConnections"
	case ConsistentHash:
		return "consistentHash"
	case Random:
		return "random"
	case WeightedRandom:
		return "weightedRandom"
	default:
		return "unknown"
	}
}

// Parse converts an algorithm name from configuration to an Algorithm.
func Parse(name string) (Algorithm, error) {
	switch name {
	case "roundRobin", "":
		return RoundRobin, nil
	case "leastConnections":
		return LeastConnections, nil
	case "consistentHash":
		return ConsistentHash, nil
	case "random":
		return Random, nil
	case "weightedRandom":
		return WeightedRandom, nil
	default:
		return RoundRobin, fmt.Errorf("unknown load balancing algorithm: %q", name)
	}
}

// Selector picks backends from a registry. It is safe for concurrent use;
// algorithm-local state is limited to the round-robin counter.
type Selector struct {
	reg     *registry.Registry
	counter atomic.Uint64
	sticky  *StickyMap
	logger  observability.Logger
}

// Option is a functional option for configuring a selector.
type Option func(*Selector)

// WithLogger sets the logger for the selector.
func WithLogger(logger observability.Logger) Option {
	return func(s *Selector) {
		s.logger = logger
	}
}

// WithStickySessions enables the sticky-session layer.
func WithStickySessions(m *StickyMap) Option {
	return func(s *Selector) {
		s.sticky = m
	}
}

// New creates a selector over the given registry.
func New(reg *registry.Registry, opts ...Option) *Selector {
	s := &Selector{
		reg:    reg,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pick selects one eligible backend using the given algorithm and reserves
// it (connection count and, when half-open, a breaker trial slot). The
// routing key is required for ConsistentHash and ignored by the other
// algorithms. The caller must report the request outcome so the
// reservation is released.
func (s *Selector) Pick(alg Algorithm, key []byte) (*registry.Backend, error) {
	if alg == ConsistentHash && len(key) == 0 {
		RecordSelectionError(alg, "missing_key")
		return nil, ErrMissingRoutingKey
	}

	pool := s.reg.SnapshotEligible()

	// The winner still has to be acquired: a concurrent request may have
	// consumed the last half-open trial slot or connection-cap headroom
	// between the snapshot and now. On acquire failure the candidate is
	// dropped from the pool and selection runs again over the remainder.
	for len(pool) > 0 {
		idx := s.pickIndex(alg, pool, key)
		candidate := pool[idx]
		if candidate.Acquire() {
			RecordSelection(alg, candidate.ID())
			return candidate, nil
		}
		pool = append(pool[:idx], pool[idx+1:]...)
	}

	RecordSelectionError(alg, "no_backend")
	return nil, ErrNoBackendAvailable
}

// PickSticky selects a backend for a session, preferring the backend the
// session was previously routed to for as long as it stays eligible.
// A fresh selection with the fallback algorithm is made otherwise and the
// mapping updated. The session identifier doubles as the routing key when
// the fallback algorithm is ConsistentHash.
func (s *Selector) PickSticky(alg Algorithm, session []byte) (*registry.Backend, error) {
	if len(session) == 0 {
		RecordSelectionError(alg, "missing_key")
		return nil, ErrMissingRoutingKey
	}
	if s.sticky == nil {
		return s.Pick(alg, session)
	}

	if id, ok := s.sticky.Lookup(session); ok {
		if b, exists := s.reg.Get(id); exists && b.Routable() && b.Acquire() {
			RecordStickyHit()
			RecordSelection(alg, b.ID())
			return b, nil
		}
	}

	b, err := s.Pick(alg, session)
	if err != nil {
		return nil, err
	}
	s.sticky.Bind(session, b.ID())
	return b, nil
}

// pickIndex runs one algorithm arm over a non-empty pool and returns the
// index of the winner.
func (s *Selector) pickIndex(alg Algorithm, pool []*registry.Backend, key []byte) int {
	switch alg {
	case LeastConnections:
		return s.pickLeastConnections(pool)
	case ConsistentHash:
		return s.pickConsistentHash(pool, key)
	case Random:
		return secureRandomInt(len(pool))
	case WeightedRandom:
		return s.pickWeightedRandom(pool)
	default:
		return s.pickRoundRobin(pool)
	}
}

// pickRoundRobin visits every pool member exactly once per cycle as long
// as the eligible set holds still. Membership changes reset fairness.
func (s *Selector) pickRoundRobin(pool []*registry.Backend) int {
	idx := s.counter.Add(1) - 1
	return int(idx % uint64(len(pool)))
}

// pickLeastConnections implements power-of-two-choices: two distinct
// members sampled uniformly, the less loaded one wins. Ties go to the
// first sample.
func (s *Selector) pickLeastConnections(pool []*registry.Backend) int {
	if len(pool) == 1 {
		return 0
	}

	first := secureRandomInt(len(pool))
	second := secureRandomInt(len(pool) - 1)
	if second >= first {
		second++
	}

	if pool[second].Connections() < pool[first].Connections() {
		return second
	}
	return first
}

// pickConsistentHash locates the routing key on the hash ring and walks
// clockwise to the first backend present in the eligible pool.
func (s *Selector) pickConsistentHash(pool []*registry.Backend, key []byte) int {
	byID := make(map[string]int, len(pool))
	for i, b := range pool {
		byID[b.ID()] = i
	}

	id, ok := s.reg.Ring().Lookup(ring.HashKey(key), func(id string) bool {
		_, eligible := byID[id]
		return eligible
	})
	if ok {
		return byID[id]
	}

	// Every ring owner was filtered out of the pool; this happens when the
	// pool holds only disabled-on-ring stragglers mid-rebuild. Fall back to
	// a deterministic position so the pick stays stable for the key.
	return int(ring.HashKey(key) % uint64(len(pool)))
}

// pickWeightedRandom draws proportionally to weight over the eligible
// subset. Weights of excluded backends are not inherited; probabilities
// renormalize over whatever remains.
func (s *Selector) pickWeightedRandom(pool []*registry.Backend) int {
	total := 0
	for _, b := range pool {
		total += b.Weight()
	}
	if total <= 0 {
		return secureRandomInt(len(pool))
	}

	r := secureRandomInt(total)
	for i, b := range pool {
		r -= b.Weight()
		if r < 0 {
			return i
		}
	}
	return len(pool) - 1
}

// secureRandomInt returns a cryptographically secure random int in [0, n).
func secureRandomInt(n int) int {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	// Safe conversion: result of modulo is always < n, which fits in int
	return int(binary.LittleEndian.Uint64(b[:]) % uint64(n)) //nolint:gosec // bounds checked
}
