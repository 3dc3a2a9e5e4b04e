// Package engine ties the routing core together: the backend registry, the
// selection algorithms, the per-backend circuit breakers, and the health
// prober loop, behind the interface the surrounding server calls per
// request.
package engine

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/upstreamd/upstreamd/internal/breaker"
	"github.com/upstreamd/upstreamd/internal/observability"
	"github.com/upstreamd/upstreamd/internal/probe"
	"github.com/upstreamd/upstreamd/internal/registry"
	"github.com/upstreamd/upstreamd/internal/selector"
)

// Outcome is the result of a dispatched request, reported by the caller.
type Outcome int

const (
	// OutcomeSuccess marks a request that completed successfully.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure marks a request that failed.
	OutcomeFailure
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	if o == OutcomeSuccess {
		return "success"
	}
	return "failure"
}

// Config holds engine configuration.
type Config struct {
	// Algorithm is the default selection algorithm for SelectBackend calls
	// that do not name one.
	Algorithm selector.Algorithm

	// Sticky enables the sticky-session layer over the default algorithm.
	Sticky bool

	// StickyMaxEntries bounds the sticky-session map. Zero uses the
	// package default.
	StickyMaxEntries int

	// Breaker configures the circuit breaker applied to every backend.
	Breaker *breaker.Config

	// Probe configures the health prober loop.
	Probe probe.Config

	// VirtualNodesPerWeight is the hash ring multiplier per unit weight.
	VirtualNodesPerWeight int

	// Prober performs health checks. A nil prober disables active probing;
	// backends then stay routable on breaker state alone.
	Prober probe.Prober

	// Backends is the initial backend set.
	Backends []registry.BackendSpec
}

// Engine is the request routing and resilience core.
type Engine struct {
	config Config
	reg    *registry.Registry
	sel    *selector.Selector
	loop   *probe.Loop
	sticky *selector.StickyMap
	logger observability.Logger
	clock  clockwork.Clock
}

// Option is a functional option for configuring the engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine and all its components.
func WithLogger(logger observability.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock sets the clock injected into breakers and the prober loop.
// Intended for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// New creates an engine and registers the configured backend set.
func New(config Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		config: config,
		logger: observability.NopLogger(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if config.Breaker == nil {
		config.Breaker = breaker.DefaultConfig()
	}

	e.reg = registry.New(
		registry.WithLogger(e.logger),
		registry.WithClock(e.clock),
		registry.WithBreakerConfig(config.Breaker),
		registry.WithVirtualNodesPerWeight(config.VirtualNodesPerWeight),
	)

	selOpts := []selector.Option{selector.WithLogger(e.logger)}
	if config.Sticky {
		e.sticky = selector.NewStickyMap(config.StickyMaxEntries)
		selOpts = append(selOpts, selector.WithStickySessions(e.sticky))
	}
	e.sel = selector.New(e.reg, selOpts...)

	if config.Prober != nil {
		e.loop = probe.NewLoop(e.reg, config.Prober, config.Probe,
			probe.WithLogger(e.logger),
			probe.WithClock(e.clock),
		)
	}

	for _, spec := range config.Backends {
		if err := e.reg.Add(spec); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// Start launches the health prober loop, when one is configured.
func (e *Engine) Start(ctx context.Context) {
	if e.loop != nil {
		e.loop.Start(ctx)
	}
}

// Stop shuts down the prober loop.
func (e *Engine) Stop() {
	if e.loop != nil {
		e.loop.Stop()
	}
}

// SelectBackend picks an eligible backend using the given algorithm and
// returns its id. The routing key is required for consistent hashing. The
// caller must follow up with ReportOutcome for the returned id.
func (e *Engine) SelectBackend(alg selector.Algorithm, key []byte) (string, error) {
	b, err := e.sel.Pick(alg, key)
	if err != nil {
		return "", err
	}
	return b.ID(), nil
}

// Select picks a backend with the engine's default algorithm, applying the
// sticky-session layer when enabled and a session key is present.
func (e *Engine) Select(key []byte) (string, error) {
	if e.sticky != nil && len(key) > 0 {
		b, err := e.sel.PickSticky(e.config.Algorithm, key)
		if err != nil {
			return "", err
		}
		return b.ID(), nil
	}
	return e.SelectBackend(e.config.Algorithm, key)
}

// ReportOutcome records the completion of a request dispatched to the
// backend: the connection reservation is released and the outcome feeds
// the circuit breaker. Reports for backends removed in the meantime are
// dropped.
func (e *Engine) ReportOutcome(id string, outcome Outcome, latency time.Duration) {
	b, ok := e.reg.Get(id)
	if !ok {
		e.logger.Debug("outcome for unknown backend dropped",
			observability.String("id", id),
		)
		return
	}

	b.Release()
	if outcome == OutcomeSuccess {
		b.Breaker().RecordSuccess()
	} else {
		b.Breaker().RecordFailure()
	}

	RecordOutcome(id, outcome, latency)
}

// CurrentHealth returns the backend's health state for dashboards.
func (e *Engine) CurrentHealth(id string) (registry.Health, error) {
	b, ok := e.reg.Get(id)
	if !ok {
		return registry.HealthUnknown, registry.ErrUnknownID
	}
	return b.Health(), nil
}

// CurrentBreakerState returns the backend's breaker state for dashboards.
func (e *Engine) CurrentBreakerState(id string) (breaker.State, error) {
	b, ok := e.reg.Get(id)
	if !ok {
		return breaker.StateClosed, registry.ErrUnknownID
	}
	return b.Breaker().State(), nil
}

// AddBackend registers a backend, called by the configuration subsystem.
func (e *Engine) AddBackend(spec registry.BackendSpec) error {
	return e.reg.Add(spec)
}

// RemoveBackend unregisters a backend and drops its sticky bindings.
func (e *Engine) RemoveBackend(id string) error {
	if err := e.reg.Remove(id); err != nil {
		return err
	}
	if e.sticky != nil {
		e.sticky.DropBackend(id)
	}
	return nil
}

// UpdateBackend applies a partial mutation to a backend.
func (e *Engine) UpdateBackend(id string, patch registry.Patch) error {
	return e.reg.Update(id, patch)
}

// Backend returns the registry entry for a backend id. Collaborators use
// it to resolve the opaque transport target after a selection.
func (e *Engine) Backend(id string) (*registry.Backend, bool) {
	return e.reg.Get(id)
}

// Registry exposes the underlying registry to in-process collaborators.
func (e *Engine) Registry() *registry.Registry {
	return e.reg
}
