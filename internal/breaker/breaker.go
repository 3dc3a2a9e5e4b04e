package breaker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/upstreamd/upstreamd/internal/observability"
)

// State represents the state of a circuit breaker.
type State int32

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and the backend is excluded
	// from routing.
	StateOpen

	// StateHalfOpen indicates the circuit is admitting trial requests.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is a per-backend circuit breaker. The zero value is not usable;
// use New.
//
// Transitions are atomic with respect to concurrent outcome reports: the
// state, its counters, and the transition timestamp are guarded by one
// mutex, so overlapping in-flight completions observe a consistent machine.
type Breaker struct {
	name   string
	config *Config
	clock  clockwork.Clock
	logger observability.Logger

	mu sync.Mutex

	state State

	// Counters, meaningful within the current state only.
	consecutiveFails     int
	consecutiveSuccesses int
	halfOpenInFlight     int

	// openTimeout is the current cool-down. It equals config.OpenTimeout
	// unless BackoffFactor grew it after failed trials.
	openTimeout    time.Duration
	lastTransition time.Time
}

// Option is a functional option for configuring a breaker.
type Option func(*Breaker)

// WithLogger sets the logger for the breaker.
func WithLogger(logger observability.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// WithClock sets the clock used for open-timeout bookkeeping. Intended for
// tests; defaults to the real clock.
func WithClock(clock clockwork.Clock) Option {
	return func(b *Breaker) {
		b.clock = clock
	}
}

// New creates a circuit breaker in the closed state.
func New(name string, config *Config, opts ...Option) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	config.Validate()

	b := &Breaker{
		name:        name,
		config:      config,
		clock:       clockwork.NewRealClock(),
		logger:      observability.NopLogger(),
		state:       StateClosed,
		openTimeout: config.OpenTimeout,
	}

	for _, opt := range opts {
		opt(b)
	}

	b.lastTransition = b.clock.Now()
	return b
}

// CanAttempt reports whether the backend behind this breaker is currently
// routable. It does not consume a half-open trial slot; use Acquire for
// that. An open breaker whose cool-down has elapsed transitions to
// half-open as a side effect, so eligibility recovers without waiting for
// an outcome report.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock.Since(b.lastTransition) >= b.openTimeout {
			b.transitionTo(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return b.halfOpenInFlight < b.config.HalfOpenMaxRequests
	default:
		return false
	}
}

// Acquire admits one request through the breaker. In the closed state it
// always succeeds. In the half-open state it consumes one trial slot and
// fails once the slots are exhausted. In the open state it fails unless the
// cool-down has elapsed, in which case the breaker moves to half-open and
// the request becomes the first trial.
func (b *Breaker) Acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	allowed := false
	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.clock.Since(b.lastTransition) >= b.openTimeout {
			b.transitionTo(StateHalfOpen)
			b.halfOpenInFlight = 1
			allowed = true
		}
	case StateHalfOpen:
		if b.halfOpenInFlight < b.config.HalfOpenMaxRequests {
			b.halfOpenInFlight++
			allowed = true
		}
	}

	RecordAdmission(b.name, allowed)
	return allowed
}

// RecordSuccess records a successful request outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	RecordSuccess(b.name)

	switch b.state {
	case StateClosed:
		b.consecutiveFails = 0

	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			// Trials passed; restore the base cool-down for the next cycle.
			b.openTimeout = b.config.OpenTimeout
			b.transitionTo(StateClosed)
		}

	case StateOpen:
		// A straggler from before the circuit opened. Outcome reports may
		// arrive out of order; they do not reopen the admission window.
	}
}

// RecordFailure records a failed request outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	RecordFailure(b.name)

	switch b.state {
	case StateClosed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.config.FailureThreshold {
			b.transitionTo(StateOpen)
		}

	case StateHalfOpen:
		// Any trial failure reopens the circuit.
		b.growTimeout()
		b.transitionTo(StateOpen)

	case StateOpen:
		// Straggler; already open.
	}
}

// ForceOpen opens the circuit regardless of the current failure count.
// Used by the health prober when a backend crosses its unhealthy threshold.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		b.transitionTo(StateOpen)
	}
}

// Reset returns the breaker to the closed state and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.openTimeout = b.config.OpenTimeout
	if b.state != StateClosed {
		b.transitionTo(StateClosed)
		return
	}
	b.resetCounters()
}

// growTimeout applies the configured backoff to the open timeout.
// Caller must hold b.mu.
func (b *Breaker) growTimeout() {
	if b.config.BackoffFactor <= 1 {
		return
	}
	grown := time.Duration(float64(b.openTimeout) * b.config.BackoffFactor)
	if b.config.MaxOpenTimeout > 0 && grown > b.config.MaxOpenTimeout {
		grown = b.config.MaxOpenTimeout
	}
	b.openTimeout = grown
}

// transitionTo moves the breaker to a new state. Caller must hold b.mu.
func (b *Breaker) transitionTo(newState State) {
	oldState := b.state
	b.state = newState
	b.lastTransition = b.clock.Now()
	b.resetCounters()

	RecordStateChange(b.name, oldState, newState)

	b.logger.Info("circuit breaker state changed",
		observability.String("backend", b.name),
		observability.String("from", oldState.String()),
		observability.String("to", newState.String()),
	)

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.name, oldState, newState)
	}
}

// resetCounters clears the per-state counters. Caller must hold b.mu.
func (b *Breaker) resetCounters() {
	b.consecutiveFails = 0
	b.consecutiveSuccesses = 0
	b.halfOpenInFlight = 0
}

// State returns the current state without triggering transitions.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the name of the circuit breaker.
func (b *Breaker) Name() string {
	return b.name
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		State:                b.state,
		ConsecutiveFails:     b.consecutiveFails,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		HalfOpenInFlight:     b.halfOpenInFlight,
		OpenTimeout:          b.openTimeout,
		LastTransition:       b.lastTransition,
	}
}

// Stats holds circuit breaker statistics.
type Stats struct {
	State                State
	ConsecutiveFails     int
	ConsecutiveSuccesses int
	HalfOpenInFlight     int
	OpenTimeout          time.Duration
	LastTransition       time.Time
}
