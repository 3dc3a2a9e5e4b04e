// Package probe implements the active health-probing loop. Every
// registered backend gets its own worker on an independent ticker, so a
// slow or timed-out probe against one backend never delays probing of the
// others. Probe results feed threshold logic that flips the backend's
// health flag and, when configured, forces its circuit breaker open.
package probe

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/upstreamd/upstreamd/internal/observability"
	"github.com/upstreamd/upstreamd/internal/registry"
)

// ErrProbeTimeout is reported when a probe exceeds its per-call timeout.
var ErrProbeTimeout = errors.New("health probe timed out")

// Prober performs a single health-check attempt against one backend. The
// loop treats the implementation as opaque; the transport layer supplies
// it.
type Prober interface {
	Probe(ctx context.Context, backend *registry.Backend) error
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context, backend *registry.Backend) error

// Probe implements Prober.
func (f ProbeFunc) Probe(ctx context.Context, backend *registry.Backend) error {
	return f(ctx, backend)
}

// Default probing parameters.
const (
	DefaultInterval           = 10 * time.Second
	DefaultTimeout            = 5 * time.Second
	DefaultHealthyThreshold   = 2
	DefaultUnhealthyThreshold = 3
)

// Config holds prober loop configuration.
type Config struct {
	// Interval is the pause between probes of the same backend.
	Interval time.Duration

	// Timeout bounds a single probe attempt. An attempt that exceeds it is
	// counted as a failure and abandoned rather than blocking the worker.
	Timeout time.Duration

	// HealthyThreshold is the number of consecutive successful probes
	// required to flip an unhealthy backend back to healthy.
	HealthyThreshold int

	// UnhealthyThreshold is the number of consecutive failed probes
	// required to flip a healthy backend to unhealthy.
	UnhealthyThreshold int

	// ForceBreakerOpen opens the backend's circuit breaker when it crosses
	// the unhealthy threshold and resets the breaker when it recovers.
	ForceBreakerOpen bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Interval:           DefaultInterval,
		Timeout:            DefaultTimeout,
		HealthyThreshold:   DefaultHealthyThreshold,
		UnhealthyThreshold: DefaultUnhealthyThreshold,
		ForceBreakerOpen:   true,
	}
}

// Validate normalizes invalid values to their defaults.
func (c *Config) Validate() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.HealthyThreshold < 1 {
		c.HealthyThreshold = DefaultHealthyThreshold
	}
	if c.UnhealthyThreshold < 1 {
		c.UnhealthyThreshold = DefaultUnhealthyThreshold
	}
}

// Loop schedules health probes for every backend in a registry. It tracks
// registry membership through the registry's change notifications.
type Loop struct {
	reg    *registry.Registry
	prober Prober
	config Config
	clock  clockwork.Clock
	logger observability.Logger

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	workers map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// Option is a functional option for configuring the loop.
type Option func(*Loop)

// WithLogger sets the logger for the loop.
func WithLogger(logger observability.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// WithClock sets the clock driving the probe tickers. Intended for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(l *Loop) {
		l.clock = clock
	}
}

// NewLoop creates a prober loop for the registry.
func NewLoop(reg *registry.Registry, prober Prober, config Config, opts ...Option) *Loop {
	config.Validate()

	l := &Loop{
		reg:     reg,
		prober:  prober,
		config:  config,
		clock:   clockwork.NewRealClock(),
		logger:  observability.NopLogger(),
		workers: make(map[string]context.CancelFunc),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Start launches one probe worker per registered backend and begins
// tracking membership changes. It is a no-op when already running.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	l.reg.Subscribe(l.Sync)
	l.Sync()

	l.logger.Info("health prober started",
		observability.Duration("interval", l.config.Interval),
		observability.Duration("timeout", l.config.Timeout),
	)
}

// Stop cancels all probe workers and waits for them to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.cancel()
	l.workers = make(map[string]context.CancelFunc)
	l.mu.Unlock()

	l.wg.Wait()
	l.logger.Info("health prober stopped")
}

// Sync reconciles the worker set with the registry membership: workers are
// started for new backends and cancelled for removed ones.
func (l *Loop) Sync() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return
	}

	current := make(map[string]*registry.Backend)
	for _, b := range l.reg.All() {
		current[b.ID()] = b
	}

	for id, cancel := range l.workers {
		if _, exists := current[id]; !exists {
			cancel()
			delete(l.workers, id)
		}
	}

	for id, b := range current {
		if _, exists := l.workers[id]; exists {
			continue
		}
		ctx, cancel := context.WithCancel(l.ctx)
		l.workers[id] = cancel
		l.wg.Add(1)
		go l.runWorker(ctx, b)
	}
}

// runWorker probes one backend until its context is cancelled.
func (l *Loop) runWorker(ctx context.Context, b *registry.Backend) {
	defer l.wg.Done()

	l.probeOnce(ctx, b)

	ticker := l.clock.NewTicker(l.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			l.probeOnce(ctx, b)
		}
	}
}

// probeOnce runs a single probe attempt under the configured timeout and
// feeds the result into the threshold logic.
func (l *Loop) probeOnce(ctx context.Context, b *registry.Backend) {
	if ctx.Err() != nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, l.config.Timeout)
	defer cancel()

	start := l.clock.Now()
	done := make(chan error, 1)
	go func() {
		done <- l.prober.Probe(probeCtx, b)
	}()

	var err error
	select {
	case err = <-done:
	case <-probeCtx.Done():
		// Orphan the attempt; the worker moves on and the goroutine exits
		// whenever the prober notices the cancelled context.
		err = ErrProbeTimeout
	}
	elapsed := l.clock.Since(start)

	if err != nil {
		l.recordFailure(b, err, elapsed)
		return
	}
	l.recordSuccess(b, elapsed)
}

func (l *Loop) recordSuccess(b *registry.Backend, elapsed time.Duration) {
	RecordProbe(b.ID(), "success", elapsed)

	if b.ProbeSuccess(l.config.HealthyThreshold) {
		RecordHealth(b.ID(), true)
		l.logger.Info("backend became healthy",
			observability.String("id", b.ID()),
			observability.String("addr", b.Target().Addr()),
		)
		if l.config.ForceBreakerOpen {
			b.Breaker().Reset()
		}
	}
	RecordConsecutiveFailures(b.ID(), 0)
}

func (l *Loop) recordFailure(b *registry.Backend, err error, elapsed time.Duration) {
	result := "failure"
	if errors.Is(err, ErrProbeTimeout) {
		result = "timeout"
	}
	RecordProbe(b.ID(), result, elapsed)

	if b.ProbeFailure(l.config.UnhealthyThreshold) {
		RecordHealth(b.ID(), false)
		l.logger.Warn("backend became unhealthy",
			observability.String("id", b.ID()),
			observability.String("addr", b.Target().Addr()),
			observability.Error(err),
		)
		if l.config.ForceBreakerOpen {
			b.Breaker().ForceOpen()
		}
	}
	RecordConsecutiveFailures(b.ID(), b.ConsecutiveProbeFailures())
}

// IsRunning reports whether the loop has been started.
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}
