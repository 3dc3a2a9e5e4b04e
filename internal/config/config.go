// Package config provides the YAML configuration model for upstreamd.
package config

import (
	"fmt"
	"time"
)

// Health check interval bounds. Intervals outside this range are rejected
// by validation.
const (
	MinHealthCheckInterval = 5 * time.Second
	MaxHealthCheckInterval = 300 * time.Second
)

// Config is the root configuration.
type Config struct {
	Listen        string               `yaml:"listen,omitempty"`
	MetricsListen string               `yaml:"metricsListen,omitempty"`
	Logging       LoggingConfig        `yaml:"logging,omitempty"`
	Routing       RoutingConfig        `yaml:"routing,omitempty"`
	Breaker       CircuitBreakerConfig `yaml:"circuitBreaker,omitempty"`
	HealthCheck   HealthCheckConfig    `yaml:"healthCheck,omitempty"`
	Backends      []Backend            `yaml:"backends"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
	Output string `yaml:"output,omitempty"`
}

// RoutingConfig configures backend selection.
type RoutingConfig struct {
	// Algorithm selects the load balancing algorithm: roundRobin,
	// leastConnections, consistentHash, random, or weightedRandom.
	Algorithm string `yaml:"algorithm,omitempty"`

	// VirtualNodesPerWeight is the hash ring multiplier per unit weight.
	VirtualNodesPerWeight int `yaml:"virtualNodesPerWeight,omitempty"`

	// Sticky configures sticky sessions.
	Sticky *StickyConfig `yaml:"sticky,omitempty"`
}

// StickyConfig configures the sticky-session layer.
type StickyConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// Header names the request header carrying the session identifier.
	Header string `yaml:"header,omitempty"`

	// MaxEntries bounds the sticky map; zero uses the built-in default.
	MaxEntries int `yaml:"maxEntries,omitempty"`
}

// CircuitBreakerConfig configures the per-backend circuit breakers.
type CircuitBreakerConfig struct {
	FailureThreshold    int      `yaml:"failureThreshold,omitempty"`
	OpenTimeout         Duration `yaml:"openTimeout,omitempty"`
	HalfOpenMaxRequests int      `yaml:"halfOpenMaxRequests,omitempty"`
	SuccessThreshold    int      `yaml:"successThreshold,omitempty"`

	// BackoffFactor grows the open timeout after failed half-open trials.
	// Values <= 1 keep the timeout fixed.
	BackoffFactor float64 `yaml:"backoffFactor,omitempty"`

	MaxOpenTimeout Duration `yaml:"maxOpenTimeout,omitempty"`
}

// HealthCheckConfig configures the active health prober.
type HealthCheckConfig struct {
	Enabled            *bool    `yaml:"enabled,omitempty"`
	Path               string   `yaml:"path,omitempty"`
	Interval           Duration `yaml:"interval,omitempty"`
	Timeout            Duration `yaml:"timeout,omitempty"`
	HealthyThreshold   int      `yaml:"healthyThreshold,omitempty"`
	UnhealthyThreshold int      `yaml:"unhealthyThreshold,omitempty"`

	// ForceBreakerOpen opens a backend's breaker when it crosses the
	// unhealthy threshold. Defaults to true.
	ForceBreakerOpen *bool `yaml:"forceBreakerOpen,omitempty"`
}

// IsEnabled reports whether active probing is on. Defaults to true.
func (h *HealthCheckConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// ShouldForceBreakerOpen reports the breaker coupling flag. Defaults to true.
func (h *HealthCheckConfig) ShouldForceBreakerOpen() bool {
	return h.ForceBreakerOpen == nil || *h.ForceBreakerOpen
}

// Backend describes one upstream service instance.
type Backend struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	Scheme  string `yaml:"scheme,omitempty"`
	Weight  int    `yaml:"weight,omitempty"`
	Enabled *bool  `yaml:"enabled,omitempty"`

	// MaxConnections caps concurrent requests to this backend; zero means
	// unlimited.
	MaxConnections int64 `yaml:"maxConnections,omitempty"`

	// HealthCheckPath overrides the global health-check path.
	HealthCheckPath string `yaml:"healthCheckPath,omitempty"`
}

// IsEnabled reports whether the backend is enabled. Defaults to true.
func (b *Backend) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.MetricsListen == "" {
		c.MetricsListen = ":9090"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if err := c.validateHealthCheck(); err != nil {
		return err
	}
	return c.validateBackends()
}

func (c *Config) validateHealthCheck() error {
	hc := &c.HealthCheck
	if hc.Interval == 0 {
		hc.Interval = Duration(10 * time.Second)
	}
	if d := hc.Interval.Duration(); d < MinHealthCheckInterval || d > MaxHealthCheckInterval {
		return fmt.Errorf("healthCheck.interval %s out of range [%s, %s]",
			d, MinHealthCheckInterval, MaxHealthCheckInterval)
	}
	if hc.Timeout == 0 {
		hc.Timeout = Duration(5 * time.Second)
	}
	if hc.Timeout.Duration() >= hc.Interval.Duration() {
		return fmt.Errorf("healthCheck.timeout %s must be shorter than the interval %s",
			hc.Timeout.Duration(), hc.Interval.Duration())
	}
	if hc.Path == "" {
		hc.Path = "/healthz"
	}
	return nil
}

func (c *Config) validateBackends() error {
	seen := make(map[string]struct{}, len(c.Backends))
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.Name == "" {
			return fmt.Errorf("backends[%d]: name is required", i)
		}
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("backends[%d]: duplicate name %q", i, b.Name)
		}
		seen[b.Name] = struct{}{}

		if b.Address == "" {
			return fmt.Errorf("backend %q: address is required", b.Name)
		}
		if b.Port < 1 || b.Port > 65535 {
			return fmt.Errorf("backend %q: port %d out of range", b.Name, b.Port)
		}
		if b.Weight < 0 {
			return fmt.Errorf("backend %q: weight must not be negative", b.Name)
		}
		if b.Weight == 0 {
			b.Weight = 1
		}
		if b.MaxConnections < 0 {
			return fmt.Errorf("backend %q: maxConnections must not be negative", b.Name)
		}
	}
	return nil
}
