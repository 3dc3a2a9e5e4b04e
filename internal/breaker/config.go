// Package breaker implements the per-backend circuit breaker state machine.
// A breaker removes a persistently failing backend from routing, lets a
// limited number of trial requests through after a cool-down, and restores
// the backend once the trials succeed.
package breaker

import (
	"time"
)

// Config holds configuration for a circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures in the closed
	// state before the circuit opens.
	FailureThreshold int

	// OpenTimeout is the duration the circuit stays open before half-open
	// trial requests are admitted.
	OpenTimeout time.Duration

	// HalfOpenMaxRequests is the maximum number of in-flight trial requests
	// allowed in the half-open state.
	HalfOpenMaxRequests int

	// SuccessThreshold is the number of consecutive successes in the
	// half-open state required to close the circuit.
	SuccessThreshold int

	// BackoffFactor multiplies the open timeout each time a half-open trial
	// fails. A factor <= 1 keeps the timeout fixed, which is the default.
	BackoffFactor float64

	// MaxOpenTimeout caps the open timeout when BackoffFactor is in effect.
	// Zero means no cap.
	MaxOpenTimeout time.Duration

	// OnStateChange is called when the circuit breaker state changes.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold:    5,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxRequests: 3,
		SuccessThreshold:    2,
		BackoffFactor:       1,
	}
}

// Validate normalizes invalid values to their defaults.
func (c *Config) Validate() {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout < time.Millisecond {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxRequests < 1 {
		c.HalfOpenMaxRequests = 3
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = 2
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 1
	}
	if c.MaxOpenTimeout < 0 {
		c.MaxOpenTimeout = 0
	}
}
