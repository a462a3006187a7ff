package pulsez

import (
	"sync"
	"time"
)

// CircuitState is the state of a sink circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets every publication through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects publications until the recovery timeout elapses.
	CircuitOpen
	// CircuitHalfOpen lets a limited number of probe publications through.
	CircuitHalfOpen
)

// String returns a human-readable representation of the state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a sink circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the failure rate (0..1) at which the circuit opens.
	FailureThreshold float64 `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	// MinRequests is the number of calls observed before the rate is judged.
	MinRequests int `mapstructure:"min_requests" yaml:"min_requests"`
	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout" yaml:"recovery_timeout"`
	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests int `mapstructure:"half_open_requests" yaml:"half_open_requests"`
}

// DefaultBreakerConfig opens at a 50% failure rate over at least 10 calls and
// probes again after 30 seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 0.5,
		MinRequests:      10,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenRequests: 3,
	}
}

// Breaker guards calls to one tenant's sink. A sink that keeps failing is
// short-circuited so workers stop paying the publish timeout on every cycle.
// A zero-value Breaker is not usable; create one with NewBreaker.
//
//nolint:govet // fieldalignment: struct layout optimized for readability
type Breaker struct {
	config BreakerConfig
	clock  Clock

	mu        sync.Mutex
	state     CircuitState
	changedAt time.Time
	requests  int
	failures  int
	probes    int

	onStateChange func(from, to CircuitState)
}

// NewBreaker creates a closed breaker that measures recovery on clock.
func NewBreaker(config BreakerConfig, clock Clock) *Breaker {
	if config.FailureThreshold <= 0 || config.FailureThreshold > 1 {
		config.FailureThreshold = 0.5
	}
	if config.MinRequests < 1 {
		config.MinRequests = 1
	}
	if config.RecoveryTimeout < 0 {
		config.RecoveryTimeout = 0
	}
	if config.HalfOpenRequests < 1 {
		config.HalfOpenRequests = 1
	}
	return &Breaker{
		config:    config,
		clock:     clock,
		state:     CircuitClosed,
		changedAt: clock.Now(),
	}
}

// OnStateChange sets a callback invoked on every transition. It runs with the
// breaker's lock released.
func (b *Breaker) OnStateChange(fn func(from, to CircuitState)) *Breaker {
	b.onStateChange = fn
	return b
}

// Allow reports whether a call may proceed. Every allowed call must be
// followed by exactly one Record.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var from, to CircuitState
	changed := false
	allowed := false

	switch b.state {
	case CircuitClosed:
		allowed = true
	case CircuitOpen:
		if b.clock.Now().Sub(b.changedAt) >= b.config.RecoveryTimeout {
			from, to, changed = b.transition(CircuitHalfOpen)
			b.probes = 1
			allowed = true
		}
	case CircuitHalfOpen:
		if b.probes < b.config.HalfOpenRequests {
			b.probes++
			allowed = true
		}
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
	return allowed
}

// Record reports the outcome of an allowed call.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	var from, to CircuitState
	changed := false

	switch b.state {
	case CircuitClosed:
		b.requests++
		if err != nil {
			b.failures++
		}
		if b.requests >= b.config.MinRequests &&
			float64(b.failures)/float64(b.requests) >= b.config.FailureThreshold {
			from, to, changed = b.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		if err != nil {
			from, to, changed = b.transition(CircuitOpen)
		} else if b.probes >= b.config.HalfOpenRequests {
			from, to, changed = b.transition(CircuitClosed)
		}
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with mu held.
func (b *Breaker) transition(to CircuitState) (CircuitState, CircuitState, bool) {
	from := b.state
	if from == to {
		return from, to, false
	}
	b.state = to
	b.changedAt = b.clock.Now()
	b.requests = 0
	b.failures = 0
	b.probes = 0
	return from, to, true
}

func (b *Breaker) notify(from, to CircuitState) {
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}
