package resilient

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	// BreakerClosed means normal operation; live listeners are attempted.
	BreakerClosed BreakerState = iota
	// BreakerOpen means the live path is failing; subscriptions go straight
	// to polling.
	BreakerOpen
	// BreakerHalfOpen permits one trial of the live path after cool-down.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// circuitBreaker gates the live-listener path for the whole manager. One
// instance per Manager; all counters are fleet-wide signal, not per-listener.
type circuitBreaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time

	threshold int
	coolDown  time.Duration
	now       func() time.Time
}

func newCircuitBreaker(threshold int, coolDown time.Duration) *circuitBreaker {
	return &circuitBreaker{
		state:     BreakerClosed,
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
	}
}

// Allow reports whether a live-listener attempt may proceed. While open it
// lazily transitions to half-open once the cool-down has elapsed, permitting
// a single trial.
func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.resolveLocked() {
	case BreakerOpen:
		return false
	default:
		return true
	}
}

// RecordFailure counts a live-path failure. Crossing the threshold, or any
// failure while half-open, opens the breaker.
func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()
	if cb.state == BreakerHalfOpen || cb.failures >= cb.threshold {
		cb.state = BreakerOpen
	}
}

// RecordSuccess closes the breaker and clears the failure count.
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.state = BreakerClosed
}

// Trip opens the breaker immediately, regardless of threshold. Used for
// aborted/network-class failures where one occurrence is enough signal.
func (cb *circuitBreaker) Trip() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.failures < cb.threshold {
		cb.failures = cb.threshold
	}
	cb.lastFailure = cb.now()
	cb.state = BreakerOpen
}

// State returns the current state, applying the lazy open→half-open
// transition on access.
func (cb *circuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.resolveLocked()
}

// Reset forces the breaker back to closed.
func (cb *circuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.state = BreakerClosed
}

func (cb *circuitBreaker) resolveLocked() BreakerState {
	if cb.state == BreakerOpen && cb.now().Sub(cb.lastFailure) >= cb.coolDown {
		cb.state = BreakerHalfOpen
	}
	return cb.state
}
