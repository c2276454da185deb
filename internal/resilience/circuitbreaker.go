// Package resilience provides the failure-isolation layer: per-dependency
// circuit breakers collected in a [Registry], a [DegradedController] that
// watches critical circuits and flips the system into a reduced pipeline when
// several of them are open at once, and a generic [Chain] for composing
// ordered backend failover.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// open (or when the half-open probe budget is already in flight).
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state - all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped after consecutive failures.
	// Calls are rejected immediately with [ErrCircuitOpen] until the timeout
	// elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the timeout. A bounded
	// number of concurrent probe calls are allowed through; enough consecutive
	// successes close the breaker, any failure re-opens it.
	StateHalfOpen
)

// String returns the wire-format name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is the dependency key this breaker guards, used in log messages
	// and transition events.
	Name string

	// FailureThreshold is the number of consecutive failures in the closed
	// state before the breaker opens. Default: 5.
	FailureThreshold int

	// Timeout is how long the breaker stays open before admitting half-open
	// probes. Default: 60s.
	Timeout time.Duration

	// HalfOpenRequests is the maximum number of concurrent probe calls in the
	// half-open state. Default: 1.
	HalfOpenRequests int

	// SuccessThreshold is the number of consecutive successful probes required
	// to close the breaker from half-open. Default: 2.
	SuccessThreshold int

	// OnTransition, when non-nil, is invoked (outside the breaker lock) after
	// every state change.
	OnTransition func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern with
// bounded half-open probing.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	timeout          time.Duration
	halfOpenRequests int
	successThreshold int
	onTransition     func(name string, from, to State)

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openUntil            time.Time
	halfOpenInflight     int
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		timeout:          cfg.Timeout,
		halfOpenRequests: cfg.HalfOpenRequests,
		successThreshold: cfg.SuccessThreshold,
		onTransition:     cfg.OnTransition,
		state:            StateClosed,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. In the half-open state at most
// HalfOpenRequests probes run concurrently; surplus callers are rejected.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()

	var notify func()
	switch cb.state {
	case StateOpen:
		if time.Now().Before(cb.openUntil) {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		notify = cb.transitionLocked(StateHalfOpen)
		cb.halfOpenInflight = 0
		cb.consecutiveSuccesses = 0
		fallthrough

	case StateHalfOpen:
		if cb.halfOpenInflight >= cb.halfOpenRequests {
			cb.mu.Unlock()
			if notify != nil {
				notify()
			}
			return ErrCircuitOpen
		}
		cb.halfOpenInflight++
	}

	probe := cb.state == StateHalfOpen
	cb.mu.Unlock()
	if notify != nil {
		notify()
	}

	err := fn()

	cb.mu.Lock()
	if probe {
		cb.halfOpenInflight--
	}
	if err != nil {
		notify = cb.recordFailureLocked(probe)
	} else {
		notify = cb.recordSuccessLocked(probe)
	}
	cb.mu.Unlock()
	if notify != nil {
		notify()
	}
	return err
}

// recordFailureLocked handles failure accounting. Must be called with cb.mu
// held; the returned func (possibly nil) must be invoked after unlocking.
func (cb *CircuitBreaker) recordFailureLocked(probe bool) func() {
	cb.consecutiveSuccesses = 0

	if probe {
		// Any probe failure immediately re-opens.
		cb.openUntil = time.Now().Add(cb.timeout)
		slog.Warn("circuit breaker re-opened from half_open", "name", cb.name)
		return cb.transitionLocked(StateOpen)
	}

	cb.consecutiveFailures++
	if cb.state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold {
		cb.openUntil = time.Now().Add(cb.timeout)
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.consecutiveFailures)
		return cb.transitionLocked(StateOpen)
	}
	return nil
}

// recordSuccessLocked handles success accounting. Must be called with cb.mu
// held; the returned func (possibly nil) must be invoked after unlocking.
func (cb *CircuitBreaker) recordSuccessLocked(probe bool) func() {
	cb.consecutiveFailures = 0

	if probe {
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.successThreshold {
			cb.consecutiveSuccesses = 0
			cb.halfOpenInflight = 0
			slog.Info("circuit breaker closed after successful probes",
				"name", cb.name)
			return cb.transitionLocked(StateClosed)
		}
	}
	return nil
}

// transitionLocked switches the state and returns the listener callback to be
// invoked after cb.mu is released. Must be called with cb.mu held.
func (cb *CircuitBreaker) transitionLocked(to State) func() {
	from := cb.state
	cb.state = to
	if cb.onTransition == nil || from == to {
		return nil
	}
	fn, name := cb.onTransition, cb.name
	return func() { fn(name, from, to) }
}

// State returns the current [State] of the breaker. If the breaker is open and
// the timeout has elapsed, the returned state is [StateHalfOpen] (the actual
// transition happens on the next [CircuitBreaker.Execute] call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && !time.Now().Before(cb.openUntil) {
		return StateHalfOpen
	}
	return cb.state
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.transitionLocked(StateClosed)
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenInflight = 0
	cb.mu.Unlock()
	if notify != nil {
		notify()
	}
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
