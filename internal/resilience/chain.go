package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrExhausted is returned when every rung of a [Chain] failed or sat behind
// an open circuit.
var ErrExhausted = errors.New("resilience: every backend in the chain failed")

// rung pairs one backend with its dedicated circuit breaker.
type rung[T any] struct {
	name    string
	backend T
	breaker *CircuitBreaker
}

// Chain tries a sequence of same-typed backends in priority order: the
// reranker before its lexical fallback, the preferred embedding endpoint
// before the standby. Each rung owns a circuit breaker; rungs whose circuit
// is open are skipped without being called. The first success wins.
//
// A Chain must be fully assembled before first use; Add is not safe to call
// concurrently with Do.
type Chain[T any] struct {
	rungs []rung[T]
	cb    CircuitBreakerConfig
}

// NewChain builds an empty [Chain]. cb is the breaker template applied to
// every rung; the rung name overrides cb.Name.
func NewChain[T any](cb CircuitBreakerConfig) *Chain[T] {
	return &Chain[T]{cb: cb}
}

// Add appends a backend at the end of the chain and returns the chain for
// assembly chaining.
func (c *Chain[T]) Add(name string, backend T) *Chain[T] {
	cb := c.cb
	cb.Name = name
	c.rungs = append(c.rungs, rung[T]{
		name:    name,
		backend: backend,
		breaker: NewCircuitBreaker(cb),
	})
	return c
}

// Len returns the number of rungs.
func (c *Chain[T]) Len() int { return len(c.rungs) }

// Do runs fn against each healthy rung in order until one succeeds. When
// every rung fails, the last error is wrapped in [ErrExhausted].
func (c *Chain[T]) Do(fn func(T) error) error {
	var lastErr error
	for i := range c.rungs {
		r := &c.rungs[i]
		err := r.breaker.Execute(func() error {
			return fn(r.backend)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		logRungFailure(r.name, err)
	}
	return fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}

// DoResult is the value-returning variant of [Chain.Do]. It is a package
// function because methods cannot introduce their own type parameters.
func DoResult[T, R any](c *Chain[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range c.rungs {
		r := &c.rungs[i]
		var out R
		err := r.breaker.Execute(func() error {
			var callErr error
			out, callErr = fn(r.backend)
			return callErr
		})
		if err == nil {
			return out, nil
		}
		lastErr = err
		logRungFailure(r.name, err)
	}
	return zero, fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}

func logRungFailure(name string, err error) {
	if errors.Is(err, ErrCircuitOpen) {
		slog.Debug("chain rung skipped, circuit open", "backend", name)
		return
	}
	slog.Warn("chain rung failed, trying next", "backend", name, "error", err)
}
