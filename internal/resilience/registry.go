package resilience

import (
	"sync"
)

// Well-known breaker keys for singleton dependencies. Per-source and
// per-model keys are derived with [SourceKey] and [ModelKey].
const (
	KeyPHIDetector = "phi_detector"
	KeyReranker    = "reranker"
	KeyEmbeddings  = "embeddings"
	KeyStore       = "store"
	KeyCache       = "cache"
)

// SourceKey returns the breaker key for a search source.
func SourceKey(name string) string { return "source:" + name }

// ModelKey returns the breaker key for an LLM backend.
func ModelKey(name string) string { return "model:" + name }

// TransitionListener is notified after a breaker changes state. Listeners are
// invoked synchronously and must not block.
type TransitionListener func(key string, from, to State)

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithTransitionListener registers a listener invoked on every breaker state
// change (metrics, alerting, degraded-mode detection). May be given multiple
// times.
func WithTransitionListener(l TransitionListener) RegistryOption {
	return func(r *Registry) {
		r.listeners = append(r.listeners, l)
	}
}

// Registry holds one [CircuitBreaker] per external dependency, created on
// first use with a shared base configuration.
type Registry struct {
	base      CircuitBreakerConfig
	listeners []TransitionListener

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a [Registry]. The base config's Name and OnTransition
// fields are ignored; every breaker gets its key as name and the registry's
// listener fan-out as its transition hook.
func NewRegistry(base CircuitBreakerConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		base:     base,
		breakers: make(map[string]*CircuitBreaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Breaker returns the breaker for key, creating it on first use.
func (r *Registry) Breaker(key string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[key]; ok {
		return cb
	}
	cfg := r.base
	cfg.Name = key
	cfg.OnTransition = r.notify
	cb = NewCircuitBreaker(cfg)
	r.breakers[key] = cb
	return cb
}

// Guard runs fn under the breaker for key. Returns [ErrCircuitOpen] without
// calling fn when the circuit is open.
func (r *Registry) Guard(key string, fn func() error) error {
	return r.Breaker(key).Execute(fn)
}

// GuardResult runs fn under the breaker for key and returns its result. This
// is a package-level function because Go does not support method-level type
// parameters.
func GuardResult[R any](r *Registry, key string, fn func() (R, error)) (R, error) {
	var result R
	err := r.Guard(key, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return result, nil
}

// States returns a snapshot of the current state of every registered breaker.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]State, len(r.breakers))
	for key, cb := range r.breakers {
		out[key] = cb.State()
	}
	return out
}

// OpenCount returns how many of the given keys currently have an open circuit.
// Keys with no registered breaker count as closed.
func (r *Registry) OpenCount(keys []string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, key := range keys {
		if cb, ok := r.breakers[key]; ok && cb.State() == StateOpen {
			n++
		}
	}
	return n
}

// notify fans a transition out to all registered listeners.
func (r *Registry) notify(key string, from, to State) {
	for _, l := range r.listeners {
		l(key, from, to)
	}
}
