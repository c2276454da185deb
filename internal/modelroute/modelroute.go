// Package modelroute picks the LLM backend for a query based on the PHI
// verdict and the deployment's routing policy. The invariant it enforces:
// a PHI-positive query is never sent to a cloud model, not even as a
// circuit-breaker fallback.
package modelroute

import (
	"context"
	"errors"
	"log/slog"

	"github.com/halcyon-health/halcyon/internal/fault"
	"github.com/halcyon-health/halcyon/internal/resilience"
	"github.com/halcyon-health/halcyon/pkg/provider/llm"
	"github.com/halcyon-health/halcyon/pkg/types"
)

// Mode is the routing policy.
type Mode string

const (
	// ModeHybrid routes PHI-positive queries to the local model and
	// everything else to the cloud model. The default.
	ModeHybrid Mode = "hybrid"

	// ModeLocalOnly routes every query to the local model.
	ModeLocalOnly Mode = "local_only"

	// ModeCloudOnly routes every query to the cloud model. Rejected at
	// config validation when HIPAA mode is on.
	ModeCloudOnly Mode = "cloud_only"
)

// IsValid reports whether m is a recognised routing mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeHybrid, ModeLocalOnly, ModeCloudOnly:
		return true
	}
	return false
}

// Route is the chosen backend for one query.
type Route struct {
	// Provider is the selected LLM backend.
	Provider llm.Provider

	// Local reports whether the backend is the PHI-safe local model.
	Local bool

	// BreakerKey is the registry key guarding calls to this backend.
	BreakerKey string

	// Fallback reports that the preferred backend's circuit was open and
	// this route is the policy-safe alternative.
	Fallback bool
}

// Router applies the routing policy.
type Router struct {
	local    llm.Provider
	cloud    llm.Provider
	mode     Mode
	registry *resilience.Registry

	// onPHICloudRoute fires when a PHI-positive query is routed to the
	// cloud model (possible only in cloud_only mode).
	onPHICloudRoute func(ctx context.Context)
}

// Option configures a [Router].
type Option func(*Router)

// WithPHICloudRouteHook registers a callback fired when a PHI-positive query
// is routed to a cloud model (metrics/alerting).
func WithPHICloudRouteHook(fn func(ctx context.Context)) Option {
	return func(r *Router) { r.onPHICloudRoute = fn }
}

// New builds a [Router]. local may be nil only in cloud_only mode; cloud may
// be nil only in local_only mode.
func New(local, cloud llm.Provider, mode Mode, registry *resilience.Registry, opts ...Option) *Router {
	r := &Router{local: local, cloud: cloud, mode: mode, registry: registry}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Choose returns the backend for a query with the given PHI verdict.
//
// When the preferred backend's circuit is open, the other backend is used
// only if that never crosses a PHI or policy boundary: cloud→local is always
// safe, local→cloud is allowed only for PHI-negative queries in hybrid mode.
// Otherwise the request fails terminally with LLM_UNAVAILABLE.
func (r *Router) Choose(ctx context.Context, verdict types.PHIVerdict) (Route, error) {
	switch r.mode {
	case ModeLocalOnly:
		return r.routeLocal(ctx, false)

	case ModeCloudOnly:
		// Falling back to local never crosses a PHI boundary.
		route, err := r.routeCloud(ctx, r.local != nil)
		if err == nil && verdict.HasPHI && !route.Local && r.onPHICloudRoute != nil {
			r.onPHICloudRoute(ctx)
		}
		return route, err

	default: // hybrid
		if verdict.HasPHI {
			// Cloud fallback would cross the PHI boundary.
			return r.routeLocal(ctx, false)
		}
		return r.routeCloud(ctx, r.local != nil)
	}
}

// Guard runs fn under the routed backend's circuit breaker: the outcome is
// recorded, and consecutive failures eventually open the circuit and steer
// [Router.Choose] away from the backend. Caller cancellation is not counted
// as a backend failure.
func (r *Router) Guard(route Route, fn func() error) error {
	var cancelled error
	err := r.registry.Guard(route.BreakerKey, func() error {
		err := fn()
		if errors.Is(err, context.Canceled) {
			cancelled = err
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return cancelled
}

func (r *Router) routeLocal(ctx context.Context, cloudFallback bool) (Route, error) {
	if r.local != nil && !r.open(LocalKey(r.local)) {
		return Route{Provider: r.local, Local: true, BreakerKey: LocalKey(r.local)}, nil
	}
	if cloudFallback && r.cloud != nil && !r.open(CloudKey(r.cloud)) {
		slog.Warn("local model unavailable, falling back to cloud",
			"cloud_model", r.cloud.ModelID())
		return Route{Provider: r.cloud, BreakerKey: CloudKey(r.cloud), Fallback: true}, nil
	}
	return Route{}, fault.New(fault.CodeLLMUnavailable, "modelroute",
		"local model unavailable and no policy-safe fallback exists")
}

func (r *Router) routeCloud(ctx context.Context, localFallback bool) (Route, error) {
	if r.cloud != nil && !r.open(CloudKey(r.cloud)) {
		return Route{Provider: r.cloud, BreakerKey: CloudKey(r.cloud)}, nil
	}
	if localFallback && r.local != nil && !r.open(LocalKey(r.local)) {
		slog.Warn("cloud model unavailable, falling back to local",
			"local_model", r.local.ModelID())
		return Route{Provider: r.local, Local: true, BreakerKey: LocalKey(r.local), Fallback: true}, nil
	}
	return Route{}, fault.New(fault.CodeLLMUnavailable, "modelroute",
		"cloud model unavailable and no fallback is healthy")
}

func (r *Router) open(key string) bool {
	return r.registry.Breaker(key).State() == resilience.StateOpen
}

// LocalKey returns the breaker key guarding the local backend, for wiring
// into degraded-mode criticality.
func LocalKey(p llm.Provider) string { return resilience.ModelKey("local:" + p.ModelID()) }

// CloudKey returns the breaker key guarding the cloud backend.
func CloudKey(p llm.Provider) string { return resilience.ModelKey("cloud:" + p.ModelID()) }
