// Package fanout implements the concurrent source search: one goroutine per
// selected source, per-source deadlines inside a global deadline, a single
// retry for transient failures, and circuit-breaker interplay. Per-source
// failures never fail the whole fan-out; they are surfaced as outcomes in the
// response metadata.
package fanout

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/halcyon-health/halcyon/internal/resilience"
	"github.com/halcyon-health/halcyon/pkg/search"
	"github.com/halcyon-health/halcyon/pkg/search/httpsource"
	"github.com/halcyon-health/halcyon/pkg/types"
)

const (
	// defaultPerSourceTimeout bounds one source search when its descriptor
	// does not carry its own deadline.
	defaultPerSourceTimeout = 5 * time.Second

	// retryDelay is the fixed pause before the single transient retry.
	retryDelay = time.Second

	// defaultResultLimit is how many hits each source is asked for.
	defaultResultLimit = 10
)

// Outcome labels for [types.SourceOutcome].
const (
	OutcomeOK          = "ok"
	OutcomeEmpty       = "empty"
	OutcomeTimeout     = "timeout"
	OutcomeError       = "error"
	OutcomeCircuitOpen = "circuit_open"
)

// Result is the fused fan-out output.
type Result struct {
	// Results concatenates every source's hits preserving source order, so
	// downstream tie-breaks are deterministic.
	Results []types.SearchResult

	// Outcomes records how each source fared, in source order.
	Outcomes []types.SourceOutcome
}

// ObserveFunc is called once per source leg with its duration and outcome.
type ObserveFunc func(ctx context.Context, source, outcome string, d time.Duration)

// Fanout runs concurrent source searches.
type Fanout struct {
	registry    *resilience.Registry
	perSource   time.Duration
	resultLimit int
	observe     ObserveFunc
}

// Option configures a [Fanout].
type Option func(*Fanout)

// WithPerSourceTimeout overrides the default per-source deadline applied when
// a source descriptor has none.
func WithPerSourceTimeout(d time.Duration) Option {
	return func(f *Fanout) {
		if d > 0 {
			f.perSource = d
		}
	}
}

// WithResultLimit overrides how many hits each source is asked for.
func WithResultLimit(n int) Option {
	return func(f *Fanout) {
		if n > 0 {
			f.resultLimit = n
		}
	}
}

// WithObserver registers a per-leg latency/outcome callback (metrics).
func WithObserver(fn ObserveFunc) Option {
	return func(f *Fanout) { f.observe = fn }
}

// New builds a [Fanout] over the given breaker registry.
func New(registry *resilience.Registry, opts ...Option) *Fanout {
	f := &Fanout{
		registry:    registry,
		perSource:   defaultPerSourceTimeout,
		resultLimit: defaultResultLimit,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SearchAll queries every source concurrently and returns the fused results.
// The global deadline is carried by ctx; no leg outlives it. SearchAll itself
// never fails - sources that error, time out, or sit behind an open circuit
// simply contribute nothing.
func (f *Fanout) SearchAll(ctx context.Context, query string, sources []search.SourceClient) Result {
	legs := make([][]types.SearchResult, len(sources))
	outcomes := make([]types.SourceOutcome, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			start := time.Now()
			results, outcome := f.searchOne(gctx, query, src)
			legs[i] = results
			outcomes[i] = types.SourceOutcome{
				Name:    src.Descriptor().Name,
				Outcome: outcome,
				Results: len(results),
			}
			if f.observe != nil {
				f.observe(gctx, src.Descriptor().Name, outcome, time.Since(start))
			}
			return nil
		})
	}
	_ = g.Wait() // legs never return errors

	var fused []types.SearchResult
	for _, leg := range legs {
		fused = append(fused, leg...)
	}
	return Result{Results: fused, Outcomes: outcomes}
}

// searchOne runs a single source leg: breaker consult, bounded call, one
// transient retry when the remaining global deadline allows it.
func (f *Fanout) searchOne(ctx context.Context, query string, src search.SourceClient) ([]types.SearchResult, string) {
	desc := src.Descriptor()
	key := resilience.SourceKey(desc.Name)
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = f.perSource
	}

	attempt := func() ([]types.SearchResult, error) {
		return resilience.GuardResult(f.registry, key, func() ([]types.SearchResult, error) {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return src.Search(cctx, query, f.resultLimit)
		})
	}

	results, err := attempt()
	if err != nil && isTransient(err) && f.waitForRetry(ctx) {
		slog.Debug("retrying source after transient failure",
			"source", desc.Name, "err", err)
		results, err = attempt()
	}

	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return nil, OutcomeCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		slog.Warn("source timed out", "source", desc.Name, "timeout", timeout)
		return nil, OutcomeTimeout
	case err != nil:
		slog.Warn("source failed", "source", desc.Name, "err", err)
		return nil, OutcomeError
	case len(results) == 0:
		return nil, OutcomeEmpty
	}
	return results, OutcomeOK
}

// waitForRetry sleeps for the fixed retry delay, but only when the global
// deadline leaves room for the delay plus a meaningful second attempt.
func (f *Fanout) waitForRetry(ctx context.Context) bool {
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) < retryDelay+100*time.Millisecond {
			return false
		}
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(retryDelay):
		return true
	}
}

// isTransient reports whether err is worth the single inline retry:
// connection errors, timeouts, and HTTP 5xx responses qualify; an open
// circuit or a permanent source error does not.
func isTransient(err error) bool {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var statusErr *httpsource.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
