// Package mock provides a test double for the search.SourceClient interface.
package mock

import (
	"context"
	"sync"

	"github.com/halcyon-health/halcyon/pkg/search"
	"github.com/halcyon-health/halcyon/pkg/types"
)

// SearchCall records a single invocation of Search.
type SearchCall struct {
	// Ctx is the context passed to Search.
	Ctx context.Context
	// Query is the query passed to Search.
	Query string
	// Limit is the limit passed to Search.
	Limit int
}

// Source is a mock implementation of search.SourceClient.
type Source struct {
	mu sync.Mutex

	// Desc is returned by Descriptor.
	Desc search.SourceDescriptor

	// Results is returned by every Search call unless SearchFunc is set.
	Results []types.SearchResult

	// SearchErr, if non-nil, is returned by every Search call.
	SearchErr error

	// SearchFunc, if non-nil, overrides Results/SearchErr entirely. Useful
	// for simulating slow sources or per-call failures.
	SearchFunc func(ctx context.Context, query string, limit int) ([]types.SearchResult, error)

	// SearchCalls records every call to Search in order.
	SearchCalls []SearchCall
}

// Descriptor returns Desc.
func (s *Source) Descriptor() search.SourceDescriptor {
	return s.Desc
}

// Search records the call and returns the configured results.
func (s *Source) Search(ctx context.Context, query string, limit int) ([]types.SearchResult, error) {
	s.mu.Lock()
	s.SearchCalls = append(s.SearchCalls, SearchCall{Ctx: ctx, Query: query, Limit: limit})
	fn := s.SearchFunc
	results, err := s.Results, s.SearchErr
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, query, limit)
	}
	return results, err
}

// Calls returns a copy of the recorded Search calls. Thread-safe.
func (s *Source) Calls() []SearchCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SearchCall, len(s.SearchCalls))
	copy(out, s.SearchCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (s *Source) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SearchCalls = nil
}

// Ensure Source implements search.SourceClient at compile time.
var _ search.SourceClient = (*Source)(nil)
