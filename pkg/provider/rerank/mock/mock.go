// Package mock provides a test double for the rerank.Scorer interface.
//
// Use Scorer to inject fixed scores and inspect the queries and passages
// submitted for reranking.
package mock

import (
	"context"
	"sync"

	"github.com/halcyon-health/halcyon/pkg/provider/rerank"
)

// ScoreCall records a single invocation of Score.
type ScoreCall struct {
	// Ctx is the context passed to Score.
	Ctx context.Context
	// Query is the query passed to Score.
	Query string
	// Passages is a copy of the passages passed to Score.
	Passages []string
}

// Scorer is a mock implementation of rerank.Scorer.
type Scorer struct {
	mu sync.Mutex

	// Scores is returned by every Score call unless ScoreFunc is set. If nil,
	// Score returns a uniform 0.5 for each passage.
	Scores []float64

	// ScoreErr, if non-nil, is returned by every Score call.
	ScoreErr error

	// ScoreFunc, if non-nil, overrides Scores/ScoreErr entirely.
	ScoreFunc func(ctx context.Context, query string, passages []string) ([]float64, error)

	// Model is returned by ModelID. Defaults to "mock-reranker" if empty.
	Model string

	// ScoreCalls records every call to Score in order.
	ScoreCalls []ScoreCall
}

// Score records the call and returns the configured scores.
func (s *Scorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	s.mu.Lock()
	cp := make([]string, len(passages))
	copy(cp, passages)
	s.ScoreCalls = append(s.ScoreCalls, ScoreCall{Ctx: ctx, Query: query, Passages: cp})
	fn := s.ScoreFunc
	scores, err := s.Scores, s.ScoreErr
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, query, passages)
	}
	if err != nil {
		return nil, err
	}
	if scores == nil {
		uniform := make([]float64, len(passages))
		for i := range uniform {
			uniform[i] = 0.5
		}
		return uniform, nil
	}
	return scores, nil
}

// ModelID returns Model, defaulting to "mock-reranker".
func (s *Scorer) ModelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Model == "" {
		return "mock-reranker"
	}
	return s.Model
}

// Reset clears all recorded calls. Thread-safe.
func (s *Scorer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ScoreCalls = nil
}

// Ensure Scorer implements rerank.Scorer at compile time.
var _ rerank.Scorer = (*Scorer)(nil)
