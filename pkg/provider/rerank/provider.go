// Package rerank defines the Scorer interface for relevance-scoring backends.
//
// A reranker takes a query and a set of candidate passages and returns one
// relevance score per passage. Scores are comparable only within a single call;
// the ranking pipeline sorts by score, applies its confidence floor, and
// truncates to the configured top-k.
//
// When no reranker is configured, or its circuit is open, the ranking pipeline
// falls back to embedding cosine similarity blended with keyword overlap.
package rerank

import "context"

// Scorer is the abstraction over any reranking backend.
//
// Implementations must be safe for concurrent use.
type Scorer interface {
	// Score returns a relevance score in [0,1] for each passage against the
	// query, in passage order. len(result) == len(passages) on success.
	Score(ctx context.Context, query string, passages []string) ([]float64, error)

	// ModelID reports the model identifier used for scoring, for response
	// metadata and audit records.
	ModelID() string
}
