// Package rank implements reranking and filtering of fused search results:
// cross-encoder scoring with a keyword+vector fallback, near-duplicate
// removal, relevance filtering, deterministic ordering, and truncation.
package rank

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/halcyon-health/halcyon/internal/resilience"
	"github.com/halcyon-health/halcyon/pkg/provider/rerank"
	"github.com/halcyon-health/halcyon/pkg/types"
)

const (
	// DefaultTopK is how many results survive truncation.
	DefaultTopK = 8

	// DefaultMinScore filters out low-relevance results after scoring.
	DefaultMinScore = 0.3

	// dedupeThreshold is the normalised-content similarity at or above which
	// a result is considered a duplicate of a higher-scoring peer.
	dedupeThreshold = 0.9
)

// Ranker scores, dedupes, filters, and truncates fused fan-out output.
type Ranker struct {
	scorers  *resilience.Chain[rerank.Scorer]
	topK     int
	minScore float64
}

// Option configures a [Ranker].
type Option func(*Ranker)

// WithTopK overrides the truncation size. Values < 1 are ignored.
func WithTopK(n int) Option {
	return func(r *Ranker) {
		if n >= 1 {
			r.topK = n
		}
	}
}

// WithMinScore overrides the relevance floor below which scored results are
// dropped. Values outside (0, 1] are ignored.
func WithMinScore(v float64) Option {
	return func(r *Ranker) {
		if v > 0 && v <= 1 {
			r.minScore = v
		}
	}
}

// New builds a [Ranker]. primary is the cross-encoder scorer; fallback takes
// over (behind the primary's circuit breaker) when it is unavailable.
// Either scorer may be nil; with no scorers at all, Rank orders results by
// the sources' own scores.
func New(primary, fallback rerank.Scorer, opts ...Option) *Ranker {
	chain := resilience.NewChain[rerank.Scorer](resilience.CircuitBreakerConfig{})
	if primary != nil {
		chain.Add(primary.ModelID(), primary)
	}
	if fallback != nil {
		chain.Add(fallback.ModelID(), fallback)
	}

	r := &Ranker{scorers: chain, topK: DefaultTopK, minScore: DefaultMinScore}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rank orders results by relevance to query. priorities maps source name to
// its selection rank (0 = highest) and is used as the first tie-break; fetch
// order is the second. The input slice is not modified.
func (r *Ranker) Rank(ctx context.Context, query string, results []types.SearchResult, priorities map[string]int) []types.RankedResult {
	if len(results) == 0 {
		return nil
	}

	passages := make([]string, len(results))
	for i, res := range results {
		passages[i] = res.Content
	}

	scores, err := resilience.DoResult(r.scorers,
		func(s rerank.Scorer) ([]float64, error) {
			return s.Score(ctx, query, passages)
		})
	if err != nil || len(scores) != len(results) {
		// Both scorers down: fall back to the sources' own scores, clamped
		// into [0, 1] so the relevance filter still means something.
		slog.Warn("all rerank scorers unavailable, using source scores", "err", err)
		scores = make([]float64, len(results))
		for i, res := range results {
			scores[i] = clamp01(res.Score)
		}
	}

	ranked := make([]types.RankedResult, len(results))
	for i, res := range results {
		ranked[i] = types.RankedResult{
			SearchResult: res,
			RerankScore:  scores[i],
			FetchOrder:   i,
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.RerankScore != b.RerankScore {
			return a.RerankScore > b.RerankScore
		}
		if pa, pb := sourceRank(priorities, a.Source), sourceRank(priorities, b.Source); pa != pb {
			return pa < pb
		}
		return a.FetchOrder < b.FetchOrder
	})

	ranked = dedupe(ranked)

	kept := ranked[:0]
	for _, res := range ranked {
		if res.RerankScore >= r.minScore {
			kept = append(kept, res)
		}
	}

	if len(kept) > r.topK {
		kept = kept[:r.topK]
	}
	return kept
}

// dedupe drops results whose normalised content is near-identical to a
// higher-scoring peer. Input must already be sorted best-first.
func dedupe(ranked []types.RankedResult) []types.RankedResult {
	kept := ranked[:0]
	norms := make([]string, 0, len(ranked))
	for _, res := range ranked {
		norm := normalise(res.Content)
		dup := false
		for _, peer := range norms {
			if similarity(norm, peer) >= dedupeThreshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		kept = append(kept, res)
		norms = append(norms, norm)
	}
	return kept
}

// similarity compares two normalised strings in [0, 1]. Identical strings
// short-circuit; otherwise Jaro-Winkler handles near-duplicates that differ
// by small edits.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	return matchr.JaroWinkler(a, b, false)
}

// normalise lowercases and collapses whitespace and punctuation, so that
// formatting differences do not defeat duplicate detection.
func normalise(content string) string {
	var sb strings.Builder
	sb.Grow(len(content))
	lastSpace := true
	for _, r := range strings.ToLower(content) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				sb.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

func sourceRank(priorities map[string]int, source string) int {
	if rank, ok := priorities[source]; ok {
		return rank
	}
	return len(priorities)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
