// Package hybrid provides the fallback relevance scorer used when the
// cross-encoder reranker is unavailable. It blends keyword overlap with
// embedding cosine similarity, so it degrades further to keyword-only when
// the embedding backend is also down.
package hybrid

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/halcyon-health/halcyon/pkg/provider/embeddings"
	"github.com/halcyon-health/halcyon/pkg/provider/rerank"
)

// Weights for the blended score. Keyword overlap is cheap and robust;
// embeddings carry the semantic signal.
const (
	keywordWeight = 0.4
	vectorWeight  = 0.6
)

// Scorer implements [rerank.Scorer] with keyword + vector scoring.
type Scorer struct {
	emb embeddings.Provider
}

// New builds a hybrid scorer. emb may be nil, in which case scores are
// keyword-only.
func New(emb embeddings.Provider) *Scorer {
	return &Scorer{emb: emb}
}

var _ rerank.Scorer = (*Scorer)(nil)

// ModelID implements [rerank.Scorer].
func (s *Scorer) ModelID() string { return "hybrid-keyword-vector" }

// Score implements [rerank.Scorer]. Never fails outright: if the embedding
// backend errors, the vector component is dropped and the keyword component
// is rescaled to full weight.
func (s *Scorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	queryTokens := tokenSet(query)
	keyword := make([]float64, len(passages))
	for i, p := range passages {
		keyword[i] = overlap(queryTokens, tokenSet(p))
	}

	vector, err := s.vectorScores(ctx, query, passages)
	if err != nil || vector == nil {
		return keyword, nil
	}

	scores := make([]float64, len(passages))
	for i := range passages {
		scores[i] = keywordWeight*keyword[i] + vectorWeight*vector[i]
	}
	return scores, nil
}

// vectorScores computes cosine similarity between the query and each passage,
// mapped from [-1, 1] into [0, 1].
func (s *Scorer) vectorScores(ctx context.Context, query string, passages []string) ([]float64, error) {
	if s.emb == nil {
		return nil, nil
	}

	vecs, err := s.emb.EmbedBatch(ctx, append([]string{query}, passages...))
	if err != nil {
		return nil, fmt.Errorf("hybrid: embedding failed: %w", err)
	}
	if len(vecs) != len(passages)+1 {
		return nil, fmt.Errorf("hybrid: embedding count %d, want %d", len(vecs), len(passages)+1)
	}

	q := vecs[0]
	out := make([]float64, len(passages))
	for i, v := range vecs[1:] {
		out[i] = (cosine(q, v) + 1) / 2
	}
	return out, nil
}

// overlap is the Jaccard similarity of two token sets.
func overlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	shared := 0
	for t := range small {
		if _, ok := large[t]; ok {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	return float64(shared) / float64(union)
}

func tokenSet(text string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?()[]\"'")
		if len(f) > 2 { // skip stop-word-sized tokens
			set[f] = struct{}{}
		}
	}
	return set
}

func cosine(a, b []float32) float64 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
