// Package tei provides a rerank scorer backed by a Text Embeddings Inference
// (TEI) server's /rerank endpoint.
//
// TEI (https://github.com/huggingface/text-embeddings-inference) serves
// cross-encoder reranking models such as bge-reranker-v2-m3 and
// mxbai-rerank-large. Because the server runs on-premises, this is the
// reranking backend of choice for HIPAA deployments where query text may
// contain protected health information.
//
// Example usage:
//
//	s, err := tei.New("http://localhost:8080", "bge-reranker-v2-m3")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	scores, err := s.Score(ctx, "heparin dosing", passages)
package tei

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/halcyon-health/halcyon/pkg/provider/rerank"
)

// Ensure Scorer implements the rerank.Scorer interface at compile time.
var _ rerank.Scorer = (*Scorer)(nil)

// Option is a functional option for Scorer.
type Option func(*Scorer)

// WithTimeout sets a per-request HTTP timeout on the underlying HTTP client.
// A zero or negative value means no timeout (the default).
func WithTimeout(d time.Duration) Option {
	return func(s *Scorer) {
		if d > 0 {
			s.httpClient.Timeout = d
		}
	}
}

// Scorer implements rerank.Scorer against a TEI /rerank endpoint.
// Safe for concurrent use.
type Scorer struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// New constructs a new TEI Scorer.
//
// baseURL is the base URL of the TEI server (e.g., "http://localhost:8080")
// and must not be empty. A trailing slash is stripped automatically.
//
// model is the model name reported in response metadata. TEI serves a single
// model per instance, so the name is informational only.
func New(baseURL, model string, opts ...Option) (*Scorer, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("tei rerank: baseURL must not be empty")
	}
	s := &Scorer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// rerankRequest is the JSON request body sent to TEI's /rerank endpoint.
type rerankRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
	// RawScores asks for logits instead of sigmoid scores. Always false here:
	// the ranking pipeline expects [0,1].
	RawScores bool `json:"raw_scores"`
}

// rerankEntry is one element of TEI's /rerank response array.
type rerankEntry struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Score implements rerank.Scorer by sending a single /rerank request.
//
// TEI returns entries sorted by score with the original index attached; the
// result is re-projected into passage order so result[i] corresponds to
// passages[i]. Passing an empty passages slice returns (nil, nil) without
// issuing any network request.
func (s *Scorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(rerankRequest{Query: query, Texts: passages})
	if err != nil {
		return nil, fmt.Errorf("tei rerank: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tei rerank: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tei rerank: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tei rerank: unexpected status %d", resp.StatusCode)
	}

	var entries []rerankEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("tei rerank: decode response: %w", err)
	}
	return projectScores(entries, len(passages))
}

// ModelID implements rerank.Scorer.
func (s *Scorer) ModelID() string {
	return s.model
}

// projectScores maps index-tagged entries back into passage order.
func projectScores(entries []rerankEntry, n int) ([]float64, error) {
	scores := make([]float64, n)
	seen := make([]bool, n)
	for _, e := range entries {
		if e.Index < 0 || e.Index >= n {
			return nil, fmt.Errorf("tei rerank: entry index %d out of range [0,%d)", e.Index, n)
		}
		scores[e.Index] = e.Score
		seen[e.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("tei rerank: no score returned for passage %d", i)
		}
	}
	return scores, nil
}
