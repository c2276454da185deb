package rank

import (
	"context"
	"errors"
	"testing"

	rerankmock "github.com/halcyon-health/halcyon/pkg/provider/rerank/mock"
	"github.com/halcyon-health/halcyon/pkg/types"
)

func result(source, content string, score float64) types.SearchResult {
	return types.SearchResult{Source: source, Content: content, Score: score}
}

func contents(ranked []types.RankedResult) []string {
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.Content
	}
	return out
}

func TestRank_OrdersByScoreDescending(t *testing.T) {
	scorer := &rerankmock.Scorer{Scores: []float64{0.4, 0.9, 0.7}}
	r := New(scorer, nil)

	got := r.Rank(context.Background(), "q", []types.SearchResult{
		result("a", "low relevance passage", 0),
		result("a", "high relevance passage", 0),
		result("b", "medium relevance passage", 0),
	}, nil)

	want := []string{"high relevance passage", "medium relevance passage", "low relevance passage"}
	gotC := contents(got)
	for i := range want {
		if gotC[i] != want[i] {
			t.Fatalf("order = %v, want %v", gotC, want)
		}
	}
	if got[0].RerankScore != 0.9 {
		t.Errorf("top score = %v, want 0.9", got[0].RerankScore)
	}
}

func TestRank_TieBreaks(t *testing.T) {
	scorer := &rerankmock.Scorer{Scores: []float64{0.8, 0.8, 0.8}}
	r := New(scorer, nil)

	priorities := map[string]int{"guidelines": 0, "pubmed": 1}
	got := r.Rank(context.Background(), "q", []types.SearchResult{
		result("pubmed", "first fetched from pubmed", 0),
		result("guidelines", "fetched from guidelines", 0),
		result("pubmed", "second fetched from pubmed", 0),
	}, priorities)

	want := []string{
		"fetched from guidelines",     // higher-priority source wins the tie
		"first fetched from pubmed",   // then earlier fetch order
		"second fetched from pubmed",
	}
	gotC := contents(got)
	for i := range want {
		if gotC[i] != want[i] {
			t.Fatalf("order = %v, want %v", gotC, want)
		}
	}
}

func TestRank_DeduplicatesNearIdenticalContent(t *testing.T) {
	scorer := &rerankmock.Scorer{Scores: []float64{0.9, 0.85, 0.7}}
	r := New(scorer, nil)

	got := r.Rank(context.Background(), "q", []types.SearchResult{
		result("a", "Aspirin reduces cardiovascular risk in secondary prevention.", 0),
		result("b", "aspirin reduces cardiovascular risk in secondary prevention", 0),
		result("c", "Statins are first-line therapy for hyperlipidemia.", 0),
	}, nil)

	if len(got) != 2 {
		t.Fatalf("results = %v, want duplicate dropped", contents(got))
	}
	// The higher-scoring copy survives.
	if got[0].Source != "a" {
		t.Errorf("kept duplicate from %q, want the higher-scoring peer", got[0].Source)
	}
}

func TestRank_FiltersLowScores(t *testing.T) {
	scorer := &rerankmock.Scorer{Scores: []float64{0.9, 0.29, 0.3}}
	r := New(scorer, nil)

	got := r.Rank(context.Background(), "q", []types.SearchResult{
		result("a", "strong match", 0),
		result("a", "weak match", 0),
		result("a", "borderline match", 0),
	}, nil)

	gotC := contents(got)
	if len(got) != 2 {
		t.Fatalf("results = %v, want the weak match filtered", gotC)
	}
	for _, c := range gotC {
		if c == "weak match" {
			t.Error("score below threshold survived the filter")
		}
	}
}

func TestRank_TruncatesToTopK(t *testing.T) {
	scores := make([]float64, 12)
	results := make([]types.SearchResult, 12)
	for i := range results {
		scores[i] = 0.9 - float64(i)*0.01
		results[i] = result("a", "passage number "+string(rune('a'+i)), 0)
	}
	r := New(&rerankmock.Scorer{Scores: scores}, nil, WithTopK(5))

	got := r.Rank(context.Background(), "q", results, nil)
	if len(got) != 5 {
		t.Fatalf("results = %d, want 5", len(got))
	}
}

func TestRank_FallbackScorerTakesOver(t *testing.T) {
	primary := &rerankmock.Scorer{ScoreErr: errors.New("reranker down"), Model: "primary"}
	fallback := &rerankmock.Scorer{Scores: []float64{0.4, 0.8}, Model: "fallback"}
	r := New(primary, fallback)

	got := r.Rank(context.Background(), "q", []types.SearchResult{
		result("a", "passage one", 0),
		result("a", "passage two", 0),
	}, nil)

	if len(got) != 2 {
		t.Fatalf("results = %d, want 2", len(got))
	}
	if got[0].Content != "passage two" || got[0].RerankScore != 0.8 {
		t.Errorf("top = %+v, want fallback scoring applied", got[0])
	}
	if len(fallback.ScoreCalls) != 1 {
		t.Errorf("fallback calls = %d, want 1", len(fallback.ScoreCalls))
	}
}

func TestRank_AllScorersDownUsesSourceScores(t *testing.T) {
	primary := &rerankmock.Scorer{ScoreErr: errors.New("down"), Model: "primary"}
	r := New(primary, nil)

	got := r.Rank(context.Background(), "q", []types.SearchResult{
		result("a", "native low", 0.2),
		result("a", "native high", 1.8), // clamped to 1
	}, nil)

	if len(got) != 1 {
		t.Fatalf("results = %v, want the sub-threshold native score filtered", contents(got))
	}
	if got[0].Content != "native high" || got[0].RerankScore != 1 {
		t.Errorf("top = %+v, want clamped source score", got[0])
	}
}

func TestRank_NoScorersConfigured(t *testing.T) {
	r := New(nil, nil)

	got := r.Rank(context.Background(), "q", []types.SearchResult{
		result("a", "native score passage", 0.6),
	}, nil)

	if len(got) != 1 || got[0].RerankScore != 0.6 {
		t.Fatalf("got %+v, want ordering by source score", got)
	}
}

func TestRank_EmptyInput(t *testing.T) {
	r := New(&rerankmock.Scorer{}, nil)
	if got := r.Rank(context.Background(), "q", nil, nil); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}
