package kbsource

import (
	"context"
	"testing"

	embmock "github.com/halcyon-health/halcyon/pkg/provider/embeddings/mock"
	"github.com/halcyon-health/halcyon/pkg/search"
	"github.com/halcyon-health/halcyon/pkg/store"
	storemock "github.com/halcyon-health/halcyon/pkg/store/mock"
)

func TestNew_Validation(t *testing.T) {
	st := storemock.New()
	emb := &embmock.Provider{}

	if _, err := New(search.SourceDescriptor{}, nil, emb); err == nil {
		t.Fatal("expected error for nil knowledge base")
	}
	if _, err := New(search.SourceDescriptor{}, st, nil); err == nil {
		t.Fatal("expected error for nil embedder")
	}

	c, err := New(search.SourceDescriptor{}, st, emb)
	if err != nil {
		t.Fatal(err)
	}
	d := c.Descriptor()
	if d.Name != "internal_kb" || d.Kind != search.KindInternalKB {
		t.Errorf("defaults not applied: %+v", d)
	}
}

func TestSearch(t *testing.T) {
	st := storemock.New()
	st.SearchChunksResult = []store.ChunkResult{
		{
			Chunk: store.Chunk{
				ID:            "c1",
				Title:         "Heparin nomogram",
				Content:       "weight-based dosing",
				URL:           "kb://heparin",
				EvidenceGrade: "A",
			},
			Distance: 0.15,
		},
	}
	emb := &embmock.Provider{EmbedResult: []float32{0.1, 0.2, 0.3}}

	c, err := New(search.SourceDescriptor{}, st, emb)
	if err != nil {
		t.Fatal(err)
	}
	results, err := c.Search(context.Background(), "heparin dosing", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("len = %d, want 1", len(results))
	}
	r := results[0]
	if r.Source != "internal_kb" || r.DocID != "c1" {
		t.Errorf("result = %+v", r)
	}
	if r.Score != 0.85 {
		t.Errorf("Score = %v, want 0.85 (1 - distance)", r.Score)
	}
	if len(emb.EmbedCalls) != 1 || emb.EmbedCalls[0].Text != "heparin dosing" {
		t.Errorf("embed calls = %+v", emb.EmbedCalls)
	}
}

func TestSearch_EmbedError(t *testing.T) {
	st := storemock.New()
	emb := &embmock.Provider{EmbedErr: context.DeadlineExceeded}

	c, _ := New(search.SourceDescriptor{}, st, emb)
	if _, err := c.Search(context.Background(), "q", 5); err == nil {
		t.Fatal("expected error when embedding fails")
	}
}
