package tei

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "bge-reranker-v2-m3"); err == nil {
		t.Fatal("expected error for empty baseURL")
	}
	s, err := New("http://localhost:8080/", "bge-reranker-v2-m3")
	if err != nil {
		t.Fatal(err)
	}
	if s.baseURL != "http://localhost:8080" {
		t.Errorf("baseURL = %q, want trailing slash stripped", s.baseURL)
	}
	if s.ModelID() != "bge-reranker-v2-m3" {
		t.Errorf("ModelID = %q", s.ModelID())
	}
}

func TestScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rerank" {
			t.Errorf("path = %q, want /rerank", r.URL.Path)
		}
		var req rerankRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Query != "heparin dosing" || len(req.Texts) != 3 {
			t.Errorf("request = %+v", req)
		}
		// TEI returns entries sorted by score, best first.
		json.NewEncoder(w).Encode([]rerankEntry{
			{Index: 2, Score: 0.91},
			{Index: 0, Score: 0.44},
			{Index: 1, Score: 0.12},
		})
	}))
	defer srv.Close()

	s, err := New(srv.URL, "bge-reranker-v2-m3")
	if err != nil {
		t.Fatal(err)
	}
	scores, err := s.Score(context.Background(), "heparin dosing",
		[]string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0.44, 0.12, 0.91}
	for i := range want {
		if scores[i] != want[i] {
			t.Errorf("scores[%d] = %v, want %v", i, scores[i], want[i])
		}
	}
}

func TestScore_EmptyPassages(t *testing.T) {
	s, err := New("http://localhost:8080", "m")
	if err != nil {
		t.Fatal(err)
	}
	scores, err := s.Score(context.Background(), "q", nil)
	if err != nil || scores != nil {
		t.Fatalf("Score(empty) = %v, %v; want nil, nil", scores, err)
	}
}

func TestScore_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s, _ := New(srv.URL, "m")
	if _, err := s.Score(context.Background(), "q", []string{"a"}); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestProjectScores_Validation(t *testing.T) {
	t.Run("index out of range", func(t *testing.T) {
		if _, err := projectScores([]rerankEntry{{Index: 5, Score: 1}}, 2); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("missing passage", func(t *testing.T) {
		if _, err := projectScores([]rerankEntry{{Index: 0, Score: 1}}, 2); err == nil {
			t.Fatal("expected error")
		}
	})
}
