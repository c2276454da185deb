package openai

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// embedServer fakes the embeddings endpoint. Each call decodes the request
// body into gotReq and responds with the configured JSON.
type embedServer struct {
	*httptest.Server
	gotReq  atomic.Pointer[map[string]any]
	respond func(w http.ResponseWriter)
}

func newEmbedServer(t *testing.T, respond func(w http.ResponseWriter)) *embedServer {
	t.Helper()
	es := &embedServer{respond: respond}
	es.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		es.gotReq.Store(&req)
		es.respond(w)
	}))
	t.Cleanup(es.Close)
	return es
}

func respondVectors(vecs ...[]float64) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		data := make([]map[string]any, len(vecs))
		for i, v := range vecs {
			data[i] = map[string]any{"object": "embedding", "index": i, "embedding": v}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "text-embedding-3-small",
			"data":   data,
		})
	}
}

func newTestProvider(t *testing.T, srv *embedServer, opts ...Option) *Provider {
	t.Helper()
	opts = append(opts, WithBaseURL(srv.URL+"/"))
	p, err := New("sk-test", "text-embedding-3-small", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestEmbed_ReturnsVector(t *testing.T) {
	srv := newEmbedServer(t, respondVectors([]float64{0.25, -0.5, 1.0}))
	p := newTestProvider(t, srv)

	vec, err := p.Embed(t.Context(), "warfarin dosing in renal impairment")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	want := []float32{0.25, -0.5, 1.0}
	if len(vec) != len(want) {
		t.Fatalf("vector length = %d, want %d", len(vec), len(want))
	}
	for i := range want {
		if vec[i] != want[i] {
			t.Errorf("vec[%d] = %v, want %v", i, vec[i], want[i])
		}
	}
}

func TestEmbedBatch_OrderFollowsInput(t *testing.T) {
	// Respond with indices swapped relative to wire order.
	srv := newEmbedServer(t, func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"index": 1, "embedding": []float64{2}},
				{"index": 0, "embedding": []float64{1}},
			},
		})
	})
	p := newTestProvider(t, srv)

	vecs, err := p.EmbedBatch(t.Context(), []string{"first excerpt", "second excerpt"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vecs))
	}
	if vecs[0][0] != 1 || vecs[1][0] != 2 {
		t.Errorf("vectors not reordered by index: %v", vecs)
	}
}

func TestEmbedBatch_CountMismatch(t *testing.T) {
	srv := newEmbedServer(t, respondVectors([]float64{1}))
	p := newTestProvider(t, srv)

	if _, err := p.EmbedBatch(t.Context(), []string{"a", "b"}); err == nil {
		t.Fatal("want error on embedding count mismatch")
	}
}

func TestEmbedBatch_EmptyInputSkipsRequest(t *testing.T) {
	srv := newEmbedServer(t, respondVectors())
	p := newTestProvider(t, srv)

	vecs, err := p.EmbedBatch(t.Context(), nil)
	if err != nil || vecs != nil {
		t.Fatalf("EmbedBatch(nil) = %v, %v, want nil, nil", vecs, err)
	}
	if srv.gotReq.Load() != nil {
		t.Error("empty batch should not reach the API")
	}
}

func TestEmbed_RequestCarriesShortenedDimensions(t *testing.T) {
	srv := newEmbedServer(t, respondVectors([]float64{1}))
	p := newTestProvider(t, srv, WithDimensions(256))

	if _, err := p.Embed(t.Context(), "x"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	req := srv.gotReq.Load()
	if req == nil {
		t.Fatal("no request captured")
	}
	if got, ok := (*req)["dimensions"].(float64); !ok || got != 256 {
		t.Errorf(`request "dimensions" = %v, want 256`, (*req)["dimensions"])
	}
}

func TestEmbed_NativeWidthOmitsDimensions(t *testing.T) {
	srv := newEmbedServer(t, respondVectors([]float64{1}))
	p := newTestProvider(t, srv)

	if _, err := p.Embed(t.Context(), "x"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	req := srv.gotReq.Load()
	if req == nil {
		t.Fatal("no request captured")
	}
	if _, present := (*req)["dimensions"]; present {
		t.Error(`request should not carry "dimensions" without an override`)
	}
}

func TestDimensions(t *testing.T) {
	cases := []struct {
		model string
		opts  []Option
		want  int
	}{
		{model: "text-embedding-3-small", want: 1536},
		{model: "text-embedding-3-large", want: 3072},
		{model: "text-embedding-ada-002", want: 1536},
		{model: "some-future-model", want: 1536},
		{model: "text-embedding-3-large", opts: []Option{WithDimensions(1536)}, want: 1536},
	}
	for _, tc := range cases {
		p, err := New("sk-test", tc.model, tc.opts...)
		if err != nil {
			t.Fatalf("New(%s): %v", tc.model, err)
		}
		if got := p.Dimensions(); got != tc.want {
			t.Errorf("Dimensions(%s, %d opts) = %d, want %d", tc.model, len(tc.opts), got, tc.want)
		}
	}
}

func TestNew_DefaultModel(t *testing.T) {
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("ModelID() = %s, want %s", p.ModelID(), DefaultModel)
	}
}

func TestNew_MissingAPIKey(t *testing.T) {
	if _, err := New("", "text-embedding-3-small"); err == nil {
		t.Fatal("want error for empty API key")
	}
}
