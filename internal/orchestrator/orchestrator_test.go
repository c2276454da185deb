package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/halcyon-health/halcyon/internal/answer"
	"github.com/halcyon-health/halcyon/internal/audit"
	"github.com/halcyon-health/halcyon/internal/clarify"
	"github.com/halcyon-health/halcyon/internal/convo"
	"github.com/halcyon-health/halcyon/internal/fanout"
	"github.com/halcyon-health/halcyon/internal/fault"
	"github.com/halcyon-health/halcyon/internal/modelroute"
	"github.com/halcyon-health/halcyon/internal/rank"
	"github.com/halcyon-health/halcyon/internal/resilience"
	"github.com/halcyon-health/halcyon/internal/selector"
	"github.com/halcyon-health/halcyon/pkg/cache/memory"
	"github.com/halcyon-health/halcyon/pkg/provider/llm"
	llmmock "github.com/halcyon-health/halcyon/pkg/provider/llm/mock"
	phimock "github.com/halcyon-health/halcyon/pkg/provider/phi/mock"
	rerankmock "github.com/halcyon-health/halcyon/pkg/provider/rerank/mock"
	"github.com/halcyon-health/halcyon/pkg/search"
	searchmock "github.com/halcyon-health/halcyon/pkg/search/mock"
	"github.com/halcyon-health/halcyon/pkg/store"
	storemock "github.com/halcyon-health/halcyon/pkg/store/mock"
	"github.com/halcyon-health/halcyon/pkg/types"
)

// stubClassifier returns a fixed intent, bypassing the rules/LLM chain so
// tests control exactly which selection policy fires.
type stubClassifier struct {
	intent types.Intent
	err    error
}

func (s *stubClassifier) Classify(context.Context, string, []types.Message) (types.Intent, error) {
	return s.intent, s.err
}

func codeOf(err error) fault.Code {
	code, _ := fault.CodeOf(err)
	return code
}

func streamOf(text string) []llm.Chunk {
	return []llm.Chunk{
		{Text: text},
		{FinishReason: "stop", Usage: &llm.Usage{PromptTokens: 120, CompletionTokens: 40}},
	}
}

// criticalDeps are the breaker keys the degraded controller watches in tests,
// matching the keys the fan-out and router derive for the test backends.
var criticalDeps = []string{
	resilience.SourceKey("kb-main"),
	resilience.ModelKey("cloud:cloud-large"),
}

type testEnv struct {
	st       *storemock.Store
	detector *phimock.Detector
	local    *llmmock.Provider
	cloud    *llmmock.Provider
	source   *searchmock.Source
	registry *resilience.Registry
	degraded *resilience.DegradedController
	cache    *memory.Cache
	orch     *Orchestrator
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	st := storemock.New()
	st.Sessions["s1"] = store.Session{
		ID:              "s1",
		UserID:          "u1",
		ClinicalContext: "inpatient internal medicine",
		CreatedAt:       time.Now().UTC(),
		LastActivityAt:  time.Now().UTC(),
	}

	env := &testEnv{
		st:       st,
		detector: &phimock.Detector{},
		local:    &llmmock.Provider{Model: "local-med-8b", StreamChunks: streamOf("Use metformin first. [1]")},
		cloud:    &llmmock.Provider{Model: "cloud-large", StreamChunks: streamOf("Start metformin 500 mg twice daily. [1]")},
		source: &searchmock.Source{
			Desc: search.SourceDescriptor{Name: "kb-main", Kind: search.KindInternalKB},
			Results: []types.SearchResult{
				{Source: "kb-main", Content: "Metformin is first-line pharmacotherapy for type 2 diabetes.", Score: 0.9, Title: "T2DM management", URL: "kb://t2dm/first-line"},
				{Source: "kb-main", Content: "Sulfonylureas are second-line agents when metformin is contraindicated.", Score: 0.5, Title: "T2DM second line", URL: "kb://t2dm/second-line"},
			},
		},
		registry: resilience.NewRegistry(resilience.CircuitBreakerConfig{
			FailureThreshold: 1,
			Timeout:          time.Hour,
		}),
		cache: memory.New(),
	}
	env.degraded = resilience.NewDegradedController(env.registry, criticalDeps)
	t.Cleanup(env.degraded.Close)

	auditLog := audit.New(st, "test-salt", audit.WithFlushInterval(time.Hour))
	t.Cleanup(func() { _ = auditLog.Close(context.Background()) })

	env.orch = New(Deps{
		Convo:      convo.NewManager(memory.New(), st),
		Detector:   env.detector,
		Classifier: &stubClassifier{intent: types.Intent{Tag: types.IntentDrugInfo, Confidence: 0.92}},
		Gate:       clarify.NewGate(),
		Selector:   selector.New([]search.SourceClient{env.source}),
		Fanout:     fanout.New(env.registry),
		Ranker:     rank.New(&rerankmock.Scorer{}, nil),
		Router:     modelroute.New(env.local, env.cloud, modelroute.ModeHybrid, env.registry),
		Audit:      auditLog,
		Degraded:   env.degraded,
		Cache:      env.cache,
	}, opts...)
	return env
}

// forceDegraded opens enough critical circuits to flip the controller.
func forceDegraded(t *testing.T, env *testEnv) {
	t.Helper()
	for _, key := range criticalDeps {
		_ = env.registry.Guard(key, func() error { return errors.New("dependency down") })
	}
	env.degraded.Observe(criticalDeps[0], resilience.StateClosed, resilience.StateOpen)
	if !env.degraded.Active() {
		t.Fatal("degraded mode did not engage")
	}
}

func handleQuery(t *testing.T, env *testEnv, query string) (types.QueryResponse, []answer.Chunk, error) {
	t.Helper()
	var chunks []answer.Chunk
	resp, err := env.orch.HandleQuery(context.Background(), Request{
		SessionID: "s1",
		UserID:    "u1",
		Query:     query,
	}, func(c answer.Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	return resp, chunks, err
}

func TestOrchestrator_StreamedAnswer(t *testing.T) {
	env := newTestEnv(t)

	resp, chunks, err := handleQuery(t, env, "first-line therapy for type 2 diabetes")
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}

	if len(chunks) != 1 || chunks[0].Text != "Start metformin 500 mg twice daily. [1]" {
		t.Errorf("chunks = %+v", chunks)
	}
	if resp.Answer != "Start metformin 500 mg twice daily. [1]" {
		t.Errorf("answer = %q", resp.Answer)
	}
	if len(resp.Citations) != 1 {
		t.Fatalf("citations = %+v, want 1", resp.Citations)
	}
	if c := resp.Citations[0]; c.Index != 1 || c.Title != "T2DM management" || c.URL != "kb://t2dm/first-line" {
		t.Errorf("citation = %+v", c)
	}

	meta := resp.Metadata
	if meta.Model != "cloud-large" {
		t.Errorf("model = %q, want cloud-large", meta.Model)
	}
	if meta.PHIDetected {
		t.Error("PHI flagged on a clean query")
	}
	if len(meta.Sources) != 1 || meta.Sources[0].Outcome != fanout.OutcomeOK {
		t.Errorf("source outcomes = %+v", meta.Sources)
	}
	if meta.PromptTokens != 120 || meta.CompletionTokens != 40 {
		t.Errorf("token totals = %d/%d", meta.PromptTokens, meta.CompletionTokens)
	}
	if meta.TraceID == "" {
		t.Error("trace id not assigned")
	}

	if len(env.cloud.StreamCalls) != 1 || len(env.local.StreamCalls) != 0 {
		t.Errorf("stream calls cloud=%d local=%d, want 1/0",
			len(env.cloud.StreamCalls), len(env.local.StreamCalls))
	}
}

func TestOrchestrator_PersistsExchange(t *testing.T) {
	env := newTestEnv(t)

	resp, _, err := handleQuery(t, env, "first-line therapy for type 2 diabetes")
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}

	msgs := env.st.Messages["s1"]
	if len(msgs) != 2 {
		t.Fatalf("persisted messages = %d, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "first-line therapy for type 2 diabetes" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].ID != resp.MessageID || msgs[1].Content != resp.Answer {
		t.Errorf("assistant message = %+v", msgs[1])
	}
	if got := env.st.Citations[resp.MessageID]; len(got) != 1 {
		t.Errorf("persisted citations = %+v, want 1", got)
	}
}

func TestOrchestrator_SessionNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.orch.HandleQuery(context.Background(), Request{
		SessionID: "missing",
		UserID:    "u1",
		Query:     "anything at all here",
	}, func(answer.Chunk) error { return nil })
	if codeOf(err) != fault.CodeSessionNotFound {
		t.Errorf("err = %v, want SESSION_NOT_FOUND", err)
	}
}

func TestOrchestrator_ClarificationGate(t *testing.T) {
	env := newTestEnv(t)

	// "diabetes" without a type qualifier trips the ambiguity rules.
	resp, chunks, err := handleQuery(t, env, "best treatment for diabetes")
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}
	if !resp.Clarification {
		t.Fatal("expected a clarification response")
	}
	if !strings.Contains(resp.Answer, "type 1") {
		t.Errorf("question = %q, want the disambiguation options", resp.Answer)
	}
	if len(chunks) != 0 {
		t.Errorf("clarification streamed %d chunks", len(chunks))
	}
	if calls := env.source.Calls(); len(calls) != 0 {
		t.Errorf("search ran %d times before clarification", len(calls))
	}
	if len(env.cloud.StreamCalls)+len(env.local.StreamCalls) != 0 {
		t.Error("generation ran for a clarification")
	}
}

func TestOrchestrator_PHIRoutesToLocalModel(t *testing.T) {
	env := newTestEnv(t)
	env.detector.Verdict = types.PHIVerdict{HasPHI: true}

	resp, _, err := handleQuery(t, env, "renal dosing for patient John Smith MRN 483921")
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}
	if !resp.Metadata.PHIDetected {
		t.Error("PHI verdict not surfaced in metadata")
	}
	if resp.Metadata.Model != "local-med-8b" {
		t.Errorf("model = %q, want the local model", resp.Metadata.Model)
	}
	if len(env.local.StreamCalls) != 1 || len(env.cloud.StreamCalls) != 0 {
		t.Errorf("stream calls local=%d cloud=%d, want 1/0",
			len(env.local.StreamCalls), len(env.cloud.StreamCalls))
	}
}

func TestOrchestrator_DetectorOutageAssumesPHI(t *testing.T) {
	env := newTestEnv(t)
	env.detector.DetectErr = errors.New("phi service unreachable")

	resp, _, err := handleQuery(t, env, "first-line therapy for type 2 diabetes")
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}
	if !resp.Metadata.PHIDetected {
		t.Error("detector outage must be treated as PHI present")
	}
	if len(env.cloud.StreamCalls) != 0 {
		t.Error("query reached the cloud model during a detector outage")
	}
	if len(env.local.StreamCalls) != 1 {
		t.Errorf("local stream calls = %d, want 1", len(env.local.StreamCalls))
	}
}

func TestOrchestrator_AllSourcesFailed(t *testing.T) {
	env := newTestEnv(t)
	env.source.SearchErr = errors.New("kb connection refused")

	_, _, err := handleQuery(t, env, "first-line therapy for type 2 diabetes")
	if codeOf(err) != fault.CodeKBUnavailable {
		t.Errorf("err = %v, want KB_UNAVAILABLE", err)
	}
	if len(env.cloud.StreamCalls)+len(env.local.StreamCalls) != 0 {
		t.Error("generation ran with no retrieved context")
	}
}

func TestOrchestrator_EmptyResultsStillAnswer(t *testing.T) {
	env := newTestEnv(t)
	env.source.Results = nil
	env.cloud.StreamChunks = streamOf("I found no specific guidance on that.")

	resp, _, err := handleQuery(t, env, "first-line therapy for type 2 diabetes")
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}
	if len(resp.Citations) != 0 {
		t.Errorf("citations = %+v, want none", resp.Citations)
	}
	if len(resp.Metadata.Sources) != 1 || resp.Metadata.Sources[0].Outcome != fanout.OutcomeEmpty {
		t.Errorf("source outcomes = %+v", resp.Metadata.Sources)
	}
}

func TestOrchestrator_GenerationFailure(t *testing.T) {
	env := newTestEnv(t)
	env.cloud.StreamErr = errors.New("upstream 503")

	_, _, err := handleQuery(t, env, "first-line therapy for type 2 diabetes")
	if codeOf(err) != fault.CodeLLMUnavailable {
		t.Errorf("err = %v, want LLM_UNAVAILABLE", err)
	}
}

func TestOrchestrator_GenerationFailureTripsModelBreaker(t *testing.T) {
	env := newTestEnv(t)
	env.cloud.StreamErr = errors.New("upstream 503")

	// FailureThreshold is 1, so one failed generation opens the cloud circuit.
	if _, _, err := handleQuery(t, env, "first-line therapy for type 2 diabetes"); err == nil {
		t.Fatal("expected the first query to fail")
	}

	resp, _, err := handleQuery(t, env, "first-line therapy for type 2 diabetes")
	if err != nil {
		t.Fatalf("fallback query: %v", err)
	}
	if resp.Metadata.Model != "local-med-8b" {
		t.Errorf("model = %q, want the local fallback", resp.Metadata.Model)
	}
	if len(env.cloud.StreamCalls) != 1 {
		t.Errorf("cloud stream calls = %d, want 1 (circuit must block the second)",
			len(env.cloud.StreamCalls))
	}
}

func TestOrchestrator_DegradedServesCachedExcerpts(t *testing.T) {
	env := newTestEnv(t)
	query := "first-line therapy for type 2 diabetes"

	// A healthy run caches its top excerpts.
	if _, _, err := handleQuery(t, env, query); err != nil {
		t.Fatalf("healthy run: %v", err)
	}
	forceDegraded(t, env)
	env.cloud.Reset()
	env.local.Reset()

	resp, chunks, err := handleQuery(t, env, query)
	if err != nil {
		t.Fatalf("degraded run: %v", err)
	}
	if !resp.Metadata.Degraded {
		t.Error("degraded flag not set")
	}
	if !strings.Contains(resp.Answer, "temporarily unavailable") {
		t.Errorf("answer missing the staleness notice: %q", resp.Answer)
	}
	if !strings.Contains(resp.Answer, "Metformin is first-line pharmacotherapy") {
		t.Errorf("answer missing the cached excerpt: %q", resp.Answer)
	}
	if len(chunks) != 0 {
		t.Errorf("degraded response streamed %d chunks", len(chunks))
	}
	if len(env.cloud.StreamCalls)+len(env.local.StreamCalls) != 0 {
		t.Error("generation ran while degraded")
	}
}

func TestOrchestrator_DegradedMissFailsWithRetryHint(t *testing.T) {
	env := newTestEnv(t)
	forceDegraded(t, env)

	_, _, err := handleQuery(t, env, "warfarin dosing in hepatic impairment")
	if codeOf(err) != fault.CodeDegradedMode {
		t.Fatalf("err = %v, want DEGRADED_MODE", err)
	}
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.RetryAfter != time.Minute {
		t.Errorf("retry hint = %v, want 1m", err)
	}
}

func TestOrchestrator_DegradedDropsCorruptCacheEntry(t *testing.T) {
	env := newTestEnv(t)
	query := "warfarin dosing in hepatic impairment"
	key := excerptKey(query)
	if err := env.cache.Set(context.Background(), key, []byte("not json"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	forceDegraded(t, env)

	if _, _, err := handleQuery(t, env, query); codeOf(err) != fault.CodeDegradedMode {
		t.Fatalf("err = %v, want DEGRADED_MODE", err)
	}
	if _, err := env.cache.Get(context.Background(), key); err == nil {
		t.Error("corrupt cache entry survived")
	}
}

func TestOrchestrator_CachesTopExcerpts(t *testing.T) {
	env := newTestEnv(t)
	query := "first-line therapy for type 2 diabetes"

	if _, _, err := handleQuery(t, env, query); err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}

	data, err := env.cache.Get(context.Background(), excerptKey(query))
	if err != nil {
		t.Fatalf("no cached excerpts: %v", err)
	}
	var cached []types.RankedResult
	if err := json.Unmarshal(data, &cached); err != nil {
		t.Fatalf("cached payload: %v", err)
	}
	if len(cached) == 0 || len(cached) > excerptLimit {
		t.Errorf("cached excerpts = %d, want 1..%d", len(cached), excerptLimit)
	}

	// The key normalises case and whitespace, so a rephrased query with the
	// same words hits the same entry.
	if _, err := env.cache.Get(context.Background(), excerptKey("  First-Line   THERAPY for type 2 diabetes ")); err != nil {
		t.Errorf("normalised key missed: %v", err)
	}
}

func TestOrchestrator_AuditTrail(t *testing.T) {
	st := storemock.New()
	st.Sessions["s1"] = store.Session{ID: "s1", UserID: "u1"}
	auditLog := audit.New(st, "test-salt", audit.WithFlushInterval(time.Hour))

	env := newTestEnv(t)
	env.orch.deps.Audit = auditLog
	env.orch.deps.Convo = convo.NewManager(memory.New(), st)

	if _, _, err := handleQuery(t, env, "first-line therapy for type 2 diabetes"); err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}
	if err := auditLog.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(st.AuditRecs) == 0 {
		t.Fatal("no audit records written")
	}
	rec := st.AuditRecs[len(st.AuditRecs)-1]
	if rec.Action != "query.completed" || rec.Outcome != "success" {
		t.Errorf("audit record = %+v", rec)
	}
	if rec.UserHash == "u1" {
		t.Error("audit record carries the raw user id")
	}
}
