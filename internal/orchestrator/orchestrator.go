// Package orchestrator wires the full query lifecycle: conversation context,
// PHI classification, intent classification, the clarification gate, source
// selection and fan-out, reranking, PHI-aware model routing, streamed answer
// generation with tool calls, response assembly, persistence, and audit.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/halcyon-health/halcyon/internal/answer"
	"github.com/halcyon-health/halcyon/internal/audit"
	"github.com/halcyon-health/halcyon/internal/clarify"
	"github.com/halcyon-health/halcyon/internal/classify"
	"github.com/halcyon-health/halcyon/internal/convo"
	"github.com/halcyon-health/halcyon/internal/fanout"
	"github.com/halcyon-health/halcyon/internal/fault"
	"github.com/halcyon-health/halcyon/internal/modelroute"
	"github.com/halcyon-health/halcyon/internal/observe"
	"github.com/halcyon-health/halcyon/internal/rank"
	"github.com/halcyon-health/halcyon/internal/resilience"
	"github.com/halcyon-health/halcyon/internal/selector"
	"github.com/halcyon-health/halcyon/pkg/cache"
	"github.com/halcyon-health/halcyon/pkg/provider/phi"
	"github.com/halcyon-health/halcyon/pkg/store"
	"github.com/halcyon-health/halcyon/pkg/types"
)

const (
	// DefaultDeadline bounds one text query end to end.
	DefaultDeadline = 30 * time.Second

	// DefaultExcerptTTL is how long successful retrievals stay cached as
	// degraded-mode fallback material.
	DefaultExcerptTTL = 24 * time.Hour

	// degradedNotice is prepended to every answer served from cache while
	// the system is degraded.
	degradedNotice = "Live retrieval is temporarily unavailable. The excerpts " +
		"below come from a recent cached search for a similar question and may " +
		"be out of date. Verify against primary sources before acting."

	// excerptLimit caps how many ranked results are cached per query.
	excerptLimit = 3
)

// Request is one user query.
type Request struct {
	SessionID string
	UserID    string
	Query     string

	// TraceID is filled from the active span, or minted, when empty.
	TraceID string

	// MessageID pre-assigns the assistant message id, so a transport can
	// reference it in stream events before assembly. Assigned when empty.
	MessageID string
}

// Deps are the collaborators the orchestrator is built from. Tools, Degraded,
// and Metrics may be nil.
type Deps struct {
	Convo      *convo.Manager
	Detector   phi.Detector
	Classifier classify.Classifier
	Gate       *clarify.Gate
	Selector   *selector.Selector
	Fanout     *fanout.Fanout
	Ranker     *rank.Ranker
	Router     *modelroute.Router
	Tools      answer.ToolRunner
	Audit      *audit.Logger
	Degraded   *resilience.DegradedController
	Cache      cache.Cache
	Metrics    *observe.Metrics
}

// Orchestrator drives the query lifecycle.
type Orchestrator struct {
	deps       Deps
	deadline   time.Duration
	excerptTTL time.Duration
	genOpts    []answer.GeneratorOption
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithDeadline overrides the global text-query deadline.
func WithDeadline(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.deadline = d
		}
	}
}

// WithExcerptTTL overrides how long degraded-mode excerpts are kept.
func WithExcerptTTL(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.excerptTTL = d
		}
	}
}

// WithGeneratorOptions forwards options to every generation.
func WithGeneratorOptions(opts ...answer.GeneratorOption) Option {
	return func(o *Orchestrator) { o.genOpts = opts }
}

// New builds an [Orchestrator].
func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		deps:       deps,
		deadline:   DefaultDeadline,
		excerptTTL: DefaultExcerptTTL,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleQuery runs one text query end to end, calling emit for every streamed
// answer chunk. The returned response is the assembled final answer; on error
// the caller receives a boundary [fault.Error] where one applies.
func (o *Orchestrator) HandleQuery(ctx context.Context, req Request, emit func(answer.Chunk) error) (types.QueryResponse, error) {
	return o.handle(ctx, req, emit, o.deps.Tools)
}

// HandleQueryWithTools is [Orchestrator.HandleQuery] with a request-scoped
// tool runner, letting a transport observe tool activity on its own stream.
// A nil runner falls back to the configured one.
func (o *Orchestrator) HandleQueryWithTools(ctx context.Context, req Request, emit func(answer.Chunk) error, runner answer.ToolRunner) (types.QueryResponse, error) {
	if runner == nil {
		runner = o.deps.Tools
	}
	return o.handle(ctx, req, emit, runner)
}

func (o *Orchestrator) handle(ctx context.Context, req Request, emit func(answer.Chunk) error, runner answer.ToolRunner) (types.QueryResponse, error) {
	start := time.Now()
	if req.TraceID == "" {
		if req.TraceID = observe.TraceID(ctx); req.TraceID == "" {
			req.TraceID = uuid.NewString()
		}
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	cc, err := o.deps.Convo.Get(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.QueryResponse{}, fault.New(fault.CodeSessionNotFound,
				"orchestrator", "session not found").WithTrace(req.TraceID)
		}
		return types.QueryResponse{}, fault.Wrap(fault.CodeDegradedMode,
			"orchestrator", err).WithTrace(req.TraceID)
	}

	verdict := o.detectPHI(ctx, req)
	intent := o.classifyIntent(ctx, req, cc.Messages)

	meta := types.ResponseMetadata{
		PHIDetected: verdict.HasPHI,
		Intent:      intent.Tag,
		TraceID:     req.TraceID,
	}

	if gate := o.deps.Gate.Check(req.Query, intent); gate.Needed {
		resp := answer.AssembleClarification(gate.Question, meta)
		resp.MessageID = req.MessageID
		o.persistExchange(ctx, req, resp)
		o.recordQuery(ctx, req, resp, intent.Tag, "clarification", verdict.HasPHI, start,
			map[string]any{"reason": string(gate.Reason)})
		return resp, nil
	}

	if o.deps.Degraded != nil && o.deps.Degraded.Active() {
		return o.serveDegraded(ctx, req, intent, verdict, start)
	}

	sources := o.deps.Selector.Select(intent.Tag, cc.Session.Preferences)
	fo := o.deps.Fanout.SearchAll(ctx, req.Query, sources)
	meta.Sources = fo.Outcomes

	if allSourcesFailed(fo.Outcomes) {
		o.auditQuery(req, "query.completed", "failure", verdict.HasPHI, "", time.Since(start),
			map[string]any{"error": "all sources failed"})
		o.metricQuery(ctx, intent.Tag, "error")
		return types.QueryResponse{}, fault.New(fault.CodeKBUnavailable,
			"fanout", "no knowledge source is currently reachable").WithTrace(req.TraceID)
	}

	rankStart := time.Now()
	ranked := o.deps.Ranker.Rank(ctx, req.Query, fo.Results, selector.Priorities(sources))
	if o.deps.Metrics != nil {
		o.deps.Metrics.RerankDuration.Record(ctx, time.Since(rankStart).Seconds())
	}

	route, err := o.deps.Router.Choose(ctx, verdict)
	if err != nil {
		o.auditQuery(req, "query.completed", "failure", verdict.HasPHI, "", time.Since(start),
			map[string]any{"error": "no model route"})
		o.metricQuery(ctx, intent.Tag, "error")
		return types.QueryResponse{}, traced(err, req.TraceID)
	}

	gen := answer.NewGenerator(runner, o.genOpts...)
	var totals answer.Totals
	err = o.deps.Router.Guard(route, func() error {
		var genErr error
		totals, genErr = gen.Generate(ctx, route.Provider, answer.Input{
			Query:           req.Query,
			Snippets:        ranked,
			ClinicalContext: cc.Session.ClinicalContext,
			History:         cc.Messages,
			UserID:          req.UserID,
			SessionID:       req.SessionID,
			TraceID:         req.TraceID,
		}, emit)
		return genErr
	})
	if err != nil {
		code := fault.CodeLLMUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			code = fault.CodeLLMTimeout
		}
		o.auditQuery(req, "query.completed", "failure", verdict.HasPHI, "", time.Since(start),
			map[string]any{"error_kind": string(code)})
		o.metricQuery(ctx, intent.Tag, "error")
		return types.QueryResponse{}, fault.Wrap(code, "answer", err).WithTrace(req.TraceID)
	}

	meta.Model = route.Provider.ModelID()
	meta.ToolCalls = totals.ToolCallIDs
	meta.PromptTokens = totals.PromptTokens
	meta.CompletionTokens = totals.CompletionTokens
	meta.CostUSD = totals.CostUSD

	resp := answer.Assemble(totals.Text, ranked, meta)
	resp.MessageID = req.MessageID

	o.persistExchange(ctx, req, resp)
	o.cacheExcerpts(ctx, req.Query, ranked)
	o.recordQuery(ctx, req, resp, intent.Tag, "success", verdict.HasPHI, start, map[string]any{
		"model":          meta.Model,
		"citations":      len(resp.Citations),
		"tool_calls":     len(meta.ToolCalls),
		"first_token_ms": totals.FirstToken.Milliseconds(),
	})
	return resp, nil
}

// detectPHI runs the PHI detector. A detector outage is conservative: the
// query is treated as PHI-positive so it can only route to local models.
func (o *Orchestrator) detectPHI(ctx context.Context, req Request) types.PHIVerdict {
	verdict, err := o.deps.Detector.Detect(ctx, req.Query)
	if err != nil {
		slog.Warn("phi detector unavailable, assuming PHI present",
			"trace_id", req.TraceID, "err", err)
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordClassifierFailure(ctx, "phi")
		}
		return types.PHIVerdict{HasPHI: true}
	}
	if verdict.HasPHI && o.deps.Metrics != nil {
		o.deps.Metrics.PHIDetections.Add(ctx, 1)
	}
	return verdict
}

// classifyIntent runs the intent classifier chain. If even the rules fallback
// fails, the query proceeds as a confident general question rather than failing.
func (o *Orchestrator) classifyIntent(ctx context.Context, req Request, recent []types.Message) types.Intent {
	intent, err := o.deps.Classifier.Classify(ctx, req.Query, recent)
	if err != nil {
		slog.Warn("intent classification failed, defaulting to general",
			"trace_id", req.TraceID, "err", err)
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordClassifierFailure(ctx, "intent")
		}
		return types.Intent{Tag: types.IntentGeneral, Confidence: 1}
	}
	return intent
}

// serveDegraded answers from cached excerpts while the system is degraded.
// With no cached material for a similar query, the request fails with
// DEGRADED_MODE and a retry hint.
func (o *Orchestrator) serveDegraded(ctx context.Context, req Request, intent types.Intent, verdict types.PHIVerdict, start time.Time) (types.QueryResponse, error) {
	meta := types.ResponseMetadata{
		PHIDetected: verdict.HasPHI,
		Intent:      intent.Tag,
		TraceID:     req.TraceID,
		Degraded:    true,
	}

	miss := func() (types.QueryResponse, error) {
		o.metricQuery(ctx, intent.Tag, "degraded_miss")
		o.auditQuery(req, "query.degraded", "failure", verdict.HasPHI, "", time.Since(start), nil)
		return types.QueryResponse{}, fault.New(fault.CodeDegradedMode, "orchestrator",
			"service is degraded and no cached material matches this query").
			WithTrace(req.TraceID).WithRetryAfter(time.Minute)
	}

	data, err := o.deps.Cache.Get(ctx, excerptKey(req.Query))
	if err != nil {
		return miss()
	}

	var cached []types.RankedResult
	if err := json.Unmarshal(data, &cached); err != nil || len(cached) == 0 {
		_ = o.deps.Cache.Delete(ctx, excerptKey(req.Query))
		return miss()
	}

	var sb strings.Builder
	sb.WriteString(degradedNotice)
	sb.WriteString("\n")
	for i, r := range cached {
		fmt.Fprintf(&sb, "\n[%d] %s", i+1, excerpt(r.Content))
	}

	resp := answer.Assemble(sb.String(), cached, meta)
	resp.MessageID = req.MessageID
	if o.deps.Metrics != nil {
		o.deps.Metrics.DegradedResponses.Add(ctx, 1)
	}
	o.persistExchange(ctx, req, resp)
	o.recordQuery(ctx, req, resp, intent.Tag, "degraded", verdict.HasPHI, start, nil)
	return resp, nil
}

// persistExchange appends the user query and the assistant answer to the
// session history. Persistence failures are logged and audited but do not
// fail a response the client already received.
func (o *Orchestrator) persistExchange(ctx context.Context, req Request, resp types.QueryResponse) {
	now := time.Now().UTC()
	userMsg := types.Message{
		ID:        uuid.NewString(),
		Role:      "user",
		Content:   req.Query,
		CreatedAt: now,
	}
	if err := o.deps.Convo.AppendMessage(ctx, req.SessionID, userMsg, nil); err != nil {
		slog.Error("persist user message failed", "trace_id", req.TraceID, "err", err)
		return
	}

	assistantMsg := types.Message{
		ID:        resp.MessageID,
		Role:      "assistant",
		Content:   resp.Answer,
		CreatedAt: now.Add(time.Millisecond),
	}
	if err := o.deps.Convo.AppendMessage(ctx, req.SessionID, assistantMsg, resp.Citations); err != nil {
		slog.Error("persist assistant message failed", "trace_id", req.TraceID, "err", err)
	}
}

// cacheExcerpts stores the top ranked results as degraded-mode fallback
// material for similar future queries.
func (o *Orchestrator) cacheExcerpts(ctx context.Context, query string, ranked []types.RankedResult) {
	if len(ranked) == 0 {
		return
	}
	top := ranked
	if len(top) > excerptLimit {
		top = top[:excerptLimit]
	}
	data, err := json.Marshal(top)
	if err != nil {
		return
	}
	if err := o.deps.Cache.Set(ctx, excerptKey(query), data, o.excerptTTL); err != nil {
		slog.Warn("excerpt cache write failed", "err", err)
	}
}

func (o *Orchestrator) recordQuery(ctx context.Context, req Request, resp types.QueryResponse, intent types.IntentTag, status string, phiInvolved bool, start time.Time, detail map[string]any) {
	o.metricQuery(ctx, intent, status)
	outcome := "success"
	if status == "error" {
		outcome = "failure"
	}
	o.auditQuery(req, "query.completed", outcome, phiInvolved, resp.MessageID, time.Since(start), detail)
}

func (o *Orchestrator) metricQuery(ctx context.Context, intent types.IntentTag, status string) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordQuery(ctx, string(intent), status)
	}
}

func (o *Orchestrator) auditQuery(req Request, action, outcome string, phiInvolved bool, subject string, d time.Duration, detail map[string]any) {
	if o.deps.Audit == nil {
		return
	}
	o.deps.Audit.Log(audit.Event{
		TraceID:     req.TraceID,
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		Action:      action,
		Subject:     subject,
		Outcome:     outcome,
		PHIInvolved: phiInvolved,
		Detail:      detail,
		Duration:    d,
	})
}

// allSourcesFailed reports whether every selected source errored, timed out,
// or sat behind an open circuit. Empty result sets are not failures.
func allSourcesFailed(outcomes []types.SourceOutcome) bool {
	if len(outcomes) == 0 {
		return false
	}
	for _, oc := range outcomes {
		switch oc.Outcome {
		case fanout.OutcomeTimeout, fanout.OutcomeError, fanout.OutcomeCircuitOpen:
		default:
			return false
		}
	}
	return true
}

// traced stamps the trace id onto a boundary error, leaving other errors as
// they are.
func traced(err error, traceID string) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.WithTrace(traceID)
	}
	return err
}

// excerptKey derives the degraded-mode cache key from the normalised query,
// so small wording differences still hit the same excerpts.
func excerptKey(query string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	sum := sha256.Sum256([]byte(norm))
	return "degraded:" + hex.EncodeToString(sum[:8])
}

// excerpt truncates content to a citation-sized snippet.
func excerpt(content string) string {
	const max = 300
	content = strings.TrimSpace(content)
	if len(content) <= max {
		return content
	}
	cut := strings.LastIndexByte(content[:max], ' ')
	if cut < max/2 {
		cut = max
	}
	return content[:cut] + "…"
}
