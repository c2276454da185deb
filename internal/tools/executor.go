package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/halcyon-health/halcyon/internal/audit"
	"github.com/halcyon-health/halcyon/internal/fault"
	"github.com/halcyon-health/halcyon/internal/observe"
	"github.com/halcyon-health/halcyon/pkg/provider/phi"
	"github.com/halcyon-health/halcyon/pkg/store"
	"github.com/halcyon-health/halcyon/pkg/types"
)

// DefaultExecutionTimeout bounds tool execution when the definition carries
// no TimeoutSeconds.
const DefaultExecutionTimeout = 30 * time.Second

// Authorizer decides whether a user may invoke a tool.
type Authorizer interface {
	// Authorize returns nil when the user may invoke the tool described by
	// def, or an error explaining the denial.
	Authorize(ctx context.Context, userID string, def types.ToolDefinition) error
}

// RiskAuthorizer permits tools up to a maximum risk level, with optional
// per-user overrides. Risk levels order low < medium < high; an unknown
// level is treated as high.
type RiskAuthorizer struct {
	// MaxRisk is the default ceiling ("low", "medium", "high").
	MaxRisk string

	// UserMaxRisk overrides MaxRisk for specific user ids.
	UserMaxRisk map[string]string
}

// Authorize implements [Authorizer].
func (a *RiskAuthorizer) Authorize(_ context.Context, userID string, def types.ToolDefinition) error {
	ceiling := a.MaxRisk
	if override, ok := a.UserMaxRisk[userID]; ok {
		ceiling = override
	}
	if riskRank(def.RiskLevel) > riskRank(ceiling) {
		return fmt.Errorf("tool %q risk level %q exceeds permitted %q", def.Name, def.RiskLevel, ceiling)
	}
	return nil
}

func riskRank(level string) int {
	switch level {
	case "low", "":
		return 0
	case "medium":
		return 1
	default:
		return 2
	}
}

// Request describes one tool invocation to execute.
type Request struct {
	// Name is the tool name; RawArgs the JSON argument payload as received.
	Name    string
	RawArgs string

	UserID    string
	SessionID string
	TraceID   string
}

// Executor drives tool calls through the lifecycle state machine: schema
// validation, authorization with the PHI routing check, rate limiting, the
// confirmation round-trip, bounded execution, and audit of every transition.
type Executor struct {
	registry *Registry
	detector phi.Detector
	auth     Authorizer
	limiter  *RateLimiter
	broker   *ConfirmationBroker
	publish  ConfirmationPublisher
	audit    *audit.Logger
	store    store.ConversationStore
	metrics  *observe.Metrics

	confirmTimeout time.Duration
	defaultTimeout time.Duration
}

// ExecutorOption configures an [Executor].
type ExecutorOption func(*Executor)

// WithConfirmationPublisher sets the callback that surfaces confirmation
// requests to the user.
func WithConfirmationPublisher(p ConfirmationPublisher) ExecutorOption {
	return func(e *Executor) { e.publish = p }
}

// WithConfirmationTimeout overrides the confirmation wait.
func WithConfirmationTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.confirmTimeout = d
		}
	}
}

// WithDefaultExecutionTimeout overrides the execution bound used when a tool
// definition carries no TimeoutSeconds.
func WithDefaultExecutionTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithMetrics attaches the instrument set.
func WithMetrics(m *observe.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor builds an [Executor]. detector gates the PHI routing check,
// auth decides RBAC, auditLog records every transition, and st persists the
// terminal tool-call record.
func NewExecutor(reg *Registry, detector phi.Detector, auth Authorizer, auditLog *audit.Logger, st store.ConversationStore, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:       reg,
		detector:       detector,
		auth:           auth,
		limiter:        NewRateLimiter(),
		broker:         NewConfirmationBroker(),
		audit:          auditLog,
		store:          st,
		confirmTimeout: DefaultConfirmationTimeout,
		defaultTimeout: DefaultExecutionTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Confirm delivers the user's confirmation response for a pending call.
// Returns false when the call is no longer waiting.
func (e *Executor) Confirm(callID string, approved bool) bool {
	return e.broker.Resolve(callID, approved)
}

// Definitions exposes the registered tool catalogue.
func (e *Executor) Definitions() []types.ToolDefinition {
	return e.registry.Definitions()
}

// Execute runs one tool call end to end and returns its terminal result.
// The returned Result always carries a terminal state; Go errors are reserved
// for misuse (nil registry), never for tool failures.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	call := Call{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Arguments: req.RawArgs,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		TraceID:   req.TraceID,
		State:     StateReceived,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	e.transition(&call, StateReceived, "")

	handler, ok := e.registry.Get(req.Name)
	if !ok {
		return e.fail(ctx, &call, StateFailed, fault.CodeValidation,
			fmt.Sprintf("unknown tool %q", req.Name), nil, 0)
	}
	def := handler.Definition()

	// received → validated.
	if err := e.registry.ValidateArgs(req.Name, req.RawArgs); err != nil {
		return e.fail(ctx, &call, StateFailed, fault.CodeValidation, err.Error(), nil, 0)
	}
	e.transition(&call, StateValidated, "")

	// validated → authorized: RBAC first, then the PHI routing check.
	if e.auth != nil {
		if err := e.auth.Authorize(ctx, req.UserID, def); err != nil {
			return e.fail(ctx, &call, StateFailed, fault.CodePermissionDenied, err.Error(), nil, 0)
		}
	}
	entities, phiErr := e.detectPHI(ctx, req.RawArgs)
	call.PHIInvolved = len(entities) > 0 || phiErr != nil
	if !def.RequiresPHI && call.PHIInvolved {
		msg := "arguments contain protected health information"
		if phiErr != nil {
			msg = "PHI detection unavailable, assuming protected content"
		}
		return e.fail(ctx, &call, StateFailed, fault.CodePHIViolation, msg, entities, 0)
	}
	e.transition(&call, StateAuthorized, "")

	// authorized → rate_checked.
	if !e.limiter.Allow(def.Name, req.UserID, def.RateLimitPerMinute) {
		return e.fail(ctx, &call, StateFailed, fault.CodeRateLimitExceeded,
			fmt.Sprintf("rate limit of %d/min exceeded for %q", def.RateLimitPerMinute, def.Name),
			entities, 0)
	}
	e.transition(&call, StateRateChecked, "")

	// rate_checked → awaiting_confirmation → executing | cancelled.
	confirmed := false
	if def.RequiresConfirmation {
		e.transition(&call, StateAwaitingConfirmation, "")
		ch := e.broker.register(call.ID)
		if e.publish != nil {
			e.publish(ctx, call)
		}
		approved, responded := e.broker.await(ctx, call.ID, ch, e.confirmTimeout)
		switch {
		case !responded:
			return e.fail(ctx, &call, StateCancelled, "", "confirmation timed out", entities, 0)
		case !approved:
			return e.fail(ctx, &call, StateCancelled, "", "user denied confirmation", entities, 0)
		}
		confirmed = true
	}

	// executing → completed | failed | timeout.
	e.transition(&call, StateExecuting, "")
	timeout := e.defaultTimeout
	if def.TimeoutSeconds > 0 {
		timeout = time.Duration(def.TimeoutSeconds) * time.Second
	}

	start := time.Now()
	content, err := e.invoke(ctx, handler, req.RawArgs, timeout)
	if err != nil && def.Idempotent && !confirmed && isRetryable(err) {
		slog.Info("retrying idempotent tool after transient failure",
			"tool", def.Name, "tool_call_id", call.ID, "err", err)
		content, err = e.invoke(ctx, handler, req.RawArgs, timeout)
	}
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return e.fail(ctx, &call, StateTimeout, fault.CodeToolTimeout,
				fmt.Sprintf("tool %q exceeded %s", def.Name, timeout), entities, elapsed)
		}
		if ctx.Err() != nil {
			return e.fail(ctx, &call, StateCancelled, "", "request cancelled", entities, elapsed)
		}
		return e.fail(ctx, &call, StateFailed, fault.CodeToolInternal, err.Error(), entities, elapsed)
	}

	e.transition(&call, StateCompleted, "")
	res := Result{
		CallID:   call.ID,
		Name:     call.Name,
		Success:  true,
		Content:  content,
		State:    StateCompleted,
		Duration: elapsed,
	}
	e.finish(ctx, &call, res, entities)
	return res
}

// invoke runs the handler under the per-call deadline.
func (e *Executor) invoke(ctx context.Context, handler Handler, args string, timeout time.Duration) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return handler.Invoke(execCtx, args)
}

// detectPHI classifies the serialized argument payload. A detector outage is
// reported as an error so callers adopt the conservative verdict.
func (e *Executor) detectPHI(ctx context.Context, args string) ([]types.PHIEntity, error) {
	if e.detector == nil || args == "" {
		return nil, nil
	}
	verdict, err := e.detector.Detect(ctx, args)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordClassifierFailure(ctx, "phi")
		}
		return nil, err
	}
	if !verdict.HasPHI {
		return nil, nil
	}
	return verdict.Entities, nil
}

// fail moves the call to a terminal failure state and records it.
func (e *Executor) fail(ctx context.Context, call *Call, state State, kind fault.Code, msg string, entities []types.PHIEntity, elapsed time.Duration) Result {
	e.transition(call, state, msg)
	res := Result{
		CallID:       call.ID,
		Name:         call.Name,
		State:        state,
		ErrorKind:    string(kind),
		ErrorMessage: msg,
		Duration:     elapsed,
	}
	e.finish(ctx, call, res, entities)
	return res
}

// transition advances the call state, audits it, and logs it.
func (e *Executor) transition(call *Call, to State, note string) {
	from := call.State
	call.State = to
	call.UpdatedAt = time.Now().UTC()

	slog.Debug("tool call transition",
		"tool", call.Name, "tool_call_id", call.ID,
		"from", string(from), "to", string(to))

	if e.audit == nil {
		return
	}
	detail := map[string]any{"tool": call.Name, "from": string(from), "to": string(to)}
	if note != "" {
		detail["note"] = note
	}
	e.audit.Log(audit.Event{
		TraceID:     call.TraceID,
		UserID:      call.UserID,
		SessionID:   call.SessionID,
		Action:      "tool.transition",
		Subject:     call.ID,
		Outcome:     transitionOutcome(to),
		PHIInvolved: call.PHIInvolved,
		Detail:      detail,
	})
}

// finish persists the terminal record, audits the outcome, and records
// metrics. Arguments are redacted before leaving the executor.
func (e *Executor) finish(ctx context.Context, call *Call, res Result, entities []types.PHIEntity) {
	redactedArgs := audit.Redact(call.Arguments, entities)

	if e.store != nil {
		rec := store.ToolCallRecord{
			ID:           call.ID,
			SessionID:    call.SessionID,
			UserID:       call.UserID,
			TraceID:      call.TraceID,
			Name:         call.Name,
			Arguments:    redactedArgs,
			State:        string(res.State),
			Success:      res.Success,
			Result:       res.Content,
			ErrorKind:    res.ErrorKind,
			ErrorMessage: res.ErrorMessage,
			PHIInvolved:  call.PHIInvolved,
			CreatedAt:    call.CreatedAt,
			Duration:     res.Duration,
		}
		if err := e.store.SaveToolCall(ctx, rec); err != nil {
			slog.Error("tool call record not persisted",
				"tool_call_id", call.ID, "err", err)
		}
	}

	if e.audit != nil {
		e.audit.Log(audit.Event{
			TraceID:     call.TraceID,
			UserID:      call.UserID,
			SessionID:   call.SessionID,
			Action:      "tool.executed",
			Subject:     call.ID,
			Outcome:     resultOutcome(res),
			PHIInvolved: call.PHIInvolved,
			Detail: map[string]any{
				"tool":       call.Name,
				"arguments":  redactedArgs,
				"state":      string(res.State),
				"error_kind": res.ErrorKind,
			},
			Duration: res.Duration,
		})
	}

	if e.metrics != nil {
		e.metrics.RecordToolCall(ctx, call.Name, string(res.State))
		if res.Duration > 0 {
			e.metrics.ToolExecutionDuration.Record(ctx, res.Duration.Seconds(),
				metric.WithAttributes(attribute.String("tool", call.Name)))
		}
	}
}

func transitionOutcome(s State) string {
	switch s {
	case StateFailed, StateTimeout:
		return "failure"
	case StateCancelled:
		return "cancelled"
	default:
		return "success"
	}
}

func resultOutcome(res Result) string {
	switch {
	case res.Success:
		return "success"
	case res.State == StateCancelled:
		return "cancelled"
	case res.ErrorKind == string(fault.CodePermissionDenied) || res.ErrorKind == string(fault.CodePHIViolation):
		return "denied"
	default:
		return "failure"
	}
}

// isRetryable reports whether a tool failure qualifies for the single retry
// granted to idempotent tools.
func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return fault.IsTransient(err) || !isPermanent(err)
}

func isPermanent(err error) bool {
	code, ok := fault.CodeOf(err)
	return ok && code.Class() == fault.ClassPermanent
}
