package tools

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/halcyon-health/halcyon/internal/audit"
	"github.com/halcyon-health/halcyon/internal/fault"
	phimock "github.com/halcyon-health/halcyon/pkg/provider/phi/mock"
	storemock "github.com/halcyon-health/halcyon/pkg/store/mock"
	"github.com/halcyon-health/halcyon/pkg/types"
)

// stubTool is an in-package handler double.
type stubTool struct {
	def types.ToolDefinition
	fn  func(ctx context.Context, args string) (string, error)

	mu    sync.Mutex
	calls int
}

func (s *stubTool) Definition() types.ToolDefinition { return s.def }

func (s *stubTool) Invoke(ctx context.Context, args string) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(ctx, args)
	}
	return `{"ok":true}`, nil
}

func (s *stubTool) invocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type testEnv struct {
	executor *Executor
	registry *Registry
	detector *phimock.Detector
	store    *storemock.Store
	audit    *audit.Logger
}

func newEnv(t *testing.T, opts ...ExecutorOption) *testEnv {
	t.Helper()
	st := storemock.New()
	auditLog := audit.New(st, "test-salt", audit.WithFlushInterval(time.Hour))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = auditLog.Close(ctx)
	})

	reg := NewRegistry()
	det := &phimock.Detector{}
	exec := NewExecutor(reg, det, &RiskAuthorizer{MaxRisk: "high"}, auditLog, st, opts...)
	return &testEnv{executor: exec, registry: reg, detector: det, store: st, audit: auditLog}
}

func request(name, args string) Request {
	return Request{Name: name, RawArgs: args, UserID: "u1", SessionID: "s1", TraceID: "t1"}
}

func TestExecute_CompletesAndPersists(t *testing.T) {
	env := newEnv(t)
	tool := &stubTool{def: types.ToolDefinition{Name: "drug_interactions"}}
	if err := env.registry.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res := env.executor.Execute(context.Background(), request("drug_interactions", `{"drugs":["warfarin"]}`))
	if !res.Success || res.State != StateCompleted {
		t.Fatalf("result = %+v", res)
	}
	if res.Content != `{"ok":true}` {
		t.Errorf("content = %q", res.Content)
	}

	rec, ok := env.store.ToolCalls[res.CallID]
	if !ok {
		t.Fatal("terminal record not persisted")
	}
	if rec.State != "completed" || !rec.Success || rec.Name != "drug_interactions" {
		t.Errorf("record = %+v", rec)
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	env := newEnv(t)
	res := env.executor.Execute(context.Background(), request("nope", "{}"))
	if res.State != StateFailed || res.ErrorKind != string(fault.CodeValidation) {
		t.Errorf("result = %+v, want VALIDATION_ERROR failure", res)
	}
}

func TestExecute_SchemaRejection(t *testing.T) {
	env := newEnv(t)
	tool := &stubTool{def: types.ToolDefinition{
		Name: "create_calendar_event",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"title": map[string]any{"type": "string"}},
			"required":   []any{"title"},
		},
	}}
	if err := env.registry.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res := env.executor.Execute(context.Background(), request("create_calendar_event", `{"when":"tomorrow"}`))
	if res.State != StateFailed || res.ErrorKind != string(fault.CodeValidation) {
		t.Errorf("result = %+v, want schema validation failure", res)
	}
	if tool.invocations() != 0 {
		t.Error("handler ran despite invalid arguments")
	}
}

func TestExecute_AuthorizationDenied(t *testing.T) {
	st := storemock.New()
	auditLog := audit.New(st, "salt", audit.WithFlushInterval(time.Hour))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = auditLog.Close(ctx)
	}()

	reg := NewRegistry()
	tool := &stubTool{def: types.ToolDefinition{Name: "patient_summary", RiskLevel: "high"}}
	if err := reg.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec := NewExecutor(reg, &phimock.Detector{}, &RiskAuthorizer{MaxRisk: "low"}, auditLog, st)

	res := exec.Execute(context.Background(), request("patient_summary", "{}"))
	if res.State != StateFailed || res.ErrorKind != string(fault.CodePermissionDenied) {
		t.Errorf("result = %+v, want PERMISSION_DENIED", res)
	}
	if tool.invocations() != 0 {
		t.Error("handler ran despite denial")
	}
}

func TestExecute_PHIViolation(t *testing.T) {
	env := newEnv(t)
	tool := &stubTool{def: types.ToolDefinition{Name: "drug_interactions"}} // requires_phi=false
	if err := env.registry.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env.detector.Verdict = types.PHIVerdict{
		HasPHI: true,
		Entities: []types.PHIEntity{
			{Kind: types.PHIPersonName, Start: 10, End: 20, Surface: "John Smith"},
		},
	}

	args := `{"notes":"John Smith takes warfarin"}`
	res := env.executor.Execute(context.Background(), request("drug_interactions", args))
	if res.State != StateFailed || res.ErrorKind != string(fault.CodePHIViolation) {
		t.Fatalf("result = %+v, want PHI_VIOLATION", res)
	}
	if tool.invocations() != 0 {
		t.Error("handler ran with PHI in arguments")
	}

	rec := env.store.ToolCalls[res.CallID]
	if !rec.PHIInvolved {
		t.Error("record not flagged as PHI-involved")
	}
	if strings.Contains(rec.Arguments, "John Smith") {
		t.Errorf("raw PHI persisted in arguments: %q", rec.Arguments)
	}
	if !strings.Contains(rec.Arguments, "[PERSON_NAME]") {
		t.Errorf("arguments = %q, want kind marker", rec.Arguments)
	}
}

func TestExecute_DetectorOutageIsConservative(t *testing.T) {
	env := newEnv(t)
	tool := &stubTool{def: types.ToolDefinition{Name: "drug_interactions"}}
	if err := env.registry.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env.detector.DetectErr = errors.New("detector down")

	res := env.executor.Execute(context.Background(), request("drug_interactions", `{"drugs":[]}`))
	if res.State != StateFailed || res.ErrorKind != string(fault.CodePHIViolation) {
		t.Errorf("result = %+v, want conservative PHI_VIOLATION on detector outage", res)
	}
}

func TestExecute_PHICapableToolProceeds(t *testing.T) {
	env := newEnv(t)
	tool := &stubTool{def: types.ToolDefinition{Name: "patient_summary", RequiresPHI: true}}
	if err := env.registry.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env.detector.Verdict = types.PHIVerdict{
		HasPHI:   true,
		Entities: []types.PHIEntity{{Kind: types.PHIMRN, Start: 8, End: 15}},
	}

	res := env.executor.Execute(context.Background(), request("patient_summary", `{"mrn":"1234567"}`))
	if !res.Success {
		t.Fatalf("result = %+v, want success for PHI-capable tool", res)
	}
	if rec := env.store.ToolCalls[res.CallID]; !rec.PHIInvolved {
		t.Error("record not flagged as PHI-involved")
	}
}

func TestExecute_RateLimit(t *testing.T) {
	env := newEnv(t)
	tool := &stubTool{def: types.ToolDefinition{Name: "drug_interactions", RateLimitPerMinute: 2}}
	if err := env.registry.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for i := 0; i < 2; i++ {
		if res := env.executor.Execute(context.Background(), request("drug_interactions", "{}")); !res.Success {
			t.Fatalf("call %d = %+v", i, res)
		}
	}
	res := env.executor.Execute(context.Background(), request("drug_interactions", "{}"))
	if res.State != StateFailed || res.ErrorKind != string(fault.CodeRateLimitExceeded) {
		t.Errorf("result = %+v, want RATE_LIMIT_EXCEEDED", res)
	}
}

func TestExecute_ConfirmationApproved(t *testing.T) {
	published := make(chan Call, 1)
	env := newEnv(t, WithConfirmationPublisher(func(_ context.Context, c Call) {
		published <- c
	}))
	tool := &stubTool{def: types.ToolDefinition{Name: "create_calendar_event", RequiresConfirmation: true}}
	if err := env.registry.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	go func() {
		c := <-published
		env.executor.Confirm(c.ID, true)
	}()

	res := env.executor.Execute(context.Background(), request("create_calendar_event", "{}"))
	if !res.Success || res.State != StateCompleted {
		t.Fatalf("result = %+v, want completion after approval", res)
	}
}

func TestExecute_ConfirmationDenied(t *testing.T) {
	published := make(chan Call, 1)
	env := newEnv(t, WithConfirmationPublisher(func(_ context.Context, c Call) {
		published <- c
	}))
	tool := &stubTool{def: types.ToolDefinition{Name: "create_calendar_event", RequiresConfirmation: true}}
	if err := env.registry.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	go func() {
		c := <-published
		env.executor.Confirm(c.ID, false)
	}()

	res := env.executor.Execute(context.Background(), request("create_calendar_event", "{}"))
	if res.State != StateCancelled {
		t.Fatalf("result = %+v, want cancelled", res)
	}
	if tool.invocations() != 0 {
		t.Error("handler ran after denial")
	}
}

func TestExecute_ConfirmationTimeout(t *testing.T) {
	env := newEnv(t, WithConfirmationTimeout(30*time.Millisecond))
	tool := &stubTool{def: types.ToolDefinition{Name: "create_calendar_event", RequiresConfirmation: true}}
	if err := env.registry.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	start := time.Now()
	res := env.executor.Execute(context.Background(), request("create_calendar_event", "{}"))
	if res.State != StateCancelled {
		t.Fatalf("result = %+v, want cancelled on timeout", res)
	}
	if time.Since(start) > time.Second {
		t.Error("confirmation timeout not honoured")
	}
	if tool.invocations() != 0 {
		t.Error("handler ran without confirmation")
	}
	if rec := env.store.ToolCalls[res.CallID]; rec.State != "cancelled" {
		t.Errorf("record state = %q", rec.State)
	}
}

func TestExecute_ExecutionTimeout(t *testing.T) {
	env := newEnv(t, WithDefaultExecutionTimeout(30*time.Millisecond))
	tool := &stubTool{
		def: types.ToolDefinition{Name: "slow_tool"},
		fn: func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	if err := env.registry.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res := env.executor.Execute(context.Background(), request("slow_tool", "{}"))
	if res.State != StateTimeout || res.ErrorKind != string(fault.CodeToolTimeout) {
		t.Errorf("result = %+v, want TOOL_TIMEOUT", res)
	}
}

func TestExecute_IdempotentRetry(t *testing.T) {
	env := newEnv(t)
	var attempts int
	var mu sync.Mutex
	tool := &stubTool{
		def: types.ToolDefinition{Name: "drug_interactions", Idempotent: true},
		fn: func(_ context.Context, _ string) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return "", errors.New("transient backend hiccup")
			}
			return `{"ok":true}`, nil
		},
	}
	if err := env.registry.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res := env.executor.Execute(context.Background(), request("drug_interactions", "{}"))
	if !res.Success {
		t.Fatalf("result = %+v, want success on second attempt", res)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestExecute_NonIdempotentNoRetry(t *testing.T) {
	env := newEnv(t)
	tool := &stubTool{
		def: types.ToolDefinition{Name: "create_calendar_event"},
		fn: func(_ context.Context, _ string) (string, error) {
			return "", errors.New("backend down")
		},
	}
	if err := env.registry.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res := env.executor.Execute(context.Background(), request("create_calendar_event", "{}"))
	if res.State != StateFailed || res.ErrorKind != string(fault.CodeToolInternal) {
		t.Fatalf("result = %+v, want TOOL_INTERNAL_ERROR", res)
	}
	if tool.invocations() != 1 {
		t.Errorf("invocations = %d, want no retry", tool.invocations())
	}
}

func TestExecute_AuditTrailCoversTransitions(t *testing.T) {
	env := newEnv(t)
	tool := &stubTool{def: types.ToolDefinition{Name: "drug_interactions"}}
	if err := env.registry.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res := env.executor.Execute(context.Background(), request("drug_interactions", "{}"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := env.audit.Close(ctx); err != nil {
		t.Fatalf("audit close: %v", err)
	}

	var transitions, executed int
	for _, rec := range env.store.AuditRecords() {
		if rec.Subject != res.CallID {
			continue
		}
		switch rec.Action {
		case "tool.transition":
			transitions++
		case "tool.executed":
			executed++
		}
		if rec.UserHash == "u1" {
			t.Error("raw user id in audit record")
		}
	}
	// received, validated, authorized, rate_checked, executing, completed.
	if transitions != 6 {
		t.Errorf("transition events = %d, want 6", transitions)
	}
	if executed != 1 {
		t.Errorf("executed events = %d, want 1", executed)
	}
}
