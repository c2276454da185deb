package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestTraceID_NoSpan(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID(background) = %q, want empty", got)
	}
}

func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	exp := withTestTracer(t)

	ctx, span := StartSpan(context.Background(), "gateway.query")
	tid := TraceID(ctx)
	span.End()

	if len(tid) != 32 {
		t.Fatalf("trace ID = %q, want 32 hex chars", tid)
	}
	for _, c := range tid {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			t.Fatalf("trace ID %q contains non-hex character %q", tid, c)
		}
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "gateway.query" {
		t.Errorf("span name = %q", spans[0].Name)
	}
}

// A per-query span opened under a session's connection span must report the
// same trace ID, so everything a query touches lands in one trace.
func TestStartSpan_ChildKeepsTraceID(t *testing.T) {
	withTestTracer(t)

	ctx, parent := StartSpan(context.Background(), "HTTP GET /ws")
	defer parent.End()

	childCtx, child := StartSpan(ctx, "gateway.query")
	defer child.End()

	if got, want := TraceID(childCtx), TraceID(ctx); got != want {
		t.Errorf("child trace ID = %q, want parent's %q", got, want)
	}
}

// captureLog swaps the default logger for one writing to the returned
// buffer, restoring the original when the test ends.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestLogger_AttachesSpanIdentity(t *testing.T) {
	withTestTracer(t)
	buf := captureLog(t)

	ctx, span := StartSpan(context.Background(), "orchestrator.handle")
	defer span.End()

	Logger(ctx).Info("query accepted")

	logged := buf.String()
	if !strings.Contains(logged, "trace_id=") {
		t.Errorf("log line missing trace_id: %s", logged)
	}
	if !strings.Contains(logged, "span_id=") {
		t.Errorf("log line missing span_id: %s", logged)
	}
}

func TestLogger_PlainWithoutSpan(t *testing.T) {
	buf := captureLog(t)

	Logger(context.Background()).Info("startup")

	if logged := buf.String(); strings.Contains(logged, "trace_id") {
		t.Errorf("log line should not carry trace_id: %s", logged)
	}
}
