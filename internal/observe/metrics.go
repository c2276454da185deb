// Package observe provides application-wide observability primitives for
// Halcyon: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Halcyon metrics.
const meterName = "github.com/halcyon-health/halcyon"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use - the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// SearchDuration tracks per-source fan-out latency. Use with attributes:
	//   attribute.String("source", ...), attribute.String("outcome", ...)
	SearchDuration metric.Float64Histogram

	// RerankDuration tracks rerank/filter latency for one result set.
	RerankDuration metric.Float64Histogram

	// FirstTokenLatency tracks time from prompt dispatch to first streamed
	// token. Use with attribute.String("model", ...).
	FirstTokenLatency metric.Float64Histogram

	// FirstAudioLatency tracks time from first token to first synthesised
	// audio chunk in the voice pipeline.
	FirstAudioLatency metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency. Use with
	// attribute.String("tool", ...).
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// Queries counts completed queries. Use with attributes:
	//   attribute.String("intent", ...), attribute.String("status", ...)
	Queries metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// PHIDetections counts queries in which PHI was detected.
	PHIDetections metric.Int64Counter

	// PHICloudRoutes counts PHI-positive queries that were still routed to a
	// cloud model (possible only outside HIPAA mode). Always worth alerting on.
	PHICloudRoutes metric.Int64Counter

	// BreakerTransitions counts circuit state changes. Use with attributes:
	//   attribute.String("key", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// DegradedResponses counts responses served in degraded mode.
	DegradedResponses metric.Int64Counter

	// ClassifierFailures counts PHI/intent classifier outages where the
	// conservative verdict was adopted. Use with attribute.String("kind", ...).
	ClassifierFailures metric.Int64Counter

	// BargeIns counts user barge-ins during assistant speech.
	BargeIns metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live conversation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveVoiceSessions tracks the number of live voice pipelines.
	ActiveVoiceSessions metric.Int64UpDownCounter

	// AudioQueueDepth tracks the outbound audio queue depth across sessions.
	AudioQueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for interactive pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SearchDuration, err = m.Float64Histogram("halcyon.search.duration",
		metric.WithDescription("Per-source search latency by source and outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RerankDuration, err = m.Float64Histogram("halcyon.rerank.duration",
		metric.WithDescription("Latency of reranking one fused result set."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstTokenLatency, err = m.Float64Histogram("halcyon.llm.first_token",
		metric.WithDescription("Time from prompt dispatch to first streamed token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstAudioLatency, err = m.Float64Histogram("halcyon.tts.first_audio",
		metric.WithDescription("Time from first token to first synthesised audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("halcyon.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Queries, err = m.Int64Counter("halcyon.queries",
		metric.WithDescription("Total completed queries by intent and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("halcyon.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.PHIDetections, err = m.Int64Counter("halcyon.phi.detections",
		metric.WithDescription("Total queries in which PHI was detected."),
	); err != nil {
		return nil, err
	}
	if met.PHICloudRoutes, err = m.Int64Counter("halcyon.phi.cloud_routes",
		metric.WithDescription("PHI-positive queries routed to a cloud model (non-HIPAA deployments only)."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("halcyon.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions by key and new state."),
	); err != nil {
		return nil, err
	}
	if met.DegradedResponses, err = m.Int64Counter("halcyon.degraded.responses",
		metric.WithDescription("Responses served while in degraded mode."),
	); err != nil {
		return nil, err
	}
	if met.ClassifierFailures, err = m.Int64Counter("halcyon.classifier.failures",
		metric.WithDescription("Classifier outages where the conservative verdict was adopted, by kind."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("halcyon.voice.barge_ins",
		metric.WithDescription("User barge-ins during assistant speech."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("halcyon.active_sessions",
		metric.WithDescription("Number of live conversation sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveVoiceSessions, err = m.Int64UpDownCounter("halcyon.active_voice_sessions",
		metric.WithDescription("Number of live voice pipelines."),
	); err != nil {
		return nil, err
	}
	if met.AudioQueueDepth, err = m.Int64UpDownCounter("halcyon.audio_queue_depth",
		metric.WithDescription("Outbound audio queue depth across all sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("halcyon.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordQuery is a convenience method that records a completed query with the
// standard attribute set.
func (m *Metrics) RecordQuery(ctx context.Context, intent, status string) {
	m.Queries.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("intent", intent),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordBreakerTransition is a convenience method that records a circuit
// state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, key, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("key", key),
			attribute.String("state", state),
		),
	)
}

// RecordClassifierFailure is a convenience method that records a classifier
// outage by kind ("phi" or "intent").
func (m *Metrics) RecordClassifierFailure(ctx context.Context, kind string) {
	m.ClassifierFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
