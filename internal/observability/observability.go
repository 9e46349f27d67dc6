// Package observability wires the ambient tracing/metrics stack: one
// tracing span per RAL turn and tool call (go.opentelemetry.io/otel),
// and a small set of Prometheus counters/histograms
// (github.com/prometheus/client_golang).
package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// tracerName identifies this module's spans in any configured exporter.
const tracerName = "github.com/nexuscore/nexuscore"

var (
	// RALTurns counts completed RAL turns by terminal status.
	RALTurns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nexuscore_ral_turns_total",
		Help: "Completed RAL turns by terminal status (completed, awaiting-delegation, errored).",
	}, []string{"status", "agent"})

	// ToolCalls counts tool invocations by outcome.
	ToolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nexuscore_tool_calls_total",
		Help: "Tool invocations by outcome (ok, denied, error, stop).",
	}, []string{"tool", "outcome"})

	// ToolCallDuration observes tool execution latency.
	ToolCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nexuscore_tool_call_duration_seconds",
		Help:    "Tool call execution latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})
)

// NewRegistry returns a dedicated Prometheus registry (rather than the
// global default) so tests can construct isolated instances.
func NewRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(RALTurns, ToolCalls, ToolCallDuration)
	return r
}

// NewTracerProvider builds a minimal SDK trace provider; callers wire a
// real exporter (OTLP, stdout, ...) via trace.WithBatcher in production.
// Exporter configuration is out of scope here.
func NewTracerProvider(opts ...trace.TracerProviderOption) *trace.TracerProvider {
	return trace.NewTracerProvider(opts...)
}

// StartRALTurnSpan starts the per-turn span named in the ambient stack.
func StartRALTurnSpan(ctx context.Context, convID, agentSlug string, ralNumber int64) (context.Context, oteltrace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, "ral.turn", oteltrace.WithAttributes(
		attribute.String("conversation_id", convID),
		attribute.String("agent_slug", agentSlug),
		attribute.Int64("ral_number", ralNumber),
	))
}

// StartToolCallSpan starts the per-tool-call span.
func StartToolCallSpan(ctx context.Context, toolName string) (context.Context, oteltrace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, "ral.tool_call", oteltrace.WithAttributes(
		attribute.String("tool", toolName),
	))
}

// EndSpan records err (if any) on the span and ends it.
func EndSpan(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
