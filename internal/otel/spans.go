package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/parla/internal/shared"
)

// Standard attribute keys for Parla spans.
var (
	AttrSessionID  = attribute.Key("parla.session.id")
	AttrScenarioID = attribute.Key("parla.scenario.id")
	AttrToolName   = attribute.Key("parla.tool.name")
	AttrCallID     = attribute.Key("parla.tool.call_id")
	AttrReason     = attribute.Key("parla.session.end_reason")
	AttrModel      = attribute.Key("parla.upstream.model")
)

// orNoop guards callers that never configured tracing.
func orNoop(tracer trace.Tracer) trace.Tracer {
	if tracer == nil {
		return nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return tracer
}

// ctxAttrs folds the session and scenario ids carried on the context
// into the span attributes, so callers only pass what the context
// does not already know.
func ctxAttrs(ctx context.Context, attrs []attribute.KeyValue) []attribute.KeyValue {
	if id := shared.SessionID(ctx); id != "" {
		attrs = append(attrs, AttrSessionID.String(id))
	}
	if id := shared.ScenarioID(ctx); id != "" {
		attrs = append(attrs, AttrScenarioID.String(id))
	}
	return attrs
}

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return orNoop(tracer).Start(ctx, name,
		trace.WithAttributes(ctxAttrs(ctx, attrs)...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return orNoop(tracer).Start(ctx, name,
		trace.WithAttributes(ctxAttrs(ctx, attrs)...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (upstream realtime API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return orNoop(tracer).Start(ctx, name,
		trace.WithAttributes(ctxAttrs(ctx, attrs)...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
