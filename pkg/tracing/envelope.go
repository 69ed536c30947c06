package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"courier/pkg/models"
)

// StartEnvelopeSpan starts a span tagged with the envelope's identity.
func StartEnvelopeSpan(ctx context.Context, tracerName, operation string, env models.Envelope) (context.Context, trace.Span) {
	return GetTracer(tracerName).Start(ctx, operation, trace.WithAttributes(
		attribute.String("courier.event_id", env.ID),
		attribute.String("courier.bus", env.Bus),
		attribute.String("courier.source", env.Source),
		attribute.String("courier.type", env.Type),
	))
}

// TraceID returns the active trace id, or "" when ctx carries no valid span.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
