package tracing

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"courier/pkg/models"
)

// Envelope identity travels as plain Kafka headers next to the W3C trace
// context so brokers and consumers can route or tag without decoding the body.
const (
	HeaderEventID = "courier-event-id"
	HeaderBus     = "courier-bus"
	HeaderSource  = "courier-source"
	HeaderType    = "courier-type"
)

const kafkaTracerName = "courier/kafka"

// EnvelopeHeaders builds the header set for env and injects the trace
// context active in ctx.
func EnvelopeHeaders(ctx context.Context, env models.Envelope) []kafka.Header {
	c := &headerCarrier{}
	c.Set(HeaderEventID, env.ID)
	c.Set(HeaderBus, env.Bus)
	c.Set(HeaderSource, env.Source)
	c.Set(HeaderType, env.Type)
	otel.GetTextMapPropagator().Inject(ctx, c)
	return c.headers
}

// StartConsumeSpan continues the producer's trace from headers and tags the
// span with whatever envelope identity the headers carry.
func StartConsumeSpan(ctx context.Context, operation, topic string, headers []kafka.Header) (context.Context, trace.Span) {
	c := &headerCarrier{headers: headers}
	ctx = otel.GetTextMapPropagator().Extract(ctx, c)

	attrs := []attribute.KeyValue{attribute.String("messaging.destination.name", topic)}
	for _, h := range []struct{ header, attr string }{
		{HeaderEventID, "courier.event_id"},
		{HeaderBus, "courier.bus"},
		{HeaderSource, "courier.source"},
		{HeaderType, "courier.type"},
	} {
		if v := c.Get(h.header); v != "" {
			attrs = append(attrs, attribute.String(h.attr, v))
		}
	}

	return GetTracer(kafkaTracerName).Start(ctx, operation,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
}

type headerCarrier struct {
	headers []kafka.Header
}

func (c *headerCarrier) Get(key string) string {
	for _, h := range c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	for i := range c.headers {
		if c.headers[i].Key == key {
			c.headers[i].Value = []byte(value)
			return
		}
	}
	c.headers = append(c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, len(c.headers))
	for i, h := range c.headers {
		keys[i] = h.Key
	}
	return keys
}
