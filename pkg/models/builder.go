package models

import (
	"encoding/json"
	"time"
)

type EnvelopeBuilder struct {
	envelope Envelope
}

func NewEnvelopeBuilder() *EnvelopeBuilder {
	return &EnvelopeBuilder{
		envelope: Envelope{
			Attributes: make(map[string]interface{}),
		},
	}
}

func (b *EnvelopeBuilder) WithID(id string) *EnvelopeBuilder {
	b.envelope.ID = id
	return b
}

func (b *EnvelopeBuilder) WithBus(bus string) *EnvelopeBuilder {
	b.envelope.Bus = bus
	return b
}

func (b *EnvelopeBuilder) WithSource(source string) *EnvelopeBuilder {
	b.envelope.Source = source
	return b
}

func (b *EnvelopeBuilder) WithType(eventType string) *EnvelopeBuilder {
	b.envelope.Type = eventType
	return b
}

func (b *EnvelopeBuilder) WithTimestamp(timestamp time.Time) *EnvelopeBuilder {
	b.envelope.Timestamp = timestamp
	return b
}

func (b *EnvelopeBuilder) WithAttribute(name string, value interface{}) *EnvelopeBuilder {
	b.envelope.Attributes[name] = value
	return b
}

func (b *EnvelopeBuilder) WithAttributes(attrs map[string]interface{}) *EnvelopeBuilder {
	for k, v := range attrs {
		b.envelope.Attributes[k] = v
	}
	return b
}

func (b *EnvelopeBuilder) WithPayload(payload []byte) *EnvelopeBuilder {
	b.envelope.Payload = json.RawMessage(payload)
	return b
}

// WithJSONPayload marshals v as the payload; a marshal failure leaves the
// payload empty.
func (b *EnvelopeBuilder) WithJSONPayload(v interface{}) *EnvelopeBuilder {
	if data, err := Marshal(v); err == nil {
		b.envelope.Payload = data
	}
	return b
}

func (b *EnvelopeBuilder) WithPartitionKey(key string) *EnvelopeBuilder {
	b.envelope.PartitionKey = key
	return b
}

func (b *EnvelopeBuilder) WithTraceID(traceID string) *EnvelopeBuilder {
	b.envelope.TraceID = traceID
	return b
}

func (b *EnvelopeBuilder) Build() Envelope {
	env := b.envelope.Clone()
	if len(env.Attributes) == 0 {
		env.Attributes = nil
	}
	return env
}
