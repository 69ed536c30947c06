// Package sink defines the single delivery interface shared by queues,
// topics and external targets.
package sink

import (
	"context"

	"courier/pkg/models"
)

// Sink accepts one envelope. Implementations classify failures with the
// delivery taxonomy in pkg/errors: ErrTransientDelivery may be retried,
// ErrPermanentDelivery must not be.
type Sink interface {
	Accept(ctx context.Context, env models.Envelope) error
}

// DeadLetterer is implemented by sinks that own a failure path, such as a
// queue with a dead-letter queue.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, env models.Envelope, cause error) error
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, env models.Envelope) error

func (f Func) Accept(ctx context.Context, env models.Envelope) error {
	return f(ctx, env)
}

// WithDeadLetter attaches a failure path to a sink that has none of its
// own. Escalations are delivered to dead with the cause recorded as
// attributes.
func WithDeadLetter(s Sink, dead Sink) Sink {
	return &deadLetterSink{Sink: s, dead: dead}
}

type deadLetterSink struct {
	Sink
	dead Sink
}

func (d *deadLetterSink) DeadLetter(ctx context.Context, env models.Envelope, cause error) error {
	return d.dead.Accept(ctx, Annotate(env, cause))
}

// Annotate copies env and records cause on it.
func Annotate(env models.Envelope, cause error) models.Envelope {
	out := env.Clone()
	if cause == nil {
		return out
	}
	if out.Attributes == nil {
		out.Attributes = make(map[string]interface{}, 1)
	}
	out.Attributes["dlq_reason"] = cause.Error()
	return out
}
