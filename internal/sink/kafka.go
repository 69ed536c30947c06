package sink

import (
	"context"

	"courier/internal/broker"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/models"
)

// KafkaSink writes envelopes to one Kafka topic.
type KafkaSink struct {
	producer broker.Producer
	topic    string
}

func NewKafkaSink(producer broker.Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (k *KafkaSink) Accept(ctx context.Context, env models.Envelope) error {
	if err := k.producer.Publish(ctx, k.topic, env); err != nil {
		return pkgerrors.ErrTransientDelivery.WithCause(err).WithDetail("topic", k.topic)
	}
	return nil
}
