package management

import (
	"context"
	"fmt"
	"time"

	"courier/internal/broker"
	"courier/pkg/models"
)

// ConfigEventProducer tells every other instance to reload its rules.
type ConfigEventProducer struct {
	producer broker.Producer
	topic    string
}

func NewConfigEventProducer(producer broker.Producer, topic string) *ConfigEventProducer {
	return &ConfigEventProducer{
		producer: producer,
		topic:    topic,
	}
}

func (p *ConfigEventProducer) PublishRoutingRuleEvent(ctx context.Context, action, ruleID, changedBy string) error {
	event := models.ConfigUpdateEvent{
		EventType: models.EventTypeRoutingRulesUpdated,
		Scope:     models.ScopeRouting,
		RuleID:    ruleID,
		Action:    action,
		Timestamp: time.Now(),
		ChangedBy: changedBy,
	}
	return p.publishEvent(ctx, event)
}

func (p *ConfigEventProducer) publishEvent(ctx context.Context, event models.ConfigUpdateEvent) error {
	if p == nil || p.producer == nil || p.topic == "" {
		return nil
	}

	env := models.NewEnvelopeBuilder().
		WithSource(models.ConfigEventSource).
		WithType(event.EventType).
		WithTimestamp(event.Timestamp).
		WithAttribute("scope", event.Scope).
		WithAttribute("action", event.Action).
		WithJSONPayload(event).
		Build()
	if len(env.Payload) == 0 {
		return fmt.Errorf("failed to encode config event %s", event.EventType)
	}

	return p.producer.Publish(ctx, p.topic, env)
}
