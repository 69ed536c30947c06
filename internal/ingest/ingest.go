package ingest

import (
	"context"

	"courier/internal/broker"
	"courier/internal/bus"
	"courier/internal/logger"
	"courier/pkg/logging"
	"courier/pkg/models"
)

// Publisher is the engine side of ingestion.
type Publisher interface {
	Publish(ctx context.Context, busName string, env models.Envelope) (bus.PublishResult, error)
}

// Ingester moves envelopes from a Kafka topic onto one bus. Retries, panic
// recovery and the DLQ topic belong to the broker consumer; Handle only
// reports whether the publish worked.
type Ingester struct {
	publisher Publisher
	bus       string
	logger    logger.Logger
}

func New(publisher Publisher, busName string, log logger.Logger) *Ingester {
	if log == nil {
		log = logger.NopLogger()
	}
	return &Ingester{
		publisher: publisher,
		bus:       busName,
		logger:    log,
	}
}

// Handle publishes one consumed envelope. Validation and unknown-bus
// errors are fatal, so the consumer dead-letters them without retrying.
func (i *Ingester) Handle(ctx context.Context, env models.Envelope) error {
	ctx = logging.WithBus(ctx, i.bus)
	res, err := i.publisher.Publish(ctx, i.bus, env)
	if err != nil {
		i.logger.WarnwCtx(ctx, "Failed to ingest envelope",
			"source", env.Source,
			"type", env.Type,
			"error", err,
		)
		return err
	}

	i.logger.DebugwCtx(logging.WithEventID(ctx, res.AcceptedID), "Envelope ingested",
		"source", env.Source,
		"type", env.Type,
		"matched_rules", res.MatchedRuleCount,
		"targets", res.TargetCount,
	)
	return nil
}

// Run consumes topic until ctx ends.
func (i *Ingester) Run(ctx context.Context, consumer broker.Consumer, topic string) error {
	i.logger.InfowCtx(ctx, "Starting Kafka ingestion", "topic", topic, "bus", i.bus)
	return consumer.Consume(ctx, topic, i.Handle)
}
