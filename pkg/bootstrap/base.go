package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"courier/internal/broker"
	"courier/internal/config"
	"courier/internal/logger"
)

type Base struct {
	Config    *config.Config
	Logger    logger.Logger
	Producer  broker.Producer
	consumers []broker.Consumer
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
	}
}

// InitBroker creates the shared producer. A disabled broker is not an
// error; Producer stays nil.
func (b *Base) InitBroker() error {
	producer, err := broker.NewProducer(b.Config.Broker, b.Logger)
	if errors.Is(err, broker.ErrBrokerDisabled) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create producer: %w", err)
	}
	b.Producer = producer
	return nil
}

// NewConsumer returns a consumer for one topic. Kafka readers are bound to
// a single topic, so every consuming component gets its own.
func (b *Base) NewConsumer(serviceName string) (broker.Consumer, error) {
	consumer, err := broker.NewConsumer(b.Config.Broker, b.Logger)
	if err != nil {
		return nil, err
	}
	if serviceName != "" {
		consumer.SetServiceName(serviceName)
	}
	b.consumers = append(b.consumers, consumer)
	return consumer, nil
}

func (b *Base) ShutdownBroker() error {
	var err error
	for _, c := range b.consumers {
		if closeErr := c.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("consumer close error: %w", closeErr))
		}
	}
	b.consumers = nil

	if b.Producer != nil {
		if closeErr := b.Producer.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("producer close error: %w", closeErr))
		}
	}
	return err
}

func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) error) error {
	b.Logger.Info("Shutting down application...")

	var err error
	if additionalShutdown != nil {
		err = multierr.Append(err, additionalShutdown(ctx))
	}
	err = multierr.Append(err, b.ShutdownBroker())

	if err != nil {
		return fmt.Errorf("shutdown errors: %w", err)
	}

	b.Logger.Info("Application exited successfully")
	return nil
}
