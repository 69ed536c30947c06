package broker

import (
	"fmt"

	"courier/internal/config"
	"courier/internal/logger"
)

// ErrBrokerDisabled is returned when no broker type is configured.
var ErrBrokerDisabled = fmt.Errorf("broker disabled")

func NewProducer(cfg config.BrokerConfig, log logger.Logger) (Producer, error) {
	switch cfg.Type {
	case "kafka":
		return NewKafkaProducer(cfg.Kafka, log), nil
	case "", "none":
		return nil, ErrBrokerDisabled
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}

func NewConsumer(cfg config.BrokerConfig, log logger.Logger) (Consumer, error) {
	switch cfg.Type {
	case "kafka":
		return NewKafkaConsumer(cfg.Kafka, log), nil
	case "", "none":
		return nil, ErrBrokerDisabled
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}
