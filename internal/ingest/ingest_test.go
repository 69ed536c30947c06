package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/broker"
	"courier/internal/bus"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/models"
)

type recordingPublisher struct {
	mu   sync.Mutex
	err  error
	seen []string
}

func (p *recordingPublisher) Publish(ctx context.Context, busName string, env models.Envelope) (bus.PublishResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return bus.PublishResult{}, p.err
	}
	p.seen = append(p.seen, busName+"/"+env.Type)
	return bus.PublishResult{AcceptedID: "evt-1", MatchedRuleCount: 1, TargetCount: 2}, nil
}

// channelConsumer feeds envelopes from a slice instead of Kafka.
type channelConsumer struct {
	envs    []models.Envelope
	topic   string
	results []error
}

func (c *channelConsumer) Consume(ctx context.Context, topic string, handler broker.HandlerFunc) error {
	c.topic = topic
	for _, env := range c.envs {
		c.results = append(c.results, handler(ctx, env))
	}
	return nil
}

func (c *channelConsumer) Close() error { return nil }

func (c *channelConsumer) SetServiceName(string) {}

func envelope(eventType string) models.Envelope {
	return models.NewEnvelopeBuilder().
		WithSource("app.orders").
		WithType(eventType).
		Build()
}

func TestIngester_Handle(t *testing.T) {
	tests := []struct {
		name      string
		pubErr    error
		wantErr   bool
		wantFatal bool
	}{
		{name: "published"},
		{name: "validation failure is fatal", pubErr: pkgerrors.ErrValidation.WithMessage("source is required"), wantErr: true, wantFatal: true},
		{name: "unknown bus is fatal", pubErr: pkgerrors.ErrNotFound.WithDetail("bus", "ecom-bus"), wantErr: true, wantFatal: true},
		{name: "capacity is retried", pubErr: pkgerrors.ErrCapacity, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &recordingPublisher{err: tt.pubErr}
			err := New(pub, "ecom-bus", nil).Handle(context.Background(), envelope("OrderCreated"))
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, []string{"ecom-bus/OrderCreated"}, pub.seen)
				return
			}
			require.Error(t, err)
			var fatal pkgerrors.FatalError
			require.True(t, errors.As(err, &fatal))
			assert.Equal(t, tt.wantFatal, fatal.IsFatal())
		})
	}
}

func TestIngester_Run(t *testing.T) {
	pub := &recordingPublisher{}
	consumer := &channelConsumer{envs: []models.Envelope{envelope("OrderCreated"), envelope("OrderShipped")}}

	require.NoError(t, New(pub, "ecom-bus", nil).Run(context.Background(), consumer, "courier.ingress"))
	assert.Equal(t, "courier.ingress", consumer.topic)
	assert.Equal(t, []error{nil, nil}, consumer.results)
	assert.Equal(t, []string{"ecom-bus/OrderCreated", "ecom-bus/OrderShipped"}, pub.seen)
}
