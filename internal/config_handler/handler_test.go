package config_handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "courier/pkg/errors"
	"courier/pkg/models"
)

type countingReloader struct {
	calls int
	err   error
}

func (r *countingReloader) ReloadRules(ctx context.Context) error {
	r.calls++
	return r.err
}

func configEnvelope(event models.ConfigUpdateEvent) models.Envelope {
	return models.NewEnvelopeBuilder().
		WithSource(models.ConfigEventSource).
		WithType(event.EventType).
		WithAttribute("scope", event.Scope).
		WithJSONPayload(event).
		Build()
}

func TestHandler_HandleConfigUpdateEvent(t *testing.T) {
	ruleEvent := models.ConfigUpdateEvent{
		EventType: models.EventTypeRoutingRulesUpdated,
		Scope:     models.ScopeRouting,
		RuleID:    "orders-created",
		Action:    models.ActionUpdate,
		Timestamp: time.Now(),
		ChangedBy: "ops@example.com",
	}

	tests := []struct {
		name        string
		envelope    models.Envelope
		wantReloads int
		wantErr     bool
	}{
		{
			name:        "routing rule change reloads",
			envelope:    configEnvelope(ruleEvent),
			wantReloads: 1,
		},
		{
			name: "other event type is ignored",
			envelope: configEnvelope(models.ConfigUpdateEvent{
				EventType: models.EventTypeTopologyUpdated,
				Scope:     models.ScopeRouting,
			}),
		},
		{
			name: "other scope is ignored",
			envelope: configEnvelope(models.ConfigUpdateEvent{
				EventType: models.EventTypeRoutingRulesUpdated,
				Scope:     "billing",
			}),
		},
		{
			name: "event type from envelope when payload is empty",
			envelope: models.NewEnvelopeBuilder().
				WithSource(models.ConfigEventSource).
				WithType(models.EventTypeRoutingRulesUpdated).
				WithAttribute("scope", models.ScopeRouting).
				Build(),
			wantReloads: 1,
		},
		{
			name: "malformed payload",
			envelope: models.NewEnvelopeBuilder().
				WithSource(models.ConfigEventSource).
				WithType(models.EventTypeRoutingRulesUpdated).
				WithPayload([]byte(`{"event_type":`)).
				Build(),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reloader := &countingReloader{}
			err := NewRoutingHandler(reloader, nil).HandleConfigUpdateEvent(context.Background(), tt.envelope)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, pkgerrors.IsValidation(err))
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantReloads, reloader.calls)
		})
	}
}

func TestHandler_ReloadFailureIsReturned(t *testing.T) {
	reloader := &countingReloader{err: errors.New("database unavailable")}
	err := NewRoutingHandler(reloader, nil).HandleConfigUpdateEvent(context.Background(), configEnvelope(models.ConfigUpdateEvent{
		EventType: models.EventTypeRoutingRulesUpdated,
		Scope:     models.ScopeRouting,
	}))
	require.Error(t, err)
	assert.Equal(t, 1, reloader.calls)
}

func TestHandler_WithoutReloader(t *testing.T) {
	h := NewHandler(models.EventTypeRoutingRulesUpdated, "", nil)
	require.NoError(t, h.HandleConfigUpdateEvent(context.Background(), configEnvelope(models.ConfigUpdateEvent{
		EventType: models.EventTypeRoutingRulesUpdated,
	})))
}
