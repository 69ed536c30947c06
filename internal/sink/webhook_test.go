package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/config"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/models"
)

func testEnvelope() models.Envelope {
	return models.NewEnvelopeBuilder().
		WithID("evt-1").
		WithBus("ecom-bus").
		WithSource("app.orders").
		WithType("OrderCreated").
		WithTimestamp(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)).
		WithAttribute("value", 150).
		WithAttribute("customer_id", "c-42").
		WithPartitionKey("c-42").
		WithJSONPayload(map[string]interface{}{"order_id": "o-1"}).
		Build()
}

func TestWebhookSink_SendsBinaryCloudEvent(t *testing.T) {
	var got *http.Request
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewWebhookSink(WebhookConfig{
		Name:    "orders-hook",
		URL:     srv.URL,
		Headers: map[string]string{"X-Api-Key": "secret"},
	})

	require.NoError(t, s.Accept(context.Background(), testEnvelope()))
	require.NotNil(t, got)

	assert.Equal(t, "evt-1", got.Header.Get("Ce-Id"))
	assert.Equal(t, "app.orders", got.Header.Get("Ce-Source"))
	assert.Equal(t, "OrderCreated", got.Header.Get("Ce-Type"))
	assert.Equal(t, "ecom-bus", got.Header.Get("Ce-Bus"))
	assert.Equal(t, "c-42", got.Header.Get("Ce-Partitionkey"))
	assert.Equal(t, "150", got.Header.Get("Ce-Value"))
	assert.Equal(t, "c-42", got.Header.Get("Ce-Customerid"))
	assert.Equal(t, "secret", got.Header.Get("X-Api-Key"))

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "o-1", payload["order_id"])
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantNil   bool
		permanent bool
	}{
		{name: "ok", status: http.StatusOK, wantNil: true},
		{name: "no content", status: http.StatusNoContent, wantNil: true},
		{name: "bad request", status: http.StatusBadRequest, permanent: true},
		{name: "gone", status: http.StatusGone, permanent: true},
		{name: "request timeout", status: http.StatusRequestTimeout},
		{name: "too many requests", status: http.StatusTooManyRequests},
		{name: "server error", status: http.StatusInternalServerError},
		{name: "bad gateway", status: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyStatus(tt.status, "http://example")
			if tt.wantNil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.permanent, pkgerrors.IsPermanent(err))
			assert.Equal(t, !tt.permanent, pkgerrors.IsTransient(err))
		})
	}
}

func TestWebhookSink_UnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	s := NewWebhookSink(WebhookConfig{Name: "gone", URL: url, Timeout: time.Second})
	err := s.Accept(context.Background(), testEnvelope())
	require.Error(t, err)
	assert.True(t, pkgerrors.IsTransient(err))
}

func TestWebhookSink_BreakerIgnoresPermanentRejections(t *testing.T) {
	var calls atomic.Int32
	status := atomic.Int32{}
	status.Store(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	breaker := WebhookBreaker("flaky", config.CircuitBreakerConfig{
		Enabled:      true,
		MaxRequests:  1,
		Timeout:      time.Minute,
		FailureRatio: 0.5,
		MinRequests:  2,
	})
	s := NewWebhookSink(WebhookConfig{Name: "flaky", URL: srv.URL, Breaker: breaker})

	for i := 0; i < 3; i++ {
		err := s.Accept(context.Background(), testEnvelope())
		assert.True(t, pkgerrors.IsPermanent(err))
	}
	assert.True(t, breaker.IsClosed())

	status.Store(http.StatusServiceUnavailable)
	for i := 0; i < 3; i++ {
		err := s.Accept(context.Background(), testEnvelope())
		assert.True(t, pkgerrors.IsTransient(err))
	}
	assert.True(t, breaker.IsOpen())

	before := calls.Load()
	err := s.Accept(context.Background(), testEnvelope())
	assert.True(t, pkgerrors.IsTransient(err))
	assert.Equal(t, before, calls.Load(), "open breaker must not reach the endpoint")
}

func TestToCloudEvent_RequiresSourceAndType(t *testing.T) {
	env := testEnvelope()
	env.Source = ""
	_, err := ToCloudEvent(env)
	assert.Error(t, err)
}

func TestWithDeadLetter(t *testing.T) {
	var dead []models.Envelope
	primary := Func(func(ctx context.Context, env models.Envelope) error {
		return errors.New("down")
	})
	s := WithDeadLetter(primary, Func(func(ctx context.Context, env models.Envelope) error {
		dead = append(dead, env)
		return nil
	}))

	env := testEnvelope()
	require.Error(t, s.Accept(context.Background(), env))

	dl, ok := s.(DeadLetterer)
	require.True(t, ok)
	require.NoError(t, dl.DeadLetter(context.Background(), env, errors.New("down")))
	require.Len(t, dead, 1)
	assert.Equal(t, "down", dead[0].Attributes["dlq_reason"])
	_, touched := env.Attributes["dlq_reason"]
	assert.False(t, touched, "original envelope must not change")
}
