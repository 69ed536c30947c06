package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/logger"
	"courier/internal/queue"
	"courier/pkg/models"
)

func fill(t *testing.T, q *queue.Queue, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		env := models.NewEnvelopeBuilder().
			WithID(fmt.Sprintf("e%d", i)).
			WithSource("app.orders").
			WithType("OrderCreated").
			Build()
		_, err := q.Enqueue(context.Background(), env)
		require.NoError(t, err)
	}
}

func lease(t *testing.T, q *queue.Queue) []queue.Message {
	t.Helper()
	msgs, err := q.Receive(context.Background(), queue.ReceiveOptions{MaxMessages: 10, VisibilityTimeout: time.Minute})
	require.NoError(t, err)
	return msgs
}

func TestProcessBatch_PartialFailure(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		failing map[string]bool
	}{
		{name: "one failure in five", size: 5, failing: map[string]bool{"e3": true}},
		{name: "all succeed", size: 4, failing: map[string]bool{}},
		{name: "all fail", size: 3, failing: map[string]bool{"e1": true, "e2": true, "e3": true}},
		{name: "first and last fail", size: 6, failing: map[string]bool{"e1": true, "e6": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := queue.New("q", queue.Policy{})
			fill(t, q, tt.size)
			msgs := lease(t, q)
			require.Len(t, msgs, tt.size)

			r := NewRunner(Config{Name: "c", Concurrency: 3}, q, func(ctx context.Context, d *Delivery) error {
				if tt.failing[d.Envelope.ID] {
					return errors.New("poisoned")
				}
				return nil
			}, logger.NopLogger())

			resp := r.ProcessBatch(context.Background(), msgs)
			assert.Len(t, resp.ItemFailures, len(tt.failing))
			assert.Equal(t, len(tt.failing), q.Len(), "only failed messages stay in the queue")

			for _, m := range q.List(0) {
				assert.True(t, tt.failing[m.Envelope.ID], "%s should have been acknowledged", m.Envelope.ID)
				assert.True(t, m.InFlight(), "failed messages keep their lease until it expires")
				assert.Contains(t, resp.ItemFailures, m.ID)
			}
		})
	}
}

func TestProcessBatch_PanicFailsOnlyThatMessage(t *testing.T) {
	q := queue.New("q", queue.Policy{})
	fill(t, q, 3)
	msgs := lease(t, q)

	r := NewRunner(Config{Name: "c"}, q, func(ctx context.Context, d *Delivery) error {
		if d.Envelope.ID == "e2" {
			panic("handler bug")
		}
		return nil
	}, nil)

	resp := r.ProcessBatch(context.Background(), msgs)
	require.Len(t, resp.ItemFailures, 1)
	assert.Equal(t, msgs[1].ID, resp.ItemFailures[0])
	assert.Equal(t, 1, q.Len())
}

func TestProcessBatch_WaitsForEveryOutcome(t *testing.T) {
	q := queue.New("q", queue.Policy{})
	fill(t, q, 4)
	msgs := lease(t, q)

	var finished atomic.Int32
	r := NewRunner(Config{Name: "c", Concurrency: 4}, q, func(ctx context.Context, d *Delivery) error {
		if d.Envelope.ID == "e1" {
			time.Sleep(50 * time.Millisecond)
		}
		finished.Add(1)
		return nil
	}, nil)

	resp := r.ProcessBatch(context.Background(), msgs)
	assert.Empty(t, resp.ItemFailures)
	assert.Equal(t, int32(4), finished.Load())
	assert.Zero(t, q.Len())
}

func TestProcessBatch_HandlerTimeout(t *testing.T) {
	q := queue.New("q", queue.Policy{})
	fill(t, q, 2)
	msgs := lease(t, q)

	r := NewRunner(Config{Name: "c", HandlerTimeout: 20 * time.Millisecond}, q, func(ctx context.Context, d *Delivery) error {
		if d.Envelope.ID == "e1" {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}, nil)

	resp := r.ProcessBatch(context.Background(), msgs)
	assert.Equal(t, []string{msgs[0].ID}, resp.ItemFailures)
}

func TestProcessBatch_ExtendVisibility(t *testing.T) {
	q := queue.New("q", queue.Policy{})
	fill(t, q, 1)
	msgs := lease(t, q)
	deadline := msgs[0].VisibilityDeadline

	r := NewRunner(Config{Name: "c"}, q, func(ctx context.Context, d *Delivery) error {
		if err := d.ExtendVisibility(ctx, time.Hour); err != nil {
			return err
		}
		m, err := q.Get(d.ID)
		if err != nil {
			return err
		}
		if !m.VisibilityDeadline.After(deadline) {
			return errors.New("lease not extended")
		}
		return errors.New("keep it")
	}, nil)

	resp := r.ProcessBatch(context.Background(), msgs)
	assert.Len(t, resp.ItemFailures, 1)
}

func TestProcessBatch_BatchHandler(t *testing.T) {
	tests := []struct {
		name       string
		handler    func(batch []*Delivery) (BatchResponse, error)
		wantFailed int
	}{
		{
			name: "reports one failure",
			handler: func(batch []*Delivery) (BatchResponse, error) {
				return BatchResponse{ItemFailures: []string{batch[1].ID, "unknown"}}, nil
			},
			wantFailed: 1,
		},
		{
			name: "error fails the batch",
			handler: func(batch []*Delivery) (BatchResponse, error) {
				return BatchResponse{}, errors.New("downstream unavailable")
			},
			wantFailed: 3,
		},
		{
			name: "panic fails the batch",
			handler: func(batch []*Delivery) (BatchResponse, error) {
				panic("boom")
			},
			wantFailed: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := queue.New("q", queue.Policy{})
			fill(t, q, 3)
			msgs := lease(t, q)

			r := NewBatchRunner(Config{Name: "c"}, q, func(ctx context.Context, batch []*Delivery) (BatchResponse, error) {
				return tt.handler(batch)
			}, nil)

			resp := r.ProcessBatch(context.Background(), msgs)
			assert.Len(t, resp.ItemFailures, tt.wantFailed)
			assert.Equal(t, tt.wantFailed, q.Len())
		})
	}
}

func TestRun_AlwaysFailingHandlerEndsInDeadLetterQueue(t *testing.T) {
	dlq := queue.New("q-dlq", queue.Policy{})
	q := queue.New("q", queue.Policy{VisibilityTimeout: 20 * time.Millisecond, MaxReceiveCount: 3, DeadLetter: dlq})
	fill(t, q, 1)

	var calls atomic.Int32
	r := NewRunner(Config{Name: "c", WaitTime: 10 * time.Millisecond}, q, func(ctx context.Context, d *Delivery) error {
		calls.Add(1)
		return errors.New("always fails")
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return dlq.Len() == 1 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int32(4), calls.Load())
	assert.Zero(t, q.Len())
	dead := dlq.List(0)
	require.Len(t, dead, 1)
	assert.Equal(t, 4, dead[0].ReceiveCount)
}

func TestRun_StopsWhenQueueCloses(t *testing.T) {
	q := queue.New("q", queue.Policy{})
	r := NewRunner(Config{Name: "c", Pollers: 2, WaitTime: time.Second}, q, LogHandler(logger.NopLogger()), nil)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	fill(t, q, 2)
	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	q.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after queue close")
	}
}

func TestWebhookBatchHandler(t *testing.T) {
	var received webhookBatch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"batchItemFailures": []map[string]string{{"itemIdentifier": received.Records[0].MessageID}},
		})
	}))
	defer srv.Close()

	q := queue.New("q", queue.Policy{})
	fill(t, q, 2)
	msgs := lease(t, q)

	r := NewBatchRunner(Config{Name: "hook"}, q, WebhookBatchHandler("hook", "q", srv.URL, time.Second), nil)
	resp := r.ProcessBatch(context.Background(), msgs)

	assert.Equal(t, "hook", received.Consumer)
	require.Len(t, received.Records, 2)
	assert.Equal(t, "e1", received.Records[0].Envelope.ID)
	assert.Equal(t, 1, received.Records[0].ReceiveCount)
	assert.Equal(t, []string{msgs[0].ID}, resp.ItemFailures)
	assert.Equal(t, 1, q.Len())
}

func TestWebhookBatchHandler_ErrorStatusFailsBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	q := queue.New("q", queue.Policy{})
	fill(t, q, 2)

	r := NewBatchRunner(Config{Name: "hook"}, q, WebhookBatchHandler("hook", "q", srv.URL, time.Second), nil)
	resp := r.ProcessBatch(context.Background(), lease(t, q))
	assert.Len(t, resp.ItemFailures, 2)
}
