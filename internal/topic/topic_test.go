package topic

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/routing"
	"courier/internal/sink"
	"courier/pkg/cel"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/models"
	"courier/pkg/retry"
)

type recorder struct {
	mu   sync.Mutex
	got  []models.Envelope
	errs []error
}

func (r *recorder) Accept(ctx context.Context, env models.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, env)
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return err
	}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type fakeNow struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func envelope(reason string) models.Envelope {
	return models.NewEnvelopeBuilder().
		WithID("evt-"+reason).
		WithBus("ecom-bus").
		WithSource("app.payments").
		WithType("PaymentFailed").
		WithAttribute("reason", reason).
		Build()
}

func compileFilter(t *testing.T, clauses ...routing.Clause) *routing.Filter {
	t.Helper()
	evaluator, err := cel.NewEvaluator()
	require.NoError(t, err)
	f, err := routing.CompileFilter(clauses, evaluator)
	require.NoError(t, err)
	return f
}

var testPolicy = retry.Policy{MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: time.Minute, Multiplier: 2}

func TestTopic_FanOutWithFilters(t *testing.T) {
	all := &recorder{}
	declined := &recorder{}
	inactive := &recorder{}

	tp := New("topic-alerts")
	require.NoError(t, tp.Subscribe(Subscription{ID: "alerts-all", Endpoint: all, Active: true, Retry: testPolicy}))
	require.NoError(t, tp.Subscribe(Subscription{
		ID:       "alerts-card-declined",
		Endpoint: declined,
		Active:   true,
		Retry:    testPolicy,
		Filter:   compileFilter(t, routing.Clause{Field: "reason", Kind: routing.ClauseExact, Value: "card_declined"}),
	}))
	require.NoError(t, tp.Subscribe(Subscription{ID: "paused", Endpoint: inactive, Active: false}))

	receipts := tp.Publish(context.Background(), envelope("card_declined"))
	require.Len(t, receipts, 2)
	assert.Equal(t, StatusDelivered, receipts[0].Status)
	assert.Equal(t, StatusDelivered, receipts[1].Status)

	receipts = tp.Publish(context.Background(), envelope("insufficient_funds"))
	require.Len(t, receipts, 2)
	assert.Equal(t, StatusDelivered, receipts[0].Status)
	assert.Equal(t, StatusFiltered, receipts[1].Status)

	assert.Equal(t, 2, all.count())
	assert.Equal(t, 1, declined.count())
	assert.Zero(t, inactive.count())
}

func TestTopic_SubscriptionFailureIsIsolated(t *testing.T) {
	healthy := &recorder{}
	broken := &recorder{errs: []error{pkgerrors.ErrPermanentDelivery}}

	tp := New("t")
	require.NoError(t, tp.Subscribe(Subscription{ID: "broken", Endpoint: broken, Active: true, Retry: testPolicy}))
	require.NoError(t, tp.Subscribe(Subscription{ID: "healthy", Endpoint: healthy, Active: true, Retry: testPolicy}))

	receipts := tp.Publish(context.Background(), envelope("x"))
	assert.Equal(t, StatusDropped, receipts[0].Status)
	assert.Equal(t, StatusDelivered, receipts[1].Status)
	assert.Equal(t, 1, healthy.count())
}

func TestTopic_RetryThenDeadLetter(t *testing.T) {
	now := &fakeNow{now: time.Unix(1000, 0)}
	transient := pkgerrors.ErrTransientDelivery.WithCause(errors.New("503"))
	endpoint := &recorder{errs: []error{transient, transient, transient}}
	dlq := &recorder{}

	tp := New("t", WithNow(now.Now))
	require.NoError(t, tp.Subscribe(Subscription{ID: "s", Endpoint: endpoint, DeadLetter: dlq, Active: true, Retry: testPolicy}))

	receipts := tp.Publish(context.Background(), envelope("x"))
	require.Len(t, receipts, 1)
	assert.Equal(t, StatusRetrying, receipts[0].Status)
	assert.Equal(t, 1, tp.Pending())

	assert.Zero(t, tp.RetryDue(context.Background()), "retry is not due yet")

	now.Advance(time.Second)
	assert.Equal(t, 1, tp.RetryDue(context.Background()))
	assert.Equal(t, 1, tp.Pending())
	assert.Equal(t, 1, tp.Subscriptions()[0].Pending)

	now.Advance(2 * time.Second)
	assert.Equal(t, 1, tp.RetryDue(context.Background()))
	assert.Zero(t, tp.Pending())

	assert.Equal(t, 3, endpoint.count())
	require.Equal(t, 1, dlq.count())
	assert.Contains(t, dlq.got[0].Attributes["dlq_reason"], "TRANSIENT_DELIVERY")
}

func TestTopic_RetrySucceeds(t *testing.T) {
	now := &fakeNow{now: time.Unix(1000, 0)}
	endpoint := &recorder{errs: []error{errors.New("connection reset")}}
	dlq := &recorder{}

	tp := New("t", WithNow(now.Now))
	require.NoError(t, tp.Subscribe(Subscription{ID: "s", Endpoint: endpoint, DeadLetter: dlq, Active: true, Retry: testPolicy}))

	tp.Publish(context.Background(), envelope("x"))
	now.Advance(time.Second)
	tp.RetryDue(context.Background())

	assert.Equal(t, 2, endpoint.count())
	assert.Zero(t, dlq.count())
	assert.Zero(t, tp.Pending())
}

func TestTopic_PermanentFailureSkipsRetries(t *testing.T) {
	endpoint := &recorder{errs: []error{pkgerrors.ErrPermanentDelivery.WithMessage("410 gone")}}
	dlq := &recorder{}

	tp := New("t")
	require.NoError(t, tp.Subscribe(Subscription{ID: "s", Endpoint: endpoint, DeadLetter: dlq, Active: true, Retry: testPolicy}))

	receipts := tp.Publish(context.Background(), envelope("x"))
	assert.Equal(t, StatusDeadLettered, receipts[0].Status)
	assert.Equal(t, 1, receipts[0].Attempts)
	assert.Equal(t, 1, dlq.count())
	assert.Zero(t, tp.Pending())
}

func TestTopic_RunDrivesRetriesAndFlushesOnStop(t *testing.T) {
	endpoint := &recorder{errs: []error{errors.New("down"), errors.New("down")}}
	dlq := &recorder{}
	policy := retry.Policy{MaxAttempts: 5, InitialInterval: 10 * time.Millisecond, MaxInterval: 10 * time.Millisecond, Multiplier: 1}

	tp := New("t")
	require.NoError(t, tp.Subscribe(Subscription{ID: "s", Endpoint: endpoint, DeadLetter: dlq, Active: true, Retry: policy}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tp.Run(ctx)
		close(done)
	}()

	tp.Publish(ctx, envelope("x"))
	require.Eventually(t, func() bool { return endpoint.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, tp.Pending())

	// A retry that is still pending at shutdown is escalated.
	slow := retry.Policy{MaxAttempts: 5, InitialInterval: time.Hour, Multiplier: 1}
	failing := &recorder{errs: []error{errors.New("down")}}
	require.NoError(t, tp.Subscribe(Subscription{ID: "slow", Endpoint: failing, DeadLetter: dlq, Active: true, Retry: slow}))
	tp.Publish(ctx, envelope("y"))
	require.Equal(t, 1, tp.Pending())

	cancel()
	<-done
	assert.Zero(t, tp.Pending())
	assert.Equal(t, 1, dlq.count())
}

func TestTopic_UnsubscribeEscalatesPending(t *testing.T) {
	now := &fakeNow{now: time.Unix(1000, 0)}
	endpoint := &recorder{errs: []error{errors.New("down")}}
	dlq := &recorder{}

	tp := New("t", WithNow(now.Now))
	require.NoError(t, tp.Subscribe(Subscription{ID: "s", Endpoint: endpoint, DeadLetter: dlq, Active: true, Retry: testPolicy}))
	tp.Publish(context.Background(), envelope("x"))
	require.Equal(t, 1, tp.Pending())

	assert.True(t, tp.Unsubscribe(context.Background(), "s"))
	assert.False(t, tp.Unsubscribe(context.Background(), "s"))
	assert.Zero(t, tp.Pending())
	assert.Equal(t, 1, dlq.count())
	assert.Empty(t, tp.Subscriptions())
}

func TestTopic_SubscribeValidation(t *testing.T) {
	tp := New("t")
	assert.True(t, pkgerrors.IsValidation(tp.Subscribe(Subscription{ID: "s"})))
	require.NoError(t, tp.Subscribe(Subscription{ID: "s", Endpoint: &recorder{}}))
	assert.True(t, pkgerrors.IsConflict(tp.Subscribe(Subscription{ID: "s", Endpoint: &recorder{}})))
	assert.True(t, pkgerrors.IsNotFound(tp.SetActive("missing", true)))

	require.NoError(t, tp.SetActive("s", true))
	assert.True(t, tp.Subscriptions()[0].Active)
}

func TestTopic_AcceptAfterClose(t *testing.T) {
	var s sink.Sink = New("t")
	require.NoError(t, s.Accept(context.Background(), envelope("x")))
	s.(*Topic).Close()
	assert.True(t, pkgerrors.IsClosed(s.Accept(context.Background(), envelope("x"))))
}
