package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/queue"
	"courier/internal/routing"
	"courier/internal/sink"
	"courier/internal/topic"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/metrics"
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
		if len(r.errs) > 1 {
			r.errs = r.errs[1:]
		}
		return err
	}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func (r *recorder) envelopes() []models.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Envelope(nil), r.got...)
}

type archiver struct {
	mu  sync.Mutex
	got []models.Envelope
}

func (a *archiver) Record(env models.Envelope) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, env)
	return true
}

type targets map[routing.Target]sink.Sink

func (t targets) Resolve(target routing.Target) (sink.Sink, bool) {
	s, ok := t[target]
	return s, ok
}

func rulesStore(t *testing.T, rules ...routing.Rule) *routing.Store {
	t.Helper()
	store, err := routing.NewStore()
	require.NoError(t, err)
	_, err = store.Swap(rules)
	require.NoError(t, err)
	return store
}

func q(name string) routing.Target { return routing.Target{Kind: routing.TargetQueue, Name: name} }
func tp(name string) routing.Target {
	return routing.Target{Kind: routing.TargetTopic, Name: name}
}

var fastRetry = retry.Policy{MaxAttempts: 3, InitialInterval: 5 * time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 1}

func newBus(t *testing.T, cfg Config, store *routing.Store, resolver Resolver, opts ...Option) *Bus {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "ecom-bus"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = fastRetry
	}
	b := New(cfg, store, resolver, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return b
}

func event(source, eventType string) models.Envelope {
	return models.NewEnvelopeBuilder().
		WithSource(source).
		WithType(eventType).
		WithAttribute("customerId", "C-5678").
		WithPayload([]byte(`{"orderId":"ORD-1","value":149.9}`)).
		Build()
}

func TestPublish_OrderCreatedRoutesToTopicAndQueue(t *testing.T) {
	store := rulesStore(t,
		routing.Rule{
			ID: "orders", Bus: "ecom-bus", Enabled: true,
			Clauses: []routing.Clause{
				{Field: "source", Kind: routing.ClauseExact, Value: "app.orders"},
				{Field: "type", Kind: routing.ClauseExact, Value: "OrderCreated"},
			},
			Targets: []routing.Target{tp("topic-orders"), q("q-orders")},
		},
		routing.Rule{
			ID: "alerts", Bus: "ecom-bus", Enabled: true,
			Clauses: []routing.Clause{{Field: "type", Kind: routing.ClauseExact, Value: "PaymentFailed"}},
			Targets: []routing.Target{tp("topic-alerts")},
		},
		routing.Rule{
			ID: "shipments", Bus: "ecom-bus", Enabled: true,
			Clauses: []routing.Clause{{Field: "source", Kind: routing.ClausePrefix, Value: "app.ship"}},
			Targets: []routing.Target{q("q-shipments")},
		},
	)

	orders := queue.New("q-orders", queue.Policy{})
	shipments := queue.New("q-shipments", queue.Policy{})
	subscriber := &recorder{}
	ordersTopic := topic.New("topic-orders")
	require.NoError(t, ordersTopic.Subscribe(topic.Subscription{ID: "billing", Endpoint: subscriber, Active: true}))
	alerts := &recorder{}

	arch := &archiver{}
	b := newBus(t, Config{}, store, targets{
		tp("topic-orders"): ordersTopic,
		q("q-orders"):      orders,
		tp("topic-alerts"): alerts,
		q("q-shipments"):   shipments,
	}, WithArchive(arch))

	res, err := b.Publish(context.Background(), event("app.orders", "OrderCreated"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.AcceptedID)
	assert.Equal(t, 1, res.MatchedRuleCount)
	assert.Equal(t, []string{"orders"}, res.MatchedRules)
	assert.Equal(t, 2, res.TargetCount)

	require.Eventually(t, func() bool { return orders.Len() == 1 && subscriber.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, shipments.Len())
	assert.Zero(t, alerts.count())

	msg := orders.List(0)[0]
	assert.Equal(t, res.AcceptedID, msg.Envelope.ID)
	assert.Equal(t, "ecom-bus", msg.Envelope.Bus)
	assert.False(t, msg.Envelope.Timestamp.IsZero())
	assert.Equal(t, res.AcceptedID, subscriber.envelopes()[0].ID)

	require.Len(t, arch.got, 1)
	assert.Equal(t, res.AcceptedID, arch.got[0].ID)
}

func TestPublish_EveryMatchedRuleContributesACopy(t *testing.T) {
	store := rulesStore(t,
		routing.Rule{ID: "R1", Bus: "ecom-bus", Enabled: true,
			Clauses: []routing.Clause{{Field: "source", Kind: routing.ClauseExact, Value: "app.orders"}},
			Targets: []routing.Target{q("audit")}},
		routing.Rule{ID: "R2", Bus: "ecom-bus", Enabled: true,
			Clauses: []routing.Clause{{Field: "customerId", Kind: routing.ClauseOneOf, Values: []string{"C-5678", "C-1"}}},
			Targets: []routing.Target{q("audit"), q("crm")}},
	)
	audit := queue.New("audit", queue.Policy{})
	crm := queue.New("crm", queue.Policy{})
	b := newBus(t, Config{}, store, targets{q("audit"): audit, q("crm"): crm})

	res, err := b.Publish(context.Background(), event("app.orders", "OrderCreated"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.MatchedRuleCount)
	assert.Equal(t, 3, res.TargetCount)

	// R1 and R2 both name audit, so audit holds one copy per rule.
	require.Eventually(t, func() bool { return audit.Len() == 2 && crm.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	ids := map[string]bool{}
	for _, m := range audit.List(0) {
		ids[m.Envelope.ID] = true
		assert.NotEqual(t, "", m.ID)
	}
	assert.Equal(t, map[string]bool{res.AcceptedID: true}, ids)
}

func TestPublish_DuplicateTargetsAreIndependentCopies(t *testing.T) {
	rec := &recorder{}
	store := rulesStore(t,
		routing.Rule{ID: "R1", Bus: "ecom-bus", Enabled: true, Targets: []routing.Target{q("x")}},
		routing.Rule{ID: "R2", Bus: "ecom-bus", Enabled: true, Targets: []routing.Target{q("x")}},
	)
	b := newBus(t, Config{}, store, targets{q("x"): rec})

	_, err := b.Publish(context.Background(), event("app.orders", "OrderCreated"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestPublish_WildcardRuleMatchesEverything(t *testing.T) {
	rec := &recorder{}
	store := rulesStore(t,
		routing.Rule{ID: "all", Bus: "ecom-bus", Enabled: true, Targets: []routing.Target{q("firehose")}},
		routing.Rule{ID: "other-bus", Bus: "audit-bus", Enabled: true, Targets: []routing.Target{q("firehose")}},
		routing.Rule{ID: "disabled", Bus: "ecom-bus", Enabled: false, Targets: []routing.Target{q("firehose")}},
	)
	b := newBus(t, Config{}, store, targets{q("firehose"): rec})

	for _, e := range []models.Envelope{
		event("app.orders", "OrderCreated"),
		event("app.payments", "PaymentFailed"),
		event("anything", "Whatever"),
	} {
		res, err := b.Publish(context.Background(), e)
		require.NoError(t, err)
		assert.Equal(t, []string{"all"}, res.MatchedRules)
	}
	require.Eventually(t, func() bool { return rec.count() == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestPublish_Validation(t *testing.T) {
	b := newBus(t, Config{}, rulesStore(t), targets{})

	tests := []struct {
		name string
		env  models.Envelope
	}{
		{name: "missing source", env: models.Envelope{Type: "OrderCreated"}},
		{name: "missing type", env: models.Envelope{Source: "app.orders"}},
		{
			name: "non-scalar attribute",
			env:  models.Envelope{Source: "app.orders", Type: "OrderCreated", Attributes: map[string]interface{}{"items": []string{"a"}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Publish(context.Background(), tt.env)
			require.Error(t, err)
			assert.True(t, pkgerrors.IsValidation(err))
		})
	}
}

func TestPublish_DoesNotShareMutableState(t *testing.T) {
	rec := &recorder{}
	store := rulesStore(t, routing.Rule{ID: "all", Bus: "ecom-bus", Enabled: true, Targets: []routing.Target{q("x")}})
	b := newBus(t, Config{}, store, targets{q("x"): rec})

	env := event("app.orders", "OrderCreated")
	_, err := b.Publish(context.Background(), env)
	require.NoError(t, err)
	env.Attributes["customerId"] = "changed"

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "C-5678", rec.envelopes()[0].Attributes["customerId"])
}

type blockingSink struct {
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSink) Accept(ctx context.Context, env models.Envelope) error {
	s.entered <- struct{}{}
	<-s.release
	return nil
}

func TestPublish_FullIngressBufferIsACapacityError(t *testing.T) {
	slow := &blockingSink{entered: make(chan struct{}, 10), release: make(chan struct{})}
	store := rulesStore(t, routing.Rule{ID: "all", Bus: "ecom-bus", Enabled: true, Targets: []routing.Target{q("slow")}})
	b := newBus(t, Config{IngressBuffer: 1, IngressTimeout: 20 * time.Millisecond}, store, targets{q("slow"): slow})
	defer close(slow.release)

	_, err := b.Publish(context.Background(), event("app.orders", "OrderCreated"))
	require.NoError(t, err)
	<-slow.entered

	_, err = b.Publish(context.Background(), event("app.orders", "OrderCreated"))
	require.NoError(t, err, "the buffer still has room for one")

	_, err = b.Publish(context.Background(), event("app.orders", "OrderCreated"))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCapacity(err))
}

func TestPublish_CapacityRejectsWithoutPartialDelivery(t *testing.T) {
	fast := &recorder{}
	slow := &blockingSink{entered: make(chan struct{}, 10), release: make(chan struct{})}
	store := rulesStore(t, routing.Rule{ID: "both", Bus: "ecom-bus", Enabled: true, Targets: []routing.Target{q("fast"), q("slow")}})
	arch := &archiver{}
	b := newBus(t, Config{IngressBuffer: 1, IngressTimeout: 30 * time.Millisecond}, store,
		targets{q("fast"): fast, q("slow"): slow}, WithArchive(arch))

	_, err := b.Publish(context.Background(), event("app.orders", "OrderCreated"))
	require.NoError(t, err)
	<-slow.entered

	_, err = b.Publish(context.Background(), event("app.orders", "OrderCreated"))
	require.NoError(t, err, "slow still has room for one")
	require.Eventually(t, func() bool { return fast.count() == 2 }, time.Second, 5*time.Millisecond)

	_, err = b.Publish(context.Background(), event("app.orders", "OrderCreated"))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCapacity(err))

	assert.Never(t, func() bool { return fast.count() > 2 }, 100*time.Millisecond, 10*time.Millisecond,
		"a rejected publish reaches no target")
	arch.mu.Lock()
	assert.Len(t, arch.got, 2, "only accepted publishes are archived")
	arch.mu.Unlock()

	close(slow.release)
	require.Eventually(t, func() bool {
		_, err := b.Publish(context.Background(), event("app.orders", "OrderCreated"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "slots held by the rejected publish are given back")
	require.Eventually(t, func() bool { return fast.count() == 3 }, time.Second, 5*time.Millisecond)
}

func TestDispatch_TransientFailuresEscalateToDeadLetter(t *testing.T) {
	endpoint := &recorder{errs: []error{pkgerrors.ErrTransientDelivery.WithCause(errors.New("503"))}}
	dead := &recorder{}
	store := rulesStore(t, routing.Rule{ID: "hook", Bus: "ecom-bus", Enabled: true, Targets: []routing.Target{{Kind: routing.TargetWebhook, Name: "crm"}}})
	b := newBus(t, Config{}, store, targets{{Kind: routing.TargetWebhook, Name: "crm"}: sink.WithDeadLetter(endpoint, dead)})

	_, err := b.Publish(context.Background(), event("app.orders", "OrderCreated"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return dead.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, endpoint.count(), "MaxAttempts counts the first try")
	assert.Contains(t, dead.envelopes()[0].Attributes["dlq_reason"], "TRANSIENT_DELIVERY")
}

func TestDispatch_PermanentFailureSkipsRetries(t *testing.T) {
	endpoint := &recorder{errs: []error{pkgerrors.ErrPermanentDelivery.WithMessage("HTTP 410")}}
	dlq := queue.New("q-orders-dlq", queue.Policy{})
	orders := queue.New("q-orders", queue.Policy{DeadLetter: dlq})
	failing := struct {
		sink.Sink
		sink.DeadLetterer
	}{endpoint, orders}

	store := rulesStore(t, routing.Rule{ID: "r", Bus: "ecom-bus", Enabled: true, Targets: []routing.Target{q("q-orders")}})
	b := newBus(t, Config{}, store, targets{q("q-orders"): failing})

	_, err := b.Publish(context.Background(), event("app.orders", "OrderCreated"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return dlq.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, endpoint.count())
	assert.Equal(t, "q-orders", dlq.List(0)[0].SourceQueue)
}

func TestDispatch_UnresolvableTargetIsCountedAsFailure(t *testing.T) {
	store := rulesStore(t, routing.Rule{ID: "r", Bus: "failures-bus", Enabled: true, Targets: []routing.Target{q("removed")}})
	b := newBus(t, Config{Name: "failures-bus"}, store, targets{})

	counter := metrics.DeliveryFailuresTotal.WithLabelValues("failures-bus", "queue:removed", "permanent_failure")
	before := testutil.ToFloat64(counter)

	_, err := b.Publish(context.Background(), event("app.orders", "OrderCreated"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return testutil.ToFloat64(counter) == before+1 }, 2*time.Second, 5*time.Millisecond)
}

func TestClose_EscalatesPendingRetries(t *testing.T) {
	endpoint := &recorder{errs: []error{errors.New("connection refused")}}
	dead := &recorder{}
	store := rulesStore(t, routing.Rule{ID: "r", Bus: "ecom-bus", Enabled: true, Targets: []routing.Target{q("x")}})
	b := New(Config{Name: "ecom-bus", Retry: retry.Policy{MaxAttempts: 5, InitialInterval: time.Hour}},
		store, targets{q("x"): sink.WithDeadLetter(endpoint, dead)})

	_, err := b.Publish(context.Background(), event("app.orders", "OrderCreated"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Pending()["queue:x"] == 1 && endpoint.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))

	assert.Equal(t, 1, dead.count())
	_, err = b.Publish(context.Background(), event("app.orders", "OrderCreated"))
	assert.True(t, pkgerrors.IsClosed(err))
}

func TestPublishBatch_ReportsEachEntry(t *testing.T) {
	b := newBus(t, Config{}, rulesStore(t), targets{})

	res := b.PublishBatch(context.Background(), []models.Envelope{
		event("app.orders", "OrderCreated"),
		{Source: "app.payments"},
		event("app.shipping", "ShipmentCreated"),
	})
	assert.Equal(t, 1, res.FailedEntryCount)
	require.Len(t, res.Entries, 3)
	assert.NotEmpty(t, res.Entries[0].EventID)
	assert.Equal(t, "VALIDATION_ERROR", res.Entries[1].ErrorCode)
	assert.Empty(t, res.Entries[1].EventID)
	assert.NotEmpty(t, res.Entries[2].EventID)
	assert.NotEqual(t, res.Entries[0].EventID, res.Entries[2].EventID)
}
