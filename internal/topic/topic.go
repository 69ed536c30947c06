// Package topic fans one envelope out to independent subscriptions.
package topic

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"courier/internal/constants"
	"courier/internal/delivery"
	"courier/internal/logger"
	"courier/internal/routing"
	"courier/internal/sink"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/logging"
	"courier/pkg/metrics"
	"courier/pkg/models"
	"courier/pkg/retry"
)

type Status string

const (
	StatusDelivered    Status = "delivered"
	StatusFiltered     Status = "filtered"
	StatusRetrying     Status = "retrying"
	StatusDeadLettered Status = "dead_lettered"
	StatusDropped      Status = "dropped"
)

// Receipt is the outcome of one delivery attempt to one subscription.
type Receipt struct {
	SubscriptionID string `json:"subscription_id"`
	Status         Status `json:"status"`
	Attempts       int    `json:"attempts"`
	Error          string `json:"error,omitempty"`
}

// Subscription binds the topic to an endpoint. Filter narrows what the
// subscription receives; a nil filter receives everything.
type Subscription struct {
	ID         string
	Endpoint   sink.Sink
	Filter     *routing.Filter
	Retry      retry.Policy
	DeadLetter sink.Sink
	Active     bool
	// Description is shown by the operator API.
	Description string
}

// SubscriptionInfo is the read-only view of a subscription.
type SubscriptionInfo struct {
	ID            string `json:"id"`
	Endpoint      string `json:"endpoint"`
	FilterClauses int    `json:"filter_clauses"`
	MaxAttempts   int    `json:"max_attempts"`
	DeadLetter    bool   `json:"dead_letter"`
	Active        bool   `json:"active"`
	Pending       int    `json:"pending_retries"`
}

type Topic struct {
	name     string
	logger   logger.Logger
	now      func() time.Time
	schedule *delivery.Schedule

	mu     sync.RWMutex
	subs   []*Subscription
	closed bool
}

type Option func(*Topic)

func WithLogger(l logger.Logger) Option {
	return func(t *Topic) { t.logger = l }
}

func WithNow(now func() time.Time) Option {
	return func(t *Topic) { t.now = now }
}

func New(name string, opts ...Option) *Topic {
	t := &Topic{
		name:     name,
		logger:   logger.NopLogger(),
		now:      time.Now,
		schedule: delivery.NewSchedule(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Topic) Name() string {
	return t.name
}

func (t *Topic) Subscribe(sub Subscription) error {
	if sub.ID == "" || sub.Endpoint == nil {
		return pkgerrors.ErrValidation.WithMessage("subscription needs an id and an endpoint")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.subs {
		if s.ID == sub.ID {
			return pkgerrors.ErrConflict.WithDetail("subscription", sub.ID)
		}
	}
	s := sub
	t.subs = append(t.subs, &s)
	return nil
}

// Unsubscribe removes a subscription. Its pending retries are escalated
// like exhausted ones.
func (t *Topic) Unsubscribe(ctx context.Context, id string) bool {
	t.mu.Lock()
	var removed *Subscription
	for i, s := range t.subs {
		if s.ID == id {
			removed = s
			t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
			break
		}
	}
	t.mu.Unlock()

	if removed == nil {
		return false
	}
	for _, a := range t.schedule.Drop(id) {
		t.escalate(ctx, removed, a, pkgerrors.ErrPermanentDelivery.WithMessage("subscription removed"))
	}
	return true
}

// Replace installs a new subscription set, as on a topology reload.
// Pending retries of subscriptions that survive are kept.
func (t *Topic) Replace(ctx context.Context, subs []Subscription) {
	keep := make(map[string]bool, len(subs))
	next := make([]*Subscription, 0, len(subs))
	for i := range subs {
		s := subs[i]
		keep[s.ID] = true
		next = append(next, &s)
	}

	t.mu.Lock()
	old := t.subs
	t.subs = next
	t.mu.Unlock()

	for _, s := range old {
		if keep[s.ID] {
			continue
		}
		for _, a := range t.schedule.Drop(s.ID) {
			t.escalate(ctx, s, a, pkgerrors.ErrPermanentDelivery.WithMessage("subscription removed"))
		}
	}
}

func (t *Topic) SetActive(id string, active bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.subs {
		if s.ID == id {
			s.Active = active
			return nil
		}
	}
	return pkgerrors.ErrNotFound.WithDetail("subscription", id)
}

func (t *Topic) Subscriptions() []SubscriptionInfo {
	pending := t.schedule.CountByKey()

	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]SubscriptionInfo, 0, len(t.subs))
	for _, s := range t.subs {
		info := SubscriptionInfo{
			ID:          s.ID,
			Endpoint:    s.Description,
			MaxAttempts: s.Retry.MaxAttempts,
			DeadLetter:  s.DeadLetter != nil,
			Active:      s.Active,
			Pending:     pending[s.ID],
		}
		if s.Filter != nil {
			info.FilterClauses = s.Filter.Len()
		}
		out = append(out, info)
	}
	return out
}

// Pending is the number of deliveries waiting for a retry.
func (t *Topic) Pending() int {
	return t.schedule.Len()
}

// Accept publishes env to every subscription. Per-subscription failures
// are handled inside the topic, so Accept only fails once closed.
func (t *Topic) Accept(ctx context.Context, env models.Envelope) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return pkgerrors.ErrClosed.WithDetail("topic", t.name)
	}
	t.Publish(ctx, env)
	return nil
}

// Publish delivers env to every active subscription concurrently and
// returns one receipt per active subscription, in subscription order.
func (t *Topic) Publish(ctx context.Context, env models.Envelope) []Receipt {
	t.mu.RLock()
	subs := make([]*Subscription, 0, len(t.subs))
	for _, s := range t.subs {
		if s.Active {
			sub := *s
			subs = append(subs, &sub)
		}
	}
	t.mu.RUnlock()

	receipts := make([]Receipt, len(subs))
	var g errgroup.Group
	for i, sub := range subs {
		if sub.Filter != nil && !sub.Filter.Matches(ctx, env) {
			receipts[i] = Receipt{SubscriptionID: sub.ID, Status: StatusFiltered}
			t.count(sub.ID, StatusFiltered)
			continue
		}
		g.Go(func() error {
			receipts[i] = t.attempt(ctx, sub, delivery.Attempt{Key: sub.ID, Envelope: env})
			return nil
		})
	}
	_ = g.Wait()
	return receipts
}

func (t *Topic) attempt(ctx context.Context, sub *Subscription, a delivery.Attempt) Receipt {
	err := sub.Endpoint.Accept(ctx, a.Envelope)
	if err == nil {
		t.count(sub.ID, StatusDelivered)
		return Receipt{SubscriptionID: sub.ID, Status: StatusDelivered, Attempts: a.Attempt + 1}
	}

	if !pkgerrors.IsPermanent(err) {
		next, scheduled := t.schedule.Retry(a, sub.Retry, err, t.now())
		if scheduled {
			t.count(sub.ID, StatusRetrying)
			t.logger.DebugwCtx(t.logContext(ctx, a.Envelope), "Subscription delivery failed, retry scheduled",
				"subscription", sub.ID,
				"attempt", next.Attempt,
				"next_at", next.NextAt,
				"error", err,
			)
			return Receipt{SubscriptionID: sub.ID, Status: StatusRetrying, Attempts: next.Attempt, Error: err.Error()}
		}
		a = next
	} else {
		a.Attempt++
		a.LastError = err
	}

	status := t.escalate(ctx, sub, a, err)
	return Receipt{SubscriptionID: sub.ID, Status: status, Attempts: a.Attempt, Error: err.Error()}
}

// escalate sends a failed delivery to the subscription's DLQ, or drops it
// with a log entry when there is none.
func (t *Topic) escalate(ctx context.Context, sub *Subscription, a delivery.Attempt, cause error) Status {
	logCtx := t.logContext(ctx, a.Envelope)
	if sub.DeadLetter != nil {
		err := sub.DeadLetter.Accept(ctx, sink.Annotate(a.Envelope, cause))
		if err == nil {
			t.count(sub.ID, StatusDeadLettered)
			metrics.DLQMessagesTotal.WithLabelValues("topic:"+t.name+"/"+sub.ID, reasonFor(cause)).Inc()
			t.logger.WarnwCtx(logCtx, "Subscription delivery dead-lettered",
				"subscription", sub.ID,
				"attempts", a.Attempt,
				"error", cause,
			)
			return StatusDeadLettered
		}
		t.logger.ErrorwCtx(logCtx, "Subscription dead-letter delivery failed",
			"subscription", sub.ID,
			"error", err,
			"cause", cause,
		)
	}

	t.count(sub.ID, StatusDropped)
	t.logger.ErrorwCtx(logCtx, "Subscription delivery dropped",
		"subscription", sub.ID,
		"attempts", a.Attempt,
		"error", cause,
	)
	return StatusDropped
}

// Run drives scheduled retries until ctx ends. Retries still pending at
// shutdown are escalated rather than lost.
func (t *Topic) Run(ctx context.Context) {
	for {
		timer, stop := t.schedule.Timer(t.now())
		select {
		case <-ctx.Done():
			stop()
			t.flush()
			return
		case <-t.schedule.Wake():
			stop()
			continue
		case <-timer:
		}
		stop()
		t.RetryDue(ctx)
	}
}

// RetryDue runs every retry that is due now and waits for them.
func (t *Topic) RetryDue(ctx context.Context) int {
	due := t.schedule.PopDue(t.now())
	if len(due) == 0 {
		return 0
	}

	var g errgroup.Group
	g.SetLimit(constants.DefaultReceiveBatch)
	for _, a := range due {
		sub, ok := t.subscription(a.Key)
		if !ok || !sub.Active {
			t.escalate(ctx, t.orphan(a.Key, sub), a, pkgerrors.ErrPermanentDelivery.WithMessage("subscription unavailable"))
			continue
		}
		g.Go(func() error {
			t.attempt(ctx, sub, a)
			return nil
		})
	}
	_ = g.Wait()
	return len(due)
}

func (t *Topic) flush() {
	pending := t.schedule.Drain()
	if len(pending) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()
	for _, a := range pending {
		sub, _ := t.subscription(a.Key)
		t.escalate(ctx, t.orphan(a.Key, sub), a, pkgerrors.ErrTransientDelivery.WithMessage("topic stopped with retry pending"))
	}
}

func (t *Topic) orphan(id string, sub *Subscription) *Subscription {
	if sub != nil {
		return sub
	}
	return &Subscription{ID: id}
}

func (t *Topic) subscription(id string) (*Subscription, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.subs {
		if s.ID == id {
			sub := *s
			return &sub, true
		}
	}
	return nil, false
}

// Close stops accepting publishes. Run still flushes pending retries.
func (t *Topic) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *Topic) count(subscription string, status Status) {
	metrics.TopicDeliveriesTotal.WithLabelValues(t.name, subscription, string(status)).Inc()
}

func (t *Topic) logContext(ctx context.Context, env models.Envelope) context.Context {
	ctx = logging.WithEventID(ctx, env.ID)
	if env.Bus != "" {
		ctx = logging.WithBus(ctx, env.Bus)
	}
	return ctx
}

func reasonFor(err error) string {
	if pkgerrors.IsPermanent(err) {
		return "permanent_failure"
	}
	return "retries_exhausted"
}
