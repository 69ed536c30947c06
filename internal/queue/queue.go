// Package queue implements durable leased queues with dead-letter
// escalation and redrive.
//
// A queue's mutex is the single owner of message state: a message is
// either visible, leased to exactly one receiver, or gone. Moving a
// message to its DLQ happens under the source queue's lock, so no
// consumer can observe it in both places. Locks are always taken source
// first, then DLQ; a DLQ never has a DLQ of its own.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"courier/internal/constants"
	"courier/internal/logger"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/logging"
	"courier/pkg/metrics"
	"courier/pkg/models"
)

const (
	reasonMaxReceiveCount = "max_receive_count_exceeded"
	reasonDeliveryFailed  = "delivery_failed"
)

type Queue struct {
	name    string
	journal Journal
	clock   Clock
	logger  logger.Logger

	mu       sync.Mutex
	policy   Policy
	messages map[string]*Message
	order    []*Message
	seq      uint64
	closed   bool
	changed  chan struct{}
}

type Option func(*Queue)

func WithJournal(j Journal) Option {
	return func(q *Queue) { q.journal = j }
}

func WithClock(c Clock) Option {
	return func(q *Queue) { q.clock = c }
}

func WithLogger(l logger.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

func New(name string, policy Policy, opts ...Option) *Queue {
	q := &Queue{
		name:     name,
		policy:   policy,
		messages: make(map[string]*Message),
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.journal == nil {
		q.journal = NewMemoryJournal()
	}
	if q.clock == nil {
		q.clock = systemClock{}
	}
	if q.logger == nil {
		q.logger = logger.NopLogger()
	}
	return q
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) Policy() Policy {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.policy
}

// UpdatePolicy replaces the policy. Messages already leased keep their
// current deadline.
func (q *Queue) UpdatePolicy(p Policy) {
	q.mu.Lock()
	q.policy = p
	q.signalLocked()
	q.mu.Unlock()
}

// Recover rebuilds state from the journal. Leases recorded before a
// restart stay in flight until their deadline passes.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	msgs, err := q.journal.Load(ctx, q.name)
	if err != nil {
		return 0, pkgerrors.ErrInternal.WithCause(err).WithDetail("queue", q.name)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	restored := 0
	for i := range msgs {
		m := msgs[i]
		if _, exists := q.messages[m.ID]; exists {
			continue
		}
		if m.State == "" {
			m.State = stateAvailable
		}
		if m.Seq > q.seq {
			q.seq = m.Seq
		}
		q.messages[m.ID] = &m
		q.order = append(q.order, &m)
		restored++
	}
	sort.Slice(q.order, func(i, k int) bool { return q.order[i].Seq < q.order[k].Seq })
	q.signalLocked()
	return restored, nil
}

// Enqueue stores env and returns once the journal holds it.
func (q *Queue) Enqueue(ctx context.Context, env models.Envelope) (Message, error) {
	stored, _, err := q.add(ctx, Message{ID: newMessageID(), Envelope: env.Clone()}, true)
	return stored, err
}

// Accept makes a queue a delivery target.
func (q *Queue) Accept(ctx context.Context, env models.Envelope) error {
	_, err := q.Enqueue(ctx, env)
	return err
}

// DeadLetter sends env straight to the DLQ. Queues without one report a
// permanent delivery error so the caller records the failure itself.
func (q *Queue) DeadLetter(ctx context.Context, env models.Envelope, cause error) error {
	dlq := q.Policy().DeadLetter
	if dlq == nil {
		return pkgerrors.ErrPermanentDelivery.WithMessage("queue has no dead-letter queue").WithDetail("queue", q.name)
	}
	m := Message{
		ID:               newMessageID(),
		Envelope:         env.Clone(),
		SourceQueue:      q.name,
		DeadLetterReason: reasonDeliveryFailed,
	}
	if cause != nil {
		m.DeadLetterReason = cause.Error()
	}
	if _, _, err := dlq.add(ctx, m, false); err != nil {
		return err
	}
	metrics.DLQMessagesTotal.WithLabelValues(q.name, reasonDeliveryFailed).Inc()
	return nil
}

// add inserts m unless a message with the same id is already present, in
// which case it reports false with the existing message.
func (q *Queue) add(ctx context.Context, m Message, enforceCapacity bool) (Message, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Message{}, false, pkgerrors.ErrClosed.WithDetail("queue", q.name)
	}
	if existing, ok := q.messages[m.ID]; ok {
		return existing.snapshot(), false, nil
	}
	if enforceCapacity && q.policy.MaxMessages > 0 && len(q.messages) >= q.policy.MaxMessages {
		return Message{}, false, pkgerrors.ErrCapacity.WithDetail("queue", q.name).WithDetail("max_messages", q.policy.MaxMessages)
	}

	now := q.clock.Now()
	q.seq++
	m.Seq = q.seq
	m.EnqueuedAt = now
	m.VisibleAt = now
	m.State = stateAvailable

	if err := q.journal.Put(ctx, q.name, m); err != nil {
		q.seq--
		return Message{}, false, pkgerrors.ErrTransientDelivery.WithCause(err).WithDetail("queue", q.name)
	}

	stored := m
	q.messages[m.ID] = &stored
	q.order = append(q.order, &stored)
	metrics.QueueEnqueuedTotal.WithLabelValues(q.name).Inc()
	q.signalLocked()
	return stored.snapshot(), true, nil
}

// Receive leases up to opts.MaxMessages visible messages. With a WaitTime
// it blocks until a message becomes visible, the wait elapses or ctx ends.
func (q *Queue) Receive(ctx context.Context, opts ReceiveOptions) ([]Message, error) {
	limit := opts.MaxMessages
	if limit <= 0 {
		limit = constants.DefaultReceiveBatch
	}
	if limit > constants.MaxReceiveBatch {
		limit = constants.MaxReceiveBatch
	}
	// The wait is measured on the same clock as leases and delays.
	waitUntil := q.clock.Now().Add(opts.WaitTime)

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, pkgerrors.ErrClosed.WithDetail("queue", q.name)
		}

		now := q.clock.Now()
		q.reapLocked(ctx, now)

		timeout := opts.VisibilityTimeout
		if timeout <= 0 {
			timeout = q.policy.VisibilityTimeout
		}
		if timeout <= 0 {
			timeout = constants.DefaultVisibilityTimeout
		}

		leased := q.leaseLocked(ctx, now, limit, timeout)
		if len(leased) > 0 || opts.WaitTime <= 0 {
			q.mu.Unlock()
			return leased, nil
		}

		wake := q.changed
		next, hasNext := q.nextEventLocked(now)
		q.mu.Unlock()

		remaining := waitUntil.Sub(q.clock.Now())
		if remaining <= 0 {
			return nil, nil
		}
		if hasNext {
			if d := next.Sub(now); d < remaining {
				remaining = d
			}
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (q *Queue) leaseLocked(ctx context.Context, now time.Time, limit int, timeout time.Duration) []Message {
	var (
		out  []Message
		seen map[string]bool
	)
	if q.policy.FIFO {
		seen = make(map[string]bool)
	}

	for _, m := range q.order {
		if len(out) >= limit {
			break
		}
		if seen != nil {
			// Only the head of a partition may be delivered.
			p := m.partition()
			if seen[p] {
				continue
			}
			seen[p] = true
		}
		if m.State != stateAvailable || m.VisibleAt.After(now) {
			continue
		}

		m.ReceiveCount++
		if m.FirstReceivedAt.IsZero() {
			m.FirstReceivedAt = now
		}
		m.State = stateInFlight
		m.VisibilityDeadline = now.Add(timeout)
		q.persistLocked(ctx, m)

		metrics.QueueReceivedTotal.WithLabelValues(q.name).Inc()
		out = append(out, m.snapshot())
	}
	return out
}

// nextEventLocked returns the earliest future lease deadline or delayed
// visibility time.
func (q *Queue) nextEventLocked(now time.Time) (time.Time, bool) {
	var next time.Time
	consider := func(t time.Time) {
		if t.After(now) && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}
	for _, m := range q.order {
		if m.State == stateInFlight {
			consider(m.VisibilityDeadline)
		} else {
			consider(m.VisibleAt)
		}
	}
	return next, !next.IsZero()
}

// Acknowledge removes a message for good.
func (q *Queue) Acknowledge(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.messages[id]
	if !ok {
		return pkgerrors.ErrNotFound.WithDetail("queue", q.name).WithDetail("message_id", id)
	}
	if err := q.journal.Delete(ctx, q.name, id); err != nil {
		return pkgerrors.ErrInternal.WithCause(err).WithDetail("queue", q.name)
	}
	q.removeLocked(m)
	metrics.QueueAckedTotal.WithLabelValues(q.name).Inc()
	q.signalLocked()
	return nil
}

// ExtendVisibility moves the lease deadline to now+timeout. A zero
// timeout releases the lease, which counts as an expiry.
func (q *Queue) ExtendVisibility(ctx context.Context, id string, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.messages[id]
	if !ok {
		return pkgerrors.ErrNotFound.WithDetail("queue", q.name).WithDetail("message_id", id)
	}
	if m.State != stateInFlight {
		return pkgerrors.ErrConflict.WithMessage("message is not in flight").WithDetail("message_id", id)
	}

	now := q.clock.Now()
	if timeout <= 0 {
		q.expireLocked(ctx, m, now)
	} else {
		m.VisibilityDeadline = now.Add(timeout)
		q.persistLocked(ctx, m)
	}
	q.signalLocked()
	return nil
}

// Reap expires overdue leases and refreshes the depth gauge.
func (q *Queue) Reap(ctx context.Context) int {
	q.mu.Lock()
	now := q.clock.Now()
	n := q.reapLocked(ctx, now)
	stats := q.statsLocked(now)
	q.mu.Unlock()

	metrics.SetQueueDepth(q.name, stats.Visible, stats.InFlight, stats.Delayed)
	return n
}

// Run reaps on every tick until ctx ends.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = constants.DefaultReaperInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Reap(ctx)
		}
	}
}

func (q *Queue) reapLocked(ctx context.Context, now time.Time) int {
	var expired []*Message
	for _, m := range q.order {
		if m.State == stateInFlight && !m.VisibilityDeadline.After(now) {
			expired = append(expired, m)
		}
	}
	for _, m := range expired {
		q.expireLocked(ctx, m, now)
	}
	if len(expired) > 0 {
		q.signalLocked()
	}
	return len(expired)
}

func (q *Queue) expireLocked(ctx context.Context, m *Message, now time.Time) {
	metrics.QueueLeaseExpiredTotal.WithLabelValues(q.name).Inc()

	dlq := q.policy.DeadLetter
	if dlq != nil && q.policy.MaxReceiveCount > 0 && m.ReceiveCount > q.policy.MaxReceiveCount {
		err := q.moveToDeadLetterLocked(ctx, m, dlq)
		if err == nil {
			return
		}
		q.logger.ErrorwCtx(logging.WithMessageID(logging.WithQueue(ctx, q.name), m.ID), "Failed to move message to dead-letter queue",
			"error", err,
			"dead_letter_queue", dlq.Name(),
			"receive_count", m.ReceiveCount,
		)
	}

	m.State = stateAvailable
	m.VisibilityDeadline = time.Time{}
	m.VisibleAt = now.Add(q.policy.redeliveryDelay(m.ReceiveCount))
	q.persistLocked(ctx, m)
}

func (q *Queue) moveToDeadLetterLocked(ctx context.Context, m *Message, dlq *Queue) error {
	dead := m.snapshot()
	dead.DeadLetterReason = reasonMaxReceiveCount
	dead.SourceQueue = q.name
	dead.VisibilityDeadline = time.Time{}

	if _, _, err := dlq.add(ctx, dead, false); err != nil {
		return err
	}
	if err := q.journal.Delete(ctx, q.name, m.ID); err != nil {
		q.logger.ErrorwCtx(logging.WithQueue(ctx, q.name), "Failed to delete dead-lettered message from journal",
			"error", err,
			"message_id", m.ID,
		)
	}
	q.removeLocked(m)

	metrics.DLQMessagesTotal.WithLabelValues(q.name, reasonMaxReceiveCount).Inc()
	q.logger.WarnwCtx(logging.WithMessageID(logging.WithQueue(ctx, q.name), m.ID), "Message moved to dead-letter queue",
		"dead_letter_queue", dlq.Name(),
		"receive_count", m.ReceiveCount,
		"max_receive_count", q.policy.MaxReceiveCount,
	)
	return nil
}

// Redrive moves messages from this queue, normally a DLQ, into target with
// their receive count reset. Each message leaves this queue only after
// target holds it, and target skips ids it already has, so a redrive
// interrupted half way can simply be run again.
func (q *Queue) Redrive(ctx context.Context, target *Queue, filter MessageFilter) (int, error) {
	return q.redrive(ctx, func(Message) (*Queue, error) { return target, nil }, filter)
}

// RedriveToSource sends each message back to the queue it was
// dead-lettered from.
func (q *Queue) RedriveToSource(ctx context.Context, lookup func(name string) (*Queue, bool), filter MessageFilter) (int, error) {
	return q.redrive(ctx, func(m Message) (*Queue, error) {
		if m.SourceQueue == "" {
			return nil, pkgerrors.ErrValidation.WithMessage("message has no source queue").WithDetail("message_id", m.ID)
		}
		target, ok := lookup(m.SourceQueue)
		if !ok {
			return nil, pkgerrors.ErrNotFound.WithDetail("queue", m.SourceQueue)
		}
		return target, nil
	}, filter)
}

func (q *Queue) redrive(ctx context.Context, pick func(Message) (*Queue, error), filter MessageFilter) (int, error) {
	q.mu.Lock()
	candidates := make([]Message, 0, len(q.order))
	for _, m := range q.order {
		snap := m.snapshot()
		if filter == nil || filter(snap) {
			candidates = append(candidates, snap)
		}
	}
	q.mu.Unlock()

	moved := 0
	for _, m := range candidates {
		if err := ctx.Err(); err != nil {
			return moved, err
		}

		target, err := pick(m)
		if err != nil {
			return moved, err
		}
		if target == q {
			return moved, pkgerrors.ErrValidation.WithMessage("redrive target must differ from source").WithDetail("queue", q.name)
		}

		fresh := Message{ID: m.ID, Envelope: m.Envelope}
		if _, _, err := target.add(ctx, fresh, true); err != nil {
			return moved, err
		}

		if err := q.remove(ctx, m.ID); err != nil {
			return moved, err
		}
		moved++
		metrics.RedriveMessagesTotal.WithLabelValues(q.name, target.Name()).Inc()
	}

	if moved > 0 {
		q.logger.InfowCtx(logging.WithQueue(ctx, q.name), "Redrive completed",
			"moved", moved,
		)
	}
	return moved, nil
}

func (q *Queue) remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.messages[id]
	if !ok {
		return nil
	}
	if err := q.journal.Delete(ctx, q.name, id); err != nil {
		return pkgerrors.ErrInternal.WithCause(err).WithDetail("queue", q.name)
	}
	q.removeLocked(m)
	q.signalLocked()
	return nil
}

func (q *Queue) Get(id string) (Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.messages[id]
	if !ok {
		return Message{}, pkgerrors.ErrNotFound.WithDetail("queue", q.name).WithDetail("message_id", id)
	}
	return m.snapshot(), nil
}

// List returns up to limit messages in acceptance order.
func (q *Queue) List(limit int) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.order) {
		limit = len(q.order)
	}
	out := make([]Message, 0, limit)
	for _, m := range q.order[:limit] {
		out = append(out, m.snapshot())
	}
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked(q.clock.Now())
}

func (q *Queue) statsLocked(now time.Time) Stats {
	s := Stats{
		Name:            q.name,
		Total:           len(q.messages),
		FIFO:            q.policy.FIFO,
		MaxReceiveCount: q.policy.MaxReceiveCount,
		Closed:          q.closed,
	}
	if q.policy.DeadLetter != nil {
		s.DeadLetterQueue = q.policy.DeadLetter.Name()
	}
	for _, m := range q.order {
		switch {
		case m.State == stateInFlight:
			s.InFlight++
		case m.VisibleAt.After(now):
			s.Delayed++
		default:
			s.Visible++
		}
	}
	return s
}

// Close rejects further enqueues and receives and wakes long pollers.
// Stored messages stay in the journal.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signalLocked()
}

func (q *Queue) persistLocked(ctx context.Context, m *Message) {
	if err := q.journal.Put(ctx, q.name, *m); err != nil {
		q.logger.ErrorwCtx(logging.WithQueue(ctx, q.name), "Failed to journal message state",
			"error", err,
			"message_id", m.ID,
		)
	}
}

func (q *Queue) removeLocked(m *Message) {
	delete(q.messages, m.ID)
	i := sort.Search(len(q.order), func(i int) bool { return q.order[i].Seq >= m.Seq })
	if i < len(q.order) && q.order[i] == m {
		copy(q.order[i:], q.order[i+1:])
		q.order[len(q.order)-1] = nil
		q.order = q.order[:len(q.order)-1]
	}
}

func (q *Queue) signalLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (m *Message) snapshot() Message {
	out := *m
	out.Envelope = m.Envelope.Clone()
	return out
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
