package engine

import (
	"context"
	"sort"

	"courier/internal/archive"
	"courier/internal/bus"
	"courier/internal/constants"
	"courier/internal/queue"
	"courier/internal/routing"
	"courier/internal/topic"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/models"
)

func (e *Engine) busByName(name string) (*bus.Bus, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.buses[name]
	if !ok {
		return nil, pkgerrors.ErrNotFound.WithDetail("bus", name)
	}
	return b, nil
}

func (e *Engine) queueByName(name string) (*queue.Queue, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	q, ok := e.queues[name]
	if !ok {
		return nil, pkgerrors.ErrNotFound.WithDetail("queue", name)
	}
	return q, nil
}

func (e *Engine) lookupQueue(name string) (*queue.Queue, bool) {
	q, err := e.queueByName(name)
	return q, err == nil
}

// Publish hands env to the named bus.
func (e *Engine) Publish(ctx context.Context, busName string, env models.Envelope) (bus.PublishResult, error) {
	b, err := e.busByName(busName)
	if err != nil {
		return bus.PublishResult{}, err
	}
	return b.Publish(ctx, env)
}

func (e *Engine) PublishBatch(ctx context.Context, busName string, envs []models.Envelope) (bus.BatchPublishResult, error) {
	b, err := e.busByName(busName)
	if err != nil {
		return bus.BatchPublishResult{}, err
	}
	return b.PublishBatch(ctx, envs), nil
}

// publishTo is the replayer's way back into the buses.
func (e *Engine) publishTo(ctx context.Context, busName string, env models.Envelope) error {
	_, err := e.Publish(ctx, busName, env)
	return err
}

type BusInfo struct {
	Name    string         `json:"name"`
	Pending map[string]int `json:"pending"`
}

func (e *Engine) Buses() []BusInfo {
	e.mu.RLock()
	out := make([]BusInfo, 0, len(e.buses))
	for name, b := range e.buses {
		out = append(out, BusInfo{Name: name, Pending: b.Pending()})
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RedriveRequest moves messages out of a dead-letter queue. An empty
// Target sends each message back to the queue it was dead-lettered from.
// MessageIDs, when set, limits the redrive to those messages.
type RedriveRequest struct {
	Queue      string   `json:"queue"`
	Target     string   `json:"target,omitempty"`
	MessageIDs []string `json:"message_ids,omitempty"`
}

// Redrive returns how many messages moved. It is safe to rerun after a
// partial failure.
func (e *Engine) Redrive(ctx context.Context, req RedriveRequest) (int, error) {
	dlq, err := e.queueByName(req.Queue)
	if err != nil {
		return 0, err
	}

	var filter queue.MessageFilter
	if len(req.MessageIDs) > 0 {
		ids := make(map[string]bool, len(req.MessageIDs))
		for _, id := range req.MessageIDs {
			ids[id] = true
		}
		filter = func(m queue.Message) bool { return ids[m.ID] }
	}

	if req.Target == "" {
		return dlq.RedriveToSource(ctx, e.lookupQueue, filter)
	}
	target, err := e.queueByName(req.Target)
	if err != nil {
		return 0, err
	}
	return dlq.Redrive(ctx, target, filter)
}

func (e *Engine) QueueStats() []queue.Stats {
	e.mu.RLock()
	out := make([]queue.Stats, 0, len(e.queues))
	for _, q := range e.queues {
		out = append(out, q.Stats())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *Engine) QueueStat(name string) (queue.Stats, error) {
	q, err := e.queueByName(name)
	if err != nil {
		return queue.Stats{}, err
	}
	return q.Stats(), nil
}

// ListMessages returns up to limit messages of a queue in acceptance
// order without leasing them.
func (e *Engine) ListMessages(name string, limit int) ([]queue.Message, error) {
	q, err := e.queueByName(name)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = constants.DefaultLimit
	}
	if limit > constants.MaxLimit {
		limit = constants.MaxLimit
	}
	return q.List(limit), nil
}

func (e *Engine) Subscriptions(topicName string) ([]topic.SubscriptionInfo, error) {
	e.mu.RLock()
	t, ok := e.topics[topicName]
	e.mu.RUnlock()
	if !ok {
		return nil, pkgerrors.ErrNotFound.WithDetail("topic", topicName)
	}
	return t.Subscriptions(), nil
}

func (e *Engine) SetSubscriptionActive(topicName, id string, active bool) error {
	e.mu.RLock()
	t, ok := e.topics[topicName]
	e.mu.RUnlock()
	if !ok {
		return pkgerrors.ErrNotFound.WithDetail("topic", topicName)
	}
	return t.SetActive(id, active)
}

// ReloadRules pulls the rule set from its source and swaps it in.
func (e *Engine) ReloadRules(ctx context.Context) error {
	return e.reloader.ReloadRules(ctx, true)
}

// RuleWriter is available when rules live in the database.
func (e *Engine) RuleWriter() (routing.Writer, bool) {
	repo := e.reloader.Repository()
	if cb, ok := repo.(*routing.CircuitBreakerRepository); ok {
		repo = cb.Unwrap()
	}
	w, ok := repo.(routing.Writer)
	return w, ok
}

func (e *Engine) replay() (*archive.Replayer, error) {
	if e.replayer == nil {
		return nil, pkgerrors.ErrServiceUnavailable.WithMessage("archive is disabled")
	}
	return e.replayer, nil
}

// StartReplay starts a replay job into an existing bus.
func (e *Engine) StartReplay(ctx context.Context, req archive.ReplayRequest) (string, error) {
	r, err := e.replay()
	if err != nil {
		return "", err
	}
	target := req.TargetBus
	if target == "" {
		target = req.Bus
	}
	if target != "" {
		if _, err := e.busByName(target); err != nil {
			return "", err
		}
	}
	return r.Replay(ctx, req)
}

func (e *Engine) ReplayJob(id string) (archive.ReplayJob, error) {
	r, err := e.replay()
	if err != nil {
		return archive.ReplayJob{}, err
	}
	return r.Job(id)
}

func (e *Engine) ReplayJobs() ([]archive.ReplayJob, error) {
	r, err := e.replay()
	if err != nil {
		return nil, err
	}
	return r.Jobs(), nil
}

func (e *Engine) CancelReplay(id string) error {
	r, err := e.replay()
	if err != nil {
		return err
	}
	return r.Cancel(id)
}

func (e *Engine) ResumeReplay(ctx context.Context, id string) error {
	r, err := e.replay()
	if err != nil {
		return err
	}
	return r.Resume(ctx, id)
}

// FlushArchive waits until every recorded envelope reached the archive
// store.
func (e *Engine) FlushArchive(ctx context.Context) error {
	if e.archive == nil {
		return nil
	}
	return e.archive.Flush(ctx)
}
