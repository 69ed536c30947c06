package engine

import (
	"context"
	"fmt"
	"reflect"

	"courier/internal/bus"
	"courier/internal/config"
	"courier/internal/consumer"
	"courier/internal/queue"
	"courier/internal/routing"
	"courier/internal/sink"
	"courier/internal/topic"
	"courier/pkg/circuitbreaker"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/logging"
	"courier/pkg/models"
	"courier/pkg/retry"
)

type externalTarget struct {
	cfg  config.TargetConfig
	sink sink.Sink
}

type managedConsumer struct {
	cfg    config.ConsumerConfig
	queue  *queue.Queue
	runner *consumer.Runner
	// fromConfig is false for consumers added with AddConsumer; reloads
	// leave those alone.
	fromConfig bool
}

// Apply reconciles the running components with cfg.Topology: new
// components are built, surviving ones are updated in place, removed ones
// are drained and closed, and the rule snapshot is swapped atomically.
// An invalid topology changes nothing.
func (e *Engine) Apply(ctx context.Context, cfg *config.Config) error {
	if err := config.ValidateTopology(cfg.Topology); err != nil {
		return pkgerrors.ErrValidation.WithCause(err).WithMessage("invalid topology")
	}
	if e.static != nil {
		if _, err := routing.NewSnapshot(routing.RulesFromConfig(cfg.Topology.Rules), e.rules.Evaluator(), 0); err != nil {
			return pkgerrors.ErrValidation.WithCause(err).WithMessage("invalid rules")
		}
	}
	return e.apply(ctx, cfg)
}

type removed struct {
	buses  []*bus.Bus
	topics []*topic.Topic
	queues []*queue.Queue
}

func (e *Engine) apply(ctx context.Context, cfg *config.Config) error {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	t := cfg.Topology
	var gone removed

	// Filters compile before anything changes so a bad subscription
	// rejects the whole reload.
	subs := make(map[string][]topic.Subscription, len(t.Topics))
	for _, tc := range t.Topics {
		list, err := e.subscriptions(tc, cfg.Delivery)
		if err != nil {
			return err
		}
		subs[tc.Name] = list
	}
	targets, err := e.buildTargets(t.Targets, cfg.CircuitBreaker)
	if err != nil {
		return err
	}

	e.mu.Lock()
	newQueues := e.reconcileQueues(t.Queues, cfg.Delivery, &gone)
	newTopics := e.reconcileTopics(t.Topics, &gone)
	e.targets = targets
	newBuses := e.reconcileBuses(t.Buses, cfg.Delivery, &gone)
	e.cfg = cfg
	e.mu.Unlock()

	// SetArchive waits for in-flight publishes, so it runs unlocked.
	for _, bc := range t.Buses {
		if b, err := e.busByName(bc.Name); err == nil {
			b.SetArchive(e.archiverFor(bc))
		}
	}

	for _, q := range newQueues {
		if n, err := q.Recover(ctx); err != nil {
			e.logger.ErrorwCtx(logging.WithQueue(ctx, q.Name()), "Failed to recover queue from journal",
				"error", err,
			)
		} else if n > 0 {
			e.logger.InfowCtx(logging.WithQueue(ctx, q.Name()), "Recovered queue from journal",
				"messages", n,
			)
		}
		e.spawn(prefixQueue+q.Name(), func(ctx context.Context) {
			q.Run(ctx, cfg.Delivery.ReaperInterval)
		})
	}

	e.mu.RLock()
	topics := make(map[string]*topic.Topic, len(e.topics))
	for name, tp := range e.topics {
		topics[name] = tp
	}
	e.mu.RUnlock()
	for name, list := range subs {
		topics[name].Replace(ctx, list)
	}
	for _, tp := range newTopics {
		e.spawn(prefixTopic+tp.Name(), tp.Run)
	}

	if e.static != nil {
		e.static.SetRules(t.Rules)
	}
	if err := e.reloader.ReloadRules(ctx, true); err != nil {
		if e.static != nil {
			return err
		}
		// The database source keeps polling; the last good snapshot stays.
		e.logger.WarnwCtx(ctx, "Rule reload failed during apply",
			"error", err,
		)
	}

	e.reconcileConsumers(ctx, t.Consumers)

	for _, b := range gone.buses {
		if err := b.Close(ctx); err != nil {
			e.logger.WarnwCtx(logging.WithBus(ctx, b.Name()), "Bus did not drain before the deadline",
				"error", err,
			)
		}
	}
	for _, tp := range gone.topics {
		tp.Close()
		e.halt(ctx, prefixTopic+tp.Name())
	}
	for _, q := range gone.queues {
		q.Close()
		e.halt(ctx, prefixQueue+q.Name())
	}

	if len(newBuses)+len(newQueues)+len(newTopics)+len(gone.buses)+len(gone.queues)+len(gone.topics) > 0 {
		e.logger.InfowCtx(ctx, "Topology applied",
			"buses_added", len(newBuses),
			"buses_removed", len(gone.buses),
			"queues_added", len(newQueues),
			"queues_removed", len(gone.queues),
			"topics_added", len(newTopics),
			"topics_removed", len(gone.topics),
		)
	}
	return nil
}

func (e *Engine) reconcileQueues(cfgs []config.QueueConfig, d config.DeliveryConfig, gone *removed) []*queue.Queue {
	want := make(map[string]bool, len(cfgs))
	var created []*queue.Queue
	for _, qc := range cfgs {
		want[qc.Name] = true
		if _, ok := e.queues[qc.Name]; ok {
			continue
		}
		q := queue.New(qc.Name, queue.Policy{},
			queue.WithJournal(e.journal),
			queue.WithLogger(e.logger),
		)
		e.queues[qc.Name] = q
		created = append(created, q)
	}

	// Policies go in once every queue exists so DLQ links resolve.
	for _, qc := range cfgs {
		e.queues[qc.Name].UpdatePolicy(e.queuePolicy(qc, d))
	}

	for name, q := range e.queues {
		if !want[name] {
			delete(e.queues, name)
			gone.queues = append(gone.queues, q)
		}
	}
	return created
}

func (e *Engine) queuePolicy(qc config.QueueConfig, d config.DeliveryConfig) queue.Policy {
	visibility := qc.VisibilityTimeout
	if visibility <= 0 {
		visibility = d.DefaultVisibilityTimeout
	}
	p := queue.Policy{
		VisibilityTimeout: visibility,
		MaxReceiveCount:   qc.MaxReceiveCount,
		MaxMessages:       qc.MaxMessages,
		FIFO:              qc.FIFO,
		Redelivery:        qc.Redelivery.Policy(retry.Policy{}),
	}
	if qc.DeadLetterQueue != "" {
		p.DeadLetter = e.queues[qc.DeadLetterQueue]
		if p.MaxReceiveCount == 0 {
			p.MaxReceiveCount = d.DefaultMaxReceiveCount
		}
	}
	return p
}

func (e *Engine) reconcileTopics(cfgs []config.TopicConfig, gone *removed) []*topic.Topic {
	want := make(map[string]bool, len(cfgs))
	var created []*topic.Topic
	for _, tc := range cfgs {
		want[tc.Name] = true
		if _, ok := e.topics[tc.Name]; ok {
			continue
		}
		tp := topic.New(tc.Name, topic.WithLogger(e.logger))
		e.topics[tc.Name] = tp
		created = append(created, tp)
	}
	for name, tp := range e.topics {
		if !want[name] {
			delete(e.topics, name)
			gone.topics = append(gone.topics, tp)
		}
	}
	return created
}

func (e *Engine) subscriptions(tc config.TopicConfig, d config.DeliveryConfig) ([]topic.Subscription, error) {
	def := d.Retry.Policy(retry.DefaultPolicy())
	out := make([]topic.Subscription, 0, len(tc.Subscriptions))
	for _, sc := range tc.Subscriptions {
		filter, err := routing.CompileFilter(routing.ClausesFromConfig(sc.Filter), e.rules.Evaluator())
		if err != nil {
			return nil, pkgerrors.ErrValidation.WithCause(err).
				WithDetail("topic", tc.Name).
				WithDetail("subscription", sc.ID)
		}
		sub := topic.Subscription{
			ID:          sc.ID,
			Endpoint:    e.ref(routing.TargetFromConfig(sc.Endpoint)),
			Filter:      filter,
			Retry:       sc.Retry.Policy(def),
			Active:      sc.IsActive(),
			Description: sc.Endpoint.String(),
		}
		if !sc.DeadLetter.IsZero() {
			sub.DeadLetter = e.ref(routing.TargetFromConfig(sc.DeadLetter))
		}
		out = append(out, sub)
	}
	return out, nil
}

// buildTargets keeps the sink of every target whose config did not
// change, so webhook breakers keep their state across reloads.
func (e *Engine) buildTargets(cfgs []config.TargetConfig, cb config.CircuitBreakerConfig) (map[string]*externalTarget, error) {
	e.mu.RLock()
	current := e.targets
	e.mu.RUnlock()

	out := make(map[string]*externalTarget, len(cfgs))
	for _, tc := range cfgs {
		if existing, ok := current[tc.Name]; ok && reflect.DeepEqual(existing.cfg, tc) {
			out[tc.Name] = existing
			continue
		}
		s, err := e.buildTarget(tc, cb)
		if err != nil {
			return nil, err
		}
		out[tc.Name] = &externalTarget{cfg: tc, sink: s}
	}
	return out, nil
}

func (e *Engine) buildTarget(tc config.TargetConfig, cb config.CircuitBreakerConfig) (sink.Sink, error) {
	var s sink.Sink
	switch tc.Kind {
	case config.TargetKafka:
		if e.deps.Producer == nil {
			return nil, pkgerrors.ErrValidation.WithMessage("kafka target requires broker.type kafka").WithDetail("target", tc.Name)
		}
		s = sink.NewKafkaSink(e.deps.Producer, tc.Topic)
	case config.TargetNATS:
		if e.deps.NATS == nil {
			return nil, pkgerrors.ErrValidation.WithMessage("nats target requires nats.url").WithDetail("target", tc.Name)
		}
		s = sink.NewNATSSink(e.deps.NATS, tc.Subject)
	case config.TargetWebhook:
		wc := sink.WebhookConfig{
			Name:    tc.Name,
			URL:     tc.URL,
			Headers: tc.Headers,
			Timeout: tc.Timeout,
		}
		if tc.CircuitBreaker && cb.Enabled {
			wc.Breaker = sink.WebhookBreaker(tc.Name, cb)
		}
		s = sink.NewWebhookSink(wc)
	default:
		return nil, pkgerrors.ErrValidation.WithMessage(fmt.Sprintf("unknown target kind %q", tc.Kind)).WithDetail("target", tc.Name)
	}

	if !tc.DeadLetter.IsZero() {
		s = sink.WithDeadLetter(s, e.ref(routing.TargetFromConfig(tc.DeadLetter)))
	}
	return s, nil
}

// ref resolves target on every delivery, so a subscription or dead-letter
// reference follows reloads instead of pinning a removed component.
func (e *Engine) ref(target routing.Target) sink.Sink {
	return sink.Func(func(ctx context.Context, env models.Envelope) error {
		s, ok := e.Resolve(target)
		if !ok {
			return pkgerrors.ErrPermanentDelivery.WithMessage("target no longer exists").WithDetail("target", target.String())
		}
		return s.Accept(ctx, env)
	})
}

func (e *Engine) reconcileBuses(cfgs []config.BusConfig, d config.DeliveryConfig, gone *removed) []*bus.Bus {
	want := make(map[string]bool, len(cfgs))
	var created []*bus.Bus
	for _, bc := range cfgs {
		want[bc.Name] = true
		bcfg := bus.Config{
			Name:           bc.Name,
			IngressBuffer:  d.IngressBuffer,
			IngressTimeout: d.IngressTimeout,
			Retry:          d.Retry.Policy(retry.DefaultPolicy()),
		}
		if b, ok := e.buses[bc.Name]; ok {
			b.UpdateConfig(bcfg)
			continue
		}
		b := bus.New(bcfg, e.rules, bus.ResolverFunc(e.Resolve),
			bus.WithArchive(e.archiverFor(bc)),
			bus.WithLogger(e.logger),
		)
		e.buses[bc.Name] = b
		created = append(created, b)
	}
	for name, b := range e.buses {
		if !want[name] {
			delete(e.buses, name)
			gone.buses = append(gone.buses, b)
		}
	}
	return created
}

func (e *Engine) archiverFor(bc config.BusConfig) bus.Archiver {
	if e.archive == nil || !bc.ArchiveEnabled() {
		return nil
	}
	return e.archive
}

// reconcileConsumers restarts a consumer when its config or its queue
// changed, starts new ones and stops the ones whose config or queue is
// gone.
func (e *Engine) reconcileConsumers(ctx context.Context, cfgs []config.ConsumerConfig) {
	var stop []string
	var start []*managedConsumer

	e.mu.Lock()
	want := make(map[string]bool, len(cfgs))
	for _, cc := range cfgs {
		want[cc.Name] = true
		q := e.queues[cc.Queue]
		existing, ok := e.consumers[cc.Name]
		if ok && existing.fromConfig && existing.cfg == cc && existing.queue == q {
			continue
		}
		if ok {
			stop = append(stop, prefixConsumer+cc.Name)
		}
		mc := &managedConsumer{cfg: cc, queue: q, runner: e.buildConsumer(cc, q), fromConfig: true}
		e.consumers[cc.Name] = mc
		start = append(start, mc)
	}
	for name, mc := range e.consumers {
		orphaned := e.queues[mc.cfg.Queue] != mc.queue
		if (mc.fromConfig && !want[name]) || (!mc.fromConfig && orphaned) {
			delete(e.consumers, name)
			stop = append(stop, prefixConsumer+name)
		}
	}
	e.mu.Unlock()

	// A restarted consumer stops before its replacement polls.
	e.halt(ctx, stop...)
	for _, mc := range start {
		e.startConsumer(mc)
	}
}

func (e *Engine) startConsumer(mc *managedConsumer) {
	runner := mc.runner
	e.spawn(prefixConsumer+runner.Name(), func(ctx context.Context) {
		if err := runner.Run(ctx); err != nil {
			e.logger.ErrorwCtx(ctx, "Consumer stopped with error",
				"consumer", runner.Name(),
				"error", err,
			)
		}
	})
}

func (e *Engine) buildConsumer(cc config.ConsumerConfig, q *queue.Queue) *consumer.Runner {
	rc := consumer.Config{
		Name:              cc.Name,
		BatchSize:         cc.BatchSize,
		Pollers:           cc.Pollers,
		Concurrency:       cc.Concurrency,
		VisibilityTimeout: cc.VisibilityTimeout,
		WaitTime:          cc.WaitTime,
		HandlerTimeout:    cc.HandlerTimeout,
	}
	if cc.Handler == config.HandlerWebhook {
		h := consumer.WebhookBatchHandler(cc.Name, cc.Queue, cc.URL, cc.HandlerTimeout)
		if cb := e.cfg.CircuitBreaker; cb.Enabled {
			h = breakerBatch(circuitbreaker.FromConfig("consumer:"+cc.Name, cb), h)
		}
		return consumer.NewBatchRunner(rc, q, h, e.logger)
	}
	return consumer.NewRunner(rc, q, consumer.LogHandler(e.logger), e.logger)
}

// breakerBatch stops calling a failing consumer endpoint. While the
// breaker is open the whole batch fails and waits for redelivery.
func breakerBatch(w *circuitbreaker.Wrapper, h consumer.BatchHandler) consumer.BatchHandler {
	return func(ctx context.Context, batch []*consumer.Delivery) (consumer.BatchResponse, error) {
		var resp consumer.BatchResponse
		err := w.Do(ctx, func() error {
			var err error
			resp, err = h(ctx, batch)
			return err
		})
		return resp, err
	}
}

// AddConsumer attaches an in-process handler to a queue. Such consumers
// survive topology reloads until their queue is removed.
func (e *Engine) AddConsumer(cfg consumer.Config, queueName string, h consumer.Handler) error {
	if cfg.Name == "" || h == nil {
		return pkgerrors.ErrValidation.WithMessage("consumer needs a name and a handler")
	}

	e.mu.Lock()
	q, ok := e.queues[queueName]
	if !ok {
		e.mu.Unlock()
		return pkgerrors.ErrNotFound.WithDetail("queue", queueName)
	}
	if _, exists := e.consumers[cfg.Name]; exists {
		e.mu.Unlock()
		return pkgerrors.ErrConflict.WithDetail("consumer", cfg.Name)
	}
	mc := &managedConsumer{
		cfg:    config.ConsumerConfig{Name: cfg.Name, Queue: queueName},
		queue:  q,
		runner: consumer.NewRunner(cfg, q, h, e.logger),
	}
	e.consumers[cfg.Name] = mc
	e.mu.Unlock()

	e.startConsumer(mc)
	return nil
}
