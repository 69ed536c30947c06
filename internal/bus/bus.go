// Package bus accepts published envelopes, matches them against the live
// rule snapshot and hands each matched target its own copy. Delivery runs
// asynchronously, one dispatcher per target.
package bus

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"courier/internal/constants"
	"courier/internal/logger"
	"courier/internal/routing"
	"courier/internal/sink"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/logging"
	"courier/pkg/metrics"
	"courier/pkg/models"
	"courier/pkg/retry"
	"courier/pkg/tracing"
)

const tracerName = "courier-bus"

// Resolver maps a rule target to the sink that currently serves it.
// Targets are resolved at delivery time.
type Resolver interface {
	Resolve(target routing.Target) (sink.Sink, bool)
}

type ResolverFunc func(target routing.Target) (sink.Sink, bool)

func (f ResolverFunc) Resolve(target routing.Target) (sink.Sink, bool) {
	return f(target)
}

// Archiver receives every accepted envelope. Record must not block.
type Archiver interface {
	Record(env models.Envelope) bool
}

type Config struct {
	Name           string
	IngressBuffer  int
	IngressTimeout time.Duration
	Retry          retry.Policy
}

func (c Config) withDefaults() Config {
	if c.IngressBuffer <= 0 {
		c.IngressBuffer = constants.DefaultIngressBuffer
	}
	if c.IngressTimeout <= 0 {
		c.IngressTimeout = constants.DefaultIngressTimeout
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.DefaultPolicy()
	}
	return c
}

type PublishResult struct {
	AcceptedID       string   `json:"event_id"`
	MatchedRuleCount int      `json:"matched_rule_count"`
	MatchedRules     []string `json:"matched_rules,omitempty"`
	TargetCount      int      `json:"target_count"`
}

// BatchEntry carries either the accepted id or the error of one entry.
type BatchEntry struct {
	EventID      string `json:"event_id,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type BatchPublishResult struct {
	FailedEntryCount int          `json:"failed_entry_count"`
	Entries          []BatchEntry `json:"entries"`
}

type Bus struct {
	name     string
	cfg      atomic.Pointer[Config]
	rules    *routing.Store
	resolver Resolver
	archive  Archiver
	logger   logger.Logger
	now      func() time.Time

	runCtx    context.Context
	runCancel context.CancelFunc

	// mu is held for reading by every publish, so Close waits for them.
	mu     sync.RWMutex
	closed bool

	dmu         sync.Mutex
	dispatchers map[routing.Target]*dispatcher
}

type Option func(*Bus)

func WithArchive(a Archiver) Option {
	return func(b *Bus) { b.archive = a }
}

func WithLogger(l logger.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

func New(cfg Config, rules *routing.Store, resolver Resolver, opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		name:        cfg.Name,
		rules:       rules,
		resolver:    resolver,
		logger:      logger.NopLogger(),
		now:         time.Now,
		runCtx:      ctx,
		runCancel:   cancel,
		dispatchers: make(map[routing.Target]*dispatcher),
	}
	cfg = cfg.withDefaults()
	b.cfg.Store(&cfg)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) Name() string {
	return b.name
}

func (b *Bus) config() Config {
	return *b.cfg.Load()
}

// SetArchive switches archiving on (non-nil) or off for later publishes.
func (b *Bus) SetArchive(a Archiver) {
	b.mu.Lock()
	b.archive = a
	b.mu.Unlock()
}

// UpdateConfig applies new ingress and retry settings. Buffers that
// already exist keep their size.
func (b *Bus) UpdateConfig(cfg Config) {
	cfg.Name = b.name
	cfg = cfg.withDefaults()
	b.cfg.Store(&cfg)
}

func (b *Bus) resolve(target routing.Target) (sink.Sink, bool) {
	return b.resolver.Resolve(target)
}

// Publish validates env, matches it and enqueues one copy per matched
// target. The envelope gets a fresh UUIDv7 id and the ingestion time.
func (b *Bus) Publish(ctx context.Context, env models.Envelope) (PublishResult, error) {
	start := time.Now()
	cfg := b.config()
	env = env.Clone()
	env.Bus = b.name
	env.Timestamp = b.now().UTC()

	id, err := uuid.NewV7()
	if err != nil {
		return PublishResult{}, pkgerrors.ErrInternal.WithCause(err)
	}
	env.ID = id.String()

	if err := models.ValidateEnvelope(env); err != nil {
		metrics.PublishesTotal.WithLabelValues(b.name, "invalid").Inc()
		return PublishResult{}, err
	}

	ctx, span := tracing.StartEnvelopeSpan(ctx, tracerName, "bus.publish", env)
	defer span.End()
	if env.TraceID == "" {
		env.TraceID = tracing.TraceID(ctx)
	}
	ctx = logging.WithTraceID(logging.WithEventID(logging.WithBus(ctx, b.name), env.ID), env.TraceID)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		metrics.PublishesTotal.WithLabelValues(b.name, "closed").Inc()
		return PublishResult{}, pkgerrors.ErrClosed.WithDetail("bus", b.name)
	}

	match := b.rules.Snapshot().Match(ctx, env)
	span.SetAttributes(
		attribute.Int("courier.matched_rules", len(match.RuleIDs)),
		attribute.Int("courier.targets", len(match.Targets)),
	)

	// Every target gets its copy or none does, so a rejected publish can be
	// retried without duplicating deliveries.
	plan := b.plan(match.Targets, cfg.IngressBuffer)
	if err := reserve(ctx, plan, cfg.IngressTimeout); err != nil {
		metrics.PublishesTotal.WithLabelValues(b.name, "rejected").Inc()
		b.logger.WarnwCtx(ctx, "Publish rejected", "error", err)
		span.RecordError(err)
		return PublishResult{}, err
	}
	for _, p := range plan {
		p.d.send(ingress{env: env, copies: p.copies})
	}

	for _, ruleID := range match.RuleIDs {
		metrics.RuleMatchesTotal.WithLabelValues(b.name, ruleID).Inc()
	}
	if b.archive != nil {
		b.archive.Record(env)
	}
	metrics.PublishesTotal.WithLabelValues(b.name, "accepted").Inc()
	metrics.ObservePublishDuration(b.name, time.Since(start))

	if len(match.Targets) == 0 {
		b.logger.DebugwCtx(ctx, "Envelope matched no rule",
			"source", env.Source,
			"type", env.Type,
		)
	}

	return PublishResult{
		AcceptedID:       env.ID,
		MatchedRuleCount: len(match.RuleIDs),
		MatchedRules:     match.RuleIDs,
		TargetCount:      len(match.Targets),
	}, nil
}

// PublishBatch publishes each entry independently. A failed entry does
// not stop the others.
func (b *Bus) PublishBatch(ctx context.Context, envs []models.Envelope) BatchPublishResult {
	out := BatchPublishResult{Entries: make([]BatchEntry, len(envs))}
	for i, env := range envs {
		res, err := b.Publish(ctx, env)
		if err != nil {
			resp := pkgerrors.ToErrorResponse(err)
			out.Entries[i] = BatchEntry{ErrorCode: resp.ErrorCode, ErrorMessage: err.Error()}
			out.FailedEntryCount++
			continue
		}
		out.Entries[i] = BatchEntry{EventID: res.AcceptedID}
	}
	return out
}

type planned struct {
	d      *dispatcher
	copies int
}

// plan groups matched targets by dispatcher, ordered by target so that
// concurrent publishes reserve in the same order.
func (b *Bus) plan(targets []routing.Target, buffer int) []planned {
	byTarget := make(map[routing.Target]int, len(targets))
	var out []planned
	for _, target := range targets {
		if i, ok := byTarget[target]; ok {
			out[i].copies++
			continue
		}
		byTarget[target] = len(out)
		out = append(out, planned{d: b.dispatcherFor(target, buffer), copies: 1})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].d.label < out[j].d.label })
	return out
}

// reserve takes one ingress slot on every planned dispatcher within
// timeout. On failure every slot already taken is given back.
func reserve(ctx context.Context, plan []planned, timeout time.Duration) error {
	if len(plan) == 0 {
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for i, p := range plan {
		if err := p.d.reserve(ctx, timer.C); err != nil {
			for _, held := range plan[:i] {
				held.d.release()
			}
			return err
		}
	}
	return nil
}

func (b *Bus) dispatcherFor(target routing.Target, buffer int) *dispatcher {
	b.dmu.Lock()
	defer b.dmu.Unlock()
	d, ok := b.dispatchers[target]
	if !ok {
		d = newDispatcher(b, target, buffer)
		b.dispatchers[target] = d
		go d.run(b.runCtx)
	}
	return d
}

// Pending reports buffered and retrying deliveries per target.
func (b *Bus) Pending() map[string]int {
	b.dmu.Lock()
	defer b.dmu.Unlock()
	out := make(map[string]int, len(b.dispatchers))
	for t, d := range b.dispatchers {
		out[t.String()] = len(d.in) + d.schedule.Len()
	}
	return out
}

// Close stops accepting publishes, then lets every dispatcher drain. It
// returns once all dispatchers stopped or ctx ends.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.dmu.Lock()
	dispatchers := make([]*dispatcher, 0, len(b.dispatchers))
	for _, d := range b.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	b.dmu.Unlock()

	b.runCancel()
	for _, d := range dispatchers {
		select {
		case <-d.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
