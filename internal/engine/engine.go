// Package engine is the composition root. It builds buses, queues, topics,
// external targets, consumers and the archive from the topology config,
// resolves rule targets at delivery time and keeps the running components
// in step with config reloads.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/multierr"

	"courier/internal/archive"
	"courier/internal/broker"
	"courier/internal/bus"
	"courier/internal/config"
	"courier/internal/constants"
	"courier/internal/logger"
	"courier/internal/queue"
	"courier/internal/routing"
	"courier/internal/sink"
	"courier/internal/topic"
)

const (
	loopReloader  = "reloader"
	loopRetention = "retention"
	loopArchive   = "archive"

	prefixQueue    = "queue:"
	prefixTopic    = "topic:"
	prefixConsumer = "consumer:"
)

// Dependencies are the shared clients the engine builds on. Each one is
// optional until the config asks for a component that needs it.
type Dependencies struct {
	Postgres *sql.DB
	Redis    *redis.Client
	Mongo    *mongo.Database
	NATS     *nats.Conn
	Producer broker.Producer
}

type Engine struct {
	deps   Dependencies
	logger logger.Logger

	rules    *routing.Store
	static   *routing.StaticRepository
	reloader *routing.Reloader
	journal  queue.Journal

	archive   *archive.Archive
	store     archive.Store
	retention *archive.Retention
	replayer  *archive.Replayer

	applyMu sync.Mutex

	mu        sync.RWMutex
	cfg       *config.Config
	buses     map[string]*bus.Bus
	queues    map[string]*queue.Queue
	topics    map[string]*topic.Topic
	targets   map[string]*externalTarget
	consumers map[string]*managedConsumer

	wmu       sync.Mutex
	loops     map[string]func(context.Context)
	workers   map[string]*worker
	runCtx    context.Context
	runCancel context.CancelFunc
	closed    bool
}

type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds every component of cfg.Topology and loads the first rule
// snapshot. Background loops start with Run.
func New(ctx context.Context, cfg *config.Config, deps Dependencies, log logger.Logger) (*Engine, error) {
	if log == nil {
		log = logger.NopLogger()
	}

	rules, err := routing.NewStore()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		deps:      deps,
		logger:    log,
		rules:     rules,
		cfg:       cfg,
		buses:     make(map[string]*bus.Bus),
		queues:    make(map[string]*queue.Queue),
		topics:    make(map[string]*topic.Topic),
		targets:   make(map[string]*externalTarget),
		consumers: make(map[string]*managedConsumer),
		loops:     make(map[string]func(context.Context)),
		workers:   make(map[string]*worker),
	}

	if err := e.initRules(cfg); err != nil {
		return nil, err
	}
	if err := e.initJournal(cfg.Delivery); err != nil {
		return nil, err
	}
	if err := e.initArchive(ctx, cfg.Archive); err != nil {
		return nil, err
	}

	if err := e.apply(ctx, cfg); err != nil {
		if e.store != nil {
			_ = e.store.Close()
		}
		return nil, err
	}

	if e.static == nil {
		e.spawn(loopReloader, func(ctx context.Context) {
			_ = e.reloader.StartReloader(ctx)
		})
	}

	e.logger.InfowCtx(ctx, "Engine built",
		"buses", len(e.buses),
		"queues", len(e.queues),
		"topics", len(e.topics),
		"targets", len(e.targets),
		"consumers", len(e.consumers),
		"rules", len(e.rules.Snapshot().Rules()),
	)
	return e, nil
}

func (e *Engine) initRules(cfg *config.Config) error {
	var repo routing.Repository
	switch cfg.Routing.Source {
	case config.RuleSourcePostgres:
		if e.deps.Postgres == nil {
			return errors.New("postgres rule source requires a database connection")
		}
		repo = routing.NewPostgresRepository(e.deps.Postgres)
		if cfg.CircuitBreaker.Enabled {
			repo = routing.NewCircuitBreakerRepository(repo, cfg.CircuitBreaker)
		}
	default:
		e.static = routing.NewStaticRepository(cfg.Topology.Rules)
		repo = e.static
	}
	e.reloader = routing.NewReloader(repo, e.rules, cfg.Routing.Reload, e.logger)
	return nil
}

func (e *Engine) initJournal(cfg config.DeliveryConfig) error {
	switch cfg.Journal {
	case config.JournalRedis:
		if e.deps.Redis == nil {
			return errors.New("redis journal requires a redis connection")
		}
		prefix := cfg.JournalKeyPrefix
		if prefix == "" {
			prefix = constants.DefaultJournalKeyPrefix
		}
		e.journal = queue.NewRedisJournal(e.deps.Redis, prefix)
	default:
		e.journal = queue.NewMemoryJournal()
	}
	return nil
}

func (e *Engine) initArchive(ctx context.Context, cfg config.ArchiveConfig) error {
	if !cfg.Enabled {
		return nil
	}

	store, err := e.openStore(cfg)
	if err != nil {
		return err
	}

	a := archive.New(store,
		archive.WithLogger(e.logger),
		archive.WithBufferSize(cfg.BufferSize),
	)
	if err := a.Open(ctx); err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to open archive: %w", err)
	}

	if cfg.Retention > 0 {
		schedule := cfg.RetentionSchedule
		if schedule == "" {
			schedule = archive.DefaultRetentionSchedule
		}
		retention, err := archive.NewRetention(store, cfg.Retention, schedule, e.logger)
		if err != nil {
			_ = store.Close()
			return err
		}
		e.retention = retention
		e.spawn(loopRetention, retention.Run)
	}

	e.store = store
	e.archive = a
	e.replayer = archive.NewReplayer(store, e.publishTo, archive.ReplayerConfig{
		RatePerSecond: cfg.Replay.RatePerSecond,
		Burst:         cfg.Replay.Burst,
		PageSize:      cfg.Replay.PageSize,
	}, e.logger)
	e.spawn(loopArchive, a.Run)
	return nil
}

func (e *Engine) openStore(cfg config.ArchiveConfig) (archive.Store, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		store, err := archive.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StorePostgres:
		if e.deps.Postgres == nil {
			return nil, errors.New("postgres archive requires a database connection")
		}
		return archive.NewPostgresStore(e.deps.Postgres), nil
	case config.StoreMongoDB:
		if e.deps.Mongo == nil {
			return nil, errors.New("mongodb archive requires a database connection")
		}
		return archive.NewMongoStore(e.deps.Mongo), nil
	default:
		return archive.NewMemoryStore(), nil
	}
}

// Resolve maps a rule target to the component serving it right now.
func (e *Engine) Resolve(target routing.Target) (sink.Sink, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	switch target.Kind {
	case routing.TargetQueue:
		if q, ok := e.queues[target.Name]; ok {
			return q, true
		}
	case routing.TargetTopic:
		if t, ok := e.topics[target.Name]; ok {
			return t, true
		}
	default:
		if t, ok := e.targets[target.Name]; ok && t.cfg.Kind == string(target.Kind) {
			return t.sink, true
		}
	}
	return nil, false
}

// Config returns the topology the engine currently runs.
func (e *Engine) Config() *config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Rules exposes the live rule store.
func (e *Engine) Rules() *routing.Store {
	return e.rules
}

// spawn registers a background loop under key. Loops registered before
// Run start with it; later ones start immediately.
func (e *Engine) spawn(key string, loop func(ctx context.Context)) {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	if e.closed {
		return
	}
	e.loops[key] = loop
	if e.runCtx != nil {
		e.startLocked(key, loop)
	}
}

func (e *Engine) startLocked(key string, loop func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(e.runCtx)
	w := &worker{cancel: cancel, done: make(chan struct{})}
	e.workers[key] = w
	go func() {
		defer close(w.done)
		loop(ctx)
	}()
}

// halt unregisters loops and waits for the running ones to return.
func (e *Engine) halt(ctx context.Context, keys ...string) {
	e.wmu.Lock()
	stopping := make([]*worker, 0, len(keys))
	for _, key := range keys {
		delete(e.loops, key)
		if w, ok := e.workers[key]; ok {
			delete(e.workers, key)
			w.cancel()
			stopping = append(stopping, w)
		}
	}
	e.wmu.Unlock()

	for _, w := range stopping {
		select {
		case <-w.done:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) haltPrefix(ctx context.Context, prefix string) {
	e.wmu.Lock()
	var keys []string
	for key := range e.loops {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	e.wmu.Unlock()
	e.halt(ctx, keys...)
}

// Run starts every background loop and blocks until ctx ends, then shuts
// the engine down in dependency order.
func (e *Engine) Run(ctx context.Context) error {
	e.wmu.Lock()
	if e.closed {
		e.wmu.Unlock()
		return errors.New("engine is closed")
	}
	if e.runCtx != nil {
		e.wmu.Unlock()
		return errors.New("engine is already running")
	}
	e.runCtx, e.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	for key, loop := range e.loops {
		e.startLocked(key, loop)
	}
	started := len(e.workers)
	e.wmu.Unlock()

	e.logger.InfowCtx(ctx, "Engine running", "loops", started)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()
	return e.Close(shutdownCtx)
}

// Close stops publishing first and storage last, so every in-flight
// delivery reaches a queue, a dead-letter path or a failure log before
// the queues close.
func (e *Engine) Close(ctx context.Context) error {
	e.wmu.Lock()
	if e.closed {
		e.wmu.Unlock()
		return nil
	}
	e.closed = true
	e.wmu.Unlock()

	var err error

	e.halt(ctx, loopReloader, loopRetention)
	if e.replayer != nil {
		e.replayer.Close()
	}

	e.mu.RLock()
	buses := make([]*bus.Bus, 0, len(e.buses))
	for _, b := range e.buses {
		buses = append(buses, b)
	}
	topics := make([]*topic.Topic, 0, len(e.topics))
	for _, t := range e.topics {
		topics = append(topics, t)
	}
	queues := make([]*queue.Queue, 0, len(e.queues))
	for _, q := range e.queues {
		queues = append(queues, q)
	}
	e.mu.RUnlock()

	for _, b := range buses {
		if cerr := b.Close(ctx); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("bus %s: %w", b.Name(), cerr))
		}
	}

	for _, t := range topics {
		t.Close()
	}
	e.haltPrefix(ctx, prefixTopic)
	e.haltPrefix(ctx, prefixConsumer)

	for _, q := range queues {
		q.Close()
	}
	e.haltPrefix(ctx, prefixQueue)

	e.halt(ctx, loopArchive)
	if e.store != nil {
		if cerr := e.store.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("archive store: %w", cerr))
		}
	}

	e.wmu.Lock()
	if e.runCancel != nil {
		e.runCancel()
	}
	e.wmu.Unlock()

	e.logger.InfowCtx(ctx, "Engine stopped")
	return err
}
