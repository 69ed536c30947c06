package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"courier/internal/config"
	"courier/internal/config_handler"
	"courier/internal/constants"
	"courier/internal/engine"
	"courier/internal/ingest"
	"courier/internal/logger"
	"courier/internal/management"
	"courier/pkg/bootstrap"
	"courier/pkg/health"
	"courier/pkg/logging"
	"courier/pkg/metrics"
	"courier/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	conns          *bootstrap.Connections
	engine         *engine.Engine
	health         *health.CheckerRegistry
	server         *http.Server
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.DefaultServiceName)
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
		health:      health.NewCheckerRegistry(),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.Config.Tracing,
		tracing.WithServiceName(constants.DefaultServiceName),
		tracing.WithTopology(a.Config.Topology),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterEngineMetrics()
	if a.Config.Broker.KafkaEnabled() {
		metrics.RegisterBrokerMetrics()
	}
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	conns, err := a.dbConnector.ConnectAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}
	a.conns = conns

	if err := a.InitBroker(); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	e, err := engine.New(ctx, a.Config, engine.Dependencies{
		Postgres: conns.Postgres,
		Redis:    conns.Redis,
		Mongo:    conns.MongoDB,
		NATS:     conns.NATS,
		Producer: a.Producer,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}
	a.engine = e

	a.initHealth()
	a.initServer(ctx)
	return nil
}

func (a *App) initHealth() {
	if a.conns.Postgres != nil {
		a.health.Register(health.NewPostgreSQLChecker(a.conns.Postgres))
	}
	if a.conns.Redis != nil {
		a.health.Register(health.NewRedisChecker(a.conns.Redis))
	}
	if a.conns.Mongo != nil {
		a.health.Register(health.NewMongoDBChecker(a.conns.Mongo))
	}
	// NATS only backs targets; a NATS outage degrades delivery, not the engine.
	if a.conns.NATS != nil {
		a.health.RegisterOptional(health.NewNATSChecker(a.conns.NATS))
	}
}

func (a *App) initServer(ctx context.Context) {
	opts := []management.ServiceOption{management.WithLogger(a.Logger)}
	if a.conns.Postgres != nil {
		opts = append(opts, management.WithAudit(management.NewAuditLogger(a.conns.Postgres)))
	}
	if a.Producer != nil && a.Config.Broker.Kafka.ConfigUpdateTopic != "" {
		opts = append(opts, management.WithConfigEvents(
			management.NewConfigEventProducer(a.Producer, a.Config.Broker.Kafka.ConfigUpdateTopic),
		))
		a.Logger.InfowCtx(ctx, "Config event producer initialized", "topic", a.Config.Broker.Kafka.ConfigUpdateTopic)
	}

	router := management.NewRouter(ctx, management.RouterConfig{
		Service:   management.NewService(a.engine, opts...),
		Health:    a.health,
		RateLimit: a.Config.Management.RateLimit,
		Tracing:   a.Config.Tracing.Enabled,
		Logger:    a.Logger,
	})

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  a.Config.Server.ReadTimeout(),
		WriteTimeout: a.Config.Server.WriteTimeout(),
	}
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.engine.Run(gCtx)
	})

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	if err := a.startIngest(gCtx, g); err != nil {
		return err
	}
	if err := a.startConfigEvents(gCtx, g); err != nil {
		return err
	}

	config.Watch(func(cfg *config.Config) {
		watchCtx := logging.WithServiceName(gCtx, constants.DefaultServiceName)
		if err := a.engine.Apply(watchCtx, cfg); err != nil {
			a.Logger.ErrorwCtx(watchCtx, "Rejected config change, keeping current topology", "error", err)
			return
		}
		a.Logger.InfowCtx(watchCtx, "Applied config change")
	}, func(err error) {
		a.Logger.ErrorwCtx(gCtx, "Invalid config change ignored", "error", err)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return multierr.Append(err, a.Shutdown(context.Background(), a.shutdown))
}

func (a *App) startIngest(ctx context.Context, g *errgroup.Group) error {
	kafkaCfg := a.Config.Broker.Kafka
	if !a.Config.Broker.KafkaEnabled() || kafkaCfg.InputTopic == "" {
		return nil
	}
	consumer, err := a.NewConsumer(constants.IngestServiceName)
	if err != nil {
		return fmt.Errorf("failed to create ingest consumer: %w", err)
	}
	ingester := ingest.New(a.engine, kafkaCfg.InputBus, a.Logger)
	g.Go(func() error {
		return ingester.Run(logging.WithServiceName(ctx, constants.IngestServiceName), consumer, kafkaCfg.InputTopic)
	})
	return nil
}

// startConfigEvents reloads rules when another instance changes them.
// Without a broker each instance still converges through its periodic
// reload.
func (a *App) startConfigEvents(ctx context.Context, g *errgroup.Group) error {
	topic := a.Config.Broker.Kafka.ConfigUpdateTopic
	if !a.Config.Broker.KafkaEnabled() || topic == "" {
		return nil
	}
	consumer, err := a.NewConsumer(constants.ConfigHandlerServiceName)
	if err != nil {
		a.Logger.WarnwCtx(ctx, "Failed to create config event consumer, event-driven reload disabled", "error", err)
		return nil
	}
	handler := config_handler.NewRoutingHandler(a.engine, a.Logger)
	g.Go(func() error {
		configCtx := logging.WithServiceName(ctx, constants.ConfigHandlerServiceName)
		a.Logger.InfowCtx(configCtx, "Starting config update event consumer", "topic", topic)
		return consumer.Consume(configCtx, topic, handler.HandleConfigUpdateEvent)
	})
	return nil
}

func (a *App) shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, constants.ShutdownTimeout)
	defer cancel()

	var err error
	if a.engine != nil {
		err = multierr.Append(err, a.engine.Close(shutdownCtx))
	}
	if a.tracerProvider != nil {
		if tpErr := a.tracerProvider.Shutdown(shutdownCtx); tpErr != nil {
			err = multierr.Append(err, fmt.Errorf("tracer provider shutdown error: %w", tpErr))
		}
	}
	return multierr.Append(err, a.dbConnector.Shutdown(shutdownCtx, a.conns))
}
