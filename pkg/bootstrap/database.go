package bootstrap

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/multierr"

	"courier/internal/config"
	"courier/internal/constants"
	"courier/internal/logger"
	"courier/pkg/migrations"
)

type DatabaseConnector struct {
	Config *config.Config
	Logger logger.Logger
}

func NewDatabaseConnector(cfg *config.Config, log logger.Logger) *DatabaseConnector {
	return &DatabaseConnector{
		Config: cfg,
		Logger: log,
	}
}

// Connections holds every optional backend. Fields stay nil for backends
// that are not configured.
type Connections struct {
	Postgres *sql.DB
	Redis    *redis.Client
	Mongo    *mongo.Client
	MongoDB  *mongo.Database
	NATS     *nats.Conn
}

// ConnectAll opens the configured backends and runs migrations when asked.
// On failure every connection opened so far is closed.
func (dc *DatabaseConnector) ConnectAll(ctx context.Context) (*Connections, error) {
	conns := &Connections{}
	fail := func(err error) (*Connections, error) {
		_ = dc.Shutdown(ctx, conns)
		return nil, err
	}

	var err error
	if conns.Postgres, err = dc.InitPostgreSQL(ctx); err != nil {
		return fail(err)
	}
	if conns.Postgres != nil && dc.Config.Database.RunMigrations {
		if err := migrations.RunPostgres(conns.Postgres); err != nil {
			return fail(fmt.Errorf("failed to run postgres migrations: %w", err))
		}
		dc.Logger.Info("PostgreSQL migrations applied")
	}

	if conns.Redis, err = dc.InitRedis(ctx); err != nil {
		return fail(err)
	}

	if conns.Mongo, err = dc.InitMongoDB(ctx); err != nil {
		return fail(err)
	}
	if conns.Mongo != nil {
		name := dc.Config.Database.MongoDB.Database
		if name == "" {
			name = constants.DefaultMongoDBName
		}
		conns.MongoDB = conns.Mongo.Database(name)
		if dc.Config.Database.RunMigrations {
			if err := migrations.EnsureArchiveIndexes(ctx, conns.MongoDB); err != nil {
				return fail(fmt.Errorf("failed to create mongodb indexes: %w", err))
			}
		}
	}

	if conns.NATS, err = dc.InitNATS(); err != nil {
		return fail(err)
	}
	return conns, nil
}

func (dc *DatabaseConnector) InitRedis(ctx context.Context) (*redis.Client, error) {
	if !dc.Config.Database.Redis.Enabled() {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", dc.Config.Database.Redis.Host, dc.Config.Database.Redis.Port),
		Password: dc.Config.Database.Redis.Password,
		DB:       dc.Config.Database.Redis.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	dc.Logger.Info("Redis connected successfully")
	return rdb, nil
}

func (dc *DatabaseConnector) InitPostgreSQL(ctx context.Context) (*sql.DB, error) {
	if !dc.Config.Database.Postgres.Enabled() {
		return nil, nil
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		dc.Config.Database.Postgres.User,
		dc.Config.Database.Postgres.Password,
		dc.Config.Database.Postgres.Host,
		dc.Config.Database.Postgres.Port,
		dc.Config.Database.Postgres.DBName,
		dc.Config.Database.Postgres.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	dc.Logger.Info("PostgreSQL connected successfully")
	return db, nil
}

func (dc *DatabaseConnector) InitMongoDB(ctx context.Context) (*mongo.Client, error) {
	if !dc.Config.Database.MongoDB.Enabled() {
		return nil, nil
	}

	mongoOpts := options.Client().ApplyURI(dc.Config.Database.MongoDB.URI)
	mongoClient, err := mongo.Connect(ctx, mongoOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := mongoClient.Ping(ctx, nil); err != nil {
		mongoClient.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dc.Logger.Info("MongoDB connected successfully")
	return mongoClient, nil
}

// InitNATS connects for NATS targets. The client reconnects on its own
// after the first successful connect.
func (dc *DatabaseConnector) InitNATS() (*nats.Conn, error) {
	if !dc.Config.NATS.Enabled() {
		return nil, nil
	}

	name := dc.Config.NATS.Name
	if name == "" {
		name = constants.DefaultServiceName
	}
	nc, err := nats.Connect(dc.Config.NATS.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				dc.Logger.Warnw("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			dc.Logger.Infow("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	dc.Logger.Info("NATS connected successfully")
	return nc, nil
}

func (dc *DatabaseConnector) Shutdown(ctx context.Context, conns *Connections) error {
	if conns == nil {
		return nil
	}
	var err error

	if conns.NATS != nil {
		if drainErr := conns.NATS.Drain(); drainErr != nil {
			err = multierr.Append(err, fmt.Errorf("nats drain error: %w", drainErr))
		}
	}

	if conns.Redis != nil {
		if closeErr := conns.Redis.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("redis close error: %w", closeErr))
		}
	}

	if conns.Postgres != nil {
		if closeErr := conns.Postgres.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("postgres close error: %w", closeErr))
		}
	}

	if conns.Mongo != nil {
		if disconnectErr := conns.Mongo.Disconnect(ctx); disconnectErr != nil {
			err = multierr.Append(err, fmt.Errorf("mongodb disconnect error: %w", disconnectErr))
		}
	}

	return err
}
