package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func ValidateStatic(cfg *Config) error {
	return multierr.Combine(
		validateServer(cfg.Server),
		validateBroker(cfg.Broker),
		validateDatabase(cfg.Database),
		validateRouting(cfg.Routing, cfg.Database),
		validateDelivery(cfg.Delivery, cfg.Database),
		validateArchive(cfg.Archive, cfg.Database),
		ValidateTopology(cfg.Topology),
	)
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return invalid("server.port", "port must be between 1 and 65535, got %d", cfg.Port)
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return invalid("server.read_timeout_seconds", "read timeout must be positive")
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return invalid("server.write_timeout_seconds", "write timeout must be positive")
	}

	return nil
}

func validateBroker(cfg BrokerConfig) error {
	switch cfg.Type {
	case "", "none":
		return nil
	case "kafka":
		return validateKafka(cfg.Kafka)
	default:
		return invalid("broker.type", "unknown broker type: %s (supported: kafka, none)", cfg.Type)
	}
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return invalid("broker.kafka.brokers", "at least one Kafka broker is required")
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return invalid(fmt.Sprintf("broker.kafka.brokers[%d]", i), "broker address cannot be empty")
		}
	}

	if cfg.GroupID == "" {
		return invalid("broker.kafka.group_id", "Kafka consumer group ID is required")
	}

	if cfg.InputTopic != "" && cfg.InputBus == "" {
		return invalid("broker.kafka.input_bus", "input_bus is required when input_topic is set")
	}

	return validateRetry("broker.kafka.retry", cfg.Retry)
}

func validateRetry(field string, cfg RetryConfig) error {
	if cfg.IsZero() {
		return nil
	}

	if cfg.MaxAttempts < 0 {
		return invalid(field+".max_attempts", "max_attempts must be non-negative")
	}

	if cfg.InitialInterval < 0 {
		return invalid(field+".initial_interval", "initial_interval must be non-negative")
	}

	if cfg.MaxInterval < 0 {
		return invalid(field+".max_interval", "max_interval must be non-negative")
	}

	if cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval {
		return invalid(field+".max_interval", "max_interval must be greater than or equal to initial_interval")
	}

	if cfg.Multiplier < 0 {
		return invalid(field+".multiplier", "multiplier must be non-negative")
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	var err error

	if cfg.Postgres.Host != "" || cfg.Postgres.Port > 0 {
		err = multierr.Append(err, validatePostgres(cfg.Postgres))
	}

	if cfg.Redis.Host != "" || cfg.Redis.Port > 0 {
		err = multierr.Append(err, validateRedis(cfg.Redis))
	}

	if cfg.MongoDB.URI != "" {
		err = multierr.Append(err, validateMongoDB(cfg.MongoDB))
	}

	return err
}

func validatePostgres(cfg PostgresConfig) error {
	if cfg.Host == "" {
		return invalid("database.postgres.host", "PostgreSQL host is required")
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return invalid("database.postgres.port", "port must be between 1 and 65535, got %d", cfg.Port)
	}

	if cfg.User == "" {
		return invalid("database.postgres.user", "PostgreSQL user is required")
	}

	if cfg.DBName == "" {
		return invalid("database.postgres.dbname", "PostgreSQL database name is required")
	}

	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if cfg.SSLMode != "" && !validSSLModes[strings.ToLower(cfg.SSLMode)] {
		return invalid("database.postgres.sslmode",
			"invalid SSL mode: %s (valid: disable, allow, prefer, require, verify-ca, verify-full)", cfg.SSLMode)
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return invalid("database.redis.host", "Redis host is required")
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return invalid("database.redis.port", "port must be between 1 and 65535, got %d", cfg.Port)
	}

	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return invalid("database.mongodb.uri", "MongoDB URI must start with mongodb:// or mongodb+srv://")
	}

	if cfg.Database == "" {
		return invalid("database.mongodb.database", "MongoDB database name is required")
	}

	return nil
}

func validateRouting(cfg RoutingConfig, db DatabaseConfig) error {
	switch cfg.Source {
	case "", RuleSourceConfig:
	case RuleSourcePostgres:
		if !db.Postgres.Enabled() {
			return invalid("routing.source", "postgres rule source requires database.postgres")
		}
	default:
		return invalid("routing.source", "unknown rule source: %s (supported: config, postgres)", cfg.Source)
	}

	if cfg.Reload.IntervalSeconds < 0 {
		return invalid("routing.reload.interval_seconds", "interval must be non-negative")
	}

	if cfg.Reload.JitterMaxMilliseconds < 0 {
		return invalid("routing.reload.jitter_max_milliseconds", "jitter must be non-negative")
	}

	return nil
}

func validateDelivery(cfg DeliveryConfig, db DatabaseConfig) error {
	switch cfg.Journal {
	case "", JournalMemory:
	case JournalRedis:
		if !db.Redis.Enabled() {
			return invalid("delivery.journal", "redis journal requires database.redis")
		}
	default:
		return invalid("delivery.journal", "unknown journal: %s (supported: memory, redis)", cfg.Journal)
	}

	if cfg.DefaultVisibilityTimeout < 0 {
		return invalid("delivery.default_visibility_timeout", "visibility timeout must be non-negative")
	}

	if cfg.DefaultMaxReceiveCount < 0 {
		return invalid("delivery.default_max_receive_count", "max receive count must be non-negative")
	}

	if cfg.IngressBuffer < 0 {
		return invalid("delivery.ingress_buffer", "ingress buffer must be non-negative")
	}

	return validateRetry("delivery.retry", cfg.Retry)
}

func validateArchive(cfg ArchiveConfig, db DatabaseConfig) error {
	if !cfg.Enabled {
		return nil
	}

	switch cfg.Store {
	case "", StoreMemory:
	case StoreSQLite:
		if cfg.SQLitePath == "" {
			return invalid("archive.sqlite_path", "sqlite path is required for the sqlite store")
		}
	case StorePostgres:
		if !db.Postgres.Enabled() {
			return invalid("archive.store", "postgres archive requires database.postgres")
		}
	case StoreMongoDB:
		if !db.MongoDB.Enabled() {
			return invalid("archive.store", "mongodb archive requires database.mongodb")
		}
	default:
		return invalid("archive.store", "unknown archive store: %s (supported: memory, sqlite, postgres, mongodb)", cfg.Store)
	}

	if cfg.Retention < 0 {
		return invalid("archive.retention", "retention must be non-negative")
	}

	if cfg.RetentionSchedule != "" {
		if _, err := cron.ParseStandard(cfg.RetentionSchedule); err != nil {
			return invalid("archive.retention_schedule", "invalid schedule %q: %v", cfg.RetentionSchedule, err)
		}
	}

	if cfg.Replay.RatePerSecond < 0 {
		return invalid("archive.replay.rate_per_second", "rate must be non-negative")
	}

	return nil
}

// ValidateTopology checks names, references and clause shapes. CEL
// expressions are compiled later by the rule store.
func ValidateTopology(t TopologyConfig) error {
	var err error

	buses := make(map[string]bool)
	for i, b := range t.Buses {
		field := fmt.Sprintf("topology.buses[%d].name", i)
		err = multierr.Append(err, uniqueName(buses, field, b.Name))
	}

	queues := make(map[string]QueueConfig)
	for i, q := range t.Queues {
		field := fmt.Sprintf("topology.queues[%d]", i)
		if q.Name == "" {
			err = multierr.Append(err, invalid(field+".name", "queue name is required"))
			continue
		}
		if _, dup := queues[q.Name]; dup {
			err = multierr.Append(err, invalid(field+".name", "duplicate queue name %q", q.Name))
			continue
		}
		queues[q.Name] = q
		if q.MaxReceiveCount < 0 {
			err = multierr.Append(err, invalid(field+".max_receive_count", "must be non-negative"))
		}
		if q.MaxMessages < 0 {
			err = multierr.Append(err, invalid(field+".max_messages", "must be non-negative"))
		}
		err = multierr.Append(err, validateRetry(field+".redelivery", q.Redelivery))
	}
	for i, q := range t.Queues {
		if q.DeadLetterQueue == "" {
			continue
		}
		field := fmt.Sprintf("topology.queues[%d].dead_letter_queue", i)
		dlq, ok := queues[q.DeadLetterQueue]
		switch {
		case !ok:
			err = multierr.Append(err, invalid(field, "unknown queue %q", q.DeadLetterQueue))
		case q.DeadLetterQueue == q.Name:
			err = multierr.Append(err, invalid(field, "queue cannot be its own dead-letter queue"))
		case dlq.DeadLetterQueue != "":
			err = multierr.Append(err, invalid(field, "dead-letter queue %q must not have its own dead-letter queue", dlq.Name))
		}
	}

	targets := make(map[string]bool)
	for i, tc := range t.Targets {
		field := fmt.Sprintf("topology.targets[%d]", i)
		err = multierr.Append(err, uniqueName(targets, field+".name", tc.Name))
		switch tc.Kind {
		case TargetKafka:
			if tc.Topic == "" {
				err = multierr.Append(err, invalid(field+".topic", "kafka target requires a topic"))
			}
		case TargetNATS:
			if tc.Subject == "" {
				err = multierr.Append(err, invalid(field+".subject", "nats target requires a subject"))
			}
		case TargetWebhook:
			if tc.URL == "" {
				err = multierr.Append(err, invalid(field+".url", "webhook target requires a url"))
			}
		default:
			err = multierr.Append(err, invalid(field+".kind", "unknown target kind %q (supported: kafka, nats, webhook)", tc.Kind))
		}
	}

	topics := make(map[string]bool)
	for _, tp := range t.Topics {
		if tp.Name != "" {
			topics[tp.Name] = true
		}
	}

	resolve := func(field string, ref TargetRefConfig) error {
		return validateTargetRef(field, ref, queues, topics, targets, t.Targets)
	}

	for i, tc := range t.Targets {
		if !tc.DeadLetter.IsZero() {
			err = multierr.Append(err, resolve(fmt.Sprintf("topology.targets[%d].dead_letter", i), tc.DeadLetter))
		}
	}

	seenTopics := make(map[string]bool)
	for i, tp := range t.Topics {
		field := fmt.Sprintf("topology.topics[%d]", i)
		err = multierr.Append(err, uniqueName(seenTopics, field+".name", tp.Name))
		subs := make(map[string]bool)
		for j, s := range tp.Subscriptions {
			sfield := fmt.Sprintf("%s.subscriptions[%d]", field, j)
			err = multierr.Append(err, uniqueName(subs, sfield+".id", s.ID))
			if s.Endpoint.Kind == TargetTopic {
				err = multierr.Append(err, invalid(sfield+".endpoint", "a subscription cannot target a topic"))
			} else {
				err = multierr.Append(err, resolve(sfield+".endpoint", s.Endpoint))
			}
			if !s.DeadLetter.IsZero() {
				err = multierr.Append(err, resolve(sfield+".dead_letter", s.DeadLetter))
			}
			err = multierr.Append(err, ValidateClauses(sfield+".filter", s.Filter))
			err = multierr.Append(err, validateRetry(sfield+".retry", s.Retry))
		}
	}

	rules := make(map[string]bool)
	for i, r := range t.Rules {
		field := fmt.Sprintf("topology.rules[%d]", i)
		err = multierr.Append(err, uniqueName(rules, field+".id", r.ID))
		if !buses[r.Bus] {
			err = multierr.Append(err, invalid(field+".bus", "unknown bus %q", r.Bus))
		}
		if len(r.Targets) == 0 {
			err = multierr.Append(err, invalid(field+".targets", "rule needs at least one target"))
		}
		for j, ref := range r.Targets {
			err = multierr.Append(err, resolve(fmt.Sprintf("%s.targets[%d]", field, j), ref))
		}
		err = multierr.Append(err, ValidateClauses(field+".clauses", r.Clauses))
	}

	consumers := make(map[string]bool)
	for i, c := range t.Consumers {
		field := fmt.Sprintf("topology.consumers[%d]", i)
		err = multierr.Append(err, uniqueName(consumers, field+".name", c.Name))
		if _, ok := queues[c.Queue]; !ok {
			err = multierr.Append(err, invalid(field+".queue", "unknown queue %q", c.Queue))
		}
		switch c.Handler {
		case HandlerLog:
		case HandlerWebhook:
			if c.URL == "" {
				err = multierr.Append(err, invalid(field+".url", "webhook handler requires a url"))
			}
		default:
			err = multierr.Append(err, invalid(field+".handler", "unknown handler %q (supported: log, webhook)", c.Handler))
		}
		if c.BatchSize < 0 || c.Pollers < 0 || c.Concurrency < 0 {
			err = multierr.Append(err, invalid(field, "batch_size, pollers and concurrency must be non-negative"))
		}
	}

	return err
}

func uniqueName(seen map[string]bool, field, name string) error {
	if name == "" {
		return invalid(field, "name is required")
	}
	if seen[name] {
		return invalid(field, "duplicate name %q", name)
	}
	seen[name] = true
	return nil
}

func validateTargetRef(field string, ref TargetRefConfig, queues map[string]QueueConfig, topics, targets map[string]bool, declared []TargetConfig) error {
	switch ref.Kind {
	case TargetQueue:
		if _, ok := queues[ref.Name]; !ok {
			return invalid(field, "unknown queue %q", ref.Name)
		}
	case TargetTopic:
		if !topics[ref.Name] {
			return invalid(field, "unknown topic %q", ref.Name)
		}
	case TargetKafka, TargetNATS, TargetWebhook:
		if !targets[ref.Name] {
			return invalid(field, "unknown %s target %q", ref.Kind, ref.Name)
		}
		for _, tc := range declared {
			if tc.Name == ref.Name && tc.Kind != ref.Kind {
				return invalid(field, "target %q is a %s target, not %s", ref.Name, tc.Kind, ref.Kind)
			}
		}
	default:
		return invalid(field, "unknown target kind %q", ref.Kind)
	}
	return nil
}

var numericOps = map[string]bool{"=": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true}

// ValidateClauses checks the shape of each clause.
func ValidateClauses(field string, clauses []ClauseConfig) error {
	var err error
	for i, c := range clauses {
		cfield := fmt.Sprintf("%s[%d]", field, i)
		if c.Kind != ClauseExpression && c.Field == "" {
			err = multierr.Append(err, invalid(cfield+".field", "field is required"))
		}
		switch c.Kind {
		case ClauseExact, ClausePrefix:
			if c.Value == "" && c.Kind == ClausePrefix {
				err = multierr.Append(err, invalid(cfield+".value", "prefix must not be empty"))
			}
		case ClauseOneOf:
			if len(c.Values) == 0 {
				err = multierr.Append(err, invalid(cfield+".values", "one_of needs at least one value"))
			}
		case ClauseExists:
			if c.Value != "" && c.Value != "true" && c.Value != "false" {
				err = multierr.Append(err, invalid(cfield+".value", "exists value must be true or false"))
			}
		case ClauseNumeric:
			if !numericOps[c.Op] {
				err = multierr.Append(err, invalid(cfield+".op", "unknown numeric operator %q", c.Op))
			}
		case ClauseExpression:
			if strings.TrimSpace(c.Expression) == "" {
				err = multierr.Append(err, invalid(cfield+".expression", "expression is required"))
			}
		default:
			err = multierr.Append(err, invalid(cfield+".kind", "unknown clause kind %q", c.Kind))
		}
	}
	return err
}
