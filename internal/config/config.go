package config

import (
	"time"

	"courier/pkg/retry"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Broker         BrokerConfig
	NATS           NATSConfig `mapstructure:"nats"`
	Logging        LoggingConfig
	Routing        RoutingConfig
	Delivery       DeliveryConfig
	Archive        ArchiveConfig
	Topology       TopologyConfig
	Management     ManagementConfig
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig
}

type ServerConfig struct {
	Port                int `mapstructure:"port"`
	ReadTimeoutSeconds  int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int `mapstructure:"write_timeout_seconds"`
}

func (c ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

func (c ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

type DatabaseConfig struct {
	Postgres      PostgresConfig
	Redis         RedisConfig
	MongoDB       MongoDBConfig
	RunMigrations bool `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (c PostgresConfig) Enabled() bool {
	return c.Host != ""
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

func (c MongoDBConfig) Enabled() bool {
	return c.URI != ""
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

func (c BrokerConfig) KafkaEnabled() bool {
	return c.Type == "kafka"
}

type KafkaConfig struct {
	Brokers           []string    `mapstructure:"brokers"`
	GroupID           string      `mapstructure:"group_id"`
	InputTopic        string      `mapstructure:"input_topic"`
	InputBus          string      `mapstructure:"input_bus"`
	ConfigUpdateTopic string      `mapstructure:"config_update_topic"`
	DLQTopic          string      `mapstructure:"dlq_topic"`
	Retry             RetryConfig `mapstructure:"retry"`
}

type NATSConfig struct {
	URL  string `mapstructure:"url"`
	Name string `mapstructure:"name"`
}

func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

// IsZero reports whether no retry field was configured.
func (c RetryConfig) IsZero() bool {
	return c == RetryConfig{}
}

// Policy converts the config into a retry policy, falling back to def for
// a block that was left empty.
func (c RetryConfig) Policy(def retry.Policy) retry.Policy {
	if c.IsZero() {
		return def
	}
	return retry.Policy{
		MaxAttempts:     c.MaxAttempts,
		InitialInterval: c.InitialInterval,
		MaxInterval:     c.MaxInterval,
		Multiplier:      c.Multiplier,
		MaxElapsedTime:  c.MaxElapsedTime,
	}
}

type LoggingConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"`
	File   LogFileConfig `mapstructure:"file"`
}

type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

const (
	RuleSourceConfig   = "config"
	RuleSourcePostgres = "postgres"
)

type RoutingConfig struct {
	Source string       `mapstructure:"source"`
	Reload ReloadConfig `mapstructure:"reload"`
}

type ReloadConfig struct {
	IntervalSeconds       int `mapstructure:"interval_seconds"`
	JitterMaxMilliseconds int `mapstructure:"jitter_max_milliseconds"`
}

const (
	JournalMemory = "memory"
	JournalRedis  = "redis"
)

type DeliveryConfig struct {
	Journal                  string        `mapstructure:"journal"`
	JournalKeyPrefix         string        `mapstructure:"journal_key_prefix"`
	DefaultVisibilityTimeout time.Duration `mapstructure:"default_visibility_timeout"`
	DefaultMaxReceiveCount   int           `mapstructure:"default_max_receive_count"`
	IngressBuffer            int           `mapstructure:"ingress_buffer"`
	IngressTimeout           time.Duration `mapstructure:"ingress_timeout"`
	ReaperInterval           time.Duration `mapstructure:"reaper_interval"`
	Retry                    RetryConfig   `mapstructure:"retry"`
}

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMongoDB  = "mongodb"
)

type ArchiveConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Store             string        `mapstructure:"store"`
	SQLitePath        string        `mapstructure:"sqlite_path"`
	Retention         time.Duration `mapstructure:"retention"`
	RetentionSchedule string        `mapstructure:"retention_schedule"`
	BufferSize        int           `mapstructure:"buffer_size"`
	Replay            ReplayConfig  `mapstructure:"replay"`
}

type ReplayConfig struct {
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
	PageSize      int     `mapstructure:"page_size"`
}

type TopologyConfig struct {
	Buses     []BusConfig      `mapstructure:"buses"`
	Rules     []RuleConfig     `mapstructure:"rules"`
	Queues    []QueueConfig    `mapstructure:"queues"`
	Topics    []TopicConfig    `mapstructure:"topics"`
	Targets   []TargetConfig   `mapstructure:"targets"`
	Consumers []ConsumerConfig `mapstructure:"consumers"`
}

type BusConfig struct {
	Name string `mapstructure:"name"`
	// Archive disables archiving for this bus when set to false.
	Archive *bool `mapstructure:"archive"`
}

func (b BusConfig) ArchiveEnabled() bool {
	return b.Archive == nil || *b.Archive
}

type RuleConfig struct {
	ID      string            `mapstructure:"id"`
	Bus     string            `mapstructure:"bus"`
	Name    string            `mapstructure:"name"`
	Enabled *bool             `mapstructure:"enabled"`
	Clauses []ClauseConfig    `mapstructure:"clauses"`
	Targets []TargetRefConfig `mapstructure:"targets"`
}

func (r RuleConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

type ClauseConfig struct {
	Field      string   `mapstructure:"field" json:"field,omitempty"`
	Kind       string   `mapstructure:"kind" json:"kind"`
	Value      string   `mapstructure:"value" json:"value,omitempty"`
	Values     []string `mapstructure:"values" json:"values,omitempty"`
	Op         string   `mapstructure:"op" json:"op,omitempty"`
	Number     float64  `mapstructure:"number" json:"number,omitempty"`
	Expression string   `mapstructure:"expression" json:"expression,omitempty"`
}

const (
	ClauseExact      = "exact"
	ClauseOneOf      = "one_of"
	ClausePrefix     = "prefix"
	ClauseExists     = "exists"
	ClauseNumeric    = "numeric"
	ClauseExpression = "expression"
)

const (
	TargetQueue   = "queue"
	TargetTopic   = "topic"
	TargetKafka   = "kafka"
	TargetNATS    = "nats"
	TargetWebhook = "webhook"
)

type TargetRefConfig struct {
	Kind string `mapstructure:"kind" json:"kind"`
	Name string `mapstructure:"name" json:"name"`
}

func (t TargetRefConfig) IsZero() bool {
	return t.Kind == "" && t.Name == ""
}

func (t TargetRefConfig) String() string {
	return t.Kind + ":" + t.Name
}

type QueueConfig struct {
	Name              string        `mapstructure:"name"`
	FIFO              bool          `mapstructure:"fifo"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	MaxReceiveCount   int           `mapstructure:"max_receive_count"`
	DeadLetterQueue   string        `mapstructure:"dead_letter_queue"`
	MaxMessages       int           `mapstructure:"max_messages"`
	Redelivery        RetryConfig   `mapstructure:"redelivery"`
}

type TopicConfig struct {
	Name          string               `mapstructure:"name"`
	Subscriptions []SubscriptionConfig `mapstructure:"subscriptions"`
}

type SubscriptionConfig struct {
	ID         string          `mapstructure:"id"`
	Endpoint   TargetRefConfig `mapstructure:"endpoint"`
	Filter     []ClauseConfig  `mapstructure:"filter"`
	Retry      RetryConfig     `mapstructure:"retry"`
	DeadLetter TargetRefConfig `mapstructure:"dead_letter"`
	Active     *bool           `mapstructure:"active"`
}

func (s SubscriptionConfig) IsActive() bool {
	return s.Active == nil || *s.Active
}

// TargetConfig declares an external delivery target.
type TargetConfig struct {
	Name           string            `mapstructure:"name"`
	Kind           string            `mapstructure:"kind"`
	Topic          string            `mapstructure:"topic"`
	Subject        string            `mapstructure:"subject"`
	URL            string            `mapstructure:"url"`
	Headers        map[string]string `mapstructure:"headers"`
	Timeout        time.Duration     `mapstructure:"timeout"`
	CircuitBreaker bool              `mapstructure:"circuit_breaker"`
	DeadLetter     TargetRefConfig   `mapstructure:"dead_letter"`
}

const (
	HandlerLog     = "log"
	HandlerWebhook = "webhook"
)

type ConsumerConfig struct {
	Name              string        `mapstructure:"name"`
	Queue             string        `mapstructure:"queue"`
	Handler           string        `mapstructure:"handler"`
	URL               string        `mapstructure:"url"`
	BatchSize         int           `mapstructure:"batch_size"`
	Pollers           int           `mapstructure:"pollers"`
	Concurrency       int           `mapstructure:"concurrency"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	WaitTime          time.Duration `mapstructure:"wait_time"`
	HandlerTimeout    time.Duration `mapstructure:"handler_timeout"`
}

type ManagementConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	// BaseURL is used by the CLI operator commands.
	BaseURL string `mapstructure:"base_url"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
