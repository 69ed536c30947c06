package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PublishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_publishes_total",
			Help: "Total number of publish calls per bus (count)",
		},
		[]string{"bus", "status"},
	)

	PublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_publish_duration_ms",
			Help:    "Duration of synchronous publish handling in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"bus"},
	)

	RuleMatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_rule_matches_total",
			Help: "Total number of envelopes matched per routing rule (count)",
		},
		[]string{"bus", "rule_id"},
	)

	RoutingActiveRules = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_routing_active_rules",
			Help: "Number of enabled routing rules in the live snapshot (count)",
		},
	)

	RoutingSnapshotVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_routing_snapshot_version",
			Help: "Version of the live routing rule snapshot",
		},
	)

	RoutingReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_routing_reloads_total",
			Help: "Total number of routing rule reloads (count)",
		},
		[]string{"status"},
	)

	DeliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_delivery_attempts_total",
			Help: "Total number of delivery attempts from a bus to a target (count)",
		},
		[]string{"bus", "target", "outcome"},
	)

	DeliveryFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_delivery_failures_total",
			Help: "Total number of deliveries that exhausted every failure path (count)",
		},
		[]string{"bus", "target", "reason"},
	)

	IngressBufferSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_ingress_buffer_size",
			Help: "Envelopes waiting in a target's ingress buffer (count)",
		},
		[]string{"bus", "target"},
	)

	QueueEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_queue_enqueued_total",
			Help: "Total number of messages enqueued (count)",
		},
		[]string{"queue"},
	)

	QueueReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_queue_received_total",
			Help: "Total number of message leases handed to consumers (count)",
		},
		[]string{"queue"},
	)

	QueueAckedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_queue_acked_total",
			Help: "Total number of acknowledged messages (count)",
		},
		[]string{"queue"},
	)

	QueueLeaseExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_queue_lease_expired_total",
			Help: "Total number of leases that expired without acknowledgement (count)",
		},
		[]string{"queue"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_queue_depth",
			Help: "Messages held by a queue by state (count)",
		},
		[]string{"queue", "state"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to a dead-letter destination (count)",
		},
		[]string{"source", "reason"},
	)

	RedriveMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_redrive_messages_total",
			Help: "Total number of messages moved out of a dead-letter queue (count)",
		},
		[]string{"dlq", "target"},
	)

	TopicDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_topic_deliveries_total",
			Help: "Total number of topic subscription delivery outcomes (count)",
		},
		[]string{"topic", "subscription", "outcome"},
	)

	ConsumerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_consumer_messages_total",
			Help: "Total number of messages processed by consumers (count)",
		},
		[]string{"consumer", "outcome"},
	)

	ConsumerBatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_consumer_batch_duration_ms",
			Help:    "Duration of consumer batch processing in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"consumer"},
	)

	ArchiveRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_archive_records_total",
			Help: "Total number of archive record outcomes (count)",
		},
		[]string{"bus", "status"},
	)

	ArchivePurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_archive_purged_total",
			Help: "Total number of archive records removed by retention (count)",
		},
	)

	ReplayRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_replay_records_total",
			Help: "Total number of archived envelopes replayed (count)",
		},
		[]string{"bus"},
	)

	ReplayJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_replay_jobs_total",
			Help: "Total number of replay jobs reaching a state (count)",
		},
		[]string{"state"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"component", "name"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	KafkaMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_read_total",
			Help: "Total number of messages read from Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessageSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_message_size_bytes",
			Help:    "Size of Kafka messages in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"service", "topic", "direction"},
	)

	KafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag (difference between latest offset and committed offset) (count)",
		},
		[]string{"service", "topic", "partition"},
	)

	KafkaReadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_read_duration_ms",
			Help:    "Duration of reading messages from Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"service", "topic"},
	)

	KafkaWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_write_duration_ms",
			Help:    "Duration of writing messages to Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"service", "topic"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database queries (count)",
		},
		[]string{"service", "database", "operation", "status"},
	)

	DatabaseQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_ms",
			Help:    "Duration of database queries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"service", "database", "operation"},
	)
)

var (
	engineOnce         sync.Once
	brokerOnce         sync.Once
	circuitBreakerOnce sync.Once
	managementOnce     sync.Once
)

// RegisterEngineMetrics registers the routing, delivery and archive
// vectors. Safe to call more than once.
func RegisterEngineMetrics() {
	engineOnce.Do(func() {
		prometheus.MustRegister(
			PublishesTotal,
			PublishDuration,
			RuleMatchesTotal,
			RoutingActiveRules,
			RoutingSnapshotVersion,
			RoutingReloadsTotal,
			DeliveryAttemptsTotal,
			DeliveryFailuresTotal,
			RetryAttemptsTotal,
			IngressBufferSize,
			QueueEnqueuedTotal,
			QueueReceivedTotal,
			QueueAckedTotal,
			QueueLeaseExpiredTotal,
			QueueDepth,
			DLQMessagesTotal,
			RedriveMessagesTotal,
			TopicDeliveriesTotal,
			ConsumerMessagesTotal,
			ConsumerBatchDuration,
			ArchiveRecordsTotal,
			ArchivePurgedTotal,
			ReplayRecordsTotal,
			ReplayJobsTotal,
			DatabaseQueriesTotal,
			DatabaseQueryDuration,
		)
	})
}

func RegisterBrokerMetrics() {
	brokerOnce.Do(func() {
		prometheus.MustRegister(KafkaMessagesReadTotal)
		prometheus.MustRegister(KafkaMessagesWrittenTotal)
		prometheus.MustRegister(KafkaMessageSizeBytes)
		prometheus.MustRegister(KafkaConsumerLag)
		prometheus.MustRegister(KafkaReadDuration)
		prometheus.MustRegister(KafkaWriteDuration)
	})
}

func RegisterCircuitBreakerMetrics() {
	circuitBreakerOnce.Do(func() {
		prometheus.MustRegister(CircuitBreakerState)
		prometheus.MustRegister(CircuitBreakerRequests)
		prometheus.MustRegister(CircuitBreakerFailures)
	})
}

func RegisterManagementMetrics() {
	managementOnce.Do(func() {
		prometheus.MustRegister(RateLimitRequestsTotal)
	})
}

func ObservePublishDuration(bus string, duration time.Duration) {
	PublishDuration.WithLabelValues(bus).Observe(float64(duration.Microseconds()) / 1000)
}

func SetRoutingSnapshot(version uint64, activeRules int) {
	RoutingSnapshotVersion.Set(float64(version))
	RoutingActiveRules.Set(float64(activeRules))
}

func SetQueueDepth(queue string, visible, inFlight, delayed int) {
	QueueDepth.WithLabelValues(queue, "visible").Set(float64(visible))
	QueueDepth.WithLabelValues(queue, "in_flight").Set(float64(inFlight))
	QueueDepth.WithLabelValues(queue, "delayed").Set(float64(delayed))
}

func ObserveConsumerBatchDuration(consumer string, duration time.Duration) {
	ConsumerBatchDuration.WithLabelValues(consumer).Observe(float64(duration.Milliseconds()))
}

func IncKafkaMessagesRead(service, topic string) {
	KafkaMessagesReadTotal.WithLabelValues(service, topic).Inc()
}

func IncKafkaMessagesWritten(service, topic string) {
	KafkaMessagesWrittenTotal.WithLabelValues(service, topic).Inc()
}

func ObserveKafkaMessageSize(service, topic, direction string, sizeBytes int) {
	KafkaMessageSizeBytes.WithLabelValues(service, topic, direction).Observe(float64(sizeBytes))
}

func SetKafkaConsumerLag(service, topic string, partition int, lag int64) {
	KafkaConsumerLag.WithLabelValues(service, topic, fmt.Sprintf("%d", partition)).Set(float64(lag))
}

func ObserveKafkaReadDuration(service, topic string, duration time.Duration) {
	KafkaReadDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}

func ObserveKafkaWriteDuration(service, topic string, duration time.Duration) {
	KafkaWriteDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}

func IncDatabaseQuery(service, database, operation, status string) {
	DatabaseQueriesTotal.WithLabelValues(service, database, operation, status).Inc()
}

func ObserveDatabaseQueryDuration(service, database, operation string, duration time.Duration) {
	DatabaseQueryDuration.WithLabelValues(service, database, operation).Observe(float64(duration.Milliseconds()))
}
