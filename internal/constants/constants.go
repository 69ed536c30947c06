package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultHTTPTimeout = 10 * time.Second
)

const (
	DefaultMongoDBName       = "courier"
	ArchiveCollection        = "archive_records"
	ArchiveCounterCollection = "archive_counters"
	DefaultJournalKeyPrefix  = "courier:queue:"
	DefaultServiceName       = "courier"
	ManagementServiceName    = "courier-management"
	IngestServiceName        = "courier-ingest"
	ConfigHandlerServiceName = "courier-config"
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultLimit       = 100
	MaxLimit           = 1000
	MaxPublishEntries  = 10
	DefaultTruncateLen = 100
)

const (
	DefaultReceiveBatch      = 10
	MaxReceiveBatch          = 10
	DefaultWaitTime          = 5 * time.Second
	DefaultVisibilityTimeout = 30 * time.Second
	DefaultReaperInterval    = time.Second
	DefaultIngressBuffer     = 1024
	DefaultIngressTimeout    = 100 * time.Millisecond
	DefaultArchiveBuffer     = 4096
	DefaultReplayPageSize    = 200
)

const (
	HTTPStatusOKMin = 200
	HTTPStatusOKMax = 300
)
