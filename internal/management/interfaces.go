package management

import (
	"context"

	"courier/internal/archive"
	"courier/internal/bus"
	"courier/internal/engine"
	"courier/internal/queue"
	"courier/internal/routing"
	"courier/internal/sink"
	"courier/internal/topic"
	"courier/pkg/models"
)

// Engine is the part of *engine.Engine the API drives.
type Engine interface {
	PublishBatch(ctx context.Context, busName string, envs []models.Envelope) (bus.BatchPublishResult, error)
	Buses() []engine.BusInfo
	Resolve(target routing.Target) (sink.Sink, bool)

	Rules() *routing.Store
	ReloadRules(ctx context.Context) error
	RuleWriter() (routing.Writer, bool)

	QueueStats() []queue.Stats
	QueueStat(name string) (queue.Stats, error)
	ListMessages(name string, limit int) ([]queue.Message, error)
	Redrive(ctx context.Context, req engine.RedriveRequest) (int, error)

	Subscriptions(topicName string) ([]topic.SubscriptionInfo, error)
	SetSubscriptionActive(topicName, id string, active bool) error

	StartReplay(ctx context.Context, req archive.ReplayRequest) (string, error)
	ReplayJob(id string) (archive.ReplayJob, error)
	ReplayJobs() ([]archive.ReplayJob, error)
	CancelReplay(id string) error
	ResumeReplay(ctx context.Context, id string) error
}

type Service interface {
	Publish(ctx context.Context, busName string, req PublishRequest) (bus.BatchPublishResult, error)
	ListBuses(ctx context.Context) []engine.BusInfo

	ListRules(ctx context.Context) RuleSetResponse
	GetRule(ctx context.Context, id string) (*routing.Rule, error)
	CreateRule(ctx context.Context, req RuleRequest) (*routing.Rule, error)
	UpdateRule(ctx context.Context, id string, req RuleRequest) (*routing.Rule, error)
	DeleteRule(ctx context.Context, id string) error
	GetRuleAuditLogs(ctx context.Context, id string, limit int) ([]AuditLogEntry, error)
	ReloadRules(ctx context.Context) (ReloadResponse, error)

	ListQueues(ctx context.Context) []queue.Stats
	GetQueue(ctx context.Context, name string) (queue.Stats, error)
	ListMessages(ctx context.Context, queueName string, limit int) ([]queue.Message, error)
	Redrive(ctx context.Context, queueName string, req RedriveRequest) (RedriveResponse, error)

	ListSubscriptions(ctx context.Context, topicName string) ([]topic.SubscriptionInfo, error)
	SetSubscriptionActive(ctx context.Context, topicName, id string, active bool) error

	StartReplay(ctx context.Context, req ReplayRequest) (ReplayResponse, error)
	ListReplays(ctx context.Context) ([]archive.ReplayJob, error)
	GetReplay(ctx context.Context, id string) (archive.ReplayJob, error)
	CancelReplay(ctx context.Context, id string) error
	ResumeReplay(ctx context.Context, id string) error
}
