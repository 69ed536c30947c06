package management

import (
	"encoding/json"
	"time"

	"courier/internal/routing"
	"courier/pkg/models"
)

// PublishEntry is one event of a publish request. Bus and ReplayOf are set
// by the engine, never by the caller.
type PublishEntry struct {
	ID           string                 `json:"id"`
	Source       string                 `json:"source"`
	Type         string                 `json:"type"`
	Time         *time.Time             `json:"time"`
	Attributes   map[string]interface{} `json:"attributes"`
	Payload      json.RawMessage        `json:"payload"`
	PartitionKey string                 `json:"partition_key"`
	TraceID      string                 `json:"trace_id"`
}

func (e PublishEntry) Envelope() models.Envelope {
	b := models.NewEnvelopeBuilder().
		WithSource(e.Source).
		WithType(e.Type).
		WithAttributes(e.Attributes).
		WithPartitionKey(e.PartitionKey).
		WithTraceID(e.TraceID)
	if e.ID != "" {
		b = b.WithID(e.ID)
	}
	if e.Time != nil {
		b = b.WithTimestamp(*e.Time)
	}
	if len(e.Payload) > 0 {
		b = b.WithPayload(e.Payload)
	}
	return b.Build()
}

type PublishRequest struct {
	Entries []PublishEntry `json:"entries" binding:"required,min=1,max=10,dive"`
}

type RuleSetResponse struct {
	Version  uint64         `json:"version"`
	LoadedAt time.Time      `json:"loaded_at"`
	Rules    []routing.Rule `json:"rules"`
}

// RuleRequest creates or replaces a routing rule. Rules append to the end
// of the match order; an update keeps the rule's position.
type RuleRequest struct {
	ID      string           `json:"id"`
	Bus     string           `json:"bus" binding:"required"`
	Name    string           `json:"name"`
	Clauses []routing.Clause `json:"clauses"`
	Targets []routing.Target `json:"targets" binding:"required,min=1"`
	Enabled *bool            `json:"enabled"`
}

type RedriveRequest struct {
	Target     string   `json:"target"`
	MessageIDs []string `json:"message_ids"`
}

type RedriveResponse struct {
	Queue string `json:"queue"`
	Moved int    `json:"moved"`
}

type SubscriptionStateRequest struct {
	Active *bool `json:"active" binding:"required"`
}

type ReplayRequest struct {
	Bus       string    `json:"bus" binding:"required"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	TargetBus string    `json:"target_bus"`
}

type ReplayResponse struct {
	ID string `json:"id"`
}

type ReloadResponse struct {
	Version     uint64 `json:"version"`
	ActiveRules int    `json:"active_rules"`
}
