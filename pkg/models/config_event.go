package models

import "time"

// ConfigUpdateEvent is broadcast on the config update topic so every
// instance reloads its routing rules.
type ConfigUpdateEvent struct {
	EventType string                 `json:"event_type"`
	Scope     string                 `json:"scope"`
	RuleID    string                 `json:"rule_id,omitempty"`
	Action    string                 `json:"action"`
	Timestamp time.Time              `json:"timestamp"`
	ChangedBy string                 `json:"changed_by,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

const (
	EventTypeRoutingRulesUpdated = "routing_rules_updated"
	EventTypeTopologyUpdated     = "topology_updated"
)

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionReload = "reload"
)

const (
	ScopeRouting = "routing"
)

// ConfigEventSource is the envelope source used for config update events.
const ConfigEventSource = "courier.management"
