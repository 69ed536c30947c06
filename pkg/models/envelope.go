package models

import (
	"encoding/json"
	"time"
)

// Envelope is one published event. Components pass it by value and never
// mutate it after the bus accepted it.
type Envelope struct {
	ID           string                 `json:"id" bson:"id"`
	Bus          string                 `json:"bus,omitempty" bson:"bus,omitempty"`
	Source       string                 `json:"source" bson:"source" validate:"required"`
	Type         string                 `json:"type" bson:"type" validate:"required"`
	Timestamp    time.Time              `json:"timestamp" bson:"timestamp"`
	Attributes   map[string]interface{} `json:"attributes,omitempty" bson:"attributes,omitempty" validate:"dive,keys,required,endkeys,scalar"`
	Payload      json.RawMessage        `json:"payload,omitempty" bson:"payload,omitempty"`
	PartitionKey string                 `json:"partition_key,omitempty" bson:"partition_key,omitempty"`
	TraceID      string                 `json:"trace_id,omitempty" bson:"trace_id,omitempty"`
	ReplayOf     string                 `json:"replay_of,omitempty" bson:"replay_of,omitempty"`
}

// Clone returns a copy that shares nothing mutable with e.
func (e Envelope) Clone() Envelope {
	out := e
	if e.Attributes != nil {
		out.Attributes = make(map[string]interface{}, len(e.Attributes))
		for k, v := range e.Attributes {
			out.Attributes[k] = v
		}
	}
	if e.Payload != nil {
		out.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return out
}

func (e Envelope) Attribute(name string) (interface{}, bool) {
	if e.Attributes == nil {
		return nil, false
	}
	v, ok := e.Attributes[name]
	return v, ok
}

// PayloadMap decodes a JSON object payload. Non-object payloads yield nil.
func (e Envelope) PayloadMap() map[string]interface{} {
	if len(e.Payload) == 0 {
		return nil
	}
	var out map[string]interface{}
	if err := codec.Unmarshal(e.Payload, &out); err != nil {
		return nil
	}
	return out
}
