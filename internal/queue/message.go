package queue

import (
	"time"

	"courier/pkg/models"
	"courier/pkg/retry"
)

type messageState string

const (
	stateAvailable messageState = "available"
	stateInFlight  messageState = "in_flight"
)

// Message is one envelope held by a queue plus its delivery state. The ID
// is stable for the life of the message, across the DLQ and redrive.
type Message struct {
	ID                 string          `json:"id"`
	Envelope           models.Envelope `json:"envelope"`
	ReceiveCount       int             `json:"receive_count"`
	FirstReceivedAt    time.Time       `json:"first_received_at,omitempty"`
	VisibleAt          time.Time       `json:"visible_at"`
	VisibilityDeadline time.Time       `json:"visibility_deadline,omitempty"`
	EnqueuedAt         time.Time       `json:"enqueued_at"`
	Seq                uint64          `json:"seq"`
	DeadLetterReason   string          `json:"dead_letter_reason,omitempty"`
	SourceQueue        string          `json:"source_queue,omitempty"`
	State              messageState    `json:"state"`
}

// InFlight reports whether a consumer currently holds the lease.
func (m Message) InFlight() bool {
	return m.State == stateInFlight
}

// partition returns the FIFO ordering scope. Messages without a partition
// key are not ordered against each other.
func (m *Message) partition() string {
	if m.Envelope.PartitionKey != "" {
		return "k:" + m.Envelope.PartitionKey
	}
	return "m:" + m.ID
}

// Policy is the per-queue delivery policy. It can be replaced at runtime
// with UpdatePolicy.
type Policy struct {
	VisibilityTimeout time.Duration
	// MaxReceiveCount applies only when a dead-letter queue is attached.
	MaxReceiveCount int
	// MaxMessages bounds the queue; 0 means unbounded.
	MaxMessages int
	FIFO        bool
	// Redelivery delays a message after its lease expires. A zero policy
	// makes it visible again immediately.
	Redelivery retry.Policy
	DeadLetter *Queue
}

func (p Policy) redeliveryDelay(receiveCount int) time.Duration {
	if p.Redelivery.InitialInterval <= 0 {
		return 0
	}
	return p.Redelivery.Delay(receiveCount)
}

// ReceiveOptions controls one Receive call.
type ReceiveOptions struct {
	MaxMessages       int
	VisibilityTimeout time.Duration
	// WaitTime enables long polling when the queue is empty.
	WaitTime time.Duration
}

// Stats is a point-in-time view of a queue.
type Stats struct {
	Name            string `json:"name"`
	Visible         int    `json:"visible"`
	InFlight        int    `json:"in_flight"`
	Delayed         int    `json:"delayed"`
	Total           int    `json:"total"`
	FIFO            bool   `json:"fifo"`
	MaxReceiveCount int    `json:"max_receive_count"`
	DeadLetterQueue string `json:"dead_letter_queue,omitempty"`
	Closed          bool   `json:"closed"`
}

// MessageFilter selects messages for redrive. A nil filter selects all.
type MessageFilter func(Message) bool

// Clock is the time source; tests substitute a manual clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
