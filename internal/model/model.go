// Copyright 2025 James Ross
package model

import (
	"encoding/json"
	"time"
)

// Message is a row in the message store (§3.1).
type Message struct {
	ID            string            `json:"id"`
	MessageType   string            `json:"message_type"`
	Payload       json.RawMessage   `json:"payload"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Collection    string            `json:"collection,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Expired reports whether the message must be treated as absent by lookups.
func (m Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// OutboxStatus is the lifecycle state of an OutboxEntry (§3.2).
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "Pending"
	OutboxProcessed OutboxStatus = "Processed"
	OutboxFailed    OutboxStatus = "Failed"
)

// OutboxEntry is a row in the outbox table (§3.2).
type OutboxEntry struct {
	ID          string          `json:"id"`
	MessageType string          `json:"message_type"`
	Payload     json.RawMessage `json:"payload"`
	Destination string          `json:"destination,omitempty"`
	Status      OutboxStatus    `json:"status"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
}

// InboxStatus is the lifecycle state of an InboxEntry (§3.3).
type InboxStatus string

const (
	InboxPending   InboxStatus = "Pending"
	InboxProcessed InboxStatus = "Processed"
	InboxFailed    InboxStatus = "Failed"
)

// InboxEntry is a row in the inbox table (§3.3).
type InboxEntry struct {
	ID                  string          `json:"id"`
	MessageType         string          `json:"message_type"`
	Payload             json.RawMessage `json:"payload"`
	Source              string          `json:"source,omitempty"`
	Status              InboxStatus     `json:"status"`
	ReceivedAt          time.Time       `json:"received_at"`
	ProcessedAt         *time.Time      `json:"processed_at,omitempty"`
	Error               string          `json:"error,omitempty"`
	RequireIdempotency  bool            `json:"require_idempotency"`
	DeduplicationWindow *time.Duration  `json:"deduplication_window,omitempty"`
}

// QueueEntry is a row in the queue table (§3.4).
type QueueEntry struct {
	ID           string          `json:"id"`
	QueueName    string          `json:"queue_name"`
	MessageType  string          `json:"message_type"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	VisibleAt    *time.Time      `json:"visible_at,omitempty"`
	DequeueCount int             `json:"dequeue_count"`
	Delay        *time.Duration  `json:"delay,omitempty"`
	Acknowledged bool            `json:"acknowledged"`
}

// DeadLetterStatus is the lifecycle state of a DeadLetterEntry (§3.5).
type DeadLetterStatus int

const (
	DeadLetterActive DeadLetterStatus = iota
	DeadLetterRetried
	DeadLetterDiscarded
)

func (s DeadLetterStatus) String() string {
	switch s {
	case DeadLetterActive:
		return "Active"
	case DeadLetterRetried:
		return "Retried"
	case DeadLetterDiscarded:
		return "Discarded"
	default:
		return "Unknown"
	}
}

// DeadLetterEntry is a row in the dead_letter table (§3.5). The payload is
// stored as a JSON document; the type registry owned by the caller's
// Serializer collaborator drives polymorphic reconstruction on read (§9 —
// the core never re-implements reflection).
type DeadLetterEntry struct {
	ID               string           `json:"id"`
	MessagePayload   json.RawMessage  `json:"message_payload"`
	MessageType      string           `json:"message_type"`
	Reason           string           `json:"reason"`
	Component        string           `json:"component"`
	RetryCount       int              `json:"retry_count"`
	FailureTime      time.Time        `json:"failure_time"`
	Status           DeadLetterStatus `json:"status"`
	CreatedAt        time.Time        `json:"created_at"`
	RetriedAt        *time.Time       `json:"retried_at,omitempty"`
	DiscardedAt      *time.Time       `json:"discarded_at,omitempty"`
	ExceptionMessage string           `json:"exception_message,omitempty"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
}

// DeadLetterStatistics is the aggregate returned by getStatistics (§4.C.5).
type DeadLetterStatistics struct {
	Active           int64
	Retried          int64
	Discarded        int64
	Total            int64
	CountByComponent map[string]int64
	TopReasons       []ReasonCount
	OldestActive     *time.Time
	NewestActive     *time.Time
}

// ReasonCount pairs a failure reason with its occurrence count, used by
// getStatistics' topReasons (bounded to 10 entries).
type ReasonCount struct {
	Reason string
	Count  int64
}

// SagaRecord is a row in the sagas table (§3.6). SagaData holds the
// caller-encoded saga object; callers supply a typed codec (§9 — generic
// saga repository modeled as a typed handle, not dynamic dispatch).
type SagaRecord struct {
	CorrelationID string          `json:"correlation_id"`
	SagaType      string          `json:"saga_type"`
	CurrentState  string          `json:"current_state"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	IsCompleted   bool            `json:"is_completed"`
	Version       int64           `json:"version"`
	SagaData      json.RawMessage `json:"saga_data"`
}

// IdempotencyStatus is the outcome recorded for an idempotency key (§3.7).
type IdempotencyStatus string

const (
	IdempotencySuccess IdempotencyStatus = "Success"
	IdempotencyFailure IdempotencyStatus = "Failure"
)

// IdempotencyResponse is a row in the idempotency_responses table (§3.7).
type IdempotencyResponse struct {
	IdempotencyKey    string            `json:"idempotency_key"`
	Status            IdempotencyStatus `json:"status"`
	SuccessResult     json.RawMessage   `json:"success_result,omitempty"`
	FailureType       string            `json:"failure_type,omitempty"`
	FailureMessage    string            `json:"failure_message,omitempty"`
	FailureStackTrace string            `json:"failure_stack_trace,omitempty"`
	StoredAt          time.Time         `json:"stored_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
}

// Expired reports whether the response must be treated as absent.
func (r IdempotencyResponse) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
