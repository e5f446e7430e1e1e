// Package models provides data model definitions for the offline core.
package models

import (
	"encoding/json"
	"time"
)

// OpKind is the mutation kind of a queued operation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Valid reports whether the kind is a known member of the enum.
func (k OpKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// OpStatus is the replay status of a queued operation.
type OpStatus string

const (
	OpStatusPending  OpStatus = "pending"
	OpStatusInFlight OpStatus = "in_flight"
	OpStatusFailed   OpStatus = "failed"
	// OpStatusDead marks operations that exhausted their retry budget or
	// were rejected outright. They are excluded from automatic replay and
	// wait for explicit retry or discard.
	OpStatusDead OpStatus = "dead"
)

// QueuedOperation represents a pending write created while offline or
// while a write against the backend failed.
type QueuedOperation struct {
	// Seq is the monotonic enqueue sequence assigned by the store.
	// Replay order is defined by Seq, not by wall-clock timestamps.
	Seq          int64           `db:"seq" json:"seq"`
	ID           UUID            `db:"id" json:"id"`
	Kind         OpKind          `db:"kind" json:"kind"`
	ResourceType ResourceType    `db:"resource_type" json:"resource_type"`
	ResourceID   string          `db:"resource_id" json:"resource_id"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	RetryCount   int             `db:"retry_count" json:"retry_count"`
	MaxRetries   int             `db:"max_retries" json:"max_retries"`
	NextRetryAt  int64           `db:"next_retry_at" json:"next_retry_at"`
	Status       OpStatus        `db:"status" json:"status"`
	LastError    string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt    int64           `db:"created_at" json:"created_at"`
	UpdatedAt    int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for QueuedOperation.
func (QueuedOperation) TableName() string {
	return "operation_queue"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (o *QueuedOperation) CreatedAtTime() time.Time {
	return time.Unix(o.CreatedAt, 0)
}

// SizeBytes approximates the storage footprint of the operation,
// used for quota accounting alongside cache entries.
func (o *QueuedOperation) SizeBytes() int64 {
	return int64(len(o.Payload)) + int64(len(o.ID)) + int64(len(o.ResourceID)) + 64
}
