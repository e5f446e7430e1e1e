// Package models provides data model definitions for the offline core.
package models

import "time"

// ConflictLog records a local change that was discarded because the
// backend held newer state for the same resource. Kept for user awareness.
type ConflictLog struct {
	ID              UUID         `db:"id" json:"id"`
	ResourceType    ResourceType `db:"resource_type" json:"resource_type"`
	ResourceID      string       `db:"resource_id" json:"resource_id"`
	LocalTimestamp  int64        `db:"local_timestamp" json:"local_timestamp"`
	ServerTimestamp int64        `db:"server_timestamp" json:"server_timestamp"`
	Resolution      string       `db:"resolution" json:"resolution"` // server_wins, discarded
	DetectedAt      int64        `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
