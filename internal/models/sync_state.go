// Package models provides data model definitions for the offline core.
package models

import "time"

// SyncState is the process-wide sync snapshot rendered by the shell's
// status widgets. One instance exists per running app; the sync engine
// owns it and the HTTP/WebSocket surfaces only read it.
type SyncState struct {
	IsOnline       bool       `json:"is_online"`
	SyncInProgress bool       `json:"sync_in_progress"`
	LastSyncTime   *time.Time `json:"last_sync_time,omitempty"`
	QueueCount     int        `json:"queue_count"`
	DeadLetterCount int       `json:"dead_letter_count"`
}
