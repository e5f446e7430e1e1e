// Package models provides data model definitions for the offline core.
package models

import (
	"fmt"
	"time"
)

// CacheEntry represents a cached read payload (conversation history,
// verse text, analytics snapshots) owned by the Cache Manager.
type CacheEntry struct {
	Key          string       `db:"key" json:"key"`
	ResourceType ResourceType `db:"resource_type" json:"resource_type"`
	Value        []byte       `db:"value" json:"value"`
	SizeBytes    int64        `db:"size_bytes" json:"size_bytes"`
	CachedAt     int64        `db:"cached_at" json:"cached_at"`
}

// TableName returns the table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "cache_entries"
}

// CacheKey builds the composite cache key for a resource.
func CacheKey(resourceType ResourceType, id string) string {
	return fmt.Sprintf("%s:%s", resourceType, id)
}

// CachedAtTime returns the CachedAt as time.Time.
func (e *CacheEntry) CachedAtTime() time.Time {
	return time.Unix(e.CachedAt, 0)
}

// Age returns how long ago the entry was stored.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CachedAtTime())
}

// CacheStats aggregates storage usage for the shell's storage panel.
// UsageBytes is the full quota footprint (cache plus queued operations),
// the same number eviction decisions are made against.
type CacheStats struct {
	ConversationCount int   `json:"conversation_count"`
	VerseCount        int   `json:"verse_count"`
	JournalEntryCount int   `json:"journal_entry_count"`
	MoodCheckInCount  int   `json:"mood_check_in_count"`
	CacheBytes        int64 `json:"cache_bytes"`
	QueueBytes        int64 `json:"queue_bytes"`
	UsageBytes        int64 `json:"usage_bytes"`
	QuotaBytes        int64 `json:"quota_bytes"`
}
