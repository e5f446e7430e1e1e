// Package models provides data model definitions for the offline core.
package models

import "fmt"

// ResourceType identifies the kind of entity an operation or cache entry
// refers to. The set is closed: adding a type means updating Priority,
// the backend dispatch table, and the payload schema registry together.
type ResourceType string

const (
	ResourceConversation ResourceType = "conversation"
	ResourceJournalEntry ResourceType = "journal_entry"
	ResourceMoodCheckIn  ResourceType = "mood_check_in"
	ResourceSettings     ResourceType = "settings"
	ResourceWisdomVerse  ResourceType = "wisdom_verse"
	// ResourceStaticAsset covers gateway-cached shell resources and API
	// responses outside the entity routes (analytics snapshots, static
	// files). Never queued, first to be evicted.
	ResourceStaticAsset ResourceType = "static_asset"
)

// ResourceTypes lists every known resource type.
func ResourceTypes() []ResourceType {
	return []ResourceType{
		ResourceConversation,
		ResourceJournalEntry,
		ResourceMoodCheckIn,
		ResourceSettings,
		ResourceWisdomVerse,
		ResourceStaticAsset,
	}
}

// Valid reports whether the resource type is a known member of the enum.
func (r ResourceType) Valid() bool {
	switch r {
	case ResourceConversation, ResourceJournalEntry, ResourceMoodCheckIn,
		ResourceSettings, ResourceWisdomVerse, ResourceStaticAsset:
		return true
	}
	return false
}

// Validate returns an error for unknown resource types.
func (r ResourceType) Validate() error {
	if !r.Valid() {
		return fmt.Errorf("unknown resource type %q", string(r))
	}
	return nil
}

// Priority ranks resource types for queue eviction under storage pressure.
// Higher values survive longer; user-authored content outranks settings.
func (r ResourceType) Priority() int {
	switch r {
	case ResourceJournalEntry, ResourceMoodCheckIn:
		return 3
	case ResourceConversation:
		return 2
	case ResourceSettings:
		return 1
	default:
		return 0
	}
}

// Mutable reports whether the shell may queue writes for this type.
// Wisdom verses and static assets are read-only reference content.
func (r ResourceType) Mutable() bool {
	switch r {
	case ResourceWisdomVerse, ResourceStaticAsset:
		return false
	}
	return true
}
