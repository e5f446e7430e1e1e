// Package models provides data model definitions for the offline core.
package models

// MessageType tags messages exchanged between the gateway process and
// connected shell clients. The protocol is message-passing only; the two
// sides never share memory.
type MessageType string

const (
	// Shell → gateway
	MsgSkipWaiting MessageType = "SKIP_WAITING"
	MsgCacheURLs   MessageType = "CACHE_URLS"
	MsgClearCache  MessageType = "CLEAR_CACHE"

	// Gateway → shell: connectivity came back, drain the operation queue.
	MsgSyncQueue MessageType = "SYNC_QUEUE"
)

// Message is the tagged envelope for gateway/shell messages.
type Message struct {
	Type      MessageType            `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}
