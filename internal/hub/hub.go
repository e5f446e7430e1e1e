// Package hub is the WebSocket fan-out between the daemon and connected
// shell clients. Sync lifecycle events and the SYNC_QUEUE trigger go
// out; typed control messages (CLEAR_CACHE, CACHE_URLS, SKIP_WAITING)
// come in. The two sides share no memory; everything crosses as a
// tagged message.
package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/viyoga/companion/offline/internal/logging"
	"github.com/viyoga/companion/offline/internal/models"
	"github.com/viyoga/companion/offline/internal/uuid"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The daemon only serves the local shell.
		return true
	},
}

// MessageHandler receives typed control messages from shell clients.
type MessageHandler func(models.Message)

// Client represents one connected shell client.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub maintains active client connections and broadcasts messages.
type Hub struct {
	clients    map[string]*Client
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	handler    MessageHandler
}

// New creates a Hub and starts its fan-out loop.
func New() *Hub {
	h := &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
	go h.run()
	return h
}

// SetMessageHandler sets the handler for inbound control messages.
func (h *Hub) SetMessageHandler(handler MessageHandler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

// run manages client connections and broadcasts.
func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Shell client connected", map[string]interface{}{
				"client_id": client.id,
				"total":     total,
			})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Send buffer full, drop the connection.
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends a typed message to all connected clients.
func (h *Hub) Broadcast(msgType models.MessageType, data map[string]interface{}) {
	envelope := models.Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		logging.Error("Failed to marshal broadcast message", err)
		return
	}

	h.broadcast <- raw
}

// BroadcastEvent sends a sync lifecycle event using the event name as
// the message type.
func (h *Hub) BroadcastEvent(event string, data map[string]interface{}) {
	h.Broadcast(models.MessageType(event), data)
}

// BroadcastSyncQueue tells every client to drain the operation queue.
// Sent when the gateway observes connectivity coming back.
func (h *Hub) BroadcastSyncQueue() {
	h.Broadcast(models.MsgSyncQueue, nil)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump pumps inbound messages from one client connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("WebSocket read error", map[string]interface{}{
					"error": err.Error(),
				})
			}
			break
		}

		var msg models.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			logging.Warn("Invalid shell message", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}

		c.hub.mu.RLock()
		handler := c.hub.handler
		c.hub.mu.RUnlock()

		if handler != nil {
			handler(msg)
		}
	}
}

// writePump pumps outbound messages to one client connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Handler returns the HTTP handler upgrading connections into the hub.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error("Failed to upgrade WebSocket", err)
			return
		}

		client := &Client{
			id:   uuid.New(),
			conn: conn,
			send: make(chan []byte, 64),
			hub:  h,
		}

		h.register <- client

		go client.writePump()
		go client.readPump()
	}
}
