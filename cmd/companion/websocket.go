// Package main provides the WebSocket status feed for UI clients.
package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/kimhsiao/festivo/internal/logging"
	syncpkg "github.com/kimhsiao/festivo/internal/sync"
	"github.com/kimhsiao/festivo/internal/uuid"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Companion daemon only serves local UI processes
		return true
	},
}

// Event types pushed to UI clients.
const (
	EventStatusChanged = "status.changed"
	EventSyncStarted   = "sync.started"
	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"
)

// Envelope wraps all WebSocket messages.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// client is one connected UI process.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub is the connection registry for the status feed. It is created at
// service start and torn down at shutdown; nothing holds connections in
// package-level state.
type Hub struct {
	clients    map[string]*client
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	stop       chan struct{}
	done       chan struct{}
}

// NewHub creates the hub and starts its dispatch loop.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[string]*client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

// run owns the clients map; register, unregister, and broadcast all go
// through this loop, so no lock is needed.
func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.clients[c.id] = c
			logging.Debug("ws client connected", logrus.Fields{"client_id": c.id, "total": len(h.clients)})

		case c := <-h.unregister:
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}

		case message := <-h.broadcast:
			for id, c := range h.clients {
				select {
				case c.send <- message:
				default:
					// Client send buffer is full, drop the connection
					close(c.send)
					delete(h.clients, id)
				}
			}

		case <-h.stop:
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			return
		}
	}
}

// Shutdown closes every client connection and stops the dispatch loop.
func (h *Hub) Shutdown() {
	close(h.stop)
	<-h.done
}

// Broadcast sends an event to all connected clients.
func (h *Hub) Broadcast(eventType string, data map[string]interface{}) {
	envelope := Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		logging.Error("failed to marshal ws event", err, logrus.Fields{"type": eventType})
		return
	}

	select {
	case h.broadcast <- bytes:
	case <-h.stop:
	}
}

// BroadcastStatus pushes a fresh status snapshot.
func (h *Hub) BroadcastStatus(status syncpkg.Status) {
	h.Broadcast(EventStatusChanged, map[string]interface{}{
		"is_online":     status.IsOnline,
		"is_syncing":    status.IsSyncing,
		"pending_count": status.PendingCount,
	})
}

// SyncStarted implements sync.EventSink.
func (h *Hub) SyncStarted() {
	h.Broadcast(EventSyncStarted, map[string]interface{}{})
}

// SyncCompleted implements sync.EventSink.
func (h *Hub) SyncCompleted(delivered, failed int) {
	h.Broadcast(EventSyncCompleted, map[string]interface{}{
		"delivered": delivered,
		"failed":    failed,
	})
}

// SyncFailed implements sync.EventSink.
func (h *Hub) SyncFailed(err error) {
	h.Broadcast(EventSyncFailed, map[string]interface{}{
		"error": err.Error(),
	})
}

// readPump drains client messages until the connection drops.
func (c *client) readPump() {
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
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("ws read error", logrus.Fields{"client_id": c.id, "error": err.Error()})
			}
			return
		}
	}
}

// writePump pushes events and keepalive pings to the connection.
func (c *client) writePump() {
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

// HandleWebSocket upgrades a request and attaches the client to the hub.
func HandleWebSocket(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error("ws upgrade failed", err, nil)
			return
		}

		c := &client{
			id:   uuid.New(),
			conn: conn,
			send: make(chan []byte, 256),
			hub:  hub,
		}
		hub.register <- c

		go c.writePump()
		go c.readPump()
	}
}
