package api

import (
	"context"
	"encoding/json"
	"log/slog"
	gosync "sync"
	"time"
)

// MessageType identifies a websocket message.
type MessageType string

const (
	TypeSyncProgress     MessageType = "sync.progress"
	TypeSyncCompleted    MessageType = "sync.completed"
	TypeSyncFailed       MessageType = "sync.failed"
	TypeLocationsChanged MessageType = "locations.changed"
)

// Message is the envelope of every websocket frame.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload,omitempty"`
}

const clientBuffer = 64

// Hub fans messages out to the connected websocket clients. A client whose
// buffer is full is dropped.
type Hub struct {
	mu      gosync.RWMutex
	clients map[*client]struct{}

	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}

	log *slog.Logger
}

type client struct {
	send chan []byte
}

// NewHub creates a hub. Call [Hub.Run] to start it.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		log:        logger,
	}
}

// Run dispatches registrations and broadcasts until ctx is cancelled, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("websocket client connected", "clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("websocket client disconnected", "clients", n)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					delete(h.clients, c)
					close(c.send)
					h.log.Warn("websocket client too slow, dropped")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish encodes payload in a [Message] and queues it for every client. It
// never blocks; a full queue drops the message.
func (h *Hub) Publish(typ MessageType, payload any) {
	b, err := json.Marshal(Message{Type: typ, Timestamp: time.Now().UTC(), Payload: payload})
	if err != nil {
		h.log.Error("encoding websocket message", "type", typ, "error", err)
		return
	}
	select {
	case h.broadcast <- b:
	default:
		h.log.Warn("websocket broadcast queue full, message dropped", "type", typ)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// join registers a new client. It returns false once the hub has stopped.
func (h *Hub) join() (*client, bool) {
	c := &client{send: make(chan []byte, clientBuffer)}
	select {
	case h.register <- c:
		return c, true
	case <-h.done:
		return nil, false
	}
}

func (h *Hub) leave(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
