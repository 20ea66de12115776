package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is what websocket clients receive: the audit event type, the bus
// subject it came from and the event itself.
type Event struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	PlanID  string          `json:"plan_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// subscriber is one websocket client. A non-empty plan limits it to the
// events of that plan.
type subscriber struct {
	plan string
}

func (s subscriber) wants(e Event) bool {
	return s.plan == "" || s.plan == e.PlanID
}

type Hub struct {
	clients   map[*websocket.Conn]subscriber
	broadcast chan Event
	mu        sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]subscriber),
		broadcast: make(chan Event, 256),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			h.deliver(event, data)
		}
	}
}

func (h *Hub) deliver(event Event, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, sub := range h.clients {
		if !sub.wants(event) {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Debug("dropping websocket client", "error", err)
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// Broadcast queues an event without blocking; events are dropped while
// the queue is full.
func (h *Hub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	default:
		slog.Warn("websocket broadcast queue full, dropping event", "type", event.Type)
	}
}

func (h *Hub) Register(conn *websocket.Conn, planID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = subscriber{plan: planID}
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// handleWebSocket streams live events. ?plan=<id> narrows the stream to a
// single plan.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	s.hub.Register(conn, r.URL.Query().Get("plan"))
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	// Clients only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
