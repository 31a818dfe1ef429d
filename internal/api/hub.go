package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/hyperengineering/heritage/internal/remote"
)

const (
	// subscriberBuffer is how many changes a watcher may lag behind before it
	// is disconnected.
	subscriberBuffer = 64
	writeTimeout     = 5 * time.Second
)

type subscriber struct {
	msgs chan []byte
	// closeSlow drops a watcher that cannot keep up.
	closeSlow func()
}

// Hub fans document changes out to /v1/watch websocket clients.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[*subscriber]struct{})}
}

// Publish sends c to every connected watcher without blocking.
func (h *Hub) Publish(c remote.Change) {
	data, err := json.Marshal(c)
	if err != nil {
		slog.Error("failed to marshal change", "component", "api", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subscribers {
		select {
		case s.msgs <- data:
		default:
			go s.closeSlow()
		}
	}
}

// Count returns the number of connected watchers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	h.subscribers[s] = struct{}{}
	n := len(h.subscribers)
	h.mu.Unlock()
	slog.Info("watcher connected", "component", "api", "watchers", n)
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	delete(h.subscribers, s)
	n := len(h.subscribers)
	h.mu.Unlock()
	slog.Info("watcher disconnected", "component", "api", "watchers", n)
}

// ServeHTTP upgrades the request and streams changes until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "component", "api", "error", err)
		return
	}
	defer conn.CloseNow()

	s := &subscriber{
		msgs: make(chan []byte, subscriberBuffer),
		closeSlow: func() {
			conn.Close(websocket.StatusPolicyViolation, "watcher too slow to keep up with changes")
		},
	}
	h.add(s)
	defer h.remove(s)

	// Watchers never send; CloseRead handles control frames and cancels ctx
	// when the peer disconnects.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.msgs:
			if err := writeWithTimeout(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}

func writeWithTimeout(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}
