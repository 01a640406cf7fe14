package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cordum/davlock/core/infra/logging"
	"github.com/cordum/davlock/core/version"
	"github.com/google/uuid"
)

const (
	streamBuffer       = 100
	streamWriteTimeout = 10 * time.Second
)

// Hub fans version changes out to websocket subscribers. Slow subscribers
// miss changes rather than stall a bump.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]chan version.Change
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]chan version.Change)}
}

var _ version.Notifier = (*Hub)(nil)

func (h *Hub) Publish(_ context.Context, change version.Change) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.clients {
		select {
		case ch <- change:
		default:
			logging.Warn("gateway", "stream client lagging, change dropped", "client", id, "resource", change.Resource)
		}
	}
	return nil
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) subscribe() (string, <-chan version.Change) {
	id := uuid.NewString()
	ch := make(chan version.Change, streamBuffer)
	h.mu.Lock()
	h.clients[id] = ch
	h.mu.Unlock()
	return id, ch
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	logging.Info("gateway", "ws connection attempt", "remote", r.RemoteAddr)
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("gateway", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	id, changes := s.hub.subscribe()
	defer s.hub.unsubscribe(id)
	logging.Info("gateway", "ws connected", "remote", r.RemoteAddr, "client", id)

	// Reads only detect the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case change := <-changes:
			_ = ws.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := ws.WriteJSON(change); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
