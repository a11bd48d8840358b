// Package app holds the server-side glue between the observation queue core
// and the HTTP/dashboard surface.
package app

import (
	"sync"
	"time"

	"warden/internal/logging"
	observer "warden/internal/observer/app"
)

const clientBuffer = 16

// StatusEvent is one dashboard update: either a deletion notice or a fresh
// aggregate stats snapshot. Clients re-render from whatever arrives; they
// never mutate state based on it.
type StatusEvent struct {
	Type      string          `json:"type"` // "stats" or "session_deleted"
	SessionID int64           `json:"session_id,omitempty"`
	Stats     *observer.Stats `json:"stats,omitempty"`
	At        time.Time       `json:"at"`
}

// StatusBroadcaster fans status events out to connected dashboard clients.
// Slow clients drop events rather than block the core.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan StatusEvent]struct{}
	logger  logging.Logger

	sent    int64
	dropped int64
}

// NewStatusBroadcaster creates an empty broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan StatusEvent]struct{}),
		logger:  logging.NewComponentLogger("StatusBroadcaster"),
	}
}

// Register adds a dashboard client and returns its event channel.
func (b *StatusBroadcaster) Register() chan StatusEvent {
	ch := make(chan StatusEvent, clientBuffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	total := len(b.clients)
	b.mu.Unlock()
	b.logger.Info("Dashboard client connected (total: %d)", total)
	return ch
}

// Unregister removes a client and closes its channel.
func (b *StatusBroadcaster) Unregister(ch chan StatusEvent) {
	b.mu.Lock()
	if _, ok := b.clients[ch]; ok {
		delete(b.clients, ch)
		close(ch)
	}
	total := len(b.clients)
	b.mu.Unlock()
	b.logger.Info("Dashboard client disconnected (remaining: %d)", total)
}

// Broadcast sends the event to every connected client without blocking.
func (b *StatusBroadcaster) Broadcast(event StatusEvent) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- event:
			b.sent++
		default:
			b.dropped++
			b.logger.Warn("Dashboard client buffer full, dropping %s event", event.Type)
		}
	}
}

// ClientCount reports connected dashboard clients.
func (b *StatusBroadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
