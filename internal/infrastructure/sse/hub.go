package sse

import (
	"sync"
	"time"
)

// Event describes one accepted state-chain append.
type Event struct {
	IdentityID string    `json:"identity_id"`
	Sequence   uint64    `json:"sequence"`
	EntryHash  string    `json:"entry_hash"`
	ActionType string    `json:"action_type"`
	Summary    string    `json:"summary"`
	Timestamp  time.Time `json:"timestamp"`
}

const clientBuffer = 16

type client struct {
	id string
	// identityID filters delivery; empty subscribes to every identity.
	identityID string
	ch         chan *Event
}

// Hub fans accepted appends out to connected watchers. Delivery is
// best-effort: a client that cannot drain its buffer misses events
// rather than stalling the append path.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*client),
	}
}

// Subscribe registers a watcher and returns its delivery channel. A
// second subscription under the same client id replaces the first.
func (h *Hub) Subscribe(clientID, identityID string) <-chan *Event {
	c := &client{
		id:         clientID,
		identityID: identityID,
		ch:         make(chan *Event, clientBuffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[clientID]; ok {
		close(old.ch)
	}
	h.clients[clientID] = c
	return c.ch
}

// Unsubscribe removes a watcher and closes its channel.
func (h *Hub) Unsubscribe(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		close(c.ch)
		delete(h.clients, clientID)
	}
}

// Publish delivers the event to every watcher of its identity.
func (h *Hub) Publish(event *Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.identityID == "" || c.identityID == event.IdentityID {
			trySend(c, event)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop disconnects every watcher.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.ch)
		delete(h.clients, id)
	}
}

func trySend(c *client, event *Event) bool {
	select {
	case c.ch <- event:
		return true
	default:
		return false
	}
}
