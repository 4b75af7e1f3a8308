package services

import (
	"sync"

	"github.com/charmbracelet/log"
)

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*WSClient
	logger  *log.Logger
}

func NewHub() *Hub {
	return &Hub{
		clients: map[string]*WSClient{},
		logger:  log.With("component", "hub"),
	}
}

// Add registers c. An id held by another live connection is never taken
// over; Add reports false and leaves the registry unchanged.
func (h *Hub) Add(c *WSClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.clients[c.id]; ok && cur != c {
		return false
	}
	h.clients[c.id] = c
	return true
}

// Remove drops c if it is still the registered client for its id.
func (h *Hub) Remove(c *WSClient) {
	h.mu.Lock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
	c.close()
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := h.clients
	h.clients = map[string]*WSClient{}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) snapshot() []*WSClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*WSClient, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// SendTo delivers to one client. A client that cannot keep up is dropped.
func (h *Hub) SendTo(clientID, eventType string, data any) bool {
	h.mu.RLock()
	c := h.clients[clientID]
	h.mu.RUnlock()

	if c == nil {
		return false
	}
	if err := c.Send(eventType, data); err != nil {
		h.logger.Warn("dropping client", "client", clientID, "event", eventType, "err", err)
		h.Remove(c)
		return false
	}
	return true
}

func (h *Hub) Broadcast(eventType string, data any) {
	for _, c := range h.snapshot() {
		if err := c.Send(eventType, data); err != nil {
			h.logger.Warn("dropping client", "client", c.id, "event", eventType, "err", err)
			h.Remove(c)
		}
	}
}
