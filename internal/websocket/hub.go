package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukerupert/homebase/internal/docstore"
	"github.com/dukerupert/homebase/internal/subscription"
)

// Message is a change notification sent to every client of a family.
type Message struct {
	Type   string `json:"type"`
	Entity string `json:"entity"`
	Action string `json:"action"`
	ID     string `json:"id,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// NewMessage creates a Message with the Type field derived from entity and action.
func NewMessage(entity, action, id string, data any) Message {
	return Message{
		Type:   fmt.Sprintf("%s_%s", entity, action),
		Entity: entity,
		Action: action,
		ID:     id,
		Data:   data,
	}
}

// Renderer turns a query snapshot into the payload clients receive.
type Renderer func(docs []docstore.Document) (any, error)

// Hub tracks connected clients by family and hands out shared query
// subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger

	store     *docstore.Store
	registry  *subscription.Registry
	renderers map[string]Renderer
}

// NewHub creates a Hub. Clients may subscribe to the collections that have a
// renderer.
func NewHub(store *docstore.Store, registry *subscription.Registry, renderers map[string]Renderer, logger *slog.Logger) *Hub {
	return &Hub{
		clients:   make(map[*Client]struct{}),
		logger:    logger,
		store:     store,
		registry:  registry,
		renderers: renderers,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub, releases its subscriptions and
// closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.releaseAll()
	c.close()
}

// Publish sends a change event to every client in the family.
func (h *Hub) Publish(familyID, entity, action, id string, data any) {
	payload, err := json.Marshal(NewMessage(entity, action, id, data))
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.auth.FamilyID == familyID {
			c.deliver(payload)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscriptions returns how many distinct queries are being watched.
func (h *Hub) Subscriptions() int {
	return h.registry.Len()
}
