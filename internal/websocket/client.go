package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	ws "github.com/coder/websocket"
	"github.com/dukerupert/homebase/internal/auth"
	"github.com/dukerupert/homebase/internal/docstore"
	"github.com/dukerupert/homebase/internal/subscription"
)

const (
	sendBufferSize   = 16
	pingInterval     = 30 * time.Second
	maxSubscriptions = 16
)

// Request is a client-to-server frame.
type Request struct {
	Op         string            `json:"op"`
	Sub        string            `json:"sub"`
	Collection string            `json:"collection,omitempty"`
	Filters    []docstore.Filter `json:"filters,omitempty"`
	OrderBy    string            `json:"orderBy,omitempty"`
}

// Snapshot is the server frame carrying a subscription's current result.
type Snapshot struct {
	Type string `json:"type"`
	Sub  string `json:"sub"`
	Data any    `json:"data"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Sub   string `json:"sub,omitempty"`
	Error string `json:"error"`
}

type lease struct {
	key subscription.Key
	id  uint64
}

// Client represents a single WebSocket connection.
type Client struct {
	hub  *Hub
	conn *ws.Conn
	auth auth.AuthContext

	mu     sync.Mutex
	send   chan []byte
	closed bool
	leases map[string]lease
}

// NewClient creates a Client tied to the given hub and connection.
func NewClient(hub *Hub, conn *ws.Conn, ac auth.AuthContext) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		auth:   ac,
		send:   make(chan []byte, sendBufferSize),
		leases: make(map[string]lease),
	}
}

// Run registers the client, starts the write pump, and runs the read pump.
// It blocks until the connection is closed, then unregisters.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

// deliver queues a frame without blocking. A full buffer drops the frame.
func (c *Client) deliver(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn("websocket client buffer full, dropping frame", "member_id", c.auth.MemberID)
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.hub.logger.Error("marshal frame", "error", err)
		return
	}
	c.deliver(data)
}

func (c *Client) sendError(sub string, err error) {
	c.sendJSON(errorFrame{Type: "error", Sub: sub, Error: err.Error()})
}

// handle applies one client request.
func (c *Client) handle(req Request) {
	switch req.Op {
	case "subscribe":
		if err := c.subscribe(req); err != nil {
			c.sendError(req.Sub, err)
		}
	case "unsubscribe":
		c.unsubscribe(req.Sub)
	default:
		c.sendError(req.Sub, fmt.Errorf("unknown op %q", req.Op))
	}
}

func (c *Client) subscribe(req Request) error {
	if req.Sub == "" {
		return fmt.Errorf("sub id is required")
	}
	render, ok := c.hub.renderers[req.Collection]
	if !ok {
		return fmt.Errorf("collection %q cannot be subscribed to", req.Collection)
	}

	c.mu.Lock()
	_, dup := c.leases[req.Sub]
	full := len(c.leases) >= maxSubscriptions
	c.mu.Unlock()
	if dup {
		return fmt.Errorf("sub %q already in use", req.Sub)
	}
	if full {
		return fmt.Errorf("at most %d subscriptions per connection", maxSubscriptions)
	}

	q := docstore.Query{
		Collection: req.Collection,
		FamilyID:   c.auth.FamilyID,
		Filters:    req.Filters,
		OrderBy:    req.OrderBy,
	}
	if err := q.Validate(); err != nil {
		return err
	}
	key := subscription.KeyFor(q)

	subID := req.Sub
	id, err := c.hub.registry.Acquire(key, subscription.StoreFactory(c.hub.store, q), func(docs []docstore.Document) {
		data, err := render(docs)
		if err != nil {
			c.hub.logger.Error("render snapshot", "key", string(key), "error", err)
			return
		}
		c.sendJSON(Snapshot{Type: "snapshot", Sub: subID, Data: data})
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.hub.registry.Release(key, id)
		return nil
	}
	c.leases[subID] = lease{key: key, id: id}
	c.mu.Unlock()
	return nil
}

func (c *Client) unsubscribe(sub string) {
	c.mu.Lock()
	l, ok := c.leases[sub]
	delete(c.leases, sub)
	c.mu.Unlock()
	if ok {
		c.hub.registry.Release(l.key, l.id)
	}
}

func (c *Client) releaseAll() {
	c.mu.Lock()
	leases := c.leases
	c.leases = make(map[string]lease)
	c.mu.Unlock()
	for _, l := range leases {
		c.hub.registry.Release(l.key, l.id)
	}
}

// readPump decodes requests until the connection closes.
func (c *Client) readPump(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendError("", fmt.Errorf("malformed request"))
			continue
		}
		c.handle(req)
	}
}

// writePump drains the send channel and writes messages to the WebSocket.
// It also sends periodic pings to detect stale connections.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
