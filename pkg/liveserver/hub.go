package liveserver

import (
	"context"
	"sync"
	"sync/atomic"
)

// Logger is the minimal logging surface the package needs. The engine's
// structured logger satisfies it directly.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
}

// Client is one dashboard connection's outbound queue. The queue is
// bounded: a client that cannot drain it fast enough is evicted rather
// than allowed to stall the hub.
type Client struct {
	id     string
	out    chan Message
	mu     sync.Mutex
	closed bool
}

// NewClient creates a client with a bounded outbound queue.
func NewClient(id string) *Client {
	return &Client{
		id:  id,
		out: make(chan Message, 256),
	}
}

// Send enqueues a frame without blocking. It reports false when the
// client is closed or its queue is full.
func (c *Client) Send(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

// Outbox returns the channel the write pump drains.
func (c *Client) Outbox() <-chan Message {
	return c.out
}

// Close marks the client closed and releases its write pump.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

// Hub fans engine events out to every connected dashboard client. All
// membership changes go through the Run loop; Broadcast and the
// accessors are safe from any goroutine.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client

	mu       sync.RWMutex
	snapshot func() []Message

	dropped atomic.Int64
	evicted atomic.Int64

	logger Logger
}

// NewHub creates a hub. logger may be nil.
func NewHub(logger Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// SetSnapshot installs the engine-state provider. Each frame it returns
// is delivered to a new client before any live frame. Must be called
// before Run.
func (h *Hub) SetSnapshot(fn func() []Message) {
	h.snapshot = fn
}

// Run drives the hub until ctx is canceled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			// Snapshot first so the client never renders live frames
			// against empty state.
			if h.snapshot != nil {
				for _, msg := range h.snapshot() {
					client.Send(msg)
				}
			}
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.Info("Stream client joined", "client_id", client.id, "clients", total)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.Info("Stream client left", "client_id", client.id, "clients", total)
			}

		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				targets = append(targets, client)
			}
			h.mu.RUnlock()

			for _, client := range targets {
				if client.Send(msg) {
					continue
				}
				// Queue full: the client is not keeping up. Evict it
				// instead of buffering unboundedly.
				h.evicted.Add(1)
				if h.logger != nil {
					h.logger.Warn("Evicting slow stream client", "client_id", client.id, "topic", msg.Topic)
				}
				select {
				case h.unregister <- client:
				default:
				}
			}
		}
	}
}

// Register hands a client to the Run loop.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client via the Run loop.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast enqueues a frame for every client. Frames are dropped, not
// queued, when the hub itself is saturated: the dashboard is a mirror,
// never backpressure on the engine.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.dropped.Add(1)
		if h.logger != nil {
			h.logger.Warn("Stream hub saturated, dropping frame", "topic", msg.Topic)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns the number of frames dropped at the hub intake.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Evicted returns the number of clients evicted for falling behind.
func (h *Hub) Evicted() int64 {
	return h.evicted.Load()
}
