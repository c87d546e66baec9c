// Package hub fans received bus frames out to connected TCP clients.
package hub

import (
	"sync"

	"github.com/canstack/flexcanfd/internal/can"
	"github.com/canstack/flexcanfd/internal/logging"
	"github.com/canstack/flexcanfd/internal/metrics"
)

// BackpressurePolicy selects what happens when a client's outbound
// queue is full during a broadcast.
type BackpressurePolicy int

const (
	// PolicyDrop silently drops the frame for that client.
	PolicyDrop BackpressurePolicy = iota
	// PolicyKick disconnects the slow client instead.
	PolicyKick
)

// Client is one connected consumer. Frames are queued on Out; Closed is
// closed exactly once when the client should go away.
type Client struct {
	Out       chan can.Frame
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient creates a client with an outbound queue of the given depth.
func NewClient(outBuf int) *Client {
	return &Client{
		Out:    make(chan can.Frame, outBuf),
		Closed: make(chan struct{}),
	}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.Closed) })
}

// Hub is the broadcast registry. OutBufSize and Policy apply to clients
// registered after they change.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	first := len(h.clients) == 0
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if first {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters a client and closes it; safe to call repeatedly.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	remaining := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(remaining)
	if existed && remaining == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Broadcast delivers fr to every registered client, applying the
// backpressure policy per client. Never blocks on a full queue.
func (h *Hub) Broadcast(fr can.Frame) {
	clients := h.Snapshot()
	observeFanout(clients)
	for _, c := range clients {
		select {
		case c.Out <- fr:
			continue
		default:
		}
		switch h.Policy {
		case PolicyKick:
			metrics.IncHubKick()
			c.Close() // writer exits; server removes the client on disconnect
		default:
			metrics.IncHubDrop()
		}
	}
}

// observeFanout records per-broadcast gauge metrics: client count and
// outbound queue depth (max and average).
func observeFanout(clients []*Client) {
	metrics.SetBroadcastFanout(len(clients))
	metrics.SetHubClients(len(clients))
	if len(clients) == 0 {
		return
	}
	var max, sum int
	for _, c := range clients {
		depth := len(c.Out)
		sum += depth
		if depth > max {
			max = depth
		}
	}
	metrics.SetQueueDepth(max, sum/len(clients))
}

// Snapshot returns a copy of the current client set.
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
