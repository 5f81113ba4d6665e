package hub

import (
	"sync"

	"github.com/kstaniek/go-slcan-server/internal/can"
	"github.com/kstaniek/go-slcan-server/internal/logging"
	"github.com/kstaniek/go-slcan-server/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// ParsePolicy maps "drop" and "kick" to a policy.
func ParsePolicy(s string) (BackpressurePolicy, bool) {
	switch s {
	case "drop":
		return PolicyDrop, true
	case "kick":
		return PolicyKick, true
	}
	return PolicyDrop, false
}

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// Client is one consumer of received frames (a session or the mirror).
type Client struct {
	Out       chan can.Frame
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient allocates a client with an outbound queue of n frames.
func NewClient(n int) *Client {
	return &Client{Out: make(chan can.Frame, n), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
	// OnDrop, if set, is called whenever a frame could not be queued for a client.
	OnDrop func()
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if cur == 1 {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters and closes a client; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Broadcast queues a frame for all clients honoring the backpressure policy.
func (h *Hub) Broadcast(fr can.Frame) {
	clients := h.Snapshot()
	metrics.SetBroadcastFanout(len(clients))
	maxDepth := 0
	for _, c := range clients {
		if l := len(c.Out); l > maxDepth {
			maxDepth = l
		}
		select {
		case c.Out <- fr:
		default:
			if h.OnDrop != nil {
				h.OnDrop()
			}
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				c.Close() // writer exits; the owner removes the client
			} else {
				metrics.IncHubDrop()
			}
		}
	}
	metrics.SetQueueDepthMax(maxDepth)
}

// Snapshot returns a slice copy of current clients (read-only use).
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
