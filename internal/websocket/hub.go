// Package websocket streams job progress to browser clients.
package websocket

import (
	"context"
	"sync"

	"github.com/openmusicplayer/spotidown/internal/download"
)

// ConnectionMetrics tracks open sockets. *metrics.Metrics satisfies it.
type ConnectionMetrics interface {
	IncWSConnections()
	DecWSConnections()
}

// Hub maintains the set of active clients per job and fans job updates out
// to them.
type Hub struct {
	// Registered clients by job ID
	clients map[string]map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	metrics ConnectionMetrics
	mu      sync.RWMutex
}

// NewHub creates a new Hub instance. metrics may be nil.
func NewHub(metrics ConnectionMetrics) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		metrics:    metrics,
	}
}

// Run starts the hub's main loop and returns when ctx is done, closing every
// client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.jobID] == nil {
				h.clients[client.jobID] = make(map[*Client]bool)
			}
			h.clients[client.jobID][client] = true
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.IncWSConnections()
			}

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for _, clients := range h.clients {
				for client := range clients {
					h.remove(client)
				}
			}
			h.mu.Unlock()
			return
		}
	}
}

// Register adds client. It reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes client; it is safe to call more than once.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Deliver queues msg for one registered client.
func (h *Hub) Deliver(client *Client, msg *JobMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[client.jobID][client] {
		return
	}
	select {
	case client.send <- msg:
	default:
		h.remove(client)
	}
}

// remove drops client and closes its send channel. Callers hold h.mu.
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.jobID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.send)
	if len(clients) == 0 {
		delete(h.clients, client.jobID)
	}
	if h.metrics != nil {
		h.metrics.DecWSConnections()
	}
}

// Notify implements download.Notifier. A client whose buffer is full is
// dropped rather than allowed to stall the job.
func (h *Hub) Notify(_ context.Context, job download.Job) {
	msg := NewJobMessage(job)

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients[job.ID] {
		select {
		case client.send <- msg:
		default:
			h.remove(client)
		}
	}
}

// ClientCount returns the number of clients following a job.
func (h *Hub) ClientCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

// TotalClients returns the total number of connected clients.
func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, clients := range h.clients {
		count += len(clients)
	}
	return count
}
