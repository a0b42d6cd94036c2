package ws

import (
	"context"
	"sync"

	"github.com/pliu/chatty/internal/metrics"
)

// Hub keeps the set of open connections so they can be closed together on
// shutdown.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// wg tracks client goroutines until their cleanup finishes. No Add
	// happens once closing is set.
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			metrics.WSConnections.Inc()
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				metrics.WSConnections.Dec()
			}
		case <-h.stop:
			for client := range h.clients {
				client.cancel()
				delete(h.clients, client)
				metrics.WSConnections.Dec()
			}
			return
		}
	}
}

// add registers c. It reports false once the hub is shutting down.
func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return false
	}
	h.wg.Add(1)
	h.mu.Unlock()

	select {
	case h.register <- c:
		return true
	case <-h.done:
		h.wg.Done()
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
	h.wg.Done()
}

// Shutdown closes every connection and waits for their cleanup, or for ctx.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	h.stopOnce.Do(func() { close(h.stop) })

	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
