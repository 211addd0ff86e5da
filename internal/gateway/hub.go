// ABOUTME: Registry of open websocket connections and the dispatcher's delivery target
// ABOUTME: Routes each envelope to the connection it is addressed to

package gateway

import (
	"context"
	"sync"

	"github.com/2389/coven-stream/internal/envelope"
)

// Hub tracks open connections by id. It implements dispatch.Deliverer.
// Once CloseAll has run the hub admits no further connections.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	closed bool

	// pumps counts the read and write goroutines of admitted connections.
	pumps sync.WaitGroup
}

func newHub() *Hub {
	return &Hub{conns: make(map[string]*Conn)}
}

// add admits c and reserves its two pump goroutines. It reports false
// after CloseAll, in which case the caller owns the socket and must close it.
func (h *Hub) add(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.id] = c
	h.pumps.Add(2)
	return true
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, id)
}

func (h *Hub) get(id string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// Deliver queues env for the connection, waiting at most until ctx is done.
func (h *Hub) Deliver(ctx context.Context, connID string, env envelope.Envelope) error {
	c, ok := h.get(connID)
	if !ok {
		return ErrConnectionClosed
	}
	return c.enqueue(ctx, fromEnvelope(env))
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll closes every connection with the given close code and stops
// admitting new ones.
func (h *Hub) CloseAll(code int, text string) {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close(code, text)
	}
}

// wait blocks until every admitted connection's pumps have exited or ctx is
// done. Call it only after CloseAll.
func (h *Hub) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
