// ABOUTME: Thread-safe TTL ledger of terminal deliveries per (session, connection)
// ABOUTME: Lets the dispatcher deliver a session's terminal envelope at most once to each connection

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Key identifies one terminal delivery.
type Key struct {
	SessionID string
	ConnID    string
}

// entry stores the claim time and list element for a cached key.
type entry struct {
	claimed time.Time
	element *list.Element
}

// Options configures a Cache. Zero values fall back to defaults.
type Options struct {
	// TTL bounds how long a claim is remembered. It should exceed the
	// registry's grace period so a session cannot be replayed to the same
	// connection while it is still resolvable.
	TTL time.Duration
	// MaxSize caps the number of remembered claims; the oldest is evicted first.
	MaxSize int
	// CleanupInterval is how often expired claims are purged.
	CleanupInterval time.Duration

	Now func() time.Time
}

const (
	DefaultTTL             = 5 * time.Minute
	DefaultMaxSize         = 100_000
	DefaultCleanupInterval = time.Minute
)

// Cache records which connections already received a session's terminal
// envelope. A doubly-linked list keeps claim order for O(1) eviction and a
// per-session index makes Forget proportional to that session's claims.
type Cache struct {
	mu        sync.Mutex
	seen      map[Key]*entry
	bySession map[string]map[string]struct{}
	order     *list.List // keys in claim order (oldest at front)
	ttl       time.Duration
	maxSize   int
	now       func() time.Time
	done      chan struct{}
	closed    bool
}

// New creates a ledger and starts its background cleanup goroutine.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Cache{
		seen:      make(map[Key]*entry),
		bySession: make(map[string]map[string]struct{}),
		order:     list.New(),
		ttl:       opts.TTL,
		maxSize:   opts.MaxSize,
		now:       opts.Now,
		done:      make(chan struct{}),
	}
	go c.cleanup(opts.CleanupInterval)
	return c
}

// Seen reports whether the terminal for sessionID was already claimed for connID.
func (c *Cache) Seen(sessionID, connID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[Key{sessionID, connID}]
	return ok && c.now().Sub(e.claimed) < c.ttl
}

// Claim atomically checks and records a delivery. It returns true when the
// caller won the claim and must deliver, false when the connection already
// has (or is being sent) the terminal envelope.
func (c *Cache) Claim(sessionID, connID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := Key{sessionID, connID}
	if e, ok := c.seen[k]; ok && c.now().Sub(e.claimed) < c.ttl {
		return false
	}
	c.markLocked(k)
	return true
}

// Release drops a claim so a later replay may retry. Used when delivery failed
// before the envelope reached the connection's outbound queue.
func (c *Cache) Release(sessionID, connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(Key{sessionID, connID})
}

// Forget drops every claim for the session.
func (c *Cache) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for connID := range c.bySession[sessionID] {
		c.removeLocked(Key{sessionID, connID})
	}
}

// Len returns the number of remembered claims, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// markLocked must be called with mu held.
func (c *Cache) markLocked(k Key) {
	now := c.now()

	if e, exists := c.seen[k]; exists {
		e.claimed = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.removeLocked(front.Value.(Key))
		}
	}

	c.seen[k] = &entry{claimed: now, element: c.order.PushBack(k)}
	conns, ok := c.bySession[k.SessionID]
	if !ok {
		conns = make(map[string]struct{})
		c.bySession[k.SessionID] = conns
	}
	conns[k.ConnID] = struct{}{}
}

// removeLocked must be called with mu held.
func (c *Cache) removeLocked(k Key) {
	e, ok := c.seen[k]
	if !ok {
		return
	}
	c.order.Remove(e.element)
	delete(c.seen, k)
	if conns := c.bySession[k.SessionID]; conns != nil {
		delete(conns, k.ConnID)
		if len(conns) == 0 {
			delete(c.bySession, k.SessionID)
		}
	}
}

func (c *Cache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Purge()
		case <-c.done:
			return
		}
	}
}

// Purge removes all expired claims. Claims are ordered oldest first, so the
// scan stops at the first live entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		k := front.Value.(Key)
		if now.Sub(c.seen[k].claimed) < c.ttl {
			return
		}
		c.removeLocked(k)
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
