// ABOUTME: Subscription table mapping sessions to the connections listening to them
// ABOUTME: Keeps a reverse index so connection removal only touches that connection's sessions

package subscription

import (
	"log/slog"
	"sort"
	"sync"
)

// Sessions is the view of the session registry the table needs.
type Sessions interface {
	Exists(id string) bool
	IsActive(id string) bool
	OnDestroy(fn func(id string))
}

// Result is the outcome of a Subscribe call.
type Result int

const (
	// Subscribed means the connection will receive future envelopes.
	Subscribed Result = iota
	// SessionEnded means the session exists but has ended; nothing was added.
	SessionEnded
	// SessionNotFound means the session is unknown; nothing was added.
	SessionNotFound
)

func (r Result) String() string {
	switch r {
	case Subscribed:
		return "subscribed"
	case SessionEnded:
		return "session_ended"
	case SessionNotFound:
		return "session_not_found"
	default:
		return "unknown"
	}
}

type set map[string]struct{}

// Table holds identifier references only; the registry owns sessions and the
// gateway owns connections. A single mutex guards both indexes so readers
// never observe one side updated without the other.
type Table struct {
	mu        sync.RWMutex
	bySession map[string]set // sessionID -> connectionIDs
	byConn    map[string]set // connectionID -> sessionIDs
	sessions  Sessions
	logger    *slog.Logger
}

// New creates a table bound to the session registry. The table registers a
// destroy hook so that a session's entry is dropped before the registry
// forgets the session.
func New(sessions Sessions, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Table{
		bySession: make(map[string]set),
		byConn:    make(map[string]set),
		sessions:  sessions,
		logger:    logger.With("component", "subscriptions"),
	}
	sessions.OnDestroy(func(id string) { t.RemoveSession(id) })
	return t
}

// Subscribe adds connID to the session's subscriber set if the session is
// active. Ended and unknown sessions are reported, not added: their
// subscriber sets are frozen.
func (t *Table) Subscribe(sessionID, connID string) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.sessions.IsActive(sessionID) {
		if t.sessions.Exists(sessionID) {
			return SessionEnded
		}
		return SessionNotFound
	}

	add(t.bySession, sessionID, connID)
	add(t.byConn, connID, sessionID)

	t.logger.Debug("subscribed", "session_id", sessionID, "conn_id", connID)
	return Subscribed
}

// Unsubscribe removes the mapping. It reports whether anything was removed;
// calling it again is a no-op.
func (t *Table) Unsubscribe(sessionID, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !remove(t.bySession, sessionID, connID) {
		return false
	}
	remove(t.byConn, connID, sessionID)

	t.logger.Debug("unsubscribed", "session_id", sessionID, "conn_id", connID)
	return true
}

// SubscribersOf returns a sorted snapshot of the connections subscribed to
// the session.
func (t *Table) SubscribersOf(sessionID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return keys(t.bySession[sessionID])
}

// SessionsOf returns a sorted snapshot of the sessions a connection listens to.
func (t *Table) SessionsOf(connID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return keys(t.byConn[connID])
}

// IsSubscribed reports whether connID currently listens to sessionID.
func (t *Table) IsSubscribed(sessionID, connID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.bySession[sessionID][connID]
	return ok
}

// RemoveConnection purges the connection from every session it was
// subscribed to and returns those sessions. Cost is proportional to the
// connection's own subscriptions.
func (t *Table) RemoveConnection(connID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	sessions := t.byConn[connID]
	delete(t.byConn, connID)
	for sessionID := range sessions {
		remove(t.bySession, sessionID, connID)
	}

	if len(sessions) > 0 {
		t.logger.Debug("connection removed", "conn_id", connID, "sessions", len(sessions))
	}
	return keys(sessions)
}

// RemoveSession drops the session's entry and the reverse references to it.
func (t *Table) RemoveSession(sessionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	conns := t.bySession[sessionID]
	delete(t.bySession, sessionID)
	for connID := range conns {
		remove(t.byConn, connID, sessionID)
	}
	return keys(conns)
}

// Counts returns the number of sessions with at least one subscriber and the
// number of connections with at least one subscription.
func (t *Table) Counts() (sessions, connections int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.bySession), len(t.byConn)
}

func add(m map[string]set, key, member string) {
	s, ok := m[key]
	if !ok {
		s = make(set)
		m[key] = s
	}
	s[member] = struct{}{}
}

func remove(m map[string]set, key, member string) bool {
	s, ok := m[key]
	if !ok {
		return false
	}
	if _, ok := s[member]; !ok {
		return false
	}
	delete(s, member)
	if len(s) == 0 {
		delete(m, key)
	}
	return true
}

func keys(s set) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
