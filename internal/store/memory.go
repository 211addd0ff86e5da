// ABOUTME: In-memory session ledger used when no database path is configured
// ABOUTME: Bounded: the oldest ended sessions are evicted once the cap is reached

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultMemoryCapacity bounds the in-memory ledger.
const DefaultMemoryCapacity = 10_000

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
	capacity int
}

// NewMemoryStore creates a MemoryStore holding at most capacity sessions.
// A non-positive capacity means DefaultMemoryCapacity.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{
		sessions: make(map[string]*SessionRecord),
		capacity: capacity,
	}
}

// CreateSession stores a copy of rec.
func (m *MemoryStore) CreateSession(ctx context.Context, rec *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[rec.ID]; exists {
		return ErrDuplicateSession
	}
	if len(m.sessions) >= m.capacity {
		m.evictLocked()
	}

	r := *rec
	m.sessions[r.ID] = &r
	return nil
}

// evictLocked drops the session that ended earliest, or the oldest session
// when none has ended. Must be called with mu held.
func (m *MemoryStore) evictLocked() {
	var victim *SessionRecord
	for _, r := range m.sessions {
		switch {
		case victim == nil:
			victim = r
		case r.EndedAt != nil && victim.EndedAt == nil:
			victim = r
		case r.EndedAt != nil && victim.EndedAt != nil && r.EndedAt.Before(*victim.EndedAt):
			victim = r
		case r.EndedAt == nil && victim.EndedAt == nil && r.CreatedAt.Before(victim.CreatedAt):
			victim = r
		}
	}
	if victim != nil {
		delete(m.sessions, victim.ID)
	}
}

// EndSession records the outcome once.
func (m *MemoryStore) EndSession(ctx context.Context, id string, endedAt time.Time, outcome string, envelopes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if r.EndedAt != nil {
		return nil
	}
	t := endedAt
	r.EndedAt = &t
	r.Outcome = outcome
	r.Envelopes = envelopes
	return nil
}

// GetSession returns a copy of the record.
func (m *MemoryStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(r), nil
}

// ListSessions returns copies, newest first.
func (m *MemoryStore) ListSessions(ctx context.Context, opts ListOptions) ([]*SessionRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	m.mu.RLock()
	out := make([]*SessionRecord, 0, len(m.sessions))
	for _, r := range m.sessions {
		if opts.ActiveOnly && r.EndedAt != nil {
			continue
		}
		if opts.WorkspaceID != "" && r.WorkspaceID != opts.WorkspaceID {
			continue
		}
		out = append(out, copyRecord(r))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PruneSessions deletes sessions that ended before the cutoff.
func (m *MemoryStore) PruneSessions(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, r := range m.sessions {
		if r.EndedAt != nil && r.EndedAt.Before(before) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

func copyRecord(r *SessionRecord) *SessionRecord {
	c := *r
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}
