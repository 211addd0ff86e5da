// ABOUTME: Session audit ledger interface and record types
// ABOUTME: Stores session metadata and outcomes, never envelope payloads

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when a session id is recorded twice
var ErrDuplicateSession = errors.New("session already recorded")

// SessionRecord is the audit view of one streaming session.
type SessionRecord struct {
	ID          string
	WorkspaceID string
	AgentID     string
	UserID      string
	Query       string
	CreatedAt   time.Time
	EndedAt     *time.Time // nil while the session is active
	Outcome     string     // final_result, or the error code of the terminal envelope
	Envelopes   int        // envelopes published, terminal included
}

// Active reports whether the session had not ended when recorded.
func (r *SessionRecord) Active() bool {
	return r.EndedAt == nil
}

// ListOptions filters ListSessions.
type ListOptions struct {
	// Limit caps the result; zero means DefaultListLimit.
	Limit int
	// ActiveOnly returns only sessions without an end time.
	ActiveOnly bool
	// WorkspaceID filters by workspace when non-empty.
	WorkspaceID string
}

const DefaultListLimit = 100

// Store is the session audit ledger. Implementations must be safe for
// concurrent use.
type Store interface {
	CreateSession(ctx context.Context, rec *SessionRecord) error
	// EndSession records the outcome. Ending an ended session is a no-op.
	EndSession(ctx context.Context, id string, endedAt time.Time, outcome string, envelopes int) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	// ListSessions returns sessions newest first.
	ListSessions(ctx context.Context, opts ListOptions) ([]*SessionRecord, error)
	// PruneSessions deletes ended sessions that ended before the cutoff.
	PruneSessions(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
