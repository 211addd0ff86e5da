// ABOUTME: Session registry owning the lifecycle of every streaming session
// ABOUTME: Allocates ids, ends sessions idempotently, expires idle ones, and garbage-collects ended ones

package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-stream/internal/envelope"
)

// ErrNotFound indicates the session id is unknown (never created, or already
// garbage-collected). Callers treat it as a benign race.
var ErrNotFound = errors.New("session not found")

// State is the lifecycle state of a session.
type State int

const (
	StateActive State = iota
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Meta is descriptive data attached to a session at creation.
type Meta struct {
	WorkspaceID string
	AgentID     string
	UserID      string
}

// Info is a point-in-time copy of a session record.
type Info struct {
	ID           string
	Meta         Meta
	State        State
	CreatedAt    time.Time
	LastActivity time.Time
	EndedAt      time.Time
	Terminal     *envelope.Envelope
}

type entry struct {
	info     Info
	expiring bool
}

// Options configures a Registry. Zero durations fall back to defaults.
type Options struct {
	// IdleTimeout force-ends active sessions with no activity for this long.
	IdleTimeout time.Duration
	// GracePeriod keeps ended sessions around for slow joiners.
	GracePeriod time.Duration
	// SweepInterval is how often expiry and garbage collection run.
	SweepInterval time.Duration

	Logger *slog.Logger

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

const (
	DefaultIdleTimeout   = 10 * time.Minute
	DefaultGracePeriod   = 30 * time.Second
	DefaultSweepInterval = 5 * time.Second
)

// Registry is the single source of truth for which sessions exist. All
// mutations go through one mutex; hooks are always invoked without it held.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	idleTimeout   time.Duration
	gracePeriod   time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	newID         func() string
	logger        *slog.Logger

	hookMu    sync.RWMutex
	onExpire  func(id string)
	onDestroy []func(id string)

	lifeMu  sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
}

// New creates a Registry. Call Start to begin the background sweeper.
func New(opts Options) *Registry {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}

	return &Registry{
		sessions:      make(map[string]*entry),
		idleTimeout:   opts.IdleTimeout,
		gracePeriod:   opts.GracePeriod,
		sweepInterval: opts.SweepInterval,
		now:           opts.Now,
		newID:         opts.NewID,
		logger:        opts.Logger.With("component", "session-registry"),
	}
}

// OnExpire sets the hook invoked when an active session exceeds the idle
// timeout. The hook is expected to drive the session to a terminal state
// (the dispatcher publishes a synthetic error envelope). Without a hook the
// registry ends the session itself.
func (r *Registry) OnExpire(fn func(id string)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onExpire = fn
}

// OnDestroy registers a hook that runs right before an ended session is
// removed from the registry. Hooks run in registration order.
func (r *Registry) OnDestroy(fn func(id string)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onDestroy = append(r.onDestroy, fn)
}

// Create allocates a fresh session id and inserts an active session.
func (r *Registry) Create(meta Meta) string {
	now := r.now()

	r.mu.Lock()
	id := r.newID()
	for r.sessions[id] != nil {
		id = r.newID()
	}
	r.sessions[id] = &entry{info: Info{
		ID:           id,
		Meta:         meta,
		State:        StateActive,
		CreatedAt:    now,
		LastActivity: now,
	}}
	total := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("session created",
		"session_id", id,
		"workspace_id", meta.WorkspaceID,
		"agent_id", meta.AgentID,
		"total_sessions", total,
	)
	return id
}

// End marks a session ended. Ending an ended session is a no-op.
// Returns ErrNotFound for unknown ids.
func (r *Registry) End(id string) error {
	return r.end(id, nil)
}

// Terminate records the terminal envelope and marks the session ended.
// The first terminal envelope wins; later calls are no-ops.
func (r *Registry) Terminate(id string, terminal envelope.Envelope) error {
	return r.end(id, &terminal)
}

func (r *Registry) end(id string, terminal *envelope.Envelope) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if e.info.State == StateEnded {
		r.mu.Unlock()
		return nil
	}
	endedAt := r.now()
	e.info.State = StateEnded
	e.info.EndedAt = endedAt
	e.info.Terminal = terminal
	created := e.info.CreatedAt
	r.mu.Unlock()

	r.logger.Info("session ended",
		"session_id", id,
		"duration", endedAt.Sub(created),
		"has_terminal", terminal != nil,
	)
	return nil
}

// Touch records activity on an active session, postponing its idle expiry.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok && e.info.State == StateActive {
		e.info.LastActivity = r.now()
	}
}

// Exists reports whether the session is known (active or within its grace period).
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

// IsActive reports whether the session exists and has not ended.
func (r *Registry) IsActive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	return ok && e.info.State == StateActive
}

// Get returns a copy of the session record.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return Info{}, false
	}
	return e.info, true
}

// Terminal returns the terminal envelope of an ended session, if one was recorded.
func (r *Registry) Terminal(id string) (envelope.Envelope, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok || e.info.Terminal == nil {
		return envelope.Envelope{}, false
	}
	return *e.info.Terminal, true
}

// ActiveIDs returns the ids of all active sessions.
func (r *Registry) ActiveIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id, e := range r.sessions {
		if e.info.State == StateActive {
			ids = append(ids, id)
		}
	}
	return ids
}

// Counts returns the number of active and ended sessions.
func (r *Registry) Counts() (active, ended int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.sessions {
		if e.info.State == StateActive {
			active++
		} else {
			ended++
		}
	}
	return active, ended
}

// Sweep runs one expiry and garbage-collection pass.
func (r *Registry) Sweep() {
	now := r.now()

	var expired, destroy []string
	r.mu.Lock()
	for id, e := range r.sessions {
		switch {
		case e.info.State == StateActive && !e.expiring && now.Sub(e.info.LastActivity) > r.idleTimeout:
			e.expiring = true
			expired = append(expired, id)
		case e.info.State == StateEnded && now.Sub(e.info.EndedAt) > r.gracePeriod:
			destroy = append(destroy, id)
		}
	}
	r.mu.Unlock()

	r.hookMu.RLock()
	onExpire := r.onExpire
	onDestroy := r.onDestroy
	r.hookMu.RUnlock()

	for _, id := range expired {
		r.logger.Warn("session idle timeout", "session_id", id, "idle_timeout", r.idleTimeout)
		if onExpire != nil {
			onExpire(id)
			continue
		}
		_ = r.Terminate(id, envelope.Error(envelope.CodeIdleTimeout, "session timed out"))
	}

	for _, id := range destroy {
		for _, fn := range onDestroy {
			fn(id)
		}
		r.mu.Lock()
		if e, ok := r.sessions[id]; ok && e.info.State == StateEnded {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
		r.logger.Debug("session destroyed", "session_id", id)
	}
}

// Start launches the background sweeper. Calling Start on a running
// registry is a no-op.
func (r *Registry) Start() {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.stop != nil {
		return
	}
	r.stop = make(chan struct{})
	r.stopped = make(chan struct{})
	go r.sweepLoop(r.stop, r.stopped)
}

// Stop halts the background sweeper and waits for it to exit.
func (r *Registry) Stop() {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.stop == nil {
		return
	}
	close(r.stop)
	<-r.stopped
	r.stop = nil
	r.stopped = nil
}

func (r *Registry) sweepLoop(stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
