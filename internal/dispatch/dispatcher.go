// ABOUTME: Fan-out dispatcher delivering each session's envelopes to its current subscribers
// ABOUTME: Bounded per-subscriber delivery, terminal handling with a late pass, and replay for late joiners

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-stream/internal/dedupe"
	"github.com/2389/coven-stream/internal/envelope"
	"github.com/2389/coven-stream/internal/metrics"
	"github.com/2389/coven-stream/internal/session"
	"github.com/2389/coven-stream/internal/subscription"
)

var (
	// ErrSessionNotFound is returned when publishing to an unknown session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionEnded is returned when publishing after the terminal envelope.
	ErrSessionEnded = errors.New("session has ended")
	// ErrClosed is returned once the dispatcher has shut down.
	ErrClosed = errors.New("dispatcher closed")
	// ErrDeliveryTimeout is returned by deliverers whose connection did not
	// accept an envelope within the send timeout.
	ErrDeliveryTimeout = errors.New("delivery timed out")
	// ErrInvalidEnvelope wraps envelope validation failures.
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// Deliverer hands an envelope to one connection. Implementations must
// return once ctx is done; a non-nil error drops that subscriber.
type Deliverer interface {
	Deliver(ctx context.Context, connID string, env envelope.Envelope) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, connID string, env envelope.Envelope) error

func (f DelivererFunc) Deliver(ctx context.Context, connID string, env envelope.Envelope) error {
	return f(ctx, connID, env)
}

// Options configures a Dispatcher.
type Options struct {
	Registry  *session.Registry
	Table     *subscription.Table
	Deliverer Deliverer

	// Seen remembers terminal deliveries. When nil the dispatcher creates
	// and owns one.
	Seen *dedupe.Cache

	// LateDelay is the wait before the second terminal delivery pass.
	LateDelay time.Duration
	// SendTimeout bounds how long one subscriber may hold up delivery.
	SendTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// OnTerminal is called once per session after its terminal envelope has
	// been fanned out and the session ended.
	OnTerminal func(sessionID string, env envelope.Envelope)

	Now func() time.Time
}

const (
	DefaultLateDelay   = 250 * time.Millisecond
	DefaultSendTimeout = 2 * time.Second
)

// Dispatcher owns one ordered stream and one delivery goroutine per session
// that has published at least one envelope. Publish never blocks on
// subscribers; a subscriber that cannot accept an envelope within the send
// timeout is unsubscribed.
type Dispatcher struct {
	registry  *session.Registry
	table     *subscription.Table
	deliverer Deliverer
	seen      *dedupe.Cache
	ownsSeen  bool

	lateDelay   time.Duration
	sendTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
	onTerminal  func(string, envelope.Envelope)
	now         func() time.Time

	mu      sync.Mutex
	streams map[string]*stream
	runs    map[string]context.CancelFunc
	closed  bool

	baseCtx    context.Context
	cancelBase context.CancelFunc
	quit       chan struct{}
	workers    sync.WaitGroup
	runners    sync.WaitGroup
}

// New creates a dispatcher and registers its expiry and destroy hooks on the
// registry. The subscription table must already be bound to the same
// registry so that its entries are dropped before the dispatcher forgets a
// destroyed session.
func New(opts Options) (*Dispatcher, error) {
	if opts.Registry == nil || opts.Table == nil || opts.Deliverer == nil {
		return nil, errors.New("dispatch: registry, table and deliverer are required")
	}
	if opts.LateDelay <= 0 {
		opts.LateDelay = DefaultLateDelay
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	d := &Dispatcher{
		registry:    opts.Registry,
		table:       opts.Table,
		deliverer:   opts.Deliverer,
		seen:        opts.Seen,
		lateDelay:   opts.LateDelay,
		sendTimeout: opts.SendTimeout,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With("component", "dispatcher"),
		onTerminal:  opts.OnTerminal,
		now:         opts.Now,
		streams:     make(map[string]*stream),
		runs:        make(map[string]context.CancelFunc),
		quit:        make(chan struct{}),
	}
	if d.seen == nil {
		d.seen = dedupe.New(dedupe.Options{})
		d.ownsSeen = true
	}
	d.baseCtx, d.cancelBase = context.WithCancel(context.Background())

	d.registry.OnExpire(d.Expire)
	d.registry.OnDestroy(d.forget)
	return d, nil
}

// Publish appends env to the session's stream and returns without waiting
// for delivery. The dispatcher assigns SessionID, Seq and Timestamp.
func (d *Dispatcher) Publish(sessionID string, env envelope.Envelope) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return d.publish(sessionID, env)
}

func (d *Dispatcher) publish(sessionID string, env envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	s, err := d.streamFor(sessionID)
	if err != nil {
		return err
	}
	stamped, ok := s.push(sessionID, env, d.now().UnixMilli())
	if !ok {
		return ErrSessionEnded
	}

	d.registry.Touch(sessionID)
	d.metrics.EnvelopePublished(context.Background(), string(stamped.Kind))
	d.logger.Debug("envelope published",
		"session_id", sessionID,
		"kind", stamped.Kind,
		"seq", stamped.Seq,
	)
	return nil
}

func (d *Dispatcher) streamFor(sessionID string) (*stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.streams[sessionID]; ok {
		return s, nil
	}
	if !d.registry.Exists(sessionID) {
		return nil, ErrSessionNotFound
	}
	if !d.registry.IsActive(sessionID) {
		return nil, ErrSessionEnded
	}

	s := newStream()
	d.streams[sessionID] = s
	d.workers.Add(1)
	go d.work(sessionID, s)
	return s, nil
}

// work delivers a session's envelopes in publish order until the terminal
// envelope has been fanned out and the late pass has run.
func (d *Dispatcher) work(sessionID string, s *stream) {
	defer d.workers.Done()
	defer d.dropStream(sessionID, s)

	for {
		for _, env := range s.take() {
			d.fanOut(sessionID, env)
			if env.Terminal() {
				d.finish(sessionID, env)
				d.latePass(sessionID, env, s)
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.quit:
			return
		case <-d.quit:
			if s.empty() {
				return
			}
		}
	}
}

func (d *Dispatcher) dropStream(sessionID string, s *stream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.streams[sessionID] == s {
		delete(d.streams, sessionID)
	}
}

// fanOut delivers env to the current subscriber snapshot. Terminal envelopes
// go only to connections that have not received them yet.
func (d *Dispatcher) fanOut(sessionID string, env envelope.Envelope) {
	subs := d.table.SubscribersOf(sessionID)
	if env.Terminal() {
		subs = d.claim(sessionID, subs)
	}
	d.deliverAll(sessionID, env, subs)
}

func (d *Dispatcher) claim(sessionID string, conns []string) []string {
	out := conns[:0]
	for _, c := range conns {
		if d.seen.Claim(sessionID, c) {
			out = append(out, c)
		}
	}
	return out
}

// deliverAll delivers to each connection independently; one slow or broken
// connection does not delay the others beyond the send timeout.
func (d *Dispatcher) deliverAll(sessionID string, env envelope.Envelope, conns []string) {
	switch len(conns) {
	case 0:
		return
	case 1:
		d.deliver(sessionID, conns[0], env)
		return
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.deliver(sessionID, c, env)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(sessionID, connID string, env envelope.Envelope) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	start := d.now()
	err := d.deliverer.Deliver(ctx, connID, env)
	cancel()

	if err == nil {
		d.metrics.Delivered(context.Background(), d.now().Sub(start))
		return true
	}

	reason := "error"
	if errors.Is(err, ErrDeliveryTimeout) || errors.Is(err, context.DeadlineExceeded) {
		reason = "timeout"
	}
	d.table.Unsubscribe(sessionID, connID)
	if env.Terminal() {
		d.seen.Release(sessionID, connID)
	}
	d.metrics.SubscriberDropped(context.Background(), reason)
	d.logger.Warn("subscriber dropped",
		"session_id", sessionID,
		"conn_id", connID,
		"kind", env.Kind,
		"reason", reason,
		"error", err,
	)
	return false
}

// finish ends the session once its terminal envelope has been fanned out.
func (d *Dispatcher) finish(sessionID string, env envelope.Envelope) {
	if err := d.registry.Terminate(sessionID, env); err != nil {
		d.logger.Debug("terminate after fan-out", "session_id", sessionID, "error", err)
	}
	d.cancelRun(sessionID)

	outcome := string(env.Kind)
	if _, code := env.ErrorInfo(); code != "" {
		outcome = code
	}
	d.metrics.SessionEnded(context.Background(), outcome)

	if d.onTerminal != nil {
		d.onTerminal(sessionID, env)
	}
}

// latePass waits LateDelay and delivers the terminal envelope to anyone who
// subscribed while the first fan-out was in flight. Shutdown skips the wait.
func (d *Dispatcher) latePass(sessionID string, env envelope.Envelope, s *stream) {
	timer := time.NewTimer(d.lateDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-d.quit:
	case <-s.quit:
		return
	}
	d.deliverAll(sessionID, env, d.claim(sessionID, d.table.SubscribersOf(sessionID)))
}

// Replay sends a connection the outcome of a session that is no longer
// active: the recorded terminal envelope (at most once per connection), or a
// synthetic error when the session ended without one or is unknown. It
// returns false when the session is still active and nothing was sent.
// A replayed terminal is stamped no earlier than now, so it never appears
// older than the subscription confirmation that preceded it.
func (d *Dispatcher) Replay(sessionID, connID string) bool {
	if term, ok := d.registry.Terminal(sessionID); ok {
		if d.seen.Claim(sessionID, connID) {
			if now := d.now().UnixMilli(); term.Timestamp < now {
				term.Timestamp = now
			}
			d.deliver(sessionID, connID, term)
		}
		return true
	}

	var env envelope.Envelope
	switch {
	case !d.registry.Exists(sessionID):
		env = envelope.Error(envelope.CodeSessionNotFound, "session not found")
	case !d.registry.IsActive(sessionID):
		env = envelope.Error(envelope.CodeSessionEnded, "session has ended")
	default:
		return false
	}
	env.SessionID = sessionID
	env.Timestamp = d.now().UnixMilli()
	d.deliver(sessionID, connID, env)
	return true
}

// Expire force-ends an idle session with a synthetic timeout error and stops
// its runner. Registered as the registry's expiry hook.
func (d *Dispatcher) Expire(sessionID string) {
	err := d.publish(sessionID, envelope.Error(envelope.CodeIdleTimeout, "session timed out"))
	switch {
	case err == nil:
		d.logger.Warn("session expired", "session_id", sessionID)
	case errors.Is(err, ErrSessionEnded), errors.Is(err, ErrSessionNotFound):
	default:
		d.logger.Error("expire session", "session_id", sessionID, "error", err)
	}
	d.cancelRun(sessionID)
}

// forget releases everything held for a destroyed session. Registered as a
// registry destroy hook.
func (d *Dispatcher) forget(sessionID string) {
	d.mu.Lock()
	s := d.streams[sessionID]
	d.mu.Unlock()

	if s != nil {
		s.stop()
	}
	d.cancelRun(sessionID)
	d.seen.Forget(sessionID)
}

func (d *Dispatcher) cancelRun(sessionID string) {
	d.mu.Lock()
	cancel := d.runs[sessionID]
	delete(d.runs, sessionID)
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Streams returns the number of sessions with a live delivery goroutine.
func (d *Dispatcher) Streams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

// Close ends every active session with a shutdown error, stops all runners
// and waits for in-flight deliveries to finish or ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	for _, id := range d.registry.ActiveIDs() {
		err := d.publish(id, envelope.Error(envelope.CodeShutdown, "server shutting down"))
		if err != nil && !errors.Is(err, ErrSessionEnded) && !errors.Is(err, ErrSessionNotFound) {
			d.logger.Warn("publish shutdown", "session_id", id, "error", err)
		}
	}
	d.cancelBase()
	close(d.quit)

	done := make(chan struct{})
	go func() {
		d.runners.Wait()
		d.workers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("dispatcher close: %w", ctx.Err())
	}
	if d.ownsSeen {
		d.seen.Close()
	}
	return err
}
