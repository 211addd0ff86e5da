// ABOUTME: Runner pump consuming an agent flow's envelope channel into the dispatcher
// ABOUTME: Converts runner failures and incomplete streams into terminal error envelopes

package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-stream/internal/envelope"
)

// ErrIncomplete is returned by Run when the event stream closed without a
// terminal envelope.
var ErrIncomplete = errors.New("agent flow ended without a result")

// Source starts an agent flow and returns its envelope stream. The stream
// must be closed when the flow finishes or ctx is cancelled.
type Source func(ctx context.Context) (<-chan envelope.Envelope, error)

// Launch runs src for the session in the background. The run's context is
// cancelled when the session terminates, expires, is destroyed, or the
// dispatcher closes.
func (d *Dispatcher) Launch(sessionID string, src Source) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if _, running := d.runs[sessionID]; running {
		d.mu.Unlock()
		return fmt.Errorf("session %s already has a running flow", sessionID)
	}
	ctx, cancel := context.WithCancel(d.baseCtx)
	d.runs[sessionID] = cancel
	d.runners.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.runners.Done()
		defer d.cancelRun(sessionID)

		events, err := src(ctx)
		if err != nil {
			d.logger.Error("agent flow failed to start", "session_id", sessionID, "error", err)
			d.publishQuiet(sessionID, envelope.Error(envelope.CodeRunnerError, err.Error()))
			return
		}
		if err := d.Run(ctx, sessionID, events); err != nil {
			d.logger.Debug("agent flow pump stopped", "session_id", sessionID, "error", err)
		}
	}()
	return nil
}

// Run publishes every envelope from events in order. It returns after the
// terminal envelope, or after publishing a synthetic terminal when events
// closes early or ctx is cancelled. Remaining events are drained in the
// background so the producer never blocks on a send.
func (d *Dispatcher) Run(ctx context.Context, sessionID string, events <-chan envelope.Envelope) error {
	for {
		select {
		case env, ok := <-events:
			if !ok {
				d.logger.Warn("agent flow ended without a result", "session_id", sessionID)
				d.publishQuiet(sessionID, envelope.Error(envelope.CodeRunnerIncomplete, ErrIncomplete.Error()))
				return ErrIncomplete
			}
			if err := env.Validate(); err != nil {
				if env.Kind != envelope.KindError {
					d.logger.Warn("dropping invalid envelope from agent flow",
						"session_id", sessionID,
						"error", err,
					)
					continue
				}
				env = upstreamError(env)
			}
			if err := d.publish(sessionID, env); err != nil {
				go drain(events)
				return err
			}
			if env.Terminal() {
				go drain(events)
				return nil
			}

		case <-ctx.Done():
			code := envelope.CodeCancelled
			if d.baseCtx.Err() != nil {
				code = envelope.CodeShutdown
			}
			d.publishQuiet(sessionID, envelope.Error(code, "agent flow cancelled"))
			go drain(events)
			return ctx.Err()
		}
	}
}

// publishQuiet publishes a synthetic terminal; the session having already
// ended is the expected race and is not logged.
func (d *Dispatcher) publishQuiet(sessionID string, env envelope.Envelope) {
	err := d.publish(sessionID, env)
	if err != nil && !errors.Is(err, ErrSessionEnded) && !errors.Is(err, ErrSessionNotFound) {
		d.logger.Warn("publish synthetic terminal", "session_id", sessionID, "error", err)
	}
}

func drain(ch <-chan envelope.Envelope) {
	for range ch {
	}
}

// upstreamError turns an error envelope the flow sent without a message into
// a runner_error terminal. The flow's own code is kept as upstreamCode.
func upstreamError(env envelope.Envelope) envelope.Envelope {
	_, code := env.ErrorInfo()
	msg := "agent flow failed"
	if code != "" {
		msg = fmt.Sprintf("agent flow failed: %s", code)
	}
	out := envelope.Error(envelope.CodeRunnerError, msg)
	if code != "" {
		out.Payload["upstreamCode"] = code
	}
	return out
}
