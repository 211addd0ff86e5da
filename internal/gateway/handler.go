// ABOUTME: Inbound control message handling: subscribe, unsubscribe, query, ping
// ABOUTME: Query submission creates a session, subscribes the caller, and launches the agent flow

package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-stream/internal/dispatch"
	"github.com/2389/coven-stream/internal/envelope"
	"github.com/2389/coven-stream/internal/session"
	"github.com/2389/coven-stream/internal/store"
	"github.com/2389/coven-stream/internal/subscription"
)

// ledgerTimeout bounds each session ledger write.
const ledgerTimeout = 5 * time.Second

// handleMessage processes one inbound frame. Errors are reported to this
// connection only and never close it.
func (g *Gateway) handleMessage(c *Conn, data []byte) {
	msg, code, err := parseInbound(data)
	if err != nil {
		c.logger.Debug("rejected inbound message", "code", code, "error", err)
		g.metrics.InboundRejected(context.Background(), code)
		c.reply(errorMessage(msg.SessionID, code, err.Error(), g.nowMS()))
		return
	}

	switch msg.Type {
	case MsgPing:
		c.reply(pong(g.nowMS()))
	case MsgSubscribe:
		g.subscribe(c, msg.SessionID)
	case MsgUnsubscribe:
		g.table.Unsubscribe(msg.SessionID, c.id)
		c.reply(unsubscribed(msg.SessionID, g.nowMS()))
	case MsgQuery:
		g.query(c, msg)
	}
}

// subscribe confirms the subscription and, when the session is no longer
// active, replays its outcome. The confirmation is queued under the
// connection's send lock so no event for the session can overtake it.
func (g *Gateway) subscribe(c *Conn, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Streaming.SendTimeout)
	defer cancel()

	c.sendMu.Lock()
	res := g.table.Subscribe(sessionID, c.id)
	err := c.enqueueLocked(ctx, confirmed(sessionID, g.nowMS()))
	c.sendMu.Unlock()

	if err != nil {
		g.table.Unsubscribe(sessionID, c.id)
		c.logger.Debug("subscription confirmation dropped", "session_id", sessionID, "error", err)
		return
	}
	c.logger.Debug("subscribed", "session_id", sessionID, "result", res)

	// The session may have ended between Subscribe and now; the replay and
	// the late delivery pass share one claim, so at most one terminal
	// reaches this connection.
	if res != subscription.Subscribed || !g.registry.IsActive(sessionID) {
		g.dispatcher.Replay(sessionID, c.id)
	}
}

// query starts a new session for the message, or subscribes to the session
// it names when that session is still known.
func (g *Gateway) query(c *Conn, msg Inbound) {
	if msg.SessionID != "" && g.registry.Exists(msg.SessionID) {
		g.subscribe(c, msg.SessionID)
		return
	}
	if !g.ready.Load() {
		c.reply(errorMessage("", CodeShuttingDown, "server shutting down", g.nowMS()))
		return
	}

	id := g.registry.Create(session.Meta{
		WorkspaceID: msg.WorkspaceID,
		AgentID:     msg.AgentID,
		UserID:      msg.UserID,
	})
	g.metrics.SessionStarted(context.Background())
	g.recordStart(id, msg)

	g.subscribe(c, id)

	req := msg.request(id)
	err := g.dispatcher.Launch(id, func(ctx context.Context) (<-chan envelope.Envelope, error) {
		return g.runner.Run(ctx, req)
	})
	if err != nil {
		c.logger.Warn("agent flow not started", "session_id", id, "error", err)
		code := CodeUnavailable
		if errors.Is(err, dispatch.ErrClosed) {
			code = envelope.CodeShutdown
		}
		term := envelope.Error(code, "agent flow not started")
		term.SessionID = id
		term.Timestamp = g.nowMS()
		_ = g.registry.Terminate(id, term)
		g.metrics.SessionEnded(context.Background(), code)
		g.recordEnd(id, term)
		g.dispatcher.Replay(id, c.id)
	}
}

// recordStart writes the session to the ledger. Failures are logged only.
func (g *Gateway) recordStart(id string, msg Inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()

	err := g.store.CreateSession(ctx, &store.SessionRecord{
		ID:          id,
		WorkspaceID: msg.WorkspaceID,
		AgentID:     msg.AgentID,
		UserID:      msg.UserID,
		Query:       msg.Query,
		CreatedAt:   g.now(),
	})
	if err != nil {
		g.logger.Error("failed to record session start", "session_id", id, "error", err)
	}
}

// recordEnd writes the session outcome to the ledger. Registered as the
// dispatcher's terminal hook.
func (g *Gateway) recordEnd(id string, env envelope.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()

	outcome := string(env.Kind)
	if _, code := env.ErrorInfo(); code != "" {
		outcome = code
	}
	if err := g.store.EndSession(ctx, id, env.Time(), outcome, int(env.Seq)); err != nil {
		g.logger.Error("failed to record session end", "session_id", id, "error", err)
	}
}

func (g *Gateway) nowMS() int64 {
	return g.now().UnixMilli()
}
