// ABOUTME: One websocket client connection: read and write pumps, outbound queue, close-once cleanup
// ABOUTME: Lifecycle is connecting -> open -> closed; cleanup runs exactly once however the close arrives

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/coven-stream/internal/dispatch"
)

// ErrConnectionClosed is returned when sending to a connection that has closed.
var ErrConnectionClosed = errors.New("connection closed")

// writeWait bounds a single frame write.
const writeWait = 10 * time.Second

// State is the lifecycle state of a connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is a client connection. The send queue is never closed; senders
// select on done instead, so a late delivery can never panic.
type Conn struct {
	id      string
	ws      *websocket.Conn
	gw      *Gateway
	logger  *slog.Logger
	limiter *rate.Limiter

	// sendMu orders a subscription confirmation ahead of the first event
	// delivered for that subscription.
	sendMu sync.Mutex
	send   chan Outbound

	state     atomic.Int32
	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeText string
	opened    time.Time
}

func newConn(id string, ws *websocket.Conn, gw *Gateway) *Conn {
	s := gw.config.Streaming
	c := &Conn{
		id:      id,
		ws:      ws,
		gw:      gw,
		logger:  gw.logger.With("conn_id", id),
		limiter: rate.NewLimiter(rate.Limit(s.InboundRate), s.InboundBurst),
		send:    make(chan Outbound, s.SendBuffer),
		done:    make(chan struct{}),
		opened:  time.Now(),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// open starts the pumps of a connection the hub has admitted. A connection
// closed between admission and open still runs its pumps, which send the
// close frame and release the socket.
func (c *Conn) open() {
	c.gw.metrics.ConnectionOpened(context.Background())
	if c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		c.logger.Info("connection opened", "remote_addr", c.ws.RemoteAddr().String())
	}

	go func() {
		defer c.gw.hub.pumps.Done()
		c.writePump()
	}()
	go func() {
		defer c.gw.hub.pumps.Done()
		c.readPump()
	}()
}

// Close starts closing the connection with the given close code. The write
// pump flushes queued messages, sends the close frame and closes the socket.
// Safe to call any number of times from any goroutine.
func (c *Conn) Close(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		c.state.Store(int32(StateClosed))
		close(c.done)

		c.gw.hub.remove(c.id)
		dropped := c.gw.table.RemoveConnection(c.id)
		c.gw.metrics.ConnectionClosed(context.Background())
		c.logger.Info("connection closed",
			"code", code,
			"sessions", len(dropped),
			"duration", time.Since(c.opened),
		)
	})
}

// enqueue queues msg for the write pump, waiting until ctx is done when the
// queue is full.
func (c *Conn) enqueue(ctx context.Context, msg Outbound) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.enqueueLocked(ctx, msg)
}

func (c *Conn) enqueueLocked(ctx context.Context, msg Outbound) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", dispatch.ErrDeliveryTimeout, ctx.Err())
	}
}

// reply sends a control reply to this connection only.
func (c *Conn) reply(msg Outbound) {
	ctx, cancel := context.WithTimeout(context.Background(), c.gw.config.Streaming.SendTimeout)
	defer cancel()
	if err := c.enqueue(ctx, msg); err != nil {
		c.logger.Debug("reply dropped", "type", msg.Type, "error", err)
	}
}

func (c *Conn) readPump() {
	code := websocket.CloseNormalClosure
	defer func() { c.Close(code, "") }()

	keepalive := c.gw.config.Streaming.KeepaliveTimeout
	c.ws.SetReadLimit(c.gw.config.Streaming.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(keepalive))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(keepalive))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				c.logger.Warn("inbound message too large", "limit", c.gw.config.Streaming.MaxMessageBytes)
				code = websocket.CloseMessageTooBig
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.logger.Debug("read error", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(keepalive))

		if !c.limiter.Allow() {
			c.gw.metrics.InboundRejected(context.Background(), CodeRateLimited)
			c.reply(errorMessage("", CodeRateLimited, "too many messages", c.gw.nowMS()))
			continue
		}
		c.gw.handleMessage(c, data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval(c.gw.config.Streaming.KeepaliveTimeout))
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-c.done:
			c.flush()
			if c.closeCode != websocket.CloseAbnormalClosure {
				frame := websocket.FormatCloseMessage(c.closeCode, c.closeText)
				_ = c.ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))
			}
			return
		}
	}
}

// flush writes whatever is still queued when the connection is closing.
func (c *Conn) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(msg Outbound) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

// pingInterval keeps pings well inside the peer's read deadline.
func pingInterval(keepalive time.Duration) time.Duration {
	return keepalive * 9 / 10
}
