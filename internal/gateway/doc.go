// Package gateway terminates client websocket connections and runs the
// coven-stream server.
//
// # Overview
//
// The Gateway wires the streaming core together: a session.Registry, a
// subscription.Table bound to it, a dispatch.Dispatcher that fans envelopes
// out, a runner.Runner that produces them, and a store.Store that keeps the
// session ledger. The Hub is the dispatcher's delivery target; it routes each
// envelope to the connection it is addressed to.
//
// # Connections
//
// Each websocket connection is a Conn with a bounded outbound queue and two
// goroutines:
//
//   - readPump parses control messages, enforces the read limit, the
//     keepalive deadline, and the inbound rate limit
//   - writePump drains the queue, sends pings, and writes the close frame
//
// A connection moves connecting -> open -> closed. Close may be called from
// any goroutine any number of times; the first call removes the connection
// from the Hub and from every subscription it held.
//
// # Wire Protocol
//
// Inbound (client to server):
//
//	{"type": "subscribe", "sessionId": "<id>"}
//	{"type": "unsubscribe", "sessionId": "<id>"}
//	{"type": "query", "sessionId": "<optional>", "query": "...", "workspaceId": "...",
//	 "agentId": "...", "userId": "...", "conversationHistory": [...], "dataSourceFilter": [...]}
//	{"type": "ping"}
//
// Outbound (server to client), always with a millisecond timestamp:
//
//	subscription_confirmed, unsubscription_confirmed
//	streaming_event   {"event": {"kind", "payload", "seq"}}
//	query_response    {"response": {...}}
//	error             {"error": "...", "code": "..."}
//	pong
//
// Malformed input is answered with an error message and never closes the
// connection. Subscribing to an ended or unknown session is confirmed and
// followed by the session's terminal message, or a session_not_found error.
//
// # HTTP Endpoints
//
//   - <ws_path> - websocket upgrade (default /ws)
//   - GET /health - liveness check
//   - GET /health/ready - readiness; 503 once shutdown begins
//   - GET /api/sessions - live counters and recent ledger entries
//   - GET /api/sessions/{id} - one ledger entry
//
// When server.grpc_addr is set, grpc.health.v1 is served there as well.
//
// # Shutdown
//
// Shutdown marks the gateway not ready, ends every active session with a
// shutdown error, closes all connections with a going-away close frame, stops
// the listeners and the session sweeper, and closes the ledger.
package gateway
