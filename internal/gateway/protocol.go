// ABOUTME: Websocket wire protocol for the streaming gateway
// ABOUTME: Inbound control messages, outbound message shapes, and envelope-to-message mapping

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/coven-stream/internal/envelope"
	"github.com/2389/coven-stream/internal/runner"
)

// Inbound message types.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgQuery       = "query"
	MsgPing        = "ping"
)

// Outbound message types.
const (
	MsgSubscriptionConfirmed   = "subscription_confirmed"
	MsgUnsubscriptionConfirmed = "unsubscription_confirmed"
	MsgStreamingEvent          = "streaming_event"
	MsgQueryResponse           = "query_response"
	MsgError                   = "error"
	MsgPong                    = "pong"
)

// Error codes carried by outbound error messages that do not come from an
// envelope.
const (
	CodeMalformed    = "malformed"
	CodeInvalid      = "invalid_request"
	CodeUnknownType  = "unknown_type"
	CodeRateLimited  = "rate_limited"
	CodeUnavailable  = "unavailable"
	CodeShuttingDown = "shutting_down"
)

var errMissingType = errors.New("message has no type")

// Inbound is a client control message. Only Type is common to all kinds.
type Inbound struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`

	// query fields
	Query               string        `json:"query,omitempty"`
	WorkspaceID         string        `json:"workspaceId,omitempty"`
	AgentID             string        `json:"agentId,omitempty"`
	UserID              string        `json:"userId,omitempty"`
	ConversationHistory []runner.Turn `json:"conversationHistory,omitempty"`
	DataSourceFilter    []string      `json:"dataSourceFilter,omitempty"`
}

// Event is the envelope body of a streaming_event message.
type Event struct {
	Kind    envelope.Kind  `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
	Seq     uint64         `json:"seq"`
}

// Outbound is any server-to-client message. Every message carries a
// millisecond timestamp.
type Outbound struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Event     *Event `json:"event,omitempty"`
	// Response holds the final result map. It is typed any so that an empty
	// result still encodes as {}.
	Response  any    `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// parseInbound decodes one client frame and checks the fields its type
// requires. Unknown types are reported with CodeUnknownType.
func parseInbound(data []byte) (Inbound, string, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, CodeMalformed, fmt.Errorf("invalid JSON: %w", err)
	}

	switch msg.Type {
	case "":
		return msg, CodeMalformed, errMissingType
	case MsgSubscribe, MsgUnsubscribe:
		if msg.SessionID == "" {
			return msg, CodeInvalid, fmt.Errorf("%s requires sessionId", msg.Type)
		}
	case MsgQuery:
		if msg.Query == "" {
			return msg, CodeInvalid, errors.New("query requires a non-empty query")
		}
	case MsgPing:
	default:
		return msg, CodeUnknownType, fmt.Errorf("unknown message type %q", msg.Type)
	}
	return msg, "", nil
}

// request builds the runner request for a query message.
func (m Inbound) request(sessionID string) runner.Request {
	return runner.Request{
		SessionID:        sessionID,
		Query:            m.Query,
		WorkspaceID:      m.WorkspaceID,
		AgentID:          m.AgentID,
		UserID:           m.UserID,
		History:          m.ConversationHistory,
		DataSourceFilter: m.DataSourceFilter,
	}
}

// fromEnvelope maps a published envelope onto the wire: final results become
// query_response, errors become error messages scoped to the session, and
// everything else is a streaming_event.
func fromEnvelope(env envelope.Envelope) Outbound {
	out := Outbound{SessionID: env.SessionID, Timestamp: env.Timestamp}
	switch env.Kind {
	case envelope.KindFinal:
		out.Type = MsgQueryResponse
		resp := env.Payload
		if resp == nil {
			resp = map[string]any{}
		}
		out.Response = resp
	case envelope.KindError:
		out.Type = MsgError
		out.Error, out.Code = env.ErrorInfo()
	default:
		out.Type = MsgStreamingEvent
		out.Event = &Event{Kind: env.Kind, Payload: env.Payload, Seq: env.Seq}
	}
	return out
}

func confirmed(sessionID string, ts int64) Outbound {
	return Outbound{Type: MsgSubscriptionConfirmed, SessionID: sessionID, Timestamp: ts}
}

func unsubscribed(sessionID string, ts int64) Outbound {
	return Outbound{Type: MsgUnsubscriptionConfirmed, SessionID: sessionID, Timestamp: ts}
}

func pong(ts int64) Outbound {
	return Outbound{Type: MsgPong, Timestamp: ts}
}

func errorMessage(sessionID, code, msg string, ts int64) Outbound {
	return Outbound{Type: MsgError, SessionID: sessionID, Error: msg, Code: code, Timestamp: ts}
}
