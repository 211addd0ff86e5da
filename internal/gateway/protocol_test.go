// ABOUTME: Tests for inbound message parsing, envelope-to-wire mapping, and origin checks
// ABOUTME: Table-driven; no network involved

package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-stream/internal/envelope"
	"github.com/2389/coven-stream/internal/runner"
)

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantType string
		wantCode string
	}{
		{"ping", `{"type":"ping"}`, MsgPing, ""},
		{"subscribe", `{"type":"subscribe","sessionId":"s1"}`, MsgSubscribe, ""},
		{"unsubscribe", `{"type":"unsubscribe","sessionId":"s1"}`, MsgUnsubscribe, ""},
		{"query", `{"type":"query","query":"hi"}`, MsgQuery, ""},
		{"invalid json", `{"type":`, "", CodeMalformed},
		{"array", `[1,2]`, "", CodeMalformed},
		{"missing type", `{}`, "", CodeMalformed},
		{"unsubscribe without id", `{"type":"unsubscribe"}`, MsgUnsubscribe, CodeInvalid},
		{"query without text", `{"type":"query","workspaceId":"w"}`, MsgQuery, CodeInvalid},
		{"unknown", `{"type":"shout"}`, "shout", CodeUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, code, err := parseInbound([]byte(tt.raw))
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantType, msg.Type)
			if tt.wantCode == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestInboundRequest(t *testing.T) {
	raw := `{
		"type": "query",
		"query": "what changed?",
		"workspaceId": "ws-1",
		"agentId": "agent-7",
		"userId": "u-1",
		"conversationHistory": [{"role": "user", "content": "earlier"}],
		"dataSourceFilter": ["docs", "tickets"]
	}`
	msg, _, err := parseInbound([]byte(raw))
	require.NoError(t, err)

	req := msg.request("s-42")
	assert.Equal(t, runner.Request{
		SessionID:        "s-42",
		Query:            "what changed?",
		WorkspaceID:      "ws-1",
		AgentID:          "agent-7",
		UserID:           "u-1",
		History:          []runner.Turn{{Role: "user", Content: "earlier"}},
		DataSourceFilter: []string{"docs", "tickets"},
	}, req)
}

func TestFromEnvelope(t *testing.T) {
	stamp := func(env envelope.Envelope, seq uint64) envelope.Envelope {
		env.SessionID = "s1"
		env.Seq = seq
		env.Timestamp = 1700000000000
		return env
	}

	t.Run("partial", func(t *testing.T) {
		out := fromEnvelope(stamp(envelope.Partial("hi"), 3))
		assert.Equal(t, MsgStreamingEvent, out.Type)
		assert.Equal(t, "s1", out.SessionID)
		assert.Equal(t, int64(1700000000000), out.Timestamp)
		require.NotNil(t, out.Event)
		assert.Equal(t, envelope.KindPartial, out.Event.Kind)
		assert.Equal(t, uint64(3), out.Event.Seq)
		assert.Equal(t, "hi", out.Event.Payload["text"])
	})

	t.Run("final", func(t *testing.T) {
		out := fromEnvelope(stamp(envelope.Final(map[string]any{"answer": 42}), 4))
		assert.Equal(t, MsgQueryResponse, out.Type)
		assert.Nil(t, out.Event)
		assert.Equal(t, 42, responseOf(t, out)["answer"])
	})

	t.Run("final without payload", func(t *testing.T) {
		out := fromEnvelope(stamp(envelope.Final(nil), 1))
		data, err := json.Marshal(out)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"response":{}`)
	})

	t.Run("error", func(t *testing.T) {
		out := fromEnvelope(stamp(envelope.Error(envelope.CodeIdleTimeout, "session timed out"), 2))
		assert.Equal(t, MsgError, out.Type)
		assert.Equal(t, "s1", out.SessionID)
		assert.Equal(t, "session timed out", out.Error)
		assert.Equal(t, envelope.CodeIdleTimeout, out.Code)
	})
}

func TestOutboundWireShape(t *testing.T) {
	data, err := json.Marshal(fromEnvelope(envelope.Envelope{
		SessionID: "s1",
		Kind:      envelope.KindStatus,
		Payload:   map[string]any{"stage": "retrieving"},
		Seq:       1,
		Timestamp: 5,
	}))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "streaming_event",
		"sessionId": "s1",
		"event": {"kind": "status", "payload": {"stage": "retrieving"}, "seq": 1},
		"timestamp": 5
	}`, string(data))

	data, err = json.Marshal(pong(9))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong","timestamp":9}`, string(data))
}

func TestOriginPolicy(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		host    string
		origin  string
		want    bool
	}{
		{"no origin header", nil, "gw.example.com", "", true},
		{"same host", nil, "gw.example.com", "https://gw.example.com", true},
		{"localhost", nil, "gw.example.com", "http://localhost:5173", true},
		{"loopback v4", nil, "gw.example.com", "http://127.0.0.1:3000", true},
		{"loopback v6", nil, "gw.example.com", "http://[::1]:3000", true},
		{"foreign", nil, "gw.example.com", "https://evil.example.com", false},
		{"garbage", nil, "gw.example.com", "::not a url", false},
		{"allow-listed", []string{"https://app.example.com"}, "gw.example.com", "https://app.example.com", true},
		{"allow-listed host other scheme", []string{"https://app.example.com"}, "gw.example.com", "http://app.example.com", true},
		{"allow-list excludes localhost", []string{"https://app.example.com"}, "gw.example.com", "http://localhost:5173", false},
		{"wildcard", []string{"*"}, "gw.example.com", "https://anything.example.org", true},
		{"blank entries ignored", []string{" ", ""}, "gw.example.com", "https://evil.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "http://"+tt.host+"/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, newOriginPolicy(tt.allowed).check(r))
		})
	}
}

func responseOf(t *testing.T, out Outbound) map[string]any {
	t.Helper()
	m, ok := out.Response.(map[string]any)
	require.True(t, ok, "response is %T", out.Response)
	return m
}
