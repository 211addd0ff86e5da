// ABOUTME: Event envelope describing one unit of agent-flow progress for a session
// ABOUTME: Defines envelope kinds, payload constructors, and terminal detection

package envelope

import (
	"fmt"
	"time"
)

// Kind identifies what an envelope carries.
type Kind string

const (
	// KindStatus is a free-form progress update ("thinking", "searching", ...).
	KindStatus Kind = "status"
	// KindPartial is an incremental chunk of the answer text.
	KindPartial Kind = "partial_chunk"
	// KindFinal is the final result of the query. Terminal.
	KindFinal Kind = "final_result"
	// KindError reports a failure. Terminal.
	KindError Kind = "error"
)

// Error codes used for envelopes synthesized by the streaming core.
const (
	CodeRunnerError      = "runner_error"
	CodeRunnerIncomplete = "runner_incomplete"
	CodeIdleTimeout      = "idle_timeout"
	CodeShutdown         = "shutdown"
	CodeCancelled        = "cancelled"
	CodeSessionEnded     = "session_ended"
	CodeSessionNotFound  = "session_not_found"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindStatus, KindPartial, KindFinal, KindError:
		return true
	default:
		return false
	}
}

// Terminal reports whether an envelope of this kind ends its session.
func (k Kind) Terminal() bool {
	return k == KindFinal || k == KindError
}

// Envelope is one discrete unit of progress or result information emitted
// during a session. Envelopes are values; the payload map must not be
// mutated once the envelope has been published.
//
// SessionID, Seq and Timestamp are assigned by the dispatcher when the
// envelope is published; values set by a producer are overwritten.
type Envelope struct {
	SessionID string         `json:"sessionId"`
	Kind      Kind           `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	Seq       uint64         `json:"seq"`
	Timestamp int64          `json:"timestamp"`
}

// Terminal reports whether the envelope ends its session.
func (e Envelope) Terminal() bool {
	return e.Kind.Terminal()
}

// Time returns the envelope timestamp as a time.Time.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// ErrorInfo returns the message and code of an error envelope.
// Both are empty for other kinds.
func (e Envelope) ErrorInfo() (message, code string) {
	if e.Kind != KindError {
		return "", ""
	}
	message, _ = e.Payload["message"].(string)
	code, _ = e.Payload["code"].(string)
	return message, code
}

// Text returns the text of a partial chunk, or "".
func (e Envelope) Text() string {
	if e.Kind != KindPartial {
		return ""
	}
	text, _ := e.Payload["text"].(string)
	return text
}

// Validate checks that the envelope has a known kind and that error
// envelopes carry a message.
func (e Envelope) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
	if e.Kind == KindError {
		if msg, _ := e.ErrorInfo(); msg == "" {
			return fmt.Errorf("error envelope without message")
		}
	}
	return nil
}

// Status creates a status envelope with the given fields.
func Status(fields map[string]any) Envelope {
	return Envelope{Kind: KindStatus, Payload: fields}
}

// Partial creates a partial-chunk envelope carrying a piece of answer text.
func Partial(text string) Envelope {
	return Envelope{Kind: KindPartial, Payload: map[string]any{"text": text}}
}

// Final creates a final-result envelope.
func Final(result map[string]any) Envelope {
	return Envelope{Kind: KindFinal, Payload: result}
}

// Error creates an error envelope with a machine-readable code.
func Error(code, message string) Envelope {
	return Envelope{
		Kind: KindError,
		Payload: map[string]any{
			"message": message,
			"code":    code,
		},
	}
}
