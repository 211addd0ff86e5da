// ABOUTME: Agent flow runner contract consumed by the streaming core
// ABOUTME: A runner turns one query into a stream of envelopes ending in a terminal one

package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-stream/internal/envelope"
)

// ErrUpstream is returned when the upstream agent flow service fails.
var ErrUpstream = errors.New("upstream agent flow failed")

// Turn is one prior exchange in the conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is everything a runner needs to process one query.
type Request struct {
	SessionID        string   `json:"sessionId"`
	Query            string   `json:"query"`
	WorkspaceID      string   `json:"workspaceId,omitempty"`
	AgentID          string   `json:"agentId,omitempty"`
	UserID           string   `json:"userId,omitempty"`
	History          []Turn   `json:"conversationHistory,omitempty"`
	DataSourceFilter []string `json:"dataSourceFilter,omitempty"`
}

// Runner produces the envelope stream for a query. The returned channel
// yields envelopes in emission order, ends with exactly one terminal
// envelope when the flow succeeds, and is closed when the flow stops or
// ctx is cancelled. An error return means the flow never started.
type Runner interface {
	Run(ctx context.Context, req Request) (<-chan envelope.Envelope, error)
}

// Func adapts a function to the Runner interface.
type Func func(ctx context.Context, req Request) (<-chan envelope.Envelope, error)

func (f Func) Run(ctx context.Context, req Request) (<-chan envelope.Envelope, error) {
	return f(ctx, req)
}

// Kinds accepted by New.
const (
	KindEcho = "echo"
	KindHTTP = "http"
)

// Options selects and configures a runner.
type Options struct {
	Kind    string
	URL     string
	Timeout time.Duration
	Headers map[string]string
}

// New builds the runner described by opts.
func New(opts Options) (Runner, error) {
	switch opts.Kind {
	case "", KindEcho:
		return NewEcho(EchoOptions{}), nil
	case KindHTTP:
		return NewHTTP(HTTPOptions{
			URL:     opts.URL,
			Timeout: opts.Timeout,
			Headers: opts.Headers,
		})
	default:
		return nil, fmt.Errorf("unknown runner kind %q", opts.Kind)
	}
}

// send delivers env unless ctx is done first.
func send(ctx context.Context, ch chan<- envelope.Envelope, env envelope.Envelope) bool {
	select {
	case ch <- env:
		return true
	case <-ctx.Done():
		return false
	}
}
