// ABOUTME: Local echo runner for development and tests
// ABOUTME: Streams the query back word by word, then a final result

package runner

import (
	"context"
	"strings"
	"time"

	"github.com/2389/coven-stream/internal/envelope"
)

// EchoOptions configures the echo runner.
type EchoOptions struct {
	// Delay between partial chunks.
	Delay time.Duration
}

// Echo answers every query with the query itself. Queries containing
// "fail" end with an error envelope; queries containing "hang" never
// terminate until cancelled, which exercises idle expiry.
type Echo struct {
	delay time.Duration
}

func NewEcho(opts EchoOptions) *Echo {
	if opts.Delay <= 0 {
		opts.Delay = 20 * time.Millisecond
	}
	return &Echo{delay: opts.Delay}
}

func (e *Echo) Run(ctx context.Context, req Request) (<-chan envelope.Envelope, error) {
	out := make(chan envelope.Envelope)

	go func() {
		defer close(out)

		if !send(ctx, out, envelope.Status(map[string]any{"stage": "received", "agentId": req.AgentID})) {
			return
		}

		lower := strings.ToLower(req.Query)
		if strings.Contains(lower, "hang") {
			<-ctx.Done()
			return
		}

		words := strings.Fields(req.Query)
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			if !e.pause(ctx) || !send(ctx, out, envelope.Partial(w)) {
				return
			}
		}

		if strings.Contains(lower, "fail") {
			send(ctx, out, envelope.Error(envelope.CodeRunnerError, "echo runner asked to fail"))
			return
		}

		send(ctx, out, envelope.Final(map[string]any{
			"answer":      "Echo: " + req.Query,
			"workspaceId": req.WorkspaceID,
			"turns":       len(req.History),
		}))
	}()

	return out, nil
}

func (e *Echo) pause(ctx context.Context) bool {
	t := time.NewTimer(e.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
