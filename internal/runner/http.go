// ABOUTME: HTTP runner posting queries to an upstream agent flow service
// ABOUTME: Reads the response body as newline-delimited JSON envelopes

package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/2389/coven-stream/internal/envelope"
)

// maxLineBytes bounds a single NDJSON line from the upstream.
const maxLineBytes = 4 << 20

// HTTPOptions configures the HTTP runner.
type HTTPOptions struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
	Client  *http.Client
}

// HTTP streams envelopes from an upstream service. The request body is the
// JSON-encoded Request; the response is one envelope object per line:
//
//	{"kind":"status","payload":{"stage":"searching"}}
//	{"kind":"partial_chunk","payload":{"text":"Hel"}}
//	{"kind":"final_result","payload":{"answer":"Hello"}}
type HTTP struct {
	url     string
	timeout time.Duration
	headers map[string]string
	client  *http.Client
}

func NewHTTP(opts HTTPOptions) (*HTTP, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("http runner: url is required")
	}
	if _, err := url.ParseRequestURI(opts.URL); err != nil {
		return nil, fmt.Errorf("http runner: invalid url: %w", err)
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &HTTP{
		url:     opts.URL,
		timeout: opts.Timeout,
		headers: opts.Headers,
		client:  opts.Client,
	}, nil
}

func (h *HTTP) Run(ctx context.Context, req Request) (<-chan envelope.Envelope, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	cancel := context.CancelFunc(func() {})
	if h.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	for k, v := range h.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	out := make(chan envelope.Envelope)
	go func() {
		defer close(out)
		defer cancel()
		defer resp.Body.Close()
		h.stream(ctx, resp.Body, out)
	}()
	return out, nil
}

func (h *HTTP) stream(ctx context.Context, body io.Reader, out chan<- envelope.Envelope) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var env envelope.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			send(ctx, out, envelope.Error(envelope.CodeRunnerError, fmt.Sprintf("malformed upstream event: %v", err)))
			return
		}
		if !send(ctx, out, env) || env.Terminal() {
			return
		}
	}

	// A clean EOF without a terminal is left for the pump to report.
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		send(ctx, out, envelope.Error(envelope.CodeRunnerError, fmt.Sprintf("%v: %v", ErrUpstream, err)))
	}
}
