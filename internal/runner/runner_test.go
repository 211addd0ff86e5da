// ABOUTME: Tests for the echo and HTTP runners and the runner factory
// ABOUTME: HTTP runner tests stream NDJSON from an httptest server

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-stream/internal/envelope"
)

func collect(t *testing.T, ch <-chan envelope.Envelope) []envelope.Envelope {
	t.Helper()
	var out []envelope.Envelope
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, env)
		case <-timeout:
			t.Fatal("runner channel never closed")
		}
	}
}

func kinds(envs []envelope.Envelope) []envelope.Kind {
	out := make([]envelope.Kind, len(envs))
	for i, e := range envs {
		out[i] = e.Kind
	}
	return out
}

func TestNew(t *testing.T) {
	r, err := New(Options{})
	require.NoError(t, err)
	assert.IsType(t, &Echo{}, r)

	r, err = New(Options{Kind: KindHTTP, URL: "http://localhost:9999/run"})
	require.NoError(t, err)
	assert.IsType(t, &HTTP{}, r)

	_, err = New(Options{Kind: KindHTTP})
	assert.Error(t, err)

	_, err = New(Options{Kind: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestFunc(t *testing.T) {
	var got Request
	r := Func(func(_ context.Context, req Request) (<-chan envelope.Envelope, error) {
		got = req
		ch := make(chan envelope.Envelope)
		close(ch)
		return ch, nil
	})

	_, err := r.Run(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "q", got.Query)
}

func TestEcho_StreamsWordsThenFinal(t *testing.T) {
	r := NewEcho(EchoOptions{Delay: time.Millisecond})
	ch, err := r.Run(context.Background(), Request{Query: "hello streaming world", WorkspaceID: "ws"})
	require.NoError(t, err)

	envs := collect(t, ch)
	assert.Equal(t, []envelope.Kind{
		envelope.KindStatus,
		envelope.KindPartial, envelope.KindPartial, envelope.KindPartial,
		envelope.KindFinal,
	}, kinds(envs))

	text := ""
	for _, e := range envs {
		text += e.Text()
	}
	assert.Equal(t, "hello streaming world", text)
	assert.Equal(t, "Echo: hello streaming world", envs[len(envs)-1].Payload["answer"])
}

func TestEcho_Fail(t *testing.T) {
	r := NewEcho(EchoOptions{Delay: time.Millisecond})
	ch, err := r.Run(context.Background(), Request{Query: "please fail"})
	require.NoError(t, err)

	envs := collect(t, ch)
	last := envs[len(envs)-1]
	_, code := last.ErrorInfo()
	assert.Equal(t, envelope.CodeRunnerError, code)
}

func TestEcho_HangStopsOnCancel(t *testing.T) {
	r := NewEcho(EchoOptions{Delay: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := r.Run(ctx, Request{Query: "hang forever"})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, envelope.KindStatus, first.Kind)

	cancel()
	assert.Empty(t, collect(t, ch))
}

func ndjsonServer(t *testing.T, handler func(w http.ResponseWriter, req Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		handler(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTP_StreamsEnvelopes(t *testing.T) {
	var gotHeader string
	srv := ndjsonServer(t, func(w http.ResponseWriter, req Request) {
		fmt.Fprintln(w, `{"kind":"status","payload":{"stage":"searching"}}`)
		fmt.Fprintln(w, ``)
		fmt.Fprintf(w, `{"kind":"partial_chunk","payload":{"text":%q}}`+"\n", req.Query)
		fmt.Fprintln(w, `{"kind":"final_result","payload":{"answer":"done"}}`)
		fmt.Fprintln(w, `{"kind":"partial_chunk","payload":{"text":"ignored"}}`)
	})

	r, err := NewHTTP(HTTPOptions{URL: srv.URL, Headers: map[string]string{"X-Flow-Token": "secret"}})
	require.NoError(t, err)
	r.client = &http.Client{Transport: headerSpy{rt: http.DefaultTransport, got: &gotHeader}}

	ch, err := r.Run(context.Background(), Request{Query: "hi", History: []Turn{{Role: "user", Content: "earlier"}}})
	require.NoError(t, err)

	envs := collect(t, ch)
	assert.Equal(t, []envelope.Kind{envelope.KindStatus, envelope.KindPartial, envelope.KindFinal}, kinds(envs))
	assert.Equal(t, "hi", envs[1].Text())
	assert.Equal(t, "secret", gotHeader)
}

type headerSpy struct {
	rt  http.RoundTripper
	got *string
}

func (h headerSpy) RoundTrip(r *http.Request) (*http.Response, error) {
	*h.got = r.Header.Get("X-Flow-Token")
	return h.rt.RoundTrip(r)
}

func TestHTTP_Non2xxIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "flow exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	r, err := NewHTTP(HTTPOptions{URL: srv.URL})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), Request{Query: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstream))
	assert.Contains(t, err.Error(), "502")
}

func TestHTTP_MalformedLineBecomesError(t *testing.T) {
	srv := ndjsonServer(t, func(w http.ResponseWriter, _ Request) {
		fmt.Fprintln(w, `{"kind":"status","payload":{}}`)
		fmt.Fprintln(w, `not json`)
	})

	r, err := NewHTTP(HTTPOptions{URL: srv.URL})
	require.NoError(t, err)
	ch, err := r.Run(context.Background(), Request{Query: "x"})
	require.NoError(t, err)

	envs := collect(t, ch)
	require.Len(t, envs, 2)
	_, code := envs[1].ErrorInfo()
	assert.Equal(t, envelope.CodeRunnerError, code)
}

func TestHTTP_EOFWithoutTerminalJustCloses(t *testing.T) {
	srv := ndjsonServer(t, func(w http.ResponseWriter, _ Request) {
		fmt.Fprintln(w, `{"kind":"partial_chunk","payload":{"text":"a"}}`)
	})

	r, err := NewHTTP(HTTPOptions{URL: srv.URL})
	require.NoError(t, err)
	ch, err := r.Run(context.Background(), Request{Query: "x"})
	require.NoError(t, err)

	assert.Equal(t, []envelope.Kind{envelope.KindPartial}, kinds(collect(t, ch)))
}

func TestHTTP_CancelStopsStream(t *testing.T) {
	release := make(chan struct{})
	srv := ndjsonServer(t, func(w http.ResponseWriter, _ Request) {
		fmt.Fprintln(w, `{"kind":"status","payload":{}}`)
		w.(http.Flusher).Flush()
		<-release
	})
	defer close(release)

	r, err := NewHTTP(HTTPOptions{URL: srv.URL, Timeout: time.Minute})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := r.Run(ctx, Request{Query: "x"})
	require.NoError(t, err)

	assert.Equal(t, envelope.KindStatus, (<-ch).Kind)
	cancel()
	collect(t, ch)
}

func TestNewHTTP_InvalidURL(t *testing.T) {
	_, err := NewHTTP(HTTPOptions{URL: "::not a url"})
	assert.Error(t, err)
}
