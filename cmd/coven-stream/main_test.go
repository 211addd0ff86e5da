// ABOUTME: Tests for the coven-stream CLI: log handler output, config init, and HTTP-backed commands
// ABOUTME: HTTP commands run against httptest servers

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-stream/internal/config"
	"github.com/2389/coven-stream/internal/gateway"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestSetupLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	logger.Debug("hidden")
	logger.With("conn", "c1").WithGroup("session").Info("subscribed", "id", "s1")
	logger.Error("boom", slog.Group("err", slog.String("code", "x")))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF subscribed conn=c1 session.id=s1")
	assert.Contains(t, out, "ERR boom err.code=x")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.Debug("hello", "n", 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "DEBUG", rec["level"])
	assert.EqualValues(t, 1, rec["n"])
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "http://localhost:8080", baseURL(":8080"))
	assert.Equal(t, "http://localhost:8080", baseURL("0.0.0.0:8080"))
	assert.Equal(t, "http://10.0.0.2:9000", baseURL("10.0.0.2:9000"))
}

func TestCheckHealth(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_, _ = w.Write([]byte("OK"))
	}))
	defer ok.Close()

	var out bytes.Buffer
	require.NoError(t, checkHealth(context.Background(), &out, ok.URL))
	assert.Contains(t, out.String(), "is healthy")

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
	}))
	defer down.Close()

	err := checkHealth(context.Background(), &out, down.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	assert.Contains(t, err.Error(), "shutting down")
}

func TestFetchAndPrintSessions(t *testing.T) {
	ended := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sessions", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "true", r.URL.Query().Get("active"))
		_ = json.NewEncoder(w).Encode(gateway.SessionsResponse{
			Active:      1,
			Ended:       1,
			Connections: 3,
			Streams:     1,
			Recent: []gateway.SessionView{
				{ID: "s-live", Query: "what is the weather in a very long city name indeed", CreatedAt: ended, Live: true},
				{ID: "s-done", Query: "hi", CreatedAt: ended, EndedAt: &ended, Outcome: "final", Envelopes: 4},
			},
		})
	}))
	defer srv.Close()

	resp, err := fetchSessions(context.Background(), srv.URL, 5, true)
	require.NoError(t, err)
	require.Len(t, resp.Recent, 2)

	var out bytes.Buffer
	require.NoError(t, printSessions(&out, resp))
	text := out.String()

	assert.Contains(t, text, "Active: 1  Ended: 1  Connections: 3  Streams: 1")
	assert.Contains(t, text, "OUTCOME")
	assert.Contains(t, text, "s-live")
	assert.Contains(t, text, "active")
	assert.Contains(t, text, "s-done")
	assert.Contains(t, text, "final")
	assert.Contains(t, text, "…")
}

func TestFetchSessions_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := fetchSessions(context.Background(), srv.URL, 10, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestPrintSessions_Empty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printSessions(&out, &gateway.SessionsResponse{}))
	assert.Contains(t, out.String(), "No sessions recorded.")
}

func TestInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "stream.yaml")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"init", "--config", path})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "Wrote "+path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Server.HTTPAddr, cfg.Server.HTTPAddr)

	rootCmd.SetArgs([]string{"init", "--config", path})
	err = rootCmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	rootCmd.SetArgs([]string{"init", "--config", path, "--force"})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	initForce = false
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
