// ABOUTME: HTTP surface of the gateway: websocket upgrade, health probes, and session introspection
// ABOUTME: Origin checking allows same-host and loopback origins unless an allow-list is configured

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-stream/internal/store"
)

// routes registers every HTTP handler on mux.
func (g *Gateway) routes(mux *http.ServeMux) {
	mux.HandleFunc(g.config.Server.WSPath, g.handleWS)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("GET /api/sessions", g.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}", g.handleSession)
}

// handleWS upgrades the request and starts the connection's pumps.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		g.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(uuid.New().String(), ws, g)
	if !g.hub.add(c) {
		// Shutdown began after the readiness check.
		frame := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}
	c.open()
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK while the gateway accepts connections and 503
// once shutdown has begun.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d connections)", g.hub.Count())
}

// SessionView is the JSON form of a ledger record.
type SessionView struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspaceId,omitempty"`
	AgentID     string     `json:"agentId,omitempty"`
	UserID      string     `json:"userId,omitempty"`
	Query       string     `json:"query"`
	CreatedAt   time.Time  `json:"createdAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	Outcome     string     `json:"outcome,omitempty"`
	Envelopes   int        `json:"envelopes"`
	Live        bool       `json:"live"`
}

// SessionsResponse is returned by GET /api/sessions.
type SessionsResponse struct {
	Active      int           `json:"active"`
	Ended       int           `json:"ended"`
	Connections int           `json:"connections"`
	Streams     int           `json:"streams"`
	Recent      []SessionView `json:"recent"`
}

// handleSessions reports live counters plus the most recent ledger entries.
// Query parameters: limit, active=true, workspace.
func (g *Gateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{
		ActiveOnly:  r.URL.Query().Get("active") == "true",
		WorkspaceID: r.URL.Query().Get("workspace"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		opts.Limit = n
	}

	recs, err := g.store.ListSessions(r.Context(), opts)
	if err != nil {
		g.logger.Error("failed to list sessions", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	active, ended := g.registry.Counts()
	resp := SessionsResponse{
		Active:      active,
		Ended:       ended,
		Connections: g.hub.Count(),
		Streams:     g.dispatcher.Streams(),
		Recent:      make([]SessionView, 0, len(recs)),
	}
	for _, rec := range recs {
		resp.Recent = append(resp.Recent, g.view(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSession returns one ledger record.
func (g *Gateway) handleSession(w http.ResponseWriter, r *http.Request) {
	rec, err := g.store.GetSession(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get session", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	writeJSON(w, http.StatusOK, g.view(rec))
}

func (g *Gateway) view(rec *store.SessionRecord) SessionView {
	return SessionView{
		ID:          rec.ID,
		WorkspaceID: rec.WorkspaceID,
		AgentID:     rec.AgentID,
		UserID:      rec.UserID,
		Query:       rec.Query,
		CreatedAt:   rec.CreatedAt,
		EndedAt:     rec.EndedAt,
		Outcome:     rec.Outcome,
		Envelopes:   rec.Envelopes,
		Live:        g.registry.IsActive(rec.ID),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// originPolicy decides which browser origins may open a websocket.
type originPolicy struct {
	any     bool
	origins map[string]bool
	hosts   map[string]bool
}

func newOriginPolicy(allowed []string) *originPolicy {
	p := &originPolicy{
		origins: make(map[string]bool),
		hosts:   make(map[string]bool),
	}
	for _, origin := range allowed {
		trimmed := strings.TrimSpace(origin)
		switch trimmed {
		case "":
			continue
		case "*":
			p.any = true
			continue
		}
		p.origins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			p.hosts[parsed.Host] = true
		}
	}
	return p
}

// check is a websocket.Upgrader CheckOrigin function. Requests without an
// Origin header come from non-browser clients and are allowed.
func (p *originPolicy) check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || p.any {
		return true
	}

	if len(p.origins) > 0 {
		if p.origins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return p.hosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func newUpgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     newOriginPolicy(allowed).check,
	}
}
