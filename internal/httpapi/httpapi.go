// Copyright 2025 Centian Contributors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at.
//
//     http://www.apache.org/licenses/LICENSE-2.0.
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpapi is the thin HTTP binding for the REST control surface
// spec §6 describes as an external collaborator: server CRUD/lifecycle,
// aggregated capability listing, the SSE event stream, the request-log
// viewer, health, and the per-upstream OAuth callback leg. It is a
// consumer of the core (Gateway/Store/OAuthManager/RequestLog/
// ProxyMcpServer), mounted alongside the downstream /mcp endpoint so the
// module ships one complete binary. Route/response shape is grounded on
// the teacher's CentianProxy (net/http.ServeMux + http.Server, spec §7's
// {success,data,error} envelope is new: the teacher never exposed a JSON
// REST surface, only the MCP endpoint itself).
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/centianlabs/mcp-gateway/internal/auth"
	"github.com/centianlabs/mcp-gateway/internal/gateway"
	"github.com/centianlabs/mcp-gateway/internal/oauth"
	"github.com/centianlabs/mcp-gateway/internal/proxyserver"
	"github.com/centianlabs/mcp-gateway/internal/requestlog"
	"github.com/centianlabs/mcp-gateway/internal/store"
)

// Server is the HTTP binding over the core. It holds no domain state of
// its own; every handler reads or mutates through gw/st/oauthMgr/log.
type Server struct {
	gw        *gateway.Gateway
	st        *store.Store
	oauthMgr  *oauth.Manager
	log       *requestlog.Log
	proxy     *proxyserver.Server
	apiKeys   *auth.APIKeyStore
	authHeader string
	logger    *slog.Logger
	startedAt time.Time
}

// Options configures the optional pieces of Server: apiKeys may be nil to
// disable REST auth entirely (spec §6 describes the surface but leaves
// securing it to the deployer; the teacher's bcrypt API-key store is the
// idiomatic answer when enabled).
type Options struct {
	APIKeys    *auth.APIKeyStore
	AuthHeader string
	Logger     *slog.Logger
}

// New builds a Server bound to the given core components.
func New(gw *gateway.Gateway, st *store.Store, oauthMgr *oauth.Manager, log *requestlog.Log, proxy *proxyserver.Server, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	header := opts.AuthHeader
	if header == "" {
		header = "X-Centian-Auth"
	}
	return &Server{
		gw: gw, st: st, oauthMgr: oauthMgr, log: log, proxy: proxy,
		apiKeys: opts.APIKeys, authHeader: header, logger: logger,
		startedAt: time.Now().UTC(),
	}
}

// Handler builds the full route tree: the downstream /mcp endpoint plus
// the REST control surface, wrapped with the optional API-key guard.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/mcp", s.proxy.Handler())

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /events", s.handleEvents)

	mux.HandleFunc("GET /servers", s.handleListServers)
	mux.HandleFunc("POST /servers", s.handleCreateServer)
	mux.HandleFunc("GET /servers/{id}", s.handleGetServer)
	mux.HandleFunc("PATCH /servers/{id}", s.handleUpdateServer)
	mux.HandleFunc("DELETE /servers/{id}", s.handleRemoveServer)
	mux.HandleFunc("POST /servers/{id}/connect", s.handleConnect)
	mux.HandleFunc("POST /servers/{id}/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /servers/{id}/reconnect", s.handleReconnect)
	mux.HandleFunc("POST /servers/{id}/refresh", s.handleRefresh)
	mux.HandleFunc("POST /servers/{id}/enable", s.handleSetEnabled(true))
	mux.HandleFunc("POST /servers/{id}/disable", s.handleSetEnabled(false))
	mux.HandleFunc("GET /servers/{id}/auth/status", s.handleAuthStatus)
	mux.HandleFunc("POST /servers/{id}/auth/initiate", s.handleAuthInitiate)
	mux.HandleFunc("POST /servers/{id}/auth/revoke", s.handleAuthRevoke)

	mux.HandleFunc("GET /tools", s.handleListTools)
	mux.HandleFunc("GET /resources", s.handleListResources)
	mux.HandleFunc("GET /prompts", s.handleListPrompts)
	mux.HandleFunc("POST /tools/call", s.handleCallTool)

	mux.HandleFunc("GET /logs", s.handleListLogs)
	mux.HandleFunc("GET /logs/stats", s.handleLogStats)
	mux.HandleFunc("GET /logs/{id}", s.handleGetLog)
	mux.HandleFunc("DELETE /logs", s.handleClearLogs)

	// The OAuth callback leg is unauthenticated: it is the redirect target
	// of an external authorization server, not a control-surface caller.
	mux.HandleFunc("GET /oauth/callback/{serverId}", s.handleOAuthCallback)

	return s.withAuth(mux)
}

// withAuth enforces the optional API-key header on every route except
// /health, the OAuth callback and the MCP endpoint (which authenticates
// per-upstream, not at the gateway control-surface level, per spec §1's
// scope split). The callback exchanges the code with the stored PKCE
// verifier; no OAuth state parameter is sent or checked.
func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.apiKeys == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/mcp" || r.URL.Path == "/health" ||
			(len(r.URL.Path) >= len("/oauth/callback/") && r.URL.Path[:len("/oauth/callback/")] == "/oauth/callback/") {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get(s.authHeader)
		if !s.apiKeys.Validate(key) {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// envelope is the {success, data, error} shape every REST response uses
// (spec §7 "User-visible failure surface").
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: fmt.Sprintf(format, args...)})
}

func statusForErr(err error) int {
	switch e := err.(type) {
	case *store.Error:
		switch e.Kind {
		case store.ErrConfigNotFound:
			return http.StatusNotFound
		case store.ErrDuplicateName, store.ErrInvalidConfig:
			return http.StatusBadRequest
		}
	case *gateway.ErrNoSuchTool:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	statuses := s.gw.GetAllServerStatuses()
	connected := 0
	for _, st := range statuses {
		if st.State == "connected" {
			connected++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"servers": map[string]int{
			"total":     len(statuses),
			"connected": connected,
		},
		"uptime": time.Since(s.startedAt).String(),
	})
}

// handleEvents streams the EventBus as text/event-stream (spec §6 "GET
// /events"). The mapping is trivial: one "data:" line per JSON-encoded
// Event, flushed immediately.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.gw.Events().Subscribe()
	defer sub.Unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type serverView struct {
	store.ServerConfig
	Status string `json:"status"`
}

func (s *Server) view(cfg store.ServerConfig) serverView {
	status, err := s.gw.GetServerStatus(cfg.ID)
	state := "disconnected"
	if err == nil {
		state = string(status.State)
	}
	return serverView{ServerConfig: cfg, Status: state}
}

func (s *Server) handleListServers(w http.ResponseWriter, _ *http.Request) {
	cfgs := s.st.ListServers()
	views := make([]serverView, 0, len(cfgs))
	for _, cfg := range cfgs {
		views = append(views, s.view(cfg))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var cfg store.ServerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	saved, err := s.gw.RegisterServer(r.Context(), cfg)
	if err != nil {
		writeError(w, statusForErr(err), "%v", err)
		return
	}
	writeJSON(w, http.StatusCreated, s.view(saved))
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.st.GetServer(r.PathValue("id"))
	if err != nil {
		writeError(w, statusForErr(err), "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(cfg))
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	var patch store.ServerConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	updated, err := s.gw.UpdateServer(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		writeError(w, statusForErr(err), "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(updated))
}

func (s *Server) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	if err := s.gw.RemoveServer(r.PathValue("id")); err != nil {
		writeError(w, statusForErr(err), "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": r.PathValue("id")})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.gw.ConnectServer(r.Context(), id); err != nil {
		writeError(w, statusForErr(err), "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.gw.DisconnectServer(id); err != nil {
		writeError(w, statusForErr(err), "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.gw.ReconnectServer(r.Context(), id); err != nil {
		writeError(w, statusForErr(err), "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.gw.RefreshServer(r.Context(), id); err != nil {
		writeError(w, statusForErr(err), "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		updated, err := s.gw.SetEnabled(r.Context(), id, enabled)
		if err != nil {
			writeError(w, statusForErr(err), "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, s.view(updated))
	}
}

func (s *Server) providerConfigFor(id string) (oauth.ProviderConfig, error) {
	cfg, err := s.st.GetServer(id)
	if err != nil {
		return oauth.ProviderConfig{}, err
	}
	return oauth.ProviderConfig{
		ServerURL: cfg.URL, ClientID: cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret, Scopes: cfg.Auth.Scopes,
	}, nil
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st := s.oauthMgr.GetAuthStatus(id)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAuthInitiate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cfg, err := s.providerConfigFor(id)
	if err != nil {
		writeError(w, statusForErr(err), "%v", err)
		return
	}
	result, authURL, err := s.oauthMgr.InitiateAuth(r.Context(), id, cfg)
	if err != nil {
		writeError(w, http.StatusBadGateway, "%v", err)
		return
	}
	resp := map[string]any{"result": string(result)}
	if authURL != "" {
		resp["authUrl"] = authURL
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAuthRevoke(w http.ResponseWriter, r *http.Request) {
	s.oauthMgr.RevokeTokens(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]string{"id": r.PathValue("id")})
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.GetAllTools())
}

func (s *Server) handleListResources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.GetAllResources())
}

func (s *Server) handleListPrompts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.GetAllPrompts())
}

type callToolRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req callToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	result, err := s.gw.CallToolByName(r.Context(), req.Name, req.Arguments, "")
	if err != nil {
		writeError(w, statusForErr(err), "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func logFilterFromQuery(q map[string][]string) requestlog.Filter {
	get := func(k string) string {
		if v, ok := q[k]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}
	offset, _ := strconv.Atoi(get("offset"))
	limit, _ := strconv.Atoi(get("limit"))
	return requestlog.Filter{
		Type:       requestlog.Type(get("type")),
		UpstreamID: get("serverId"),
		Status:     requestlog.Status(get("status")),
		Query:      get("query"),
		Offset:     offset,
		Limit:      limit,
	}
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	entries := s.log.Snapshot(logFilterFromQuery(r.URL.Query()))
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.log.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no such log entry: %s", r.PathValue("id"))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleLogStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.log.Stats())
}

func (s *Server) handleClearLogs(w http.ResponseWriter, _ *http.Request) {
	s.log.Clear()
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

// handleOAuthCallback is the redirect target named in spec §6 and the
// provider's own redirectUrl (spec §4.2): it runs the exchange half of the
// flow, then on success reconnects the owning session, matching the
// browser-visible redirect contract the spec describes.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("serverId")
	code := r.URL.Query().Get("code")
	if code == "" {
		redirectResult(w, r, id, false, "missing authorization code")
		return
	}

	ctx := context.Background()
	if err := s.oauthMgr.HandleCallback(ctx, id, code); err != nil {
		redirectResult(w, r, id, false, err.Error())
		return
	}
	if err := s.gw.OnOAuthComplete(ctx, id); err != nil {
		s.logger.Warn("oauth callback: reconnect after token exchange failed", "serverId", id, "error", err)
	}
	redirectResult(w, r, id, true, "")
}

func redirectResult(w http.ResponseWriter, r *http.Request, serverID string, success bool, message string) {
	target := "/?oauth=error&serverId=" + serverID + "&message=" + message
	if success {
		target = "/?oauth=success&serverId=" + serverID
	}
	http.Redirect(w, r, target, http.StatusFound)
}
