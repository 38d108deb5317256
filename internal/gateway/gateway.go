// Copyright 2025 CentianCLI Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gateway implements the registry of all UpstreamSessions (C5
// Gateway) and the built-in introspection tools (C8 MetaTools). The
// per-id session table is grounded on the teacher's former
// internal/proxy/server.go MCPProxy.sessions map pattern, generalized from
// a per-HTTP-session pool to one long-lived session per server id.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/centianlabs/mcp-gateway/internal/events"
	"github.com/centianlabs/mcp-gateway/internal/oauth"
	"github.com/centianlabs/mcp-gateway/internal/requestlog"
	"github.com/centianlabs/mcp-gateway/internal/router"
	"github.com/centianlabs/mcp-gateway/internal/store"
	"github.com/centianlabs/mcp-gateway/internal/upstream"
)

// ErrNoSuchTool is returned by CallToolByName when no connected session
// exposes a tool matching the given prefixed or original name (spec §7
// NoSuchTool(prefixedName)).
type ErrNoSuchTool struct{ Name string }

func (e *ErrNoSuchTool) Error() string { return fmt.Sprintf("no such tool: %s", e.Name) }

// connectionFields are the ServerConfig fields whose change forces a
// reconnect (spec §4.5).
type connectionFields struct {
	transport store.Transport
	command   string
	args      []string
	env       map[string]string
	cwd       string
	url       string
	headers   map[string]string
	auth      store.AuthConfig
}

func connectionFieldsOf(cfg store.ServerConfig) connectionFields {
	return connectionFields{
		transport: cfg.Transport,
		command:   cfg.Command,
		args:      append([]string(nil), cfg.Args...),
		cwd:       cfg.Cwd,
		url:       cfg.URL,
		env:       cfg.Env,
		headers:   cfg.Headers,
		auth:      cfg.Auth,
	}
}

func (a connectionFields) equal(b connectionFields) bool {
	return reflect.DeepEqual(a, b)
}

// Gateway is the registry of all UpstreamSessions, keyed by server id. It
// serializes configuration mutations through mutationMu so a background
// reconnect and an explicit updateServer/removeServer can never interleave
// incoherently; a single coarse lock is used rather than per-id locks,
// which spec §5 allows as long as no caller observes a partial change.
type Gateway struct {
	store       *store.Store
	oauthMgr    *oauth.Manager
	bus         *events.Bus
	requestLog  *requestlog.Log
	gatewayURL  string
	logger      *slog.Logger

	mutationMu sync.Mutex
	mu         sync.RWMutex
	sessions   map[string]*upstream.Session

	shutdownRequested bool
}

// New constructs a Gateway. Call Initialize to load persisted configs and
// start connecting enabled servers.
func New(st *store.Store, oauthMgr *oauth.Manager, bus *events.Bus, rl *requestlog.Log, gatewayURL string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if rl == nil {
		rl = requestlog.New(0)
	}
	return &Gateway{
		store:      st,
		oauthMgr:   oauthMgr,
		bus:        bus,
		requestLog: rl,
		gatewayURL: gatewayURL,
		logger:     logger,
		sessions:   make(map[string]*upstream.Session),
	}
}

// Initialize loads all configs from the Store, builds sessions (all start
// disconnected), then starts connecting every enabled one in parallel.
// Initialize returns once the connect calls have started; their completion
// is observable via GetServerStatus.
func (g *Gateway) Initialize(ctx context.Context) error {
	g.mutationMu.Lock()
	defer g.mutationMu.Unlock()

	for _, cfg := range g.store.ListServers() {
		g.buildSessionLocked(cfg)
	}

	g.mu.RLock()
	sessions := make([]*upstream.Session, 0, len(g.sessions))
	for _, sess := range g.sessions {
		sessions = append(sessions, sess)
	}
	g.mu.RUnlock()

	for _, sess := range sessions {
		sess := sess
		go func() { _ = sess.Connect(ctx) }()
	}
	return nil
}

// buildSessionLocked must be called with mutationMu held.
func (g *Gateway) buildSessionLocked(cfg store.ServerConfig) *upstream.Session {
	provider := g.providerFor(cfg)
	sess := upstream.New(cfg, provider, g.bus, g.logger)
	g.mu.Lock()
	g.sessions[cfg.ID] = sess
	g.mu.Unlock()
	return sess
}

func (g *Gateway) providerFor(cfg store.ServerConfig) *oauth.Provider {
	if cfg.Auth.Mode != store.AuthOAuth || g.oauthMgr == nil {
		return nil
	}
	return g.oauthMgr.GetProvider(cfg.ID, oauth.ProviderConfig{
		ServerURL:    cfg.URL,
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		Scopes:       cfg.Auth.Scopes,
	})
}

// RegisterServer persists cfg, constructs its session, fires server:added,
// and auto-connects if enabled.
func (g *Gateway) RegisterServer(ctx context.Context, cfg store.ServerConfig) (store.ServerConfig, error) {
	g.mutationMu.Lock()
	defer g.mutationMu.Unlock()

	saved, err := g.store.AddServer(cfg)
	if err != nil {
		return store.ServerConfig{}, err
	}
	sess := g.buildSessionLocked(saved)
	g.publish(events.KindServerAdded, saved.ID, nil)
	if saved.Enabled {
		go func() { _ = sess.Connect(ctx) }()
	}
	return saved, nil
}

// UpdateServer persists patch, replaces or removes the OAuth provider as
// needed, and reconnects only if a connection-affecting field changed.
func (g *Gateway) UpdateServer(ctx context.Context, id string, patch store.ServerConfigPatch) (store.ServerConfig, error) {
	g.mutationMu.Lock()
	defer g.mutationMu.Unlock()

	before, err := g.store.GetServer(id)
	if err != nil {
		return store.ServerConfig{}, err
	}
	after, err := g.store.UpdateServer(id, patch)
	if err != nil {
		return store.ServerConfig{}, err
	}

	g.mu.RLock()
	sess, ok := g.sessions[id]
	g.mu.RUnlock()
	if !ok {
		sess = g.buildSessionLocked(after)
	}

	var provider *oauth.Provider
	if after.Auth.Mode == store.AuthOAuth {
		provider = g.oauthMgr.ReplaceProvider(id, oauth.ProviderConfig{
			ServerURL: after.URL, ClientID: after.Auth.ClientID, ClientSecret: after.Auth.ClientSecret, Scopes: after.Auth.Scopes,
		})
	} else if g.oauthMgr != nil {
		g.oauthMgr.RemoveProvider(id)
	}
	sess.UpdateConfig(after, provider)

	g.publish(events.KindServerUpdated, id, nil)

	connectionChanged := !connectionFieldsOf(before).equal(connectionFieldsOf(after))
	switch {
	case !after.Enabled:
		sess.Disconnect()
	case connectionChanged:
		go func() { _ = sess.Reconnect(ctx) }()
	case after.Enabled && !before.Enabled:
		go func() { _ = sess.Connect(ctx) }()
	}
	return after, nil
}

// RemoveServer disconnects and discards id's session and provider, and
// removes it from the Store.
func (g *Gateway) RemoveServer(id string) error {
	g.mutationMu.Lock()
	defer g.mutationMu.Unlock()

	g.mu.Lock()
	sess, ok := g.sessions[id]
	delete(g.sessions, id)
	g.mu.Unlock()
	if ok {
		sess.Close()
	}
	if g.oauthMgr != nil {
		g.oauthMgr.RemoveProvider(id)
	}
	if err := g.store.RemoveServer(id); err != nil {
		return err
	}
	g.publish(events.KindServerRemoved, id, nil)
	return nil
}

// ConnectServer, DisconnectServer, ReconnectServer, RefreshServer delegate
// directly to the named session.
func (g *Gateway) ConnectServer(ctx context.Context, id string) error {
	sess, err := g.sessionFor(id)
	if err != nil {
		return err
	}
	return sess.Connect(ctx)
}

func (g *Gateway) DisconnectServer(id string) error {
	sess, err := g.sessionFor(id)
	if err != nil {
		return err
	}
	sess.Disconnect()
	return nil
}

func (g *Gateway) ReconnectServer(ctx context.Context, id string) error {
	sess, err := g.sessionFor(id)
	if err != nil {
		return err
	}
	return sess.Reconnect(ctx)
}

func (g *Gateway) RefreshServer(ctx context.Context, id string) error {
	sess, err := g.sessionFor(id)
	if err != nil {
		return err
	}
	return sess.RefreshCapabilities(ctx)
}

// SetEnabled flips the enabled flag and connects/disconnects accordingly.
func (g *Gateway) SetEnabled(ctx context.Context, id string, enabled bool) (store.ServerConfig, error) {
	return g.UpdateServer(ctx, id, store.ServerConfigPatch{Enabled: &enabled})
}

// OnOAuthComplete is valid in states awaitingOauth|disconnected|error: it
// closes any stale transport, resets to disconnected, then connects.
func (g *Gateway) OnOAuthComplete(ctx context.Context, id string) error {
	sess, err := g.sessionFor(id)
	if err != nil {
		return err
	}
	return sess.OnOAuthComplete(ctx)
}

func (g *Gateway) sessionFor(id string) (*upstream.Session, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	sess, ok := g.sessions[id]
	if !ok {
		return nil, &store.Error{Kind: store.ErrConfigNotFound, Detail: id}
	}
	return sess, nil
}

// GetServerStatus returns a snapshot of one session's runtime state.
func (g *Gateway) GetServerStatus(id string) (upstream.Status, error) {
	sess, err := g.sessionFor(id)
	if err != nil {
		return upstream.Status{}, err
	}
	return sess.Snapshot(), nil
}

// GetAllServerStatuses returns a snapshot of every session's runtime state.
func (g *Gateway) GetAllServerStatuses() []upstream.Status {
	g.mu.RLock()
	sessions := make([]*upstream.Session, 0, len(g.sessions))
	for _, sess := range g.sessions {
		sessions = append(sessions, sess)
	}
	g.mu.RUnlock()

	statuses := make([]upstream.Status, 0, len(sessions))
	for _, sess := range sessions {
		statuses = append(statuses, sess.Snapshot())
	}
	return statuses
}

// AggregatedTool, AggregatedResource and AggregatedPrompt annotate a
// capability with the id/name of the server that owns it; router prefixing
// happens above the Gateway, in ProxyMcpServer/MetaTools (spec §4.5).
type AggregatedTool struct {
	ServerID   string
	ServerName string
	Tool       upstream.ToolInfo
}

type AggregatedResource struct {
	ServerID   string
	ServerName string
	Resource   upstream.ResourceInfo
}

type AggregatedPrompt struct {
	ServerID   string
	ServerName string
	Prompt     upstream.PromptInfo
}

// GetAllTools returns every connected session's tools, server-annotated,
// preserving each session's upstream-reported order.
func (g *Gateway) GetAllTools() []AggregatedTool {
	var out []AggregatedTool
	for _, status := range g.GetAllServerStatuses() {
		for _, tool := range status.Tools {
			out = append(out, AggregatedTool{ServerID: status.ServerID, ServerName: status.ServerName, Tool: tool})
		}
	}
	return out
}

// GetAllResources mirrors GetAllTools for resources.
func (g *Gateway) GetAllResources() []AggregatedResource {
	var out []AggregatedResource
	for _, status := range g.GetAllServerStatuses() {
		for _, r := range status.Resources {
			out = append(out, AggregatedResource{ServerID: status.ServerID, ServerName: status.ServerName, Resource: r})
		}
	}
	return out
}

// GetAllPrompts mirrors GetAllTools for prompts.
func (g *Gateway) GetAllPrompts() []AggregatedPrompt {
	var out []AggregatedPrompt
	for _, status := range g.GetAllServerStatuses() {
		for _, p := range status.Prompts {
			out = append(out, AggregatedPrompt{ServerID: status.ServerID, ServerName: status.ServerName, Prompt: p})
		}
	}
	return out
}

// CallTool routes a tool call to the named server's session, logging the
// call's lifecycle in the RequestLog under downstreamSessID (empty when the
// caller has no downstream session, e.g. the REST surface).
func (g *Gateway) CallTool(ctx context.Context, serverID, name string, args map[string]any, downstreamSessID string) (*mcp.CallToolResult, error) {
	sess, err := g.sessionFor(serverID)
	if err != nil {
		return nil, err
	}
	id := g.requestLog.Start(requestlog.StartParams{Type: requestlog.TypeTool, Method: name, UpstreamID: serverID, UpstreamName: sess.Snapshot().ServerName, Arguments: args, DownstreamSessID: downstreamSessID})
	result, err := sess.CallTool(ctx, name, args)
	if err != nil {
		g.requestLog.Fail(id, err.Error())
		return nil, err
	}
	g.requestLog.Complete(id, result, result != nil && result.IsError)
	return result, nil
}

// CallToolByName resolves name against the aggregated tool namespace,
// preferring an exact prefixed-name match and falling back to an
// unambiguous original-name match, then delegates to CallTool. This backs
// the REST `POST /tools/call` surface, which addresses tools by their
// downstream-visible name without a separate serverId (spec §4.5).
func (g *Gateway) CallToolByName(ctx context.Context, name string, args map[string]any, downstreamSessID string) (*mcp.CallToolResult, error) {
	tools := g.GetAllTools()
	for _, t := range tools {
		if router.PrefixName(t.ServerName, t.Tool.Name) == name {
			return g.CallTool(ctx, t.ServerID, t.Tool.Name, args, downstreamSessID)
		}
	}
	found := -1
	for i, t := range tools {
		if t.Tool.Name != name {
			continue
		}
		if found >= 0 {
			return nil, fmt.Errorf("tool name %q matches tools on more than one server; use its prefixed name", name)
		}
		found = i
	}
	if found >= 0 {
		return g.CallTool(ctx, tools[found].ServerID, tools[found].Tool.Name, args, downstreamSessID)
	}
	return nil, &ErrNoSuchTool{Name: name}
}

// ReadResource routes a resource read to the named server's session.
func (g *Gateway) ReadResource(ctx context.Context, serverID, uri string, downstreamSessID string) (*mcp.ReadResourceResult, error) {
	sess, err := g.sessionFor(serverID)
	if err != nil {
		return nil, err
	}
	id := g.requestLog.Start(requestlog.StartParams{Type: requestlog.TypeResource, Method: uri, UpstreamID: serverID, UpstreamName: sess.Snapshot().ServerName, DownstreamSessID: downstreamSessID})
	result, err := sess.ReadResource(ctx, uri)
	if err != nil {
		g.requestLog.Fail(id, err.Error())
		return nil, err
	}
	g.requestLog.Complete(id, result, false)
	return result, nil
}

// GetPrompt routes a prompt fetch to the named server's session.
func (g *Gateway) GetPrompt(ctx context.Context, serverID, name string, args map[string]string, downstreamSessID string) (*mcp.GetPromptResult, error) {
	sess, err := g.sessionFor(serverID)
	if err != nil {
		return nil, err
	}
	id := g.requestLog.Start(requestlog.StartParams{Type: requestlog.TypePrompt, Method: name, UpstreamID: serverID, UpstreamName: sess.Snapshot().ServerName, DownstreamSessID: downstreamSessID})
	result, err := sess.GetPrompt(ctx, name, args)
	if err != nil {
		g.requestLog.Fail(id, err.Error())
		return nil, err
	}
	g.requestLog.Complete(id, result, false)
	return result, nil
}

// RequestLog exposes the RequestLog in which the Gateway records every call
// it forwards through CallTool, ReadResource and GetPrompt.
func (g *Gateway) RequestLog() *requestlog.Log { return g.requestLog }

// Events exposes the Gateway's EventBus for subscribers outside the core.
func (g *Gateway) Events() *events.Bus { return g.bus }

func (g *Gateway) publish(kind events.Kind, serverID string, payload map[string]any) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(events.Event{Kind: kind, ServerID: serverID, Payload: payload})
}

// Shutdown cancels every pending reconnect timer, disconnects every session
// in parallel, and clears the table.
func (g *Gateway) Shutdown() {
	g.mutationMu.Lock()
	defer g.mutationMu.Unlock()

	g.mu.Lock()
	g.shutdownRequested = true
	sessions := make([]*upstream.Session, 0, len(g.sessions))
	for _, sess := range g.sessions {
		sessions = append(sessions, sess)
	}
	g.sessions = make(map[string]*upstream.Session)
	g.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *upstream.Session) {
			defer wg.Done()
			s.Close()
		}(sess)
	}
	wg.Wait()
}
