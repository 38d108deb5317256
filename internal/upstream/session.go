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

// Package upstream implements one live connection to one upstream MCP
// server (C4 UpstreamSession): transport binding, handshake, capability
// discovery, and reconnection. Transport construction is grounded on the
// teacher's former internal/proxy/downstream_connection.go
// (NewDownstreamConnection / createTransport / HeaderRoundTripper), with
// resources/prompts discovery added per mcpany-core's ClientSession
// interface and OAuth-aware connection per internal/oauth.
package upstream

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/pkg/errors"

	"github.com/centianlabs/mcp-gateway/internal/events"
	"github.com/centianlabs/mcp-gateway/internal/oauth"
	"github.com/centianlabs/mcp-gateway/internal/store"
)

// State is a point in the UpstreamSession state machine (spec §4.4).
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateError         State = "error"
	StateAwaitingOauth State = "awaitingOauth"
)

const (
	baseReconnectDelay = 2 * time.Second
	maxReconnectDelay  = 30 * time.Second
	maxReconnectAttempts = 5
	defaultCallTimeout = 5 * time.Minute
)

// ToolInfo, ResourceInfo and PromptInfo mirror the MCP SDK's discovery
// results in a form the gateway can snapshot independently of any live
// session (spec §3).
type ToolInfo struct {
	Name        string
	Description string
	InputSchema any
}

type ResourceInfo struct {
	URI         string
	Name        string
	Description string
	MIMEType    string
}

type PromptArgument struct {
	Name        string
	Description string
	Required    bool
}

type PromptInfo struct {
	Name        string
	Description string
	Arguments   []PromptArgument
}

// CallErrorKind classifies a failed forwarded request (spec §4.4).
type CallErrorKind string

const (
	ErrNotConnected      CallErrorKind = "NotConnected"
	ErrTimeout           CallErrorKind = "Timeout"
	ErrRemote            CallErrorKind = "RemoteError"
	ErrTransportClosed   CallErrorKind = "TransportClosed"
	ErrAwaitingOauthKind CallErrorKind = "AwaitingOauth"
)

// ErrAwaitingOauth is returned by headerRoundTripper when an OAuth-mode
// upstream responds 401, signaling that the stored access token was
// rejected outright rather than merely expired.
var ErrAwaitingOauth = errors.New("upstream rejected credentials with 401; awaiting oauth re-authorization")

// CallError is the classified error returned by forwarding calls.
type CallError struct {
	Kind    CallErrorKind
	Code    int
	Message string
}

func (e *CallError) Error() string {
	if e.Code != 0 {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind)
}

func notConnectedErr() error { return &CallError{Kind: ErrNotConnected, Message: "session is not connected"} }

// Status is a read-only snapshot of a Session's runtime state.
type Status struct {
	ServerID          string
	ServerName        string
	Transport         store.Transport
	State             State
	Error             string
	Tools             []ToolInfo
	Resources         []ResourceInfo
	Prompts           []PromptInfo
	LastConnected     time.Time
	ReconnectAttempts int
}

// Session is one connection to one upstream MCP server.
type Session struct {
	serverID string
	bus      *events.Bus
	logger   *slog.Logger
	provider *oauth.Provider // non-nil only when cfg.Auth.Mode == store.AuthOAuth

	callTimeout time.Duration

	mu                sync.RWMutex
	cfg               store.ServerConfig
	state             State
	lastErr           string
	client            *mcp.Client
	session           *mcp.ClientSession
	tools             []ToolInfo
	resources         []ResourceInfo
	prompts           []PromptInfo
	lastConnected     time.Time
	reconnectAttempts int
	reconnectTimer    *time.Timer
	enabled           bool
	closed            bool
}

// New constructs a disconnected Session. provider must be non-nil iff
// cfg.Auth.Mode is store.AuthOAuth.
func New(cfg store.ServerConfig, provider *oauth.Provider, bus *events.Bus, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		serverID:    cfg.ID,
		bus:         bus,
		logger:      logger.With("serverId", cfg.ID, "serverName", cfg.Name),
		provider:    provider,
		callTimeout: defaultCallTimeout,
		cfg:         cfg,
		state:       StateDisconnected,
		enabled:     cfg.Enabled,
	}
}

// UpdateConfig swaps the configuration used by future (re)connects. It does
// not itself trigger a reconnect; the caller (Gateway) decides that.
func (s *Session) UpdateConfig(cfg store.ServerConfig, provider *oauth.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.enabled = cfg.Enabled
	s.provider = provider
}

// Snapshot returns a deep-copied view of the session's runtime state.
func (s *Session) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		ServerID:          s.serverID,
		ServerName:        s.cfg.Name,
		Transport:         s.cfg.Transport,
		State:             s.state,
		Error:             s.lastErr,
		LastConnected:     s.lastConnected,
		ReconnectAttempts: s.reconnectAttempts,
	}
	if s.state == StateConnected {
		st.Tools = append([]ToolInfo(nil), s.tools...)
		st.Resources = append([]ResourceInfo(nil), s.resources...)
		st.Prompts = append([]PromptInfo(nil), s.prompts...)
	}
	return st
}

// Connect is idempotent: a no-op if already connecting or connected.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	cfg := s.cfg
	provider := s.provider
	s.mu.Unlock()

	if cfg.Auth.Mode == store.AuthOAuth && provider != nil {
		result, _, err := provider.Authorize(ctx)
		if err != nil {
			s.setError(err.Error())
			return err
		}
		if result == oauth.ResultRedirect {
			s.mu.Lock()
			s.state = StateAwaitingOauth
			s.mu.Unlock()
			s.publish(events.KindOAuthRequired, nil)
			return nil
		}
	}

	return s.doConnect(ctx)
}

func (s *Session) doConnect(ctx context.Context) error {
	s.mu.RLock()
	cfg := s.cfg
	provider := s.provider
	s.mu.RUnlock()

	transport, err := s.buildTransport(cfg, provider)
	if err != nil {
		s.setError(err.Error())
		return err
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "mcp-gateway", Version: "0.1.0"}, nil)
	clientSession, err := client.Connect(ctx, transport, nil)
	if err != nil {
		if cfg.Auth.Mode == store.AuthOAuth && errors.Is(err, ErrAwaitingOauth) {
			s.handleAwaitingOauth(provider)
			return err
		}
		s.setError(err.Error())
		s.scheduleReconnect()
		return err
	}

	tools := discoverTools(ctx, clientSession, s.logger)
	resources := discoverResources(ctx, clientSession, s.logger)
	prompts := discoverPrompts(ctx, clientSession, s.logger)

	s.mu.Lock()
	s.client = client
	s.session = clientSession
	s.tools = tools
	s.resources = resources
	s.prompts = prompts
	s.state = StateConnected
	s.lastErr = ""
	s.lastConnected = time.Now().UTC()
	s.reconnectAttempts = 0
	s.mu.Unlock()

	go s.watchTransport(clientSession)

	s.publish(events.KindServerConnected, nil)
	return nil
}

// watchTransport blocks until session's transport closes, then transitions
// the session to disconnected and schedules a reconnect, mirroring the
// failure branch in doConnect. session is compared against the session
// field under lock on wake so a closure that races an explicit Disconnect
// or Reconnect (which already owns the transition) is a no-op here.
func (s *Session) watchTransport(session *mcp.ClientSession) {
	session.Wait()

	s.mu.Lock()
	if s.session != session {
		s.mu.Unlock()
		return
	}
	s.session = nil
	s.client = nil
	wasConnected := s.state == StateConnected
	s.state = StateDisconnected
	s.mu.Unlock()

	if wasConnected {
		s.publish(events.KindServerDisconnect, nil)
	}
	s.scheduleReconnect()
}

// Disconnect cancels any pending reconnect and closes the client/transport.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.cancelReconnectLocked()
	session := s.session
	s.session = nil
	s.client = nil
	s.tools = nil
	s.resources = nil
	s.prompts = nil
	wasConnected := s.state == StateConnected
	s.state = StateDisconnected
	s.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
	if wasConnected {
		s.publish(events.KindServerDisconnect, nil)
	}
}

// Reconnect disconnects, resets the backoff counter, then connects again.
func (s *Session) Reconnect(ctx context.Context) error {
	s.Disconnect()
	s.mu.Lock()
	s.reconnectAttempts = 0
	s.mu.Unlock()
	return s.Connect(ctx)
}

// RefreshCapabilities re-runs tool/resource/prompt discovery. Requires the
// session to currently be connected.
func (s *Session) RefreshCapabilities(ctx context.Context) error {
	s.mu.RLock()
	session := s.session
	connected := s.state == StateConnected
	s.mu.RUnlock()
	if !connected || session == nil {
		return notConnectedErr()
	}

	tools := discoverTools(ctx, session, s.logger)
	resources := discoverResources(ctx, session, s.logger)
	prompts := discoverPrompts(ctx, session, s.logger)

	s.mu.Lock()
	s.tools = tools
	s.resources = resources
	s.prompts = prompts
	s.mu.Unlock()
	return nil
}

// OnOAuthComplete moves the session from awaitingOauth/disconnected/error
// back to disconnected, then connects it with the freshly obtained tokens.
func (s *Session) OnOAuthComplete(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateAwaitingOauth && s.state != StateDisconnected && s.state != StateError {
		s.mu.Unlock()
		return nil
	}
	session := s.session
	s.session = nil
	s.client = nil
	s.state = StateDisconnected
	s.mu.Unlock()
	if session != nil {
		_ = session.Close()
	}
	return s.Connect(ctx)
}

// handleAwaitingOauth suspends the session and invalidates its stored tokens
// when a round trip reports ErrAwaitingOauth, matching the suspend-not-fail
// treatment Connect gives an initial authorization redirect (spec §4.4).
func (s *Session) handleAwaitingOauth(provider *oauth.Provider) {
	s.mu.Lock()
	s.cancelReconnectLocked()
	session := s.session
	s.session = nil
	s.client = nil
	s.state = StateAwaitingOauth
	s.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
	if provider != nil {
		_ = provider.InvalidateCredentials(oauth.InvalidateTokens)
	}
	s.publish(events.KindOAuthRequired, nil)
}

// CallTool forwards a tool call to the upstream, applying the default call
// timeout.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	session, err := s.requireConnected()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	result, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	s.handleMidSessionErr(err)
	return result, classifyErr(err)
}

// ReadResource forwards a resource read to the upstream.
func (s *Session) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	session, err := s.requireConnected()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	result, err := session.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
	s.handleMidSessionErr(err)
	return result, classifyErr(err)
}

// GetPrompt forwards a prompt fetch to the upstream.
func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	session, err := s.requireConnected()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	result, err := session.GetPrompt(ctx, &mcp.GetPromptParams{Name: name, Arguments: args})
	s.handleMidSessionErr(err)
	return result, classifyErr(err)
}

// handleMidSessionErr suspends an OAuth-mode session awaiting reauthorization
// when a live forwarded call reports ErrAwaitingOauth (a 401 on the
// already-established transport), the same transition doConnect's failure
// branch applies to a rejected initial connect.
func (s *Session) handleMidSessionErr(err error) {
	if err == nil || !errors.Is(err, ErrAwaitingOauth) {
		return
	}
	s.mu.RLock()
	provider := s.provider
	oauthMode := s.cfg.Auth.Mode == store.AuthOAuth
	s.mu.RUnlock()
	if oauthMode {
		s.handleAwaitingOauth(provider)
	}
}

func (s *Session) requireConnected() (*mcp.ClientSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateConnected || s.session == nil {
		return nil, notConnectedErr()
	}
	return s.session, nil
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAwaitingOauth) {
		return &CallError{Kind: ErrAwaitingOauthKind, Message: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &CallError{Kind: ErrTimeout, Message: err.Error()}
	}
	return &CallError{Kind: ErrRemote, Message: err.Error()}
}

func (s *Session) setError(msg string) {
	s.mu.Lock()
	s.state = StateError
	s.lastErr = msg
	s.mu.Unlock()
	s.publish(events.KindServerStatus, map[string]any{"error": msg})
}

func (s *Session) publish(kind events.Kind, payload map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Kind: kind, ServerID: s.serverID, Payload: payload})
}

// scheduleReconnect schedules a retry with exponential backoff, capped at
// maxReconnectDelay, giving up after maxReconnectAttempts (spec §4.4).
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.enabled {
		return
	}
	s.cancelReconnectLocked()
	if s.reconnectAttempts >= maxReconnectAttempts {
		s.state = StateError
		s.lastErr = "giving up after too many reconnect attempts"
		return
	}
	attempt := s.reconnectAttempts
	s.reconnectAttempts++
	delay := backoffDelay(attempt)
	s.reconnectTimer = time.AfterFunc(delay, func() {
		_ = s.Connect(context.Background())
	})
}

func (s *Session) cancelReconnectLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

// backoffDelay implements min(30s, 2s*2^attempt + jitter[0,1s)).
func backoffDelay(attempt int) time.Duration {
	exp := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(baseReconnectDelay)*exp) + jitter()
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay
}

func jitter() time.Duration {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	n := binary.BigEndian.Uint64(b[:])
	return time.Duration(n % uint64(time.Second))
}

// buildTransport constructs the mcp.Transport for cfg, wiring static auth
// headers for every non-OAuth mode. For OAuth it attaches the provider's
// stored access token, if any, as a Bearer Authorization header; the token
// is read once here, so a token saved later is only sent after the
// transport is rebuilt by the next connect.
func (s *Session) buildTransport(cfg store.ServerConfig, provider *oauth.Provider) (mcp.Transport, error) {
	switch cfg.Transport {
	case store.TransportStdio:
		return s.buildStdioTransport(cfg)
	case store.TransportSSE:
		return s.buildHTTPTransport(cfg, provider, true)
	case store.TransportStreamableHTTP:
		return s.buildHTTPTransport(cfg, provider, false)
	default:
		return nil, errors.Errorf("unsupported transport %q", cfg.Transport)
	}
}

func (s *Session) buildStdioTransport(cfg store.ServerConfig) (mcp.Transport, error) {
	if cfg.Command == "" {
		return nil, errors.New("stdio transport requires a command")
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = expandHome(cfg.Cwd)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	return &mcp.CommandTransport{Command: cmd}, nil
}

func (s *Session) buildHTTPTransport(cfg store.ServerConfig, provider *oauth.Provider, sse bool) (mcp.Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("remote transport requires a url")
	}
	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.Auth.Mode != store.AuthOAuth {
		for k, v := range cfg.Auth.BuildHeaders() {
			headers[k] = v
		}
	} else if provider != nil {
		if tokens, ok := provider.Tokens(); ok {
			headers["Authorization"] = "Bearer " + tokens.AccessToken
		}
	}

	httpClient := &http.Client{Transport: &headerRoundTripper{
		base:       http.DefaultTransport,
		headers:    headers,
		oauthAware: cfg.Auth.Mode == store.AuthOAuth,
	}}
	if sse {
		return &mcp.SSEClientTransport{Endpoint: cfg.URL, HTTPClient: httpClient}, nil
	}
	return &mcp.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: httpClient}, nil
}

func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + strings.TrimPrefix(path, "~")
}

// headerRoundTripper injects a fixed header set on every outgoing request,
// grounded on the teacher's former HeaderRoundTripper. When oauthAware is set
// it additionally turns a 401 response into ErrAwaitingOauth so callers can
// distinguish "credentials rejected" from an ordinary transport error.
type headerRoundTripper struct {
	base       http.RoundTripper
	headers    map[string]string
	oauthAware bool
}

func (rt *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	for k, v := range rt.headers {
		cloned.Header.Set(k, v)
	}
	resp, err := rt.base.RoundTrip(cloned)
	if err != nil {
		return nil, err
	}
	if rt.oauthAware && resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		return nil, ErrAwaitingOauth
	}
	return resp, nil
}

func discoverTools(ctx context.Context, session *mcp.ClientSession, logger *slog.Logger) []ToolInfo {
	result, err := session.ListTools(ctx, nil)
	if err != nil {
		logger.Warn("list tools failed", "error", err)
		return nil
	}
	infos := make([]ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		infos = append(infos, ToolInfo{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return infos
}

func discoverResources(ctx context.Context, session *mcp.ClientSession, logger *slog.Logger) []ResourceInfo {
	result, err := session.ListResources(ctx, nil)
	if err != nil {
		logger.Warn("list resources failed", "error", err)
		return nil
	}
	infos := make([]ResourceInfo, 0, len(result.Resources))
	for _, r := range result.Resources {
		infos = append(infos, ResourceInfo{URI: r.URI, Name: r.Name, Description: r.Description, MIMEType: r.MIMEType})
	}
	return infos
}

func discoverPrompts(ctx context.Context, session *mcp.ClientSession, logger *slog.Logger) []PromptInfo {
	result, err := session.ListPrompts(ctx, nil)
	if err != nil {
		logger.Warn("list prompts failed", "error", err)
		return nil
	}
	infos := make([]PromptInfo, 0, len(result.Prompts))
	for _, p := range result.Prompts {
		args := make([]PromptArgument, 0, len(p.Arguments))
		for _, a := range p.Arguments {
			args = append(args, PromptArgument{Name: a.Name, Description: a.Description, Required: a.Required})
		}
		infos = append(infos, PromptInfo{Name: p.Name, Description: p.Description, Arguments: args})
	}
	return infos
}

// Close permanently stops this session: cancels timers and disconnects.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Disconnect()
}
