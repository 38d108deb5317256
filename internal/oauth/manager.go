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

package oauth

import (
	"context"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/centianlabs/mcp-gateway/internal/store"
)

// Manager is the registry of Provider instances, one per remote server id
// (C3 OAuthManager). The registry shape is grounded on the teacher's
// sessions map[string]*CentianProxySession RWMutex-guarded pattern
// (formerly internal/proxy/server.go), applied to OAuth providers instead
// of proxy sessions.
type Manager struct {
	gatewayBaseURL string
	store          *store.Store
	httpClient     *http.Client
	onAuthRedirect func(serverID, authorizationURL string)

	mu        sync.RWMutex
	providers map[string]*Provider
	configs   map[string]ProviderConfig
}

// ProviderConfig is the subset of a ServerConfig's OAuth settings a
// Provider is constructed from.
type ProviderConfig struct {
	ServerURL    string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// NewManager constructs a Manager. onAuthRedirect is invoked whenever a
// provider suspends a flow awaiting user consent; the gateway wires this to
// publish an oauth:required event.
func NewManager(gatewayBaseURL string, st *store.Store, onAuthRedirect func(serverID, authorizationURL string)) *Manager {
	return &Manager{
		gatewayBaseURL: gatewayBaseURL,
		store:          st,
		httpClient:     http.DefaultClient,
		onAuthRedirect: onAuthRedirect,
		providers:      make(map[string]*Provider),
		configs:        make(map[string]ProviderConfig),
	}
}

// GetProvider returns the provider for id, lazily creating it from cfg. If
// a provider already exists for id with a different cfg, it is replaced.
func (m *Manager) GetProvider(id string, cfg ProviderConfig) *Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.configs[id]; ok && reflect.DeepEqual(existing, cfg) {
		return m.providers[id]
	}
	p := m.newProviderLocked(id, cfg)
	m.providers[id] = p
	m.configs[id] = cfg
	return p
}

// ReplaceProvider discards any existing provider for id and constructs a
// fresh one from cfg, used when a server's auth settings change.
func (m *Manager) ReplaceProvider(id string, cfg ProviderConfig) *Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.newProviderLocked(id, cfg)
	m.providers[id] = p
	m.configs[id] = cfg
	return p
}

// RemoveProvider discards the provider for id without touching its Store
// state.
func (m *Manager) RemoveProvider(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.providers, id)
	delete(m.configs, id)
}

func (m *Manager) newProviderLocked(id string, cfg ProviderConfig) *Provider {
	return New(Config{
		ServerID:       id,
		ServerURL:      cfg.ServerURL,
		GatewayBaseURL: m.gatewayBaseURL,
		ClientID:       cfg.ClientID,
		ClientSecret:   cfg.ClientSecret,
		Scopes:         cfg.Scopes,
		HTTPClient:     m.httpClient,
		OnAuthRedirect: m.onAuthRedirect,
	}, m.store)
}

// InitiateAuth runs the auth routine without an authorization code: returns
// ResultAuthorized if existing valid tokens suffice, ResultRedirect if a new
// user redirect was emitted.
func (m *Manager) InitiateAuth(ctx context.Context, id string, cfg ProviderConfig) (Result, string, error) {
	p := m.GetProvider(id, cfg)
	return p.Authorize(ctx)
}

// HandleCallback runs the exchange half of the flow for an authorization
// code received on the per-server callback leg.
func (m *Manager) HandleCallback(ctx context.Context, id string, code string) error {
	m.mu.RLock()
	p, ok := m.providers[id]
	m.mu.RUnlock()
	if !ok {
		return newError(KindStateMismatch, "no in-flight authorization for server "+id)
	}
	return p.ExchangeCode(ctx, code)
}

// Status is a pure read of a server's current OAuth state.
type Status struct {
	RequiresAuth    bool
	IsAuthenticated bool
	HasClientInfo   bool
}

// GetAuthStatus reports id's current OAuth state without any network call.
func (m *Manager) GetAuthStatus(id string) Status {
	_, hasTokens := m.store.GetTokens(id)
	_, hasClientInfo := m.store.GetClientInfo(id)
	authenticated := false
	if t, ok := m.store.GetTokens(id); ok {
		authenticated = !t.Expired(time.Now())
	}
	return Status{
		RequiresAuth:    !authenticated,
		IsAuthenticated: authenticated,
		HasClientInfo:   hasClientInfo || hasTokens,
	}
}

// RevokeTokens clears all OAuth state for id and discards its provider, so
// a future connect starts from a clean slate.
func (m *Manager) RevokeTokens(id string) {
	m.store.RemoveOAuthState(id)
	m.RemoveProvider(id)
}
