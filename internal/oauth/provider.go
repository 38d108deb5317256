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

// Package oauth implements the per-upstream OAuth 2.0 + PKCE client state
// machine (C2 OAuthProvider) and the registry that owns one instance per
// remote server id (C3 OAuthManager). The callback-style provider contract
// is grounded on other_examples' theirish81-frags mcpauth OAuthProvider and
// giantswarm-muster's oauth type split. The contract is implemented as
// methods on the concrete *Provider type; the package declares no separate
// Go interface for it, and callers depend on *Provider directly.
package oauth

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/centianlabs/mcp-gateway/internal/store"
)

// InvalidateScope selects which part of a provider's persisted credentials
// to discard.
type InvalidateScope string

const (
	InvalidateAll      InvalidateScope = "all"
	InvalidateClient   InvalidateScope = "client"
	InvalidateTokens   InvalidateScope = "tokens"
	InvalidateVerifier InvalidateScope = "verifier"
)

// ClientMetadata is what the provider advertises to a registration endpoint
// or embeds in an authorization request.
type ClientMetadata struct {
	ClientName              string
	RedirectURI             string
	GrantTypes              []string
	ResponseTypes           []string
	TokenEndpointAuthMethod string
	Scope                   string
}

// Config is the static, per-server configuration a Provider is built from.
type Config struct {
	ServerID       string
	ServerURL      string
	GatewayBaseURL string
	ClientID       string
	ClientSecret   string
	Scopes         []string
	HTTPClient     *http.Client
	OnAuthRedirect func(serverID, authorizationURL string)
}

// Provider is one upstream's OAuth state machine. It implements the
// callback contract an MCP transport expects of an OAuth client:
// redirectUrl, clientMetadata, clientInformation/saveClientInformation,
// tokens/saveTokens, redirectToAuthorization, saveCodeVerifier/codeVerifier,
// invalidateCredentials.
type Provider struct {
	cfg   Config
	store *store.Store

	mu          sync.Mutex
	discovered  *authServerMetadata
	httpClient  *http.Client
}

// New constructs a Provider bound to st for persistence.
func New(cfg Config, st *store.Store) *Provider {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Provider{cfg: cfg, store: st, httpClient: client}
}

// RedirectURL implements the callback contract (spec §4.2).
func (p *Provider) RedirectURL() string {
	return strings.TrimRight(p.cfg.GatewayBaseURL, "/") + "/oauth/callback/" + url.PathEscape(p.cfg.ServerID)
}

// ClientMetadata implements the callback contract.
func (p *Provider) ClientMetadata() ClientMetadata {
	authMethod := "none"
	if p.cfg.ClientSecret != "" {
		authMethod = "client_secret_post"
	}
	return ClientMetadata{
		ClientName:              "mcp-gateway",
		RedirectURI:             p.RedirectURL(),
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: authMethod,
		Scope:                   strings.Join(p.cfg.Scopes, " "),
	}
}

// ClientInformation implements the callback contract: previously persisted
// info, else statically configured credentials, else nothing.
func (p *Provider) ClientInformation() (*store.OAuthClientInfo, bool) {
	if info, ok := p.store.GetClientInfo(p.cfg.ServerID); ok {
		return info, true
	}
	if p.cfg.ClientID != "" {
		return &store.OAuthClientInfo{ClientID: p.cfg.ClientID, ClientSecret: p.cfg.ClientSecret}, true
	}
	return nil, false
}

// SaveClientInformation implements the callback contract.
func (p *Provider) SaveClientInformation(info store.OAuthClientInfo) error {
	p.store.SetClientInfo(p.cfg.ServerID, info)
	return nil
}

// Tokens implements the callback contract.
func (p *Provider) Tokens() (*store.OAuthTokens, bool) {
	t, ok := p.store.GetTokens(p.cfg.ServerID)
	if !ok {
		return nil, false
	}
	return t, true
}

// SaveTokens implements the callback contract.
func (p *Provider) SaveTokens(t store.OAuthTokens) error {
	p.store.SetTokens(p.cfg.ServerID, t)
	return nil
}

// RedirectToAuthorization implements the callback contract: rather than
// redirecting directly, it invokes the injected callback so the gateway can
// publish oauth:required. The in-flight authorization is suspended, not
// failed.
func (p *Provider) RedirectToAuthorization(authorizationURL string) {
	if p.cfg.OnAuthRedirect != nil {
		p.cfg.OnAuthRedirect(p.cfg.ServerID, authorizationURL)
	}
}

// SaveCodeVerifier implements the callback contract: persisted so a crash
// between redirect and callback does not orphan the flow.
func (p *Provider) SaveCodeVerifier(verifier string) error {
	p.store.SetCodeVerifier(p.cfg.ServerID, verifier)
	return nil
}

// CodeVerifier implements the callback contract.
func (p *Provider) CodeVerifier() (string, bool) {
	return p.store.GetCodeVerifier(p.cfg.ServerID)
}

// InvalidateCredentials implements the callback contract, clearing exactly
// the requested subset.
func (p *Provider) InvalidateCredentials(scope InvalidateScope) error {
	switch scope {
	case InvalidateAll:
		p.store.RemoveOAuthState(p.cfg.ServerID)
	case InvalidateClient:
		p.store.SetClientInfo(p.cfg.ServerID, store.OAuthClientInfo{})
	case InvalidateTokens:
		p.store.RemoveTokens(p.cfg.ServerID)
	case InvalidateVerifier:
		p.store.ClearCodeVerifier(p.cfg.ServerID)
	}
	return nil
}

// Result is the outcome of Authorize or ExchangeCode.
type Result string

const (
	ResultAuthorized Result = "AUTHORIZED"
	ResultRedirect   Result = "REDIRECT"
)

// Authorize runs the discovery/DCR/PKCE half of the flow described in spec
// §4.2 steps 1-5. If valid tokens already exist it returns ResultAuthorized
// without any network round-trip; otherwise it emits a redirect via
// RedirectToAuthorization and returns ResultRedirect.
func (p *Provider) Authorize(ctx context.Context) (Result, string, error) {
	if t, ok := p.Tokens(); ok {
		if !t.Expired(time.Now()) {
			return ResultAuthorized, "", nil
		}
		if t.RefreshToken != "" {
			if err := p.Refresh(ctx); err == nil {
				return ResultAuthorized, "", nil
			}
			// Refresh failed (e.g. invalid_grant); fall through to the full
			// discovery/DCR/PKCE redirect flow below.
		}
	}

	asMeta, err := p.discover(ctx)
	if err != nil {
		return "", "", err
	}

	info, ok := p.ClientInformation()
	if !ok {
		if asMeta.RegistrationEndpoint == "" {
			return "", "", newError(KindDcrFailed, "no client_id configured and server has no registration_endpoint")
		}
		resp, err := registerDynamicClient(ctx, p.httpClient, asMeta.RegistrationEndpoint, p.ClientMetadata())
		if err != nil {
			return "", "", err
		}
		info = &store.OAuthClientInfo{ClientID: resp.ClientID, ClientSecret: resp.ClientSecret, IssuedAt: time.Now().UTC()}
		if err := p.SaveClientInformation(*info); err != nil {
			return "", "", errors.Wrap(err, "save client information")
		}
	}

	verifier, err := newCodeVerifier(32)
	if err != nil {
		return "", "", newError(KindDiscoveryFailed, "generate code_verifier: "+err.Error())
	}
	if err := p.SaveCodeVerifier(verifier); err != nil {
		return "", "", errors.Wrap(err, "save code verifier")
	}

	conf := p.oauthConfig(asMeta, info.ClientID, info.ClientSecret)
	authURL := conf.AuthCodeURL("",
		oauth2.SetAuthURLParam("code_challenge", codeChallengeS256(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	p.RedirectToAuthorization(authURL)
	return ResultRedirect, authURL, nil
}

// ExchangeCode runs the token-exchange half described in spec §4.2 step 7:
// POSTs the authorization code plus the saved PKCE verifier to the token
// endpoint, then persists the resulting tokens and clears the verifier.
func (p *Provider) ExchangeCode(ctx context.Context, code string) error {
	asMeta, err := p.discover(ctx)
	if err != nil {
		return err
	}
	info, ok := p.ClientInformation()
	if !ok {
		return newError(KindTokenExchangeFailed, "no client information available")
	}
	verifier, ok := p.CodeVerifier()
	if !ok {
		return newError(KindTokenExchangeFailed, "no code_verifier in flight")
	}

	conf := p.oauthConfig(asMeta, info.ClientID, info.ClientSecret)
	token, err := conf.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		return newError(KindTokenExchangeFailed, err.Error())
	}

	if err := p.InvalidateCredentials(InvalidateVerifier); err != nil {
		return errors.Wrap(err, "invalidate code verifier")
	}
	return p.SaveTokens(tokenFromOAuth2(token))
}

// Refresh exchanges the stored refresh token for a new access token. On
// invalid_grant it invalidates the stored tokens so the next Authorize call
// starts from a clean slate (spec §4.2 step 9).
func (p *Provider) Refresh(ctx context.Context) error {
	asMeta, err := p.discover(ctx)
	if err != nil {
		return err
	}
	info, ok := p.ClientInformation()
	if !ok {
		return newError(KindTokenRefreshFailed, "no client information available")
	}
	t, ok := p.Tokens()
	if !ok || t.RefreshToken == "" {
		return newError(KindTokenRefreshFailed, "no refresh token available")
	}

	conf := p.oauthConfig(asMeta, info.ClientID, info.ClientSecret)
	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: t.RefreshToken})
	token, err := src.Token()
	if err != nil {
		if strings.Contains(err.Error(), "invalid_grant") {
			_ = p.InvalidateCredentials(InvalidateTokens)
		}
		return newError(KindTokenRefreshFailed, err.Error())
	}
	return p.SaveTokens(tokenFromOAuth2(token))
}

func tokenFromOAuth2(t *oauth2.Token) store.OAuthTokens {
	expiresIn := 0
	if !t.Expiry.IsZero() {
		expiresIn = int(time.Until(t.Expiry).Seconds())
	}
	return store.OAuthTokens{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		ExpiresIn:    expiresIn,
		ObtainedAt:   time.Now().UTC(),
		RefreshToken: t.RefreshToken,
	}
}

func (p *Provider) oauthConfig(asMeta *authServerMetadata, clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  p.RedirectURL(),
		Scopes:       p.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  asMeta.AuthorizationEndpoint,
			TokenURL: asMeta.TokenEndpoint,
		},
	}
}

func (p *Provider) discover(ctx context.Context) (*authServerMetadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.discovered != nil {
		return p.discovered, nil
	}
	meta, err := discoverAuthServerMetadata(ctx, p.httpClient, p.cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	p.discovered = meta
	return meta, nil
}
