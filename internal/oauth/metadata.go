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
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/yosida95/uritemplate/v3"
)

// wellKnownURL expands an RFC 6570 URI template of the form
// "{+origin}/.well-known/<doc>" against an origin like "https://host:port".
// The "+origin" reserved expansion keeps the "://" in the origin from being
// percent-escaped, which the default simple-string expansion would do.
func wellKnownURL(origin, doc string) (string, error) {
	tpl, err := uritemplate.New("{+origin}/.well-known/{doc}")
	if err != nil {
		return "", err
	}
	values := uritemplate.Values{}
	values.Set("origin", uritemplate.String(origin))
	values.Set("doc", uritemplate.String(doc))
	return tpl.Expand(values)
}

// protectedResourceMetadata is the .well-known/oauth-protected-resource
// document shape (RFC 9728).
type protectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported"`
}

// authServerMetadata is the .well-known/oauth-authorization-server document
// shape (RFC 8414), with an OpenID Connect Discovery document as a fallback
// source for the same fields.
type authServerMetadata struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	RegistrationEndpoint             string   `json:"registration_endpoint,omitempty"`
	ScopesSupported                  []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethodsSupported    []string `json:"code_challenge_methods_supported,omitempty"`
}

type dcrRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

type dcrResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %s", endpoint, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(buf)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s: unexpected status %s", endpoint, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// discoverAuthServerMetadata performs steps 2-3 of the OAuth flow described
// in spec §4.2: resource metadata, then authorization server metadata,
// falling back to OpenID Connect Discovery.
func discoverAuthServerMetadata(ctx context.Context, client *http.Client, serverURL string) (*authServerMetadata, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, newError(KindDiscoveryFailed, err.Error())
	}
	origin := parsed.Scheme + "://" + parsed.Host

	var prm protectedResourceMetadata
	prmURL, err := wellKnownURL(origin, "oauth-protected-resource")
	if err != nil {
		return nil, newError(KindDiscoveryFailed, "building protected resource metadata url: "+err.Error())
	}
	if err := getJSON(ctx, client, prmURL, &prm); err != nil {
		return nil, newError(KindDiscoveryFailed, "protected resource metadata: "+err.Error())
	}

	asOrigin := origin
	if len(prm.AuthorizationServers) > 0 {
		if u, err := url.Parse(prm.AuthorizationServers[0]); err == nil {
			asOrigin = u.Scheme + "://" + u.Host
		}
	}

	var asMeta authServerMetadata
	asURL, err := wellKnownURL(asOrigin, "oauth-authorization-server")
	if err != nil {
		return nil, newError(KindDiscoveryFailed, "building authorization server metadata url: "+err.Error())
	}
	if err := getJSON(ctx, client, asURL, &asMeta); err != nil {
		oidcURL, oidcErr := wellKnownURL(asOrigin, "openid-configuration")
		if oidcErr != nil {
			return nil, newError(KindDiscoveryFailed, "building openid-configuration url: "+oidcErr.Error())
		}
		if err2 := getJSON(ctx, client, oidcURL, &asMeta); err2 != nil {
			return nil, newError(KindDiscoveryFailed, fmt.Sprintf("oauth-authorization-server: %v; openid-configuration: %v", err, err2))
		}
	}
	if asMeta.AuthorizationEndpoint == "" || asMeta.TokenEndpoint == "" {
		return nil, newError(KindDiscoveryFailed, "authorization server metadata missing required endpoints")
	}
	return &asMeta, nil
}

// registerDynamicClient performs RFC 7591 dynamic client registration.
func registerDynamicClient(ctx context.Context, client *http.Client, registrationEndpoint string, meta ClientMetadata) (*dcrResponse, error) {
	req := dcrRequest{
		ClientName:              meta.ClientName,
		RedirectURIs:            []string{meta.RedirectURI},
		GrantTypes:              meta.GrantTypes,
		ResponseTypes:           meta.ResponseTypes,
		TokenEndpointAuthMethod: meta.TokenEndpointAuthMethod,
		Scope:                   meta.Scope,
	}
	var resp dcrResponse
	if err := postJSON(ctx, client, registrationEndpoint, req, &resp); err != nil {
		return nil, newError(KindDcrFailed, err.Error())
	}
	if resp.ClientID == "" {
		return nil, newError(KindDcrFailed, "registration response missing client_id")
	}
	return &resp, nil
}
