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

// Package daemon owns the gateway's long-running process lifecycle: the
// shared Runtime that both the foreground "server start" command and the
// background daemon wrap, plus the background variant's PID file and TCP
// control plane. The control-plane/PID-file shape is grounded on the
// teacher's former Daemon (net.Listen("tcp", "127.0.0.1:0") plus a JSON PID
// file under ~/.centian); the request/response envelope is kept in
// the pre-existing Request/Response shape declared in daemon.go.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	goerrors "errors"

	"github.com/pkg/errors"

	"github.com/centianlabs/mcp-gateway/internal/auth"
	"github.com/centianlabs/mcp-gateway/internal/config"
	"github.com/centianlabs/mcp-gateway/internal/events"
	"github.com/centianlabs/mcp-gateway/internal/gateway"
	"github.com/centianlabs/mcp-gateway/internal/httpapi"
	"github.com/centianlabs/mcp-gateway/internal/oauth"
	"github.com/centianlabs/mcp-gateway/internal/proxyserver"
	"github.com/centianlabs/mcp-gateway/internal/requestlog"
	"github.com/centianlabs/mcp-gateway/internal/store"
)

const defaultRequestLogCap = 500

// Options configures a Runtime. Every field left zero is resolved from its
// corresponding environment variable, falling back to a hard-coded default
// (spec §9 "Configuration").
type Options struct {
	Host           string // HOST
	Port           string // PORT
	GatewayBaseURL string // GATEWAY_BASE_URL
	DataDir        string // DATA_DIR
	AuthHeader     string
	Logger         *slog.Logger
}

// resolve fills unset fields from the environment and computed defaults,
// delegating to config.LoadProcessConfig for the shared env-var resolution
// so "server start" and "daemon start" never drift out of sync with each other or
// with "mcp-gateway init".
func (o Options) resolve() (Options, error) {
	defaults, err := config.LoadProcessConfig()
	if err != nil {
		return o, errors.Wrap(err, "resolve process config")
	}
	if o.Host == "" {
		o.Host = defaults.Host
	}
	if o.Port == "" {
		o.Port = defaults.Port
	}
	if o.GatewayBaseURL == "" {
		if o.Host != defaults.Host || o.Port != defaults.Port {
			o.GatewayBaseURL = fmt.Sprintf("http://%s:%s", o.Host, o.Port)
		} else {
			o.GatewayBaseURL = defaults.GatewayBaseURL
		}
	}
	if o.DataDir == "" {
		o.DataDir = defaults.DataDir
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o, nil
}

// Runtime is the fully wired gateway core: Store, EventBus, RequestLog,
// OAuthManager, Gateway, the downstream ProxyMcpServer and the REST
// surface, bound to one *http.Server. It is the single construction point
// shared by "mcp-gateway server start" and the background daemon so the two never
// drift out of sync (spec §2 system overview).
type Runtime struct {
	Options Options

	Store    *store.Store
	Events   *events.Bus
	Log      *requestlog.Log
	OAuth    *oauth.Manager
	Gateway  *gateway.Gateway
	Proxy    *proxyserver.Server
	HTTPAPI  *httpapi.Server
	Server   *http.Server
	Listener string // resolved "host:port" address the HTTP server binds to
}

// NewRuntime wires a Runtime from opts without starting anything.
func NewRuntime(opts Options) (*Runtime, error) {
	opts, err := opts.resolve()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.DataDir, 0o750); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}

	storePath := filepath.Join(opts.DataDir, "store.json")
	st, err := store.Open(storePath, opts.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}

	bus := events.New()
	rl := requestlog.New(defaultRequestLogCap)

	oauthMgr := oauth.NewManager(opts.GatewayBaseURL, st, func(serverID, authorizationURL string) {
		bus.Publish(events.Event{
			Kind:     events.KindOAuthRequired,
			ServerID: serverID,
			Payload:  map[string]any{"authorizationUrl": authorizationURL},
		})
	})
	gw := gateway.New(st, oauthMgr, bus, rl, opts.GatewayBaseURL, opts.Logger)

	proxy := proxyserver.New(gw, opts.Logger)

	var apiKeys *auth.APIKeyStore
	if opts.AuthHeader != "" {
		apiKeys, err = auth.LoadDefaultAPIKeys()
		if err != nil {
			return nil, errors.Wrap(err, "load api keys")
		}
	}
	api := httpapi.New(gw, st, oauthMgr, rl, proxy, httpapi.Options{
		APIKeys:    apiKeys,
		AuthHeader: opts.AuthHeader,
		Logger:     opts.Logger,
	})

	addr := opts.Host + ":" + opts.Port
	return &Runtime{
		Options:  opts,
		Store:    st,
		Events:   bus,
		Log:      rl,
		OAuth:    oauthMgr,
		Gateway:  gw,
		Proxy:    proxy,
		HTTPAPI:  api,
		Listener: addr,
		Server: &http.Server{
			Addr:    addr,
			Handler: api.Handler(),
		},
	}, nil
}

// Start connects every configured upstream and begins serving HTTP. It
// returns once the listener is up; HTTP serving continues on a background
// goroutine until Shutdown is called.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.Gateway.Initialize(ctx); err != nil {
		return errors.Wrap(err, "initialize gateway")
	}
	ln, err := net.Listen("tcp", r.Server.Addr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	r.Listener = ln.Addr().String()
	go func() {
		if err := r.Server.Serve(ln); err != nil && !goerrors.Is(err, http.ErrServerClosed) {
			r.Options.Logger.Error("http server exited", "error", err)
		}
	}()
	return nil
}

// Shutdown stops the HTTP server, tears down every upstream connection and
// flushes the store to disk.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := r.Server.Shutdown(ctx); err != nil {
		firstErr = err
	}
	r.Gateway.Shutdown()
	r.Proxy.Close()
	if err := r.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// StatusSummary is the JSON-serializable snapshot a running daemon reports
// over the control plane.
type StatusSummary struct {
	Address     string `json:"address"`
	ServerCount int    `json:"server_count"`
	PID         int    `json:"pid"`
}

func (r *Runtime) statusSummary() StatusSummary {
	return StatusSummary{
		Address:     r.Listener,
		ServerCount: len(r.Gateway.GetAllServerStatuses()),
		PID:         os.Getpid(),
	}
}
