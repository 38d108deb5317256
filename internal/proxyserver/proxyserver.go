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

// Package proxyserver implements the downstream-facing MCP endpoint (C7
// ProxyMcpServer). Each downstream client gets its own *mcp.Server instance
// bound to its own session, aggregating every connected upstream's tools,
// resources and prompts under collision-free names. The per-session,
// GetServerForRequest-keyed-by-header pattern is grounded on the teacher's
// CentianProxy/MCPProxy (internal/proxy/server.go); the clear-and-re-register
// resync on topology change is grounded on docker-mcp-gateway's
// reloadConfiguration (cmd/docker-mcp/internal/gateway/run.go).
package proxyserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/centianlabs/mcp-gateway/internal/events"
	"github.com/centianlabs/mcp-gateway/internal/gateway"
	"github.com/centianlabs/mcp-gateway/internal/router"
	"github.com/centianlabs/mcp-gateway/internal/upstream"
)

const (
	serverName    = "mcp-gateway"
	serverVersion = "1.0.0"
)

// SessionIDHeader is the header the SDK uses to correlate a downstream
// request with a previously created session (spec §4.7).
const SessionIDHeader = "Mcp-Session-Id"

// Server is the downstream-facing MCP endpoint: it owns one *mcp.Server per
// downstream session and keeps every session's registered capabilities in
// sync with the Gateway's aggregated view.
type Server struct {
	gw     *gateway.Gateway
	meta   *gateway.MetaTools
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*downstreamSession
	closed   bool
	stop     chan struct{}
}

// downstreamSession tracks one downstream client's bound mcp.Server plus the
// live name→origin mapping its currently-registered tools/prompts resolve
// against. Resource URIs are never prefixed, so they resolve by direct map
// lookup instead of router.Resolve.
type downstreamSession struct {
	id        string
	mcpServer *mcp.Server

	toolItems     []router.NamedItem
	promptItems   []router.NamedItem
	resourceItems map[string]string // URI -> serverID

	registeredTools     []string
	registeredPrompts   []string
	registeredResources []string
}

// New builds a Server bound to gw. It immediately starts a background
// goroutine that resyncs every open session whenever upstream topology
// changes (spec §4.7 "live updates").
func New(gw *gateway.Gateway, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		gw:       gw,
		meta:     gateway.NewMetaTools(gw),
		logger:   logger,
		sessions: make(map[string]*downstreamSession),
		stop:     make(chan struct{}),
	}
	go s.watchTopology()
	return s
}

func (s *Server) watchTopology() {
	sub := s.gw.Events().Subscribe()
	defer sub.Unsubscribe()
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			switch ev.Kind {
			case events.KindServerConnected, events.KindServerDisconnect,
				events.KindServerAdded, events.KindServerRemoved, events.KindServerUpdated:
				s.resyncAll()
			}
		}
	}
}

// Close stops the topology watcher. It does not tear down existing
// downstream sessions; the HTTP server shutdown owns that.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stop)
}

// Handler returns the http.Handler to mount at the /mcp endpoint.
func (s *Server) Handler() http.Handler {
	inner := mcp.NewStreamableHTTPHandler(s.GetServerForRequest, &mcp.StreamableHTTPOptions{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner.ServeHTTP(w, r)
		if r.Method == http.MethodDelete {
			if id := r.Header.Get(SessionIDHeader); id != "" {
				s.removeSession(id)
			}
		}
	})
}

// GetServerForRequest implements the StreamableHTTPHandler server-resolution
// contract: one *mcp.Server per Mcp-Session-Id, created on first sight and
// fully populated with the current aggregated namespace (spec §4.7).
func (s *Server) GetServerForRequest(r *http.Request) *mcp.Server {
	id := r.Header.Get(SessionIDHeader)
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	if ds, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return ds.mcpServer
	}
	ds := &downstreamSession{id: id, resourceItems: make(map[string]string)}
	ds.mcpServer = mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, &mcp.ServerOptions{
		HasTools:     true,
		HasResources: true,
		HasPrompts:   true,
	})
	for _, def := range s.meta.Definitions() {
		ds.mcpServer.AddTool(def.Tool, def.Handler)
	}
	s.sessions[id] = ds
	s.mu.Unlock()

	s.resync(ds)
	return ds.mcpServer
}

func (s *Server) removeSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Server) resyncAll() {
	s.mu.Lock()
	sessions := make([]*downstreamSession, 0, len(s.sessions))
	for _, ds := range s.sessions {
		sessions = append(sessions, ds)
	}
	s.mu.Unlock()

	for _, ds := range sessions {
		s.resync(ds)
	}
}

// resync clears every previously-registered aggregated tool/resource/prompt
// from ds's server and re-registers the current snapshot, grouped by server
// in upstream-reported order (spec §4.7 "grouped by server, preserving
// upstream order"). The SDK's AddTool/RemoveTools calls drive the automatic
// list_changed notification to the one client bound to this session.
func (s *Server) resync(ds *downstreamSession) {
	tools := s.gw.GetAllTools()
	resources := s.gw.GetAllResources()
	prompts := s.gw.GetAllPrompts()

	sort.SliceStable(tools, func(i, j int) bool { return tools[i].ServerName < tools[j].ServerName })
	sort.SliceStable(resources, func(i, j int) bool { return resources[i].ServerName < resources[j].ServerName })
	sort.SliceStable(prompts, func(i, j int) bool { return prompts[i].ServerName < prompts[j].ServerName })

	toolItems := make([]router.NamedItem, 0, len(tools))
	promptItems := make([]router.NamedItem, 0, len(prompts))
	resourceItems := make(map[string]string, len(resources))
	for _, t := range tools {
		toolItems = append(toolItems, router.NamedItem{ServerID: t.ServerID, ServerName: t.ServerName, OriginalName: t.Tool.Name})
	}
	for _, p := range prompts {
		promptItems = append(promptItems, router.NamedItem{ServerID: p.ServerID, ServerName: p.ServerName, OriginalName: p.Prompt.Name})
	}
	for _, r := range resources {
		resourceItems[r.Resource.URI] = r.ServerID
	}

	s.mu.Lock()
	ds.toolItems = toolItems
	ds.promptItems = promptItems
	ds.resourceItems = resourceItems
	s.mu.Unlock()

	if len(ds.registeredTools) > 0 {
		ds.mcpServer.RemoveTools(ds.registeredTools...)
	}
	if len(ds.registeredPrompts) > 0 {
		ds.mcpServer.RemovePrompts(ds.registeredPrompts...)
	}
	if len(ds.registeredResources) > 0 {
		ds.mcpServer.RemoveResources(ds.registeredResources...)
	}

	ds.registeredTools = ds.registeredTools[:0]
	ds.registeredPrompts = ds.registeredPrompts[:0]
	ds.registeredResources = ds.registeredResources[:0]

	toolHandler := s.toolCallHandler(ds)
	for _, t := range tools {
		name := router.PrefixName(t.ServerName, t.Tool.Name)
		ds.mcpServer.AddTool(&mcp.Tool{
			Name:        name,
			Description: router.DescribeWithProvenance(t.ServerName, router.CompactDescription(t.Tool.Description)),
			InputSchema: t.Tool.InputSchema,
		}, toolHandler)
		ds.registeredTools = append(ds.registeredTools, name)
	}

	promptHandler := s.promptGetHandler(ds)
	for _, p := range prompts {
		name := router.PrefixName(p.ServerName, p.Prompt.Name)
		ds.mcpServer.AddPrompt(&mcp.Prompt{
			Name:        name,
			Description: router.DescribeWithProvenance(p.ServerName, router.CompactDescription(p.Prompt.Description)),
			Arguments:   promptArguments(p.Prompt.Arguments),
		}, promptHandler)
		ds.registeredPrompts = append(ds.registeredPrompts, name)
	}

	resourceHandler := s.resourceReadHandler(ds)
	for _, r := range resources {
		ds.mcpServer.AddResource(&mcp.Resource{
			URI:         r.Resource.URI,
			Name:        r.Resource.Name,
			Description: r.Resource.Description,
			MIMEType:    r.Resource.MIMEType,
		}, resourceHandler)
		ds.registeredResources = append(ds.registeredResources, r.Resource.URI)
	}
}

func promptArguments(args []upstream.PromptArgument) []mcp.PromptArgument {
	if len(args) == 0 {
		return nil
	}
	out := make([]mcp.PromptArgument, 0, len(args))
	for _, a := range args {
		out = append(out, mcp.PromptArgument{Name: a.Name, Description: a.Description, Required: a.Required})
	}
	return out
}

// toolCallHandler returns a single handler shared by every tool registered
// on ds. It re-resolves the prefixed name against ds's live snapshot at call
// time rather than closing over a fixed server/name pair, so a resync racing
// a call never dispatches against a stale target. An unresolvable name is a
// tool-call error, not a protocol error (spec §4.7/§7).
func (s *Server) toolCallHandler(ds *downstreamSession) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s.mu.Lock()
		items := ds.toolItems
		s.mu.Unlock()

		item, ok := router.Resolve(items, req.Params.Name)
		if !ok {
			return toolError("unknown tool %q", req.Params.Name), nil
		}

		var args map[string]any
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return toolError("invalid arguments: %v", err), nil
			}
		}

		result, err := s.gw.CallTool(ctx, item.ServerID, item.OriginalName, args, ds.id)
		if err != nil {
			return toolError("%v", err), nil
		}
		return result, nil
	}
}

// promptGetHandler mirrors toolCallHandler for prompts/get.
func (s *Server) promptGetHandler(ds *downstreamSession) mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		s.mu.Lock()
		items := ds.promptItems
		s.mu.Unlock()

		item, ok := router.Resolve(items, req.Params.Name)
		if !ok {
			return nil, invalidParamsErrorf("unknown prompt %q", req.Params.Name)
		}

		args := make(map[string]string, len(req.Params.Arguments))
		for k, v := range req.Params.Arguments {
			args[k] = v
		}

		result, err := s.gw.GetPrompt(ctx, item.ServerID, item.OriginalName, args, ds.id)
		if err != nil {
			return nil, internalError(err)
		}
		return result, nil
	}
}

// resourceReadHandler mirrors toolCallHandler for resources/read. Resource
// URIs are looked up directly: they are never prefixed (spec §4.6).
func (s *Server) resourceReadHandler(ds *downstreamSession) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		s.mu.Lock()
		serverID, ok := ds.resourceItems[req.Params.URI]
		s.mu.Unlock()

		if !ok {
			return nil, invalidParamsErrorf("unknown resource %q", req.Params.URI)
		}
		result, err := s.gw.ReadResource(ctx, serverID, req.Params.URI, ds.id)
		if err != nil {
			return nil, internalError(err)
		}
		return result, nil
	}
}

func toolError(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}}, IsError: true}
}

// JSON-RPC 2.0 error codes (spec §7): invalidParamsCode for a request the
// client could have gotten right (an unresolvable prompt name or resource
// URI), internalErrorCode for a failure on the gateway's or upstream's side.
const (
	invalidParamsCode = -32602
	internalErrorCode = -32603
)

// protocolError is a classified prompts/get or resources/read failure; its
// Code distinguishes a client mistake from a server-side failure the way
// toolCallHandler's in-band CallToolResult.IsError does for tool calls,
// which have no equivalent code to classify by.
type protocolError struct {
	Code    int
	Message string
}

func (e *protocolError) Error() string { return e.Message }

func invalidParamsErrorf(format string, args ...any) error {
	return &protocolError{Code: invalidParamsCode, Message: fmt.Sprintf(format, args...)}
}

func internalError(err error) error {
	return &protocolError{Code: internalErrorCode, Message: err.Error()}
}
