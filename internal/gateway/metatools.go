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

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/centianlabs/mcp-gateway/internal/router"
	"github.com/centianlabs/mcp-gateway/internal/upstream"
)

// MetaToolPrefix namespaces the always-available introspection tools so
// they never collide with an upstream-prefixed name (spec §4.8).
const MetaToolPrefix = "gateway__"

// MetaTools implements the three always-available gateway__ tools. It reads
// only Gateway's aggregated snapshots; it holds no state of its own.
type MetaTools struct {
	gw *Gateway
}

// NewMetaTools binds a MetaTools to gw.
func NewMetaTools(gw *Gateway) *MetaTools {
	return &MetaTools{gw: gw}
}

// Definitions returns the three meta-tools paired with their handlers, in
// the fixed order callers should list them (spec §4.7 "meta-tools first").
func (m *MetaTools) Definitions() []struct {
	Tool    *mcp.Tool
	Handler mcp.ToolHandler
} {
	return []struct {
		Tool    *mcp.Tool
		Handler mcp.ToolHandler
	}{
		{m.listServersTool(), m.ListServers},
		{m.searchToolsTool(), m.SearchTools},
		{m.getServerToolsTool(), m.GetServerTools},
	}
}

func (m *MetaTools) listServersTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        MetaToolPrefix + "list_servers",
		Description: "List every registered upstream MCP server with its connection status, transport, and capability counts.",
		InputSchema: &jsonschema.Schema{Type: "object", Properties: map[string]*jsonschema.Schema{}},
	}
}

func (m *MetaTools) searchToolsTool() *mcp.Tool {
	return &mcp.Tool{
		Name: MetaToolPrefix + "search_tools",
		Description: "Search aggregated tools by keyword. Every word in the query must match somewhere in the " +
			"tool's original name, prefixed name, or description. Returns full descriptions and input schemas.",
		InputSchema: &jsonschema.Schema{
			Type:     "object",
			Required: []string{"query"},
			Properties: map[string]*jsonschema.Schema{
				"query":  {Type: "string", Description: "Whitespace-separated keywords, all of which must match."},
				"server": {Type: "string", Description: "Restrict results to servers whose normalized prefix contains this substring."},
				"limit":  {Type: "integer", Description: "Maximum number of results (default 20)."},
			},
		},
	}
}

func (m *MetaTools) getServerToolsTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        MetaToolPrefix + "get_server_tools",
		Description: "List every tool of every server whose normalized prefix contains the given substring, in full detail.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Required:   []string{"server"},
			Properties: map[string]*jsonschema.Schema{"server": {Type: "string", Description: "Substring matched against each server's normalized prefix."}},
		},
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func errorResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}}, IsError: true}
}

type serverSummary struct {
	Name      string `json:"name"`
	Prefix    string `json:"prefix"`
	Status    string `json:"status"`
	Transport string `json:"transport"`
	Tools     int    `json:"tools"`
	Resources int    `json:"resources"`
	Prompts   int    `json:"prompts"`
}

// ListServers implements gateway__list_servers (spec §4.8).
func (m *MetaTools) ListServers(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	statuses := m.gw.GetAllServerStatuses()
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ServerName < statuses[j].ServerName })

	connected := 0
	summaries := make([]serverSummary, 0, len(statuses))
	for _, st := range statuses {
		if st.State == upstream.StateConnected {
			connected++
		}
		summaries = append(summaries, serverSummary{
			Name:      st.ServerName,
			Prefix:    router.NormalizePrefix(st.ServerName),
			Status:    string(st.State),
			Transport: string(st.Transport),
			Tools:     len(st.Tools),
			Resources: len(st.Resources),
			Prompts:   len(st.Prompts),
		})
	}

	payload, err := json.Marshal(summaries)
	if err != nil {
		return errorResult("marshaling server list: %v", err), nil
	}
	summary := fmt.Sprintf("%d of %d server(s) connected", connected, len(statuses))
	return &mcp.CallToolResult{Content: []mcp.Content{
		&mcp.TextContent{Text: summary},
		&mcp.TextContent{Text: string(payload)},
	}}, nil
}

type searchArgs struct {
	Query  string `json:"query"`
	Server string `json:"server"`
	Limit  int    `json:"limit"`
}

type toolHit struct {
	Server       string `json:"server"`
	PrefixedName string `json:"prefixedName"`
	OriginalName string `json:"originalName"`
	Description  string `json:"description"`
	InputSchema  any    `json:"inputSchema,omitempty"`
}

const defaultSearchLimit = 20

// SearchTools implements gateway__search_tools (spec §4.8). Match policy:
// every whitespace-separated word in query must occur as a substring of
// "originalName prefixedName description", case-insensitively.
func (m *MetaTools) SearchTools(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args searchArgs
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return errorResult("invalid arguments: %v", err), nil
		}
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	words := strings.Fields(strings.ToLower(args.Query))
	serverFilter := strings.ToLower(args.Server)

	hits := []toolHit{}
	for _, t := range m.gw.GetAllTools() {
		if serverFilter != "" && !strings.Contains(router.NormalizePrefix(t.ServerName), serverFilter) {
			continue
		}
		prefixed := router.PrefixName(t.ServerName, t.Tool.Name)
		haystack := strings.ToLower(t.Tool.Name + " " + prefixed + " " + t.Tool.Description)
		matched := true
		for _, w := range words {
			if !strings.Contains(haystack, w) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		hits = append(hits, toolHit{
			Server:       t.ServerName,
			PrefixedName: prefixed,
			OriginalName: t.Tool.Name,
			Description:  t.Tool.Description,
			InputSchema:  t.Tool.InputSchema,
		})
		if len(hits) >= limit {
			break
		}
	}

	payload, err := json.Marshal(hits)
	if err != nil {
		return errorResult("marshaling search results: %v", err), nil
	}
	return textResult(string(payload)), nil
}

type getServerToolsArgs struct {
	Server string `json:"server"`
}

type serverToolGroup struct {
	Server string    `json:"server"`
	Tools  []toolHit `json:"tools"`
}

// GetServerTools implements gateway__get_server_tools (spec §4.8).
func (m *MetaTools) GetServerTools(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args getServerToolsArgs
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return errorResult("invalid arguments: %v", err), nil
		}
	}
	filter := strings.ToLower(args.Server)
	if filter == "" {
		return errorResult("server is required"), nil
	}

	groups := map[string]*serverToolGroup{}
	var order []string
	for _, t := range m.gw.GetAllTools() {
		if !strings.Contains(router.NormalizePrefix(t.ServerName), filter) {
			continue
		}
		g, ok := groups[t.ServerName]
		if !ok {
			g = &serverToolGroup{Server: t.ServerName}
			groups[t.ServerName] = g
			order = append(order, t.ServerName)
		}
		g.Tools = append(g.Tools, toolHit{
			Server:       t.ServerName,
			PrefixedName: router.PrefixName(t.ServerName, t.Tool.Name),
			OriginalName: t.Tool.Name,
			Description:  t.Tool.Description,
			InputSchema:  t.Tool.InputSchema,
		})
	}

	out := make([]*serverToolGroup, 0, len(order))
	for _, name := range order {
		out = append(out, groups[name])
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return errorResult("marshaling server tools: %v", err), nil
	}
	return textResult(string(payload)), nil
}
