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

package proxyserver

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"gotest.tools/assert"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/centianlabs/mcp-gateway/internal/events"
	"github.com/centianlabs/mcp-gateway/internal/gateway"
	"github.com/centianlabs/mcp-gateway/internal/requestlog"
	"github.com/centianlabs/mcp-gateway/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "store.json"), nil)
	assert.NilError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	gw := gateway.New(st, nil, events.New(), requestlog.New(10), "http://127.0.0.1:8080", nil)
	s := New(gw, nil)
	t.Cleanup(s.Close)
	return s
}

func TestGetServerForRequestCreatesSessionWhenHeaderAbsent(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/mcp", nil)

	mcpServer := s.GetServerForRequest(req)
	assert.Assert(t, mcpServer != nil)

	s.mu.Lock()
	count := len(s.sessions)
	s.mu.Unlock()
	assert.Equal(t, count, 1)
}

func TestGetServerForRequestReusesSessionForSameHeader(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/mcp", nil)
	req.Header.Set(SessionIDHeader, "sess-1")

	first := s.GetServerForRequest(req)
	second := s.GetServerForRequest(req)
	assert.Assert(t, first == second)

	s.mu.Lock()
	count := len(s.sessions)
	s.mu.Unlock()
	assert.Equal(t, count, 1)
}

func TestGetServerForRequestDistinctHeadersGetDistinctSessions(t *testing.T) {
	s := newTestServer(t)
	reqA := httptest.NewRequest("POST", "/mcp", nil)
	reqA.Header.Set(SessionIDHeader, "sess-a")
	reqB := httptest.NewRequest("POST", "/mcp", nil)
	reqB.Header.Set(SessionIDHeader, "sess-b")

	a := s.GetServerForRequest(reqA)
	b := s.GetServerForRequest(reqB)
	assert.Assert(t, a != b)
}

func TestRemoveSessionDropsIt(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/mcp", nil)
	req.Header.Set(SessionIDHeader, "sess-1")
	s.GetServerForRequest(req)

	s.removeSession("sess-1")

	s.mu.Lock()
	_, ok := s.sessions["sess-1"]
	s.mu.Unlock()
	assert.Assert(t, !ok)
}

func TestToolCallHandlerReturnsErrorResultForUnknownTool(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/mcp", nil)
	req.Header.Set(SessionIDHeader, "sess-1")
	s.GetServerForRequest(req)

	s.mu.Lock()
	ds := s.sessions["sess-1"]
	s.mu.Unlock()

	handler := s.toolCallHandler(ds)
	result, err := handler(context.Background(), &mcp.CallToolRequest{
		Params: &mcp.CallToolParamsRaw{Name: "unknown__tool"},
	})
	assert.NilError(t, err)
	assert.Assert(t, result.IsError)
}

func TestToolCallHandlerRejectsMalformedArguments(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/mcp", nil)
	req.Header.Set(SessionIDHeader, "sess-1")
	s.GetServerForRequest(req)

	s.mu.Lock()
	ds := s.sessions["sess-1"]
	s.mu.Unlock()

	handler := s.toolCallHandler(ds)
	result, err := handler(context.Background(), &mcp.CallToolRequest{
		Params: &mcp.CallToolParamsRaw{Name: "unknown__tool", Arguments: json.RawMessage(`not json`)},
	})
	assert.NilError(t, err)
	assert.Assert(t, result.IsError)
}

func TestPromptGetHandlerReturnsErrorForUnknownPrompt(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/mcp", nil)
	req.Header.Set(SessionIDHeader, "sess-1")
	s.GetServerForRequest(req)

	s.mu.Lock()
	ds := s.sessions["sess-1"]
	s.mu.Unlock()

	handler := s.promptGetHandler(ds)
	_, err := handler(context.Background(), &mcp.GetPromptRequest{
		Params: &mcp.GetPromptParams{Name: "unknown__prompt"},
	})
	assert.ErrorContains(t, err, "unknown prompt")
}

func TestResourceReadHandlerReturnsErrorForUnknownURI(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/mcp", nil)
	req.Header.Set(SessionIDHeader, "sess-1")
	s.GetServerForRequest(req)

	s.mu.Lock()
	ds := s.sessions["sess-1"]
	s.mu.Unlock()

	handler := s.resourceReadHandler(ds)
	_, err := handler(context.Background(), &mcp.ReadResourceRequest{
		Params: &mcp.ReadResourceParams{URI: "file:///does-not-exist"},
	})
	assert.ErrorContains(t, err, "unknown resource")
}

func TestCloseIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	s.Close()
	s.Close()
}

func TestHandlerMountsStreamableHTTPEndpoint(t *testing.T) {
	s := newTestServer(t)
	assert.Assert(t, s.Handler() != nil)
}
