package gateway

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"gotest.tools/assert"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/centianlabs/mcp-gateway/internal/events"
	"github.com/centianlabs/mcp-gateway/internal/requestlog"
	"github.com/centianlabs/mcp-gateway/internal/store"
)

func newTestMetaTools(t *testing.T) *MetaTools {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "store.json"), nil)
	assert.NilError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	gw := New(st, nil, events.New(), requestlog.New(10), "http://127.0.0.1:8080", nil)
	return NewMetaTools(gw)
}

func TestDefinitionsAreNamespacedAndOrdered(t *testing.T) {
	mt := newTestMetaTools(t)
	defs := mt.Definitions()
	assert.Equal(t, len(defs), 3)
	names := []string{defs[0].Tool.Name, defs[1].Tool.Name, defs[2].Tool.Name}
	assert.Equal(t, names[0], MetaToolPrefix+"list_servers")
	assert.Equal(t, names[1], MetaToolPrefix+"search_tools")
	assert.Equal(t, names[2], MetaToolPrefix+"get_server_tools")
	for _, n := range names {
		assert.Assert(t, strings.HasPrefix(n, MetaToolPrefix))
	}
}

func TestListServersReportsZeroOfZeroWhenEmpty(t *testing.T) {
	mt := newTestMetaTools(t)
	result, err := mt.ListServers(context.Background(), nil)
	assert.NilError(t, err)
	assert.Assert(t, !result.IsError)
	assert.Equal(t, len(result.Content), 2)
	summary, ok := result.Content[0].(*mcp.TextContent)
	assert.Assert(t, ok)
	assert.Equal(t, summary.Text, "0 of 0 server(s) connected")
}

func TestSearchToolsReturnsEmptyArrayWhenNoToolsRegistered(t *testing.T) {
	mt := newTestMetaTools(t)
	req := &mcp.CallToolRequest{Params: &mcp.CallToolParamsRaw{
		Name:      MetaToolPrefix + "search_tools",
		Arguments: json.RawMessage(`{"query":"anything"}`),
	}}
	result, err := mt.SearchTools(context.Background(), req)
	assert.NilError(t, err)
	assert.Assert(t, !result.IsError)
	text, ok := result.Content[0].(*mcp.TextContent)
	assert.Assert(t, ok)
	assert.Equal(t, text.Text, "[]")
}

func TestSearchToolsWithNoArgumentsDefaultsToEmptyQuery(t *testing.T) {
	mt := newTestMetaTools(t)
	req := &mcp.CallToolRequest{Params: &mcp.CallToolParamsRaw{Name: MetaToolPrefix + "search_tools"}}
	result, err := mt.SearchTools(context.Background(), req)
	assert.NilError(t, err)
	assert.Assert(t, !result.IsError)
}

func TestGetServerToolsRequiresServerArgument(t *testing.T) {
	mt := newTestMetaTools(t)
	req := &mcp.CallToolRequest{Params: &mcp.CallToolParamsRaw{
		Name:      MetaToolPrefix + "get_server_tools",
		Arguments: json.RawMessage(`{}`),
	}}
	result, err := mt.GetServerTools(context.Background(), req)
	assert.NilError(t, err)
	assert.Assert(t, result.IsError)
}

func TestGetServerToolsRejectsMalformedArguments(t *testing.T) {
	mt := newTestMetaTools(t)
	req := &mcp.CallToolRequest{Params: &mcp.CallToolParamsRaw{
		Name:      MetaToolPrefix + "get_server_tools",
		Arguments: json.RawMessage(`not json`),
	}}
	result, err := mt.GetServerTools(context.Background(), req)
	assert.NilError(t, err)
	assert.Assert(t, result.IsError)
}
