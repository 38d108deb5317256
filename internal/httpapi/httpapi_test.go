package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"gotest.tools/assert"

	"github.com/centianlabs/mcp-gateway/internal/auth"
	"github.com/centianlabs/mcp-gateway/internal/events"
	"github.com/centianlabs/mcp-gateway/internal/gateway"
	"github.com/centianlabs/mcp-gateway/internal/proxyserver"
	"github.com/centianlabs/mcp-gateway/internal/requestlog"
	"github.com/centianlabs/mcp-gateway/internal/store"
)

func newTestServer(t *testing.T, opts Options) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "store.json"), nil)
	assert.NilError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	gw := gateway.New(st, nil, events.New(), requestlog.New(10), "http://127.0.0.1:8080", nil)
	proxy := proxyserver.New(gw, nil)
	return New(gw, st, nil, gw.RequestLog(), proxy, opts), st
}

func decodeEnvelope(t *testing.T, body []byte) envelope {
	t.Helper()
	var env envelope
	assert.NilError(t, json.Unmarshal(body, &env))
	return env
}

func TestHandleHealthReportsZeroServers(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
}

func TestHandleCreateAndGetServer(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := `{"name":"fs","transport":"stdio","command":"echo"}`
	resp, err := http.Post(ts.URL+"/servers", "application/json", bytes.NewBufferString(body))
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusCreated)

	var created struct {
		Success bool `json:"success"`
		Data    struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	}
	assert.NilError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Assert(t, created.Success)
	assert.Equal(t, created.Data.Name, "fs")
	assert.Assert(t, created.Data.ID != "")

	getResp, err := http.Get(ts.URL + "/servers/" + created.Data.ID)
	assert.NilError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, getResp.StatusCode, http.StatusOK)
}

func TestHandleGetServerUnknownIDReturns404(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/servers/does-not-exist")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusNotFound)
}

func TestHandleCreateServerRejectsInvalidBody(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/servers", "application/json", bytes.NewBufferString("not json"))
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusBadRequest)
}

func TestHandleListToolsEmptyWhenNoServers(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/tools")
	assert.NilError(t, err)
	defer resp.Body.Close()
	body, err := decodeBody(resp)
	assert.NilError(t, err)
	env := decodeEnvelope(t, body)
	assert.Assert(t, env.Success)
}

func TestHandleLogsRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/logs")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	statsResp, err := http.Get(ts.URL + "/logs/stats")
	assert.NilError(t, err)
	defer statsResp.Body.Close()
	assert.Equal(t, statsResp.StatusCode, http.StatusOK)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/logs", nil)
	assert.NilError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	assert.NilError(t, err)
	defer delResp.Body.Close()
	assert.Equal(t, delResp.StatusCode, http.StatusOK)
}

func newTestAPIKeyStore(t *testing.T) (*auth.APIKeyStore, string) {
	t.Helper()
	plainKey := "sk-test-key"
	entry, err := auth.NewAPIKeyEntry(plainKey)
	assert.NilError(t, err)
	path := filepath.Join(t.TempDir(), "api_keys.json")
	_, err = auth.AppendAPIKey(path, entry)
	assert.NilError(t, err)
	keyStore, err := auth.LoadAPIKeys(path)
	assert.NilError(t, err)
	return keyStore, plainKey
}

func TestWithAuthRejectsMissingAPIKey(t *testing.T) {
	keyStore, _ := newTestAPIKeyStore(t)
	srv, _ := newTestServer(t, Options{APIKeys: keyStore})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/servers")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusUnauthorized)
}

func TestWithAuthAcceptsValidAPIKey(t *testing.T) {
	keyStore, plainKey := newTestAPIKeyStore(t)
	srv, _ := newTestServer(t, Options{APIKeys: keyStore, AuthHeader: "X-Api-Key"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/servers", nil)
	assert.NilError(t, err)
	req.Header.Set("X-Api-Key", plainKey)
	resp, err := http.DefaultClient.Do(req)
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
}

func TestWithAuthAllowsHealthUnauthenticated(t *testing.T) {
	keyStore, _ := newTestAPIKeyStore(t)
	srv, _ := newTestServer(t, Options{APIKeys: keyStore})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
}

func decodeBody(resp *http.Response) ([]byte, error) {
	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(resp.Body)
	return buf.Bytes(), err
}
