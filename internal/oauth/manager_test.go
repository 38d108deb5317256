package oauth

import (
	"testing"

	"gotest.tools/assert"

	"github.com/centianlabs/mcp-gateway/internal/store"
)

func TestGetProviderReusesSameConfig(t *testing.T) {
	st := openTestStore(t)
	m := NewManager("http://127.0.0.1:8080", st, nil)
	cfg := ProviderConfig{ServerURL: "https://upstream.example.com"}

	p1 := m.GetProvider("srv1", cfg)
	p2 := m.GetProvider("srv1", cfg)
	assert.Assert(t, p1 == p2)
}

func TestGetProviderReplacesOnConfigChange(t *testing.T) {
	st := openTestStore(t)
	m := NewManager("http://127.0.0.1:8080", st, nil)

	p1 := m.GetProvider("srv1", ProviderConfig{ServerURL: "https://a.example.com"})
	p2 := m.GetProvider("srv1", ProviderConfig{ServerURL: "https://b.example.com"})
	assert.Assert(t, p1 != p2)
}

func TestRemoveProviderClearsRegistry(t *testing.T) {
	st := openTestStore(t)
	m := NewManager("http://127.0.0.1:8080", st, nil)
	cfg := ProviderConfig{ServerURL: "https://upstream.example.com"}

	m.GetProvider("srv1", cfg)
	m.RemoveProvider("srv1")

	p := m.GetProvider("srv1", cfg)
	assert.Assert(t, p != nil)
}

func TestHandleCallbackWithNoInFlightAuthReturnsStateMismatch(t *testing.T) {
	st := openTestStore(t)
	m := NewManager("http://127.0.0.1:8080", st, nil)

	err := m.HandleCallback(nil, "unknown-server", "some-code")
	oauthErr, ok := err.(*Error)
	assert.Assert(t, ok)
	assert.Equal(t, oauthErr.Kind, KindStateMismatch)
}

func TestGetAuthStatusRequiresAuthWhenNoTokens(t *testing.T) {
	st := openTestStore(t)
	m := NewManager("http://127.0.0.1:8080", st, nil)

	status := m.GetAuthStatus("srv1")
	assert.Assert(t, status.RequiresAuth)
	assert.Assert(t, !status.IsAuthenticated)
	assert.Assert(t, !status.HasClientInfo)
}

func TestRevokeTokensClearsStoreAndProvider(t *testing.T) {
	st := openTestStore(t)
	m := NewManager("http://127.0.0.1:8080", st, nil)
	cfg := ProviderConfig{ServerURL: "https://upstream.example.com"}
	m.GetProvider("srv1", cfg)

	st.SetTokens("srv1", store.OAuthTokens{AccessToken: "tok"})
	m.RevokeTokens("srv1")

	_, ok := st.GetTokens("srv1")
	assert.Assert(t, !ok)
}
