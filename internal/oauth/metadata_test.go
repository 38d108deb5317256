package oauth

import (
	"testing"

	"gotest.tools/assert"
)

func TestWellKnownURLExpandsOriginAndDoc(t *testing.T) {
	url, err := wellKnownURL("https://auth.example.com", "oauth-authorization-server")
	assert.NilError(t, err)
	assert.Equal(t, url, "https://auth.example.com/.well-known/oauth-authorization-server")
}

func TestWellKnownURLPreservesPortAndScheme(t *testing.T) {
	url, err := wellKnownURL("http://127.0.0.1:8080", "oauth-protected-resource")
	assert.NilError(t, err)
	assert.Equal(t, url, "http://127.0.0.1:8080/.well-known/oauth-protected-resource")
}
