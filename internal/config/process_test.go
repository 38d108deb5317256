package config

import (
	"path/filepath"
	"testing"

	"gotest.tools/assert"
)

func clearProcessEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"HOST", "PORT", "GATEWAY_BASE_URL", "DATA_DIR"} {
		t.Setenv(key, "")
	}
}

func TestLoadProcessConfigDefaults(t *testing.T) {
	clearProcessEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := LoadProcessConfig()
	assert.NilError(t, err)
	assert.Equal(t, cfg.Host, DefaultGatewayHost)
	assert.Equal(t, cfg.Port, DefaultGatewayPort)
	assert.Equal(t, cfg.GatewayBaseURL, "http://127.0.0.1:8080")
	assert.Equal(t, cfg.DataDir, filepath.Join(home, ".centian"))
	assert.Equal(t, cfg.StorePath, filepath.Join(home, ".centian", "store.json"))
	assert.Equal(t, cfg.Addr(), "127.0.0.1:8080")
}

func TestLoadProcessConfigHonorsEnv(t *testing.T) {
	clearProcessEnv(t)
	t.Setenv("HOST", "0.0.0.0")
	t.Setenv("PORT", "9090")
	t.Setenv("GATEWAY_BASE_URL", "https://gateway.example.com")
	t.Setenv("DATA_DIR", "/tmp/custom-gateway-data")

	cfg, err := LoadProcessConfig()
	assert.NilError(t, err)
	assert.Equal(t, cfg.Host, "0.0.0.0")
	assert.Equal(t, cfg.Port, "9090")
	assert.Equal(t, cfg.GatewayBaseURL, "https://gateway.example.com")
	assert.Equal(t, cfg.DataDir, "/tmp/custom-gateway-data")
	assert.Equal(t, cfg.StorePath, filepath.Join("/tmp/custom-gateway-data", "store.json"))
	assert.Equal(t, cfg.Addr(), "0.0.0.0:9090")
}

func TestLoadProcessConfigDerivesBaseURLFromHostPort(t *testing.T) {
	clearProcessEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("HOST", "192.168.1.5")
	t.Setenv("PORT", "9999")

	cfg, err := LoadProcessConfig()
	assert.NilError(t, err)
	assert.Equal(t, cfg.GatewayBaseURL, "http://192.168.1.5:9999")
}
