package config

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/assert"
)

func TestGetConfigDirHonorsDataDir(t *testing.T) {
	t.Setenv("DATA_DIR", "/tmp/custom-gateway-dir")
	dir, err := GetConfigDir()
	assert.NilError(t, err)
	assert.Equal(t, dir, "/tmp/custom-gateway-dir")
}

func TestGetConfigDirDefaultsUnderHome(t *testing.T) {
	t.Setenv("DATA_DIR", "")
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir, err := GetConfigDir()
	assert.NilError(t, err)
	assert.Equal(t, dir, filepath.Join(home, ".centian"))
}

func TestEnsureConfigDirCreatesDirectory(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("DATA_DIR", "")

	assert.NilError(t, EnsureConfigDir())

	info, err := os.Stat(filepath.Join(home, ".centian"))
	assert.NilError(t, err)
	assert.Assert(t, info.IsDir())
}
