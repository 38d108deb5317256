package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/centianlabs/mcp-gateway/internal/store"
	urfavecli "github.com/urfave/cli/v3"
)

// TestInitCommandWorkflow tests the complete init command workflow against
// an empty store.
func TestInitCommandWorkflow(t *testing.T) {
	tempDir := t.TempDir()
	testHome := filepath.Join(tempDir, "cli_test")
	t.Setenv("HOME", testHome)
	t.Setenv("DATA_DIR", "")

	ctx := context.Background()
	cmd := &urfavecli.Command{
		Name: "init",
		Flags: []urfavecli.Flag{
			&urfavecli.BoolFlag{Name: "force"},
			&urfavecli.BoolFlag{Name: "no-import"},
		},
	}
	cmd.Set("no-import", "true")

	if err := initGateway(ctx, cmd); err != nil {
		t.Fatalf("first init failed: %v", err)
	}

	storePath := filepath.Join(testHome, ".centian", "store.json")
	if _, err := os.Stat(storePath); os.IsNotExist(err) {
		t.Fatalf("store file was not created at %s", storePath)
	}

	data, err := os.ReadFile(storePath)
	if err != nil {
		t.Fatalf("reading store file: %v", err)
	}
	var doc struct {
		Servers []store.ServerConfig `json:"servers"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("store file is not valid JSON: %v", err)
	}
	if len(doc.Servers) != 0 {
		t.Errorf("expected empty store, got %d servers", len(doc.Servers))
	}
}

// TestInitCommandImportFromPath imports a Claude-Desktop-style mcpServers
// config file into the store.
func TestInitCommandImportFromPath(t *testing.T) {
	tempDir := t.TempDir()
	testHome := filepath.Join(tempDir, "cli_import_test")
	t.Setenv("HOME", testHome)
	t.Setenv("DATA_DIR", "")

	clientConfig := filepath.Join(tempDir, "claude_desktop_config.json")
	content := `{"mcpServers":{"fs":{"command":"npx","args":["-y","@modelcontextprotocol/server-filesystem"]}}}`
	if err := os.WriteFile(clientConfig, []byte(content), 0o644); err != nil {
		t.Fatalf("writing client config: %v", err)
	}

	ctx := context.Background()
	cmd := &urfavecli.Command{
		Name: "init",
		Flags: []urfavecli.Flag{
			&urfavecli.BoolFlag{Name: "force"},
			&urfavecli.BoolFlag{Name: "no-import"},
			&urfavecli.StringFlag{Name: "from-path"},
		},
	}
	cmd.Set("from-path", clientConfig)

	if err := initGateway(ctx, cmd); err != nil {
		t.Fatalf("init with from-path failed: %v", err)
	}

	storePath := filepath.Join(testHome, ".centian", "store.json")
	data, err := os.ReadFile(storePath)
	if err != nil {
		t.Fatalf("reading store file: %v", err)
	}
	var doc struct {
		Servers []store.ServerConfig `json:"servers"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("store file is not valid JSON: %v", err)
	}
	if len(doc.Servers) != 1 || doc.Servers[0].Name != "fs" {
		t.Fatalf("expected imported 'fs' server, got %+v", doc.Servers)
	}
	if doc.Servers[0].Command != "npx" {
		t.Errorf("expected command 'npx', got %q", doc.Servers[0].Command)
	}
}

// TestShellDetection tests shell detection functionality.
func TestShellDetection(t *testing.T) {
	originalShell := os.Getenv("SHELL")
	defer os.Setenv("SHELL", originalShell)

	shells := []string{
		"/bin/bash",
		"/bin/zsh",
		"/usr/bin/fish",
		"/usr/local/bin/bash",
	}

	for _, shell := range shells {
		os.Setenv("SHELL", shell)

		shellInfo, err := DetectShell()
		if err != nil {
			t.Logf("shell detection failed for %s: %v (this may be expected)", shell, err)
			continue
		}

		if shellInfo.Name == "" {
			t.Errorf("shell name empty for %s", shell)
		}
		if shellInfo.RCFile == "" && shellInfo.Name != "fish" {
			t.Errorf("RC file empty for non-fish shell %s", shell)
		}
	}

	os.Setenv("SHELL", "")
	if _, err := DetectShell(); err == nil {
		t.Error("expected error when SHELL env var is empty")
	}

	os.Setenv("SHELL", "/bin/unsupported")
	if _, err := DetectShell(); err == nil {
		t.Error("expected error for unsupported shell")
	}
}

// TestCompletionFileOperations tests completion file operations.
func TestCompletionFileOperations(t *testing.T) {
	tempDir := t.TempDir()
	testHome := filepath.Join(tempDir, "completion_test")
	if err := os.MkdirAll(testHome, 0o755); err != nil {
		t.Fatalf("failed to create test home directory: %v", err)
	}

	testRCFile := filepath.Join(testHome, ".testrc")
	testContent := "# Test RC file\nexport TEST_VAR=1\n"
	if err := os.WriteFile(testRCFile, []byte(testContent), 0o644); err != nil {
		t.Fatalf("failed to create test RC file: %v", err)
	}

	completionLine := "source <(mcp-gateway completion bash)"
	exists, err := completionExists(testRCFile, completionLine)
	if err != nil {
		t.Fatalf("completionExists failed: %v", err)
	}
	if exists {
		t.Error("completion should not exist in fresh RC file")
	}

	file, err := os.OpenFile(testRCFile, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("failed to open RC file for append: %v", err)
	}
	completionBlock := fmt.Sprintf("\n# mcp-gateway completion\n%s\n", completionLine)
	_, err = file.WriteString(completionBlock)
	file.Close()
	if err != nil {
		t.Fatalf("failed to write completion block: %v", err)
	}

	exists, err = completionExists(testRCFile, completionLine)
	if err != nil {
		t.Fatalf("completionExists check failed: %v", err)
	}
	if !exists {
		t.Error("completion should exist after adding")
	}

	nonExistentFile := filepath.Join(testHome, ".nonexistent")
	exists, err = completionExists(nonExistentFile, completionLine)
	if err != nil {
		t.Fatalf("completionExists failed for non-existent file: %v", err)
	}
	if exists {
		t.Error("completion should not exist in non-existent file")
	}
}

// TestCLICommandStructure tests the CLI command structure and flags.
func TestCLICommandStructure(t *testing.T) {
	if InitCommand == nil {
		t.Fatal("InitCommand is nil")
	}
	if InitCommand.Name != "init" {
		t.Errorf("InitCommand name incorrect: expected 'init', got '%s'", InitCommand.Name)
	}
	if InitCommand.Usage == "" {
		t.Error("InitCommand should have usage text")
	}
	if InitCommand.Description == "" {
		t.Error("InitCommand should have description")
	}
	if InitCommand.Action == nil {
		t.Error("InitCommand should have action function")
	}

	expectedFlags := []string{"force", "no-import", "from-path", "quickstart"}
	flagNames := make(map[string]bool)
	for _, flag := range InitCommand.Flags {
		switch f := flag.(type) {
		case *urfavecli.BoolFlag:
			flagNames[f.Name] = true
		case *urfavecli.StringFlag:
			flagNames[f.Name] = true
		}
	}

	for _, expected := range expectedFlags {
		if !flagNames[expected] {
			t.Errorf("expected flag '%s' not found in InitCommand", expected)
		}
	}
}
