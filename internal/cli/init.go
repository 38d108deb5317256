// Package cli provides all CLI commands mcp-gateway offers,
// including init, server, daemon and auth, and all of their sub-commands.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/centianlabs/mcp-gateway/internal/auth"
	"github.com/centianlabs/mcp-gateway/internal/config"
	"github.com/centianlabs/mcp-gateway/internal/store"
	"github.com/urfave/cli/v3"
)

// InitOption represents the user's choice for initialization method.
type InitOption int

const (
	// InitOptionEmpty creates an empty store with no servers.
	InitOptionEmpty InitOption = iota
	// InitOptionQuickstart creates a ready-to-run store with a default MCP server.
	InitOptionQuickstart
	// InitOptionFromPath imports servers from an existing MCP client config file.
	InitOptionFromPath
)

// InitUI provides user interface functions for the init command.
type InitUI struct {
	reader *bufio.Reader
}

// NewInitUI creates a new init UI interface.
func NewInitUI() *InitUI {
	return &InitUI{
		reader: bufio.NewReader(os.Stdin),
	}
}

// promptInitOption asks the user how they want to initialize the gateway.
func (ui *InitUI) promptInitOption() (InitOption, error) {
	fmt.Printf("\n🎉 Welcome to the MCP Gateway!\n\n")
	fmt.Printf("How would you like to initialize your configuration?\n\n")
	fmt.Printf("  [1] Start fresh (empty store)\n")
	fmt.Printf("  [2] Quickstart (sequential-thinking, requires npx)\n")
	fmt.Printf("  [3] Import from an existing MCP client config file\n\n")
	fmt.Printf("Choice [1/2/3]: ")

	response, err := ui.reader.ReadString('\n')
	if err != nil {
		return InitOptionEmpty, fmt.Errorf("failed to read input: %w", err)
	}

	switch strings.TrimSpace(response) {
	case "1":
		return InitOptionEmpty, nil
	case "2":
		return InitOptionQuickstart, nil
	case "3":
		return InitOptionFromPath, nil
	default:
		fmt.Printf("Invalid choice '%s'. Using empty store.\n", strings.TrimSpace(response))
		return InitOptionEmpty, nil
	}
}

// promptConfigPath asks the user for a config file path.
func (ui *InitUI) promptConfigPath() (string, error) {
	fmt.Printf("\nEnter the path to your MCP client config file: ")

	response, err := ui.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}

	path := strings.TrimSpace(response)
	if path == "" {
		return "", fmt.Errorf("no path provided")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", fmt.Errorf("file does not exist: %s", path)
	}
	return path, nil
}

// clientConfigFile is the shape common to Claude Desktop, Cursor and VS
// Code MCP client configuration files: a map of server name to its stdio
// or remote connection details.
type clientConfigFile struct {
	MCPServers map[string]clientServerEntry `json:"mcpServers"`
	Servers    map[string]clientServerEntry `json:"servers"` // VS Code's mcp.json uses "servers"
}

type clientServerEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// importFromPath reads an existing MCP client config file and adds each
// entry it finds to st as an enabled ServerConfig, skipping (and reporting)
// any entry whose name collides with one already in the store.
func importFromPath(st *store.Store, path string) (int, error) {
	//nolint:gosec // G304: path is user-provided intentionally for config import
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read file: %w", err)
	}

	var doc clientConfigFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("failed to parse config: %w", err)
	}

	entries := doc.MCPServers
	if len(entries) == 0 {
		entries = doc.Servers
	}
	if len(entries) == 0 {
		fmt.Printf("⚠️  No servers found in %s\n", path)
		return 0, nil
	}

	fmt.Printf("📦 Found %d server(s) in %s\n", len(entries), path)

	imported := 0
	for name, entry := range entries {
		cfg := store.ServerConfig{Name: name, Enabled: true}
		switch {
		case entry.Command != "":
			cfg.Transport = store.TransportStdio
			cfg.Command = entry.Command
			cfg.Args = entry.Args
			cfg.Env = entry.Env
		case entry.URL != "":
			cfg.Transport = store.TransportStreamableHTTP
			cfg.URL = entry.URL
			cfg.Headers = entry.Headers
		default:
			fmt.Printf("  ⏭️  %q: neither command nor url set, skipping\n", name)
			continue
		}

		if _, err := st.AddServer(cfg); err != nil {
			fmt.Printf("  ⏭️  %q: %v\n", name, err)
			continue
		}
		imported++
		fmt.Printf("  ✅ %q imported\n", name)
	}

	return imported, nil
}

// InitCommand initializes a new gateway store with default configuration.
var InitCommand = &cli.Command{
	Name:        "init",
	Usage:       "Initialize the MCP gateway store",
	Description: "Creates ~/.centian/store.json and guides initial setup",
	Action:      initGateway,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    "force",
			Aliases: []string{"f"},
			Usage:   "Overwrite existing store if it exists",
		},
		&cli.BoolFlag{
			Name:  "no-import",
			Usage: "Skip interactive prompts and start with an empty store",
		},
		&cli.StringFlag{
			Name:    "from-path",
			Aliases: []string{"p"},
			Usage:   "Import servers from an existing MCP client config file",
		},
		&cli.BoolFlag{
			Name:  "quickstart",
			Usage: "Create a ready-to-run store with one default server (requires npx)",
		},
	},
}

func initGateway(_ context.Context, cmd *cli.Command) error {
	dataDir, err := config.GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to determine data directory: %w", err)
	}
	if err := config.EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	storePath := dataDir + "/store.json"

	if !cmd.Bool("force") {
		if _, err := os.Stat(storePath); err == nil {
			fmt.Printf("✅ Store already exists at %s\n", storePath)
			fmt.Printf("💡 Use 'mcp-gateway init --force' to overwrite\n")
			return nil
		}
	} else {
		_ = os.Remove(storePath)
	}

	st, err := store.Open(storePath, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	quickstart := cmd.Bool("quickstart")
	var imported int

	switch {
	case quickstart:
		if _, err := exec.LookPath("npx"); err != nil {
			return fmt.Errorf("quickstart requires npx to be installed and available on PATH")
		}
		if err := addQuickstartServer(st); err != nil {
			return err
		}
		imported = 1
	case cmd.Bool("no-import"):
		// empty store
	case cmd.String("from-path") != "":
		imported, err = importFromPath(st, cmd.String("from-path"))
		if err != nil {
			return fmt.Errorf("failed to import from path: %w", err)
		}
	default:
		ui := NewInitUI()
		option, promptErr := ui.promptInitOption()
		if promptErr != nil {
			fmt.Printf("⚠️  %v. Starting with empty store.\n", promptErr)
			break
		}
		switch option {
		case InitOptionQuickstart:
			if _, err := exec.LookPath("npx"); err != nil {
				return fmt.Errorf("quickstart requires npx to be installed and available on PATH")
			}
			if err := addQuickstartServer(st); err != nil {
				return err
			}
			imported = 1
			quickstart = true
		case InitOptionFromPath:
			path, pathErr := ui.promptConfigPath()
			if pathErr != nil {
				fmt.Printf("⚠️  %v.\n\nStarting with empty store.\n", pathErr)
				break
			}
			imported, err = importFromPath(st, path)
			if err != nil {
				return fmt.Errorf("failed to import from path: %w", err)
			}
		case InitOptionEmpty:
			// empty store
		}
	}

	if err := st.Flush(); err != nil {
		return fmt.Errorf("failed to persist store: %w", err)
	}

	if quickstart {
		apiKey, err := createDefaultAPIKey()
		if err != nil {
			return err
		}
		printQuickstartSummary(storePath, apiKey)
		return nil
	}

	fmt.Printf("\n🎉 MCP Gateway initialized successfully!\n")
	fmt.Printf("📁 Store created at: %s\n\n", storePath)
	fmt.Printf("📋 Next steps:\n")
	if imported == 0 {
		fmt.Printf("  1. Register an MCP server via the REST control surface (POST /servers) once the gateway is running.\n\n")
	}
	fmt.Printf("  2. Create an API key:\n")
	fmt.Printf("     mcp-gateway auth new-key\n\n")
	fmt.Printf("  3. Start the gateway:\n")
	fmt.Printf("     mcp-gateway server start\n\n")
	fmt.Printf("💡 Use 'mcp-gateway --help' for more options\n")

	if err := SetupShellCompletion(); err != nil {
		fmt.Printf("⚠️  Shell completion setup failed: %v\n", err)
		fmt.Printf("   You can set it up manually later using: mcp-gateway completion <shell>\n")
	}

	return nil
}

func addQuickstartServer(st *store.Store) error {
	_, err := st.AddServer(store.ServerConfig{
		Name:      "sequential-thinking",
		Enabled:   true,
		Transport: store.TransportStdio,
		Command:   "npx",
		Args:      []string{"-y", "@modelcontextprotocol/server-sequential-thinking"},
	})
	return err
}

func createDefaultAPIKey() (string, error) {
	key, err := auth.GenerateAPIKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	entry, err := auth.NewAPIKeyEntry(key)
	if err != nil {
		return "", fmt.Errorf("failed to create api key entry: %w", err)
	}
	path, err := auth.DefaultAPIKeysPath()
	if err != nil {
		return "", fmt.Errorf("failed to resolve api key path: %w", err)
	}
	if _, err := auth.AppendAPIKey(path, entry); err != nil {
		return "", fmt.Errorf("failed to persist api key: %w", err)
	}
	return key, nil
}

func printQuickstartSummary(storePath, apiKey string) {
	fmt.Printf("\n✅ Quickstart store initialized\n")
	fmt.Printf("📁 Store created at: %s\n", storePath)
	fmt.Printf("🔑 API key: %s\n\n", apiKey)

	fmt.Println("MCP client config snippet:")
	fmt.Printf(`{
  "mcpServers": {
    "gateway": {
      "url": "http://127.0.0.1:8080/mcp",
      "headers": {
        "X-Api-Key": "%s"
      }
    }
  }
}
`, apiKey)
	fmt.Println("\nCopy the snippet above into your MCP client settings and start the gateway with 'mcp-gateway server start'.")
}
