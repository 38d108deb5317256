// Copyright 2025 Centian Contributors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at.
//
//     http://www.apache.org/licenses/LICENSE-2.0.
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/centianlabs/mcp-gateway/internal/auth"
	"github.com/centianlabs/mcp-gateway/internal/daemon"
	"github.com/urfave/cli/v3"
)

// ServerCommand provides server management functionality.
var ServerCommand = &cli.Command{
	Name:  "server",
	Usage: "Manage Centian proxy server",
	Commands: []*cli.Command{
		ServerStartCommand,
		ServerGetKeyCommand,
	},
}

// ServerStartCommand starts the gateway in the foreground.
var ServerStartCommand = &cli.Command{
	Name:  "start",
	Usage: "mcp-gateway server start",
	Description: `Start the MCP gateway in the foreground.

The gateway connects to every server configured in the data store, aggregates
their tools, resources and prompts under collision-free prefixed names, and
exposes the result as a single MCP endpoint plus a REST control surface.

Configuration comes from the environment:
  HOST              listen host (default 127.0.0.1)
  PORT              listen port (default 8080)
  GATEWAY_BASE_URL  base URL advertised to OAuth providers for callbacks
  DATA_DIR          directory holding store.json (default ~/.centian)

Set --auth-header to require an API key (see "mcp-gateway server get-key")
on every REST request except /mcp, /health and the OAuth callback.

Examples:
  mcp-gateway server start
  PORT=9000 mcp-gateway server start --auth-header X-Api-Key
`,
	Action: handleServerStartCommand,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "auth-header",
			Usage: "require this header (validated against ~/.centian/api_keys.json) on REST requests",
		},
	},
}

// ServerGetKeyCommand generates and stores a new API key.
var ServerGetKeyCommand = &cli.Command{
	Name:  "get-key",
	Usage: "mcp-gateway server get-key",
	Description: `Generate a new API key for the HTTP proxy.

The key is printed once to the console, then hashed with bcrypt and stored in:
  ~/.centian/api_keys.json
`,
	Action: handleServerGetKeyCommand,
}

// handleServerStartCommand handles the server start command.
func handleServerStartCommand(ctx context.Context, cmd *cli.Command) error {
	rt, err := daemon.NewRuntime(daemon.Options{
		AuthHeader: cmd.String("auth-header"),
	})
	if err != nil {
		return fmt.Errorf("failed to build gateway runtime: %w", err)
	}

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	fmt.Fprintf(os.Stderr, "[MCP-GATEWAY] Listening on %s\n", rt.Listener)
	fmt.Fprintf(os.Stderr, "[MCP-GATEWAY] Press Ctrl+C to stop\n\n")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Fprintf(os.Stderr, "\n[MCP-GATEWAY] Received shutdown signal, stopping...\n")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}
	fmt.Fprintf(os.Stderr, "[MCP-GATEWAY] Stopped successfully\n")
	return nil
}

// handleServerGetKeyCommand generates and stores a new API key.
func handleServerGetKeyCommand(_ context.Context, _ *cli.Command) error {
	path, err := auth.DefaultAPIKeysPath()
	if err != nil {
		return fmt.Errorf("failed to resolve api key path: %w", err)
	}

	key, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}

	var pErr error
	_, pErr = fmt.Fprintln(os.Stdout, "New API key (store this now, it won't be shown again):")
	if pErr != nil {
		return pErr
	}
	_, pErr = fmt.Fprintln(os.Stdout, key)
	if pErr != nil {
		return pErr
	}

	entry, err := auth.NewAPIKeyEntry(key)
	if err != nil {
		return err
	}

	if _, err := auth.AppendAPIKey(path, entry); err != nil {
		return err
	}

	_, pErr = fmt.Fprintf(os.Stdout, "Stored hashed key in %s\n", path)
	if pErr != nil {
		return pErr
	}
	return nil
}
