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

package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ShellInfo describes the current shell and where its completion hook goes.
type ShellInfo struct {
	Name           string
	RCFile         string
	CompletionLine string
}

// DetectShell inspects $SHELL and resolves the RC file and completion line
// mcp-gateway would install.
func DetectShell() (*ShellInfo, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		return nil, fmt.Errorf("unable to detect shell: SHELL environment variable not set")
	}

	shellName := filepath.Base(shell)

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("unable to get home directory: %w", err)
	}

	var info ShellInfo
	info.Name = shellName

	switch shellName {
	case "bash":
		bashProfile := filepath.Join(homeDir, ".bash_profile")
		bashrc := filepath.Join(homeDir, ".bashrc")
		if _, err := os.Stat(bashProfile); err == nil {
			info.RCFile = bashProfile
		} else {
			info.RCFile = bashrc
		}
		info.CompletionLine = "source <(mcp-gateway completion bash)"
	case "zsh":
		info.RCFile = filepath.Join(homeDir, ".zshrc")
		info.CompletionLine = "source <(mcp-gateway completion zsh)"
	case "fish":
		fishCompDir := filepath.Join(homeDir, ".config", "fish", "completions")
		info.RCFile = filepath.Join(fishCompDir, "mcp-gateway.fish")
		info.CompletionLine = ""
	default:
		return nil, fmt.Errorf("unsupported shell: %s", shellName)
	}

	return &info, nil
}

// SetupShellCompletion offers to wire up shell completion for the detected
// shell, prompting for consent before touching any RC file.
func SetupShellCompletion() error {
	fmt.Println("\n🔧 Shell Completion Setup")
	fmt.Println("========================")

	shellInfo, err := DetectShell()
	if err != nil {
		fmt.Printf("⚠️  Could not detect shell: %s\n", err)
		fmt.Println("You can manually set up completion using: mcp-gateway completion <shell>")
		return nil
	}

	fmt.Printf("📍 Detected shell: %s\n", shellInfo.Name)
	fmt.Printf("📁 Configuration file: %s\n", shellInfo.RCFile)

	if shellInfo.Name == "fish" {
		fmt.Println("\n💡 Fish shell uses a different completion system.")
		fmt.Printf("   Completion file will be created at: %s\n", shellInfo.RCFile)
	} else {
		fmt.Println("\n💡 This will add the following line to your shell configuration:")
		fmt.Printf("   %s\n", shellInfo.CompletionLine)
	}

	fmt.Print("\n❓ Would you like to set up shell completion? (y/N): ")
	reader := bufio.NewReader(os.Stdin)
	response, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("failed to read user input: %w", err)
	}

	response = strings.TrimSpace(strings.ToLower(response))
	if response != "y" && response != "yes" {
		fmt.Println("⏭️  Shell completion setup skipped.")
		fmt.Printf("   To set up later, run: mcp-gateway completion %s\n", shellInfo.Name)
		return nil
	}

	if shellInfo.Name == "fish" {
		return setupFishCompletion(shellInfo.RCFile)
	}
	return setupShellRCCompletion(shellInfo)
}

// setupShellRCCompletion appends the completion hook line to a bash/zsh RC
// file, creating it first if necessary.
func setupShellRCCompletion(shellInfo *ShellInfo) error {
	exists, err := completionExists(shellInfo.RCFile, shellInfo.CompletionLine)
	if err != nil {
		return fmt.Errorf("failed to check existing completion: %w", err)
	}
	if exists {
		fmt.Println("✅ Shell completion is already configured!")
		return nil
	}

	if _, err := os.Stat(shellInfo.RCFile); os.IsNotExist(err) {
		fmt.Printf("📄 Creating %s...\n", shellInfo.RCFile)
		file, err := os.Create(shellInfo.RCFile)
		if err != nil {
			return fmt.Errorf("failed to create RC file: %w", err)
		}
		file.Close()
	}

	//nolint:gosec // G302: RC files are meant to be user-readable/writable, 0644 matches shell convention
	file, err := os.OpenFile(shellInfo.RCFile, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open RC file: %w", err)
	}
	defer file.Close()

	completionBlock := fmt.Sprintf("\n# mcp-gateway completion\n%s\n", shellInfo.CompletionLine)
	if _, err := file.WriteString(completionBlock); err != nil {
		return fmt.Errorf("failed to write completion line: %w", err)
	}

	fmt.Println("✅ Shell completion configured successfully!")
	fmt.Println("   Restart your shell or run 'source " + shellInfo.RCFile + "' to activate completion.")
	return nil
}

// setupFishCompletion writes a fish completion script to completionFile.
func setupFishCompletion(completionFile string) error {
	if _, err := os.Stat(completionFile); err == nil {
		fmt.Println("✅ Fish completion is already configured!")
		return nil
	}

	completionDir := filepath.Dir(completionFile)
	if err := os.MkdirAll(completionDir, 0o750); err != nil {
		return fmt.Errorf("failed to create completions directory: %w", err)
	}

	fmt.Println("🐟 Generating fish completion script...")
	fishScript := `# mcp-gateway fish completion
complete -c mcp-gateway -f -a "(mcp-gateway --generate-shell-completion)"
`
	if err := os.WriteFile(completionFile, []byte(fishScript), 0o644); err != nil {
		return fmt.Errorf("failed to write fish completion file: %w", err)
	}

	fmt.Println("✅ Fish completion configured successfully!")
	return nil
}

// completionExists reports whether completionLine is already present in
// rcFile, treating a missing file as "not present" rather than an error.
func completionExists(rcFile, completionLine string) (bool, error) {
	file, err := os.Open(rcFile)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == completionLine {
			return true, nil
		}
	}
	return false, scanner.Err()
}
