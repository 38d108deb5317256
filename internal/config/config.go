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

// Package config resolves the handful of filesystem locations the gateway
// binary needs (the data directory, the store file, the API key file) and
// the process-level environment knobs from spec §6. The server topology
// itself lives in internal/store, not here: unlike the teacher, this
// module has a single durable config document, not a separate
// ~/.centian/config.json schema layered on top of it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetConfigDir returns the gateway's data directory, honoring DATA_DIR.
func GetConfigDir() (string, error) {
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".centian"), nil
}

// EnsureConfigDir creates the data directory if it doesn't exist.
func EnsureConfigDir() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(configDir, 0o750)
}
