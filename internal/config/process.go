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

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Default process-level settings for the gateway binary (spec §6
// "Environment variables recognised by external collaborators").
const (
	DefaultGatewayHost = "127.0.0.1"
	DefaultGatewayPort = "8080"
)

// ProcessConfig resolves the environment-derived settings that both
// "mcp-gateway server start" and the background daemon need before a
// Runtime can be constructed: where the HTTP listener binds, what base
// URL OAuth callbacks should use, and where the store lives on disk.
type ProcessConfig struct {
	Host           string
	Port           string
	GatewayBaseURL string
	DataDir        string
	StorePath      string
}

// Addr returns the host:port pair to bind the HTTP listener to.
func (p ProcessConfig) Addr() string {
	return p.Host + ":" + p.Port
}

// LoadProcessConfig resolves PORT, HOST, GATEWAY_BASE_URL and DATA_DIR from
// the environment, falling back to the defaults above when unset.
func LoadProcessConfig() (ProcessConfig, error) {
	host := os.Getenv("HOST")
	if host == "" {
		host = DefaultGatewayHost
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = DefaultGatewayPort
	}

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dir, err := GetConfigDir()
		if err != nil {
			return ProcessConfig{}, fmt.Errorf("resolving default data directory: %w", err)
		}
		dataDir = dir
	}

	baseURL := os.Getenv("GATEWAY_BASE_URL")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%s", host, port)
	}

	return ProcessConfig{
		Host:           host,
		Port:           port,
		GatewayBaseURL: baseURL,
		DataDir:        dataDir,
		StorePath:      filepath.Join(dataDir, "store.json"),
	}, nil
}
