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

package daemon

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// DaemonClient is a thin TCP client for the control plane a Daemon opens on
// DefaultDaemonPort.
type DaemonClient struct {
	port    int
	timeout time.Duration
}

// NewDaemonClient constructs a client bound to the fixed daemon port.
func NewDaemonClient() (*DaemonClient, error) {
	return &DaemonClient{
		port:    DefaultDaemonPort,
		timeout: 30 * time.Second,
	}, nil
}

// IsDaemonRunning reports whether a daemon is listening on DefaultDaemonPort.
func IsDaemonRunning() bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", DefaultDaemonPort), 1*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// SendRequest opens a connection, sends req and waits for the JSON response.
func (c *DaemonClient) SendRequest(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", c.port), c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var response Response
	if err := json.NewDecoder(conn).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &response, nil
}

// Status gets the daemon status
func (c *DaemonClient) Status() (*Response, error) {
	req := &Request{
		Type: "status",
		ID:   fmt.Sprintf("status_%d", time.Now().UnixNano()),
	}

	return c.SendRequest(req)
}

// Stop stops the daemon
func (c *DaemonClient) Stop() (*Response, error) {
	req := &Request{
		Type: "stop",
		ID:   fmt.Sprintf("stop_%d", time.Now().UnixNano()),
	}

	return c.SendRequest(req)
}
