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
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DefaultDaemonPort is the fixed TCP port the background daemon listens on
// for control-plane requests (status/stop). Unlike the gateway's own HTTP
// listener, this port is not user-configurable: it only ever talks to the
// CLI running on the same machine.
const DefaultDaemonPort = 7465

// Request is a control-plane request sent by DaemonClient.
type Request struct {
	Type string `json:"type"` // "status" or "stop"
	ID   string `json:"id"`
}

// Response is a control-plane reply.
type Response struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

type pidFileContents struct {
	PID         int       `json:"pid"`
	ControlPort int       `json:"control_port"`
	Address     string    `json:"address"`
	StartedAt   time.Time `json:"started_at"`
}

// Daemon is the background process form of a Runtime: the same gateway
// core, plus a PID file and a small TCP control plane so a separate CLI
// invocation can query status or request a graceful stop. Shaped after the
// teacher's former Daemon (net.Listen("tcp", "127.0.0.1:0") plus a JSON PID
// file under ~/.centian/daemon.pid); the request dispatch narrows to
// "status"/"stop" now that upstream connections are declarative
// ServerConfig entries instead of ad-hoc stdio passthroughs.
type Daemon struct {
	runtime *Runtime

	controlLn net.Listener
	pidPath   string

	runningMu sync.Mutex
	running   bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDaemon wires a Runtime from opts (applying the same env-var defaults
// as the foreground "server start" command) and prepares the control plane.
func NewDaemon(opts Options) (*Daemon, error) {
	rt, err := NewRuntime(opts)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		runtime: rt,
		pidPath: filepath.Join(rt.Options.DataDir, "daemon.pid"),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start connects every configured upstream, begins serving the gateway's
// HTTP surface, opens the control-plane listener and then writes the PID
// file. The control port already accepts connections before the PID file
// exists, so IsDaemonRunning, which only probes that port, can report true
// before Start returns.
func (d *Daemon) Start() error {
	if err := d.runtime.Start(d.ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(DefaultDaemonPort))
	if err != nil {
		_ = d.runtime.Shutdown(context.Background())
		return errors.Wrap(err, "listen on control port")
	}
	d.controlLn = ln

	if err := d.writePidFile(); err != nil {
		ln.Close()
		_ = d.runtime.Shutdown(context.Background())
		return err
	}

	d.runningMu.Lock()
	d.running = true
	d.runningMu.Unlock()

	go d.acceptConnections()
	return nil
}

// Stop shuts down the control plane, the gateway and removes the PID file.
func (d *Daemon) Stop() error {
	d.runningMu.Lock()
	d.running = false
	d.runningMu.Unlock()

	d.cancel()
	if d.controlLn != nil {
		d.controlLn.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := d.runtime.Shutdown(shutdownCtx)
	os.Remove(d.pidPath)
	return err
}

// IsRunning reports whether Start has completed and Stop has not yet run.
func (d *Daemon) IsRunning() bool {
	d.runningMu.Lock()
	defer d.runningMu.Unlock()
	return d.running
}

// GetPort returns the control-plane port this daemon listens on.
func (d *Daemon) GetPort() int {
	return DefaultDaemonPort
}

// GatewayAddress returns the gateway HTTP listener's bound address.
func (d *Daemon) GatewayAddress() string {
	return d.runtime.Listener
}

func (d *Daemon) writePidFile() error {
	contents := pidFileContents{
		PID:         os.Getpid(),
		ControlPort: DefaultDaemonPort,
		Address:     d.runtime.Listener,
		StartedAt:   time.Now(),
	}
	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal pid file")
	}
	if err := os.WriteFile(d.pidPath, data, 0o600); err != nil {
		return errors.Wrap(err, "write pid file")
	}
	return nil
}

func (d *Daemon) acceptConnections() {
	for {
		conn, err := d.controlLn.Accept()
		if err != nil {
			return
		}
		go d.handleConnection(conn)
	}
}

func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		return
	}

	resp := d.handleRequest(req)
	_ = json.NewEncoder(conn).Encode(resp)
}

func (d *Daemon) handleRequest(req Request) Response {
	switch req.Type {
	case "status":
		return d.handleStatusRequest()
	case "stop":
		return d.handleStopRequest()
	default:
		return Response{Success: false, Error: "unknown request type: " + req.Type}
	}
}

func (d *Daemon) handleStatusRequest() Response {
	summary := d.runtime.statusSummary()
	return Response{
		Success: true,
		Data: map[string]any{
			"address":      summary.Address,
			"server_count": summary.ServerCount,
			"pid":          summary.PID,
		},
	}
}

func (d *Daemon) handleStopRequest() Response {
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = d.Stop()
	}()
	return Response{Success: true}
}
