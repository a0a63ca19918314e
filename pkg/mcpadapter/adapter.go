// Copyright 2025 Kadir Pekel
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

// Package mcpadapter implements the MCP adapter: it spawns and
// supervises external MCP tool servers as child processes keyed by
// (channelID, serverID), proxies tools/call to them, and keeps the shared
// toolkit.Registry's channel_mcp-origin entries in sync with whatever the
// subprocess currently announces. The wire contract to each subprocess is
// stdio MCP (one JSON-RPC object per line), implemented through
// mark3labs/mcp-go's stdio client rather than a hand-rolled framer.
package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mxf-run/mxf/pkg/events"
	"github.com/mxf-run/mxf/pkg/mxerr"
	"github.com/mxf-run/mxf/pkg/toolkit"
)

const (
	defaultCallTimeout     = 30 * time.Second
	defaultKeepAlive       = 10 * time.Minute
	restartResetAfterUp    = 30 * time.Second
	restartInitialInterval = 1 * time.Second
	restartMaxInterval     = 60 * time.Second
)

// ServerDescriptor is the static configuration for one external tool
// server, recorded once via RegisterServer.
type ServerDescriptor struct {
	ChannelID        string
	ServerID         string
	Command          string
	Args             []string
	Env              map[string]string
	AutoStart        bool
	RestartOnCrash   bool
	KeepAliveMinutes int
	CallTimeout      time.Duration
}

func (d ServerDescriptor) key() string { return d.ChannelID + "/" + d.ServerID }

func (d ServerDescriptor) keepAlive() time.Duration {
	if d.KeepAliveMinutes <= 0 {
		return defaultKeepAlive
	}
	return time.Duration(d.KeepAliveMinutes) * time.Minute
}

func (d ServerDescriptor) callTimeout() time.Duration {
	if d.CallTimeout <= 0 {
		return defaultCallTimeout
	}
	return d.CallTimeout
}

// Adapter supervises every registered external tool server.
type Adapter struct {
	registry *toolkit.Registry
	bus      events.Bus

	mu      sync.Mutex
	servers map[string]*managedServer

	timeoutMu          sync.RWMutex
	defaultToolTimeout time.Duration
	toolTimeouts       map[string]time.Duration
}

// New constructs an Adapter that registers discovered tools into registry
// and publishes ToolListUpdated on bus.
func New(registry *toolkit.Registry, bus events.Bus) *Adapter {
	return &Adapter{registry: registry, bus: bus, servers: make(map[string]*managedServer)}
}

// SetToolTimeouts installs the process-wide tool-call timeout defaults from
// config.Toggles.ToolTimeouts: defaultMs applies to every tool without a
// per-tool entry in byToolMs. A registered server's own CallTimeout takes
// precedence over both, and defaultCallTimeout applies when none of the
// three is set (see resolveTimeout). Zero/negative
// values are ignored so SetToolTimeouts can be called with a zero-value
// config.ToolTimeouts without clobbering defaultCallTimeout.
func (a *Adapter) SetToolTimeouts(defaultMs int, byToolMs map[string]int) {
	a.timeoutMu.Lock()
	defer a.timeoutMu.Unlock()
	if defaultMs > 0 {
		a.defaultToolTimeout = time.Duration(defaultMs) * time.Millisecond
	}
	if len(byToolMs) == 0 {
		return
	}
	a.toolTimeouts = make(map[string]time.Duration, len(byToolMs))
	for name, ms := range byToolMs {
		if ms > 0 {
			a.toolTimeouts[name] = time.Duration(ms) * time.Millisecond
		}
	}
}

// resolveTimeout picks the call timeout for one invocation of toolName on
// ms: an explicit per-server CallTimeout wins outright (set by whoever
// registered that server), then the adapter-level per-tool override, then
// the adapter-level default, then defaultCallTimeout.
func (a *Adapter) resolveTimeout(ms *managedServer, toolName string) time.Duration {
	if ms.desc.CallTimeout > 0 {
		return ms.desc.CallTimeout
	}
	a.timeoutMu.RLock()
	defer a.timeoutMu.RUnlock()
	if d, ok := a.toolTimeouts[toolName]; ok {
		return d
	}
	if a.defaultToolTimeout > 0 {
		return a.defaultToolTimeout
	}
	return defaultCallTimeout
}

type managedServer struct {
	desc ServerDescriptor
	mu   sync.Mutex
	cl   *client.Client
	up   bool
	// lastToolNames is used only for logging/diagnostics.
	lastToolNames []string

	keepAliveTimer *time.Timer
	stop           chan struct{}
	stopped        bool
}

// RegisterServer records desc and, if AutoStart, starts and supervises it.
// Idempotent on (channelID, serverID): registering a key that is already
// managed is a no-op and never spawns a second process.
func (a *Adapter) RegisterServer(ctx context.Context, desc ServerDescriptor) error {
	a.mu.Lock()
	if _, exists := a.servers[desc.key()]; exists {
		a.mu.Unlock()
		return nil
	}
	ms := &managedServer{desc: desc, stop: make(chan struct{})}
	a.servers[desc.key()] = ms
	a.mu.Unlock()

	if desc.AutoStart {
		go a.supervise(ms)
	}
	return nil
}

// supervise keeps ms running, restarting with exponential backoff on
// crash when desc.RestartOnCrash is set. It runs until ms.stop is closed.
func (a *Adapter) supervise(ms *managedServer) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = restartInitialInterval
	bo.Multiplier = 2
	bo.MaxInterval = restartMaxInterval
	bo.MaxElapsedTime = 0 // never give up while RestartOnCrash is true

	for {
		startedAt := time.Now()
		err := a.runOnce(ms)
		select {
		case <-ms.stop:
			return
		default:
		}

		if !ms.desc.RestartOnCrash {
			slog.Warn("mcpadapter: server exited, restart disabled", "server", ms.desc.key(), "error", err)
			return
		}
		if time.Since(startedAt) >= restartResetAfterUp {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		slog.Warn("mcpadapter: server crashed, restarting", "server", ms.desc.key(), "error", err, "backoff", wait)
		select {
		case <-time.After(wait):
		case <-ms.stop:
			return
		}
	}
}

// runOnce starts the subprocess, performs the handshake, lists tools,
// registers them, and blocks until the subprocess's stdio session ends.
func (a *Adapter) runOnce(ms *managedServer) error {
	ctx := context.Background()
	cl, err := client.NewStdioMCPClient(ms.desc.Command, envSlice(ms.desc.Env), ms.desc.Args...)
	if err != nil {
		return fmt.Errorf("spawn: %w", err)
	}

	if err := cl.Start(ctx); err != nil {
		cl.Close()
		return fmt.Errorf("start: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "mxf", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := cl.Initialize(ctx, initReq); err != nil {
		cl.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	tools, err := a.listAndRegister(ctx, ms, cl)
	if err != nil {
		cl.Close()
		return fmt.Errorf("tools/list: %w", err)
	}

	ms.mu.Lock()
	ms.cl = cl
	ms.up = true
	ms.lastToolNames = tools
	ms.mu.Unlock()

	a.publish(ms, events.ToolListUpdated)
	a.disarmKeepAlive(ms)

	// Block until Close() is called on ms.stop or the underlying client
	// session ends (mcp-go's stdio transport surfaces that as an error on
	// the next call; we detect it with a lightweight tools/list poll).
	ticker := time.NewTicker(ms.desc.callTimeout())
	defer ticker.Stop()
	for {
		select {
		case <-ms.stop:
			ms.mu.Lock()
			ms.up = false
			ms.mu.Unlock()
			cl.Close()
			return nil
		case <-ticker.C:
			if _, err := cl.ListTools(ctx, mcp.ListToolsRequest{}); err != nil {
				ms.mu.Lock()
				ms.up = false
				ms.mu.Unlock()
				cl.Close()
				return fmt.Errorf("session lost: %w", err)
			}
		}
	}
}

func (a *Adapter) listAndRegister(ctx context.Context, ms *managedServer, cl *client.Client) ([]string, error) {
	resp, err := cl.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}

	regs := make([]toolkit.Registration, 0, len(resp.Tools))
	names := make([]string, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		desc := toolkit.Descriptor{
			Name:        t.Name,
			Description: t.Description,
			Schema:      schemaToMap(t.InputSchema),
			ProviderID:  ms.desc.ServerID,
		}
		regs = append(regs, toolkit.Registration{Descriptor: desc, Handler: a.callHandler(ms, t.Name)})
		names = append(names, t.Name)
	}
	a.registry.ReplaceChannelTools(ms.desc.ChannelID, regs)
	return names, nil
}

// callHandler returns a toolkit.Handler that proxies to the subprocess,
// enforcing the per-request timeout and surfacing subprocess-down as
// ProviderUnavailable so the caller fails fast instead of hanging.
func (a *Adapter) callHandler(ms *managedServer, toolName string) toolkit.Handler {
	return func(ctx context.Context, inv toolkit.Invocation) (map[string]any, error) {
		ms.mu.Lock()
		cl, up := ms.cl, ms.up
		ms.mu.Unlock()
		if !up || cl == nil {
			return nil, mxerr.New(mxerr.ProviderUnavailable, ms.desc.key())
		}

		callCtx, cancel := context.WithTimeout(ctx, a.resolveTimeout(ms, toolName))
		defer cancel()

		req := mcp.CallToolRequest{}
		req.Params.Name = toolName
		req.Params.Arguments = inv.Args

		resp, err := cl.CallTool(callCtx, req)
		if err != nil {
			if callCtx.Err() != nil {
				return nil, mxerr.New(mxerr.Timeout, toolName)
			}
			return nil, mxerr.Wrap(mxerr.HandlerFailed, toolName, err)
		}
		return parseResult(resp), nil
	}
}

func parseResult(resp *mcp.CallToolResult) map[string]any {
	out := make(map[string]any)
	var texts []string
	for _, c := range resp.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	if resp.IsError {
		if len(texts) > 0 {
			out["error"] = texts[0]
		} else {
			out["error"] = "unknown error"
		}
		return out
	}
	switch len(texts) {
	case 0:
	case 1:
		out["result"] = texts[0]
	default:
		out["results"] = texts
	}
	return out
}

func (a *Adapter) disarmKeepAlive(ms *managedServer) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.keepAliveTimer != nil {
		ms.keepAliveTimer.Stop()
		ms.keepAliveTimer = nil
	}
}

// MarkChannelEmpty starts the keep-alive countdown for every server owned
// by channelID; called by channelhub when the last agent in a channel
// goes offline. Each server is terminated (SIGTERM via Close, effectively
// SIGKILL after 5s inside mcp-go's client) if no agent returns within
// keepAliveMinutes.
func (a *Adapter) MarkChannelEmpty(channelID string) {
	a.mu.Lock()
	var targets []*managedServer
	for _, ms := range a.servers {
		if ms.desc.ChannelID == channelID {
			targets = append(targets, ms)
		}
	}
	a.mu.Unlock()

	for _, ms := range targets {
		ms := ms
		ms.mu.Lock()
		if ms.keepAliveTimer != nil {
			ms.keepAliveTimer.Stop()
		}
		ms.keepAliveTimer = time.AfterFunc(ms.desc.keepAlive(), func() {
			a.StopServer(ms.desc.ChannelID, ms.desc.ServerID)
		})
		ms.mu.Unlock()
	}
}

// MarkChannelActive cancels any pending keep-alive shutdown for channelID's
// servers, called when an agent reconnects.
func (a *Adapter) MarkChannelActive(channelID string) {
	a.mu.Lock()
	var targets []*managedServer
	for _, ms := range a.servers {
		if ms.desc.ChannelID == channelID {
			targets = append(targets, ms)
		}
	}
	a.mu.Unlock()

	for _, ms := range targets {
		ms.mu.Lock()
		if ms.keepAliveTimer != nil {
			ms.keepAliveTimer.Stop()
			ms.keepAliveTimer = nil
		}
		ms.mu.Unlock()
	}
}

// StopServer gracefully terminates one server and stops supervising it.
func (a *Adapter) StopServer(channelID, serverID string) {
	a.mu.Lock()
	key := channelID + "/" + serverID
	ms, ok := a.servers[key]
	if ok {
		delete(a.servers, key)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	ms.mu.Lock()
	if !ms.stopped {
		ms.stopped = true
		close(ms.stop)
	}
	ms.mu.Unlock()
}

func (a *Adapter) publish(ms *managedServer, name events.Name) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(events.Event{
		Name:      name,
		ChannelID: ms.desc.ChannelID,
		Timestamp: time.Now().UnixNano(),
		Data:      map[string]any{"serverId": ms.desc.ServerID, "tools": ms.lastToolNames},
	})
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// schemaToMap re-decodes mcp-go's typed ToolInputSchema through
// encoding/json into the plain map shape toolkit.Descriptor.Schema (and
// the jsonschema compiler) expects.
func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
