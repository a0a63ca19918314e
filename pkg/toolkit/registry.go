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

package toolkit

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mxf-run/mxf/pkg/mxerr"
	"github.com/mxf-run/mxf/pkg/registry"
)

// Access is the intersection of a channel's and an agent's allowed-tool
// sets, computed once by the caller (channelhub owns both entities) and
// handed to Registry so this package never needs to know the Channel or
// Agent types.
type Access struct {
	channel map[string]bool
	agent   map[string]bool
}

// NewAccess builds an Access from the two allow-lists. A nil slice means
// "no tools allowed" — allowedTools is always an explicit set, never an
// implicit wildcard.
func NewAccess(channelAllowed, agentAllowed []string) Access {
	return Access{channel: toSet(channelAllowed), agent: toSet(agentAllowed)}
}

func toSet(names []string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// Permits reports whether name is in channel.allowedTools ∩ agent.allowedTools.
func (a Access) Permits(name string) bool { return a.channel[name] && a.agent[name] }

// Registry is the process-wide tool table.
type Registry struct {
	reg *registry.Of[*entry]

	// mcpMu guards the per-channel view of OriginMCP tool names so
	// ToolListUpdated refreshes (triggered by mcpadapter) can atomically
	// replace a channel's announced set.
	mcpMu        sync.RWMutex
	channelTools map[string]map[string]bool // channelID -> tool name -> true
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		reg:          registry.New[*entry](),
		channelTools: make(map[string]map[string]bool),
	}
}

// RegisterInternal declares a process-wide internal tool. Re-registering a
// name is an error: internal tools are declared once at startup.
func (r *Registry) RegisterInternal(d Descriptor, h Handler) error {
	if _, exists := r.reg.Get(d.Name); exists {
		return fmt.Errorf("toolkit: tool %s already registered", d.Name)
	}
	d.Origin = OriginInternal
	return r.register(d, h)
}

// RegisterMCPTool declares a tool announced by an external server for one
// channel. MCP tools live in the same name space as internal tools; a
// channel-scoped tool with a name colliding with an internal tool shadows
// it for members of that channel only (see ListFor).
func (r *Registry) RegisterMCPTool(channelID string, d Descriptor, h Handler) error {
	d.Origin = OriginMCP
	if err := r.register(d, h); err != nil {
		return err
	}
	r.mcpMu.Lock()
	defer r.mcpMu.Unlock()
	set, ok := r.channelTools[channelID]
	if !ok {
		set = make(map[string]bool)
		r.channelTools[channelID] = set
	}
	set[d.Name] = true
	return nil
}

func (r *Registry) register(d Descriptor, h Handler) error {
	compiled, err := compile(d.Name, d.Schema)
	if err != nil {
		return err
	}
	e := &entry{Descriptor: d, handler: h, compiled: compiled}
	r.reg.Put(d.Name, e)
	return nil
}

// Registration pairs a descriptor with its handler, used by
// ReplaceChannelTools where a map keyed by Descriptor would be illegal
// (Descriptor embeds a map field and so is not comparable).
type Registration struct {
	Descriptor Descriptor
	Handler    Handler
}

// ReplaceChannelTools atomically swaps the set of MCP tool names announced
// for channelID, used by mcpadapter on TOOL_LIST_UPDATED so stale entries
// from a previous subprocess incarnation stop being listed.
func (r *Registry) ReplaceChannelTools(channelID string, regs []Registration) {
	r.mcpMu.Lock()
	defer r.mcpMu.Unlock()
	set := make(map[string]bool, len(regs))
	for _, reg := range regs {
		desc := reg.Descriptor
		desc.Origin = OriginMCP
		compiled, err := compile(desc.Name, desc.Schema)
		if err != nil {
			continue
		}
		r.reg.Put(desc.Name, &entry{Descriptor: desc, handler: reg.Handler, compiled: compiled})
		set[desc.Name] = true
	}
	r.channelTools[channelID] = set
}

// Unregister removes name entirely (used when a tool is decommissioned).
func (r *Registry) Unregister(name string) { r.reg.Remove(name) }

// ListFor returns the descriptors visible under access, restricted (for
// MCP-origin tools) to the channel's currently-announced set. Always
// restartable and idempotent: calling it twice with the same access and
// registry state returns the same set.
func (r *Registry) ListFor(channelID string, access Access) []Descriptor {
	r.mcpMu.RLock()
	mcpSet := r.channelTools[channelID]
	r.mcpMu.RUnlock()

	var out []Descriptor
	for _, e := range r.reg.Items() {
		if !access.Permits(e.Name) {
			continue
		}
		if e.Origin == OriginMCP && !mcpSet[e.Name] {
			continue
		}
		out = append(out, e.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a tool's descriptor regardless of access, for admin listing.
func (r *Registry) Get(name string) (Descriptor, bool) {
	e, ok := r.reg.Get(name)
	if !ok {
		return Descriptor{}, false
	}
	return e.Descriptor, true
}

// Invoke validates args, checks access, and executes the handler.
func (r *Registry) Invoke(ctx context.Context, channelID string, access Access, inv Invocation) (result map[string]any, callErr error) {
	e, ok := r.reg.Get(inv.ToolName)
	if !ok {
		return nil, mxerr.New(mxerr.UnknownTool, inv.ToolName)
	}
	if !access.Permits(e.Name) {
		return nil, mxerr.New(mxerr.NotPermitted, e.Name)
	}
	if e.Origin == OriginMCP {
		r.mcpMu.RLock()
		live := r.channelTools[channelID][e.Name]
		r.mcpMu.RUnlock()
		if !live {
			return nil, mxerr.New(mxerr.UnknownTool, e.Name)
		}
	}
	if err := e.compiled.validate(inv.Args); err != nil {
		return nil, mxerr.Wrap(mxerr.InvalidArgs, e.Name, err)
	}

	defer func() {
		if rec := recover(); rec != nil {
			callErr = mxerr.New(mxerr.HandlerFailed, fmt.Sprintf("%s: panic: %v", e.Name, rec))
		}
	}()
	inv.Access = access
	res, err := e.handler(ctx, inv)
	if err != nil {
		if merr, ok := mxerr.As(err); ok {
			return nil, merr
		}
		return nil, mxerr.Wrap(mxerr.HandlerFailed, e.Name, err)
	}
	return res, nil
}
