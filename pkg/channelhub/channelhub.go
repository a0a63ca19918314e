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

// Package channelhub implements the channel hub, plus the Channel and
// Agent entities it owns. The hub is the only place that mutates channel
// membership and the task table; it enforces a single-writer-many-readers
// discipline per channel by holding each channel's own mutex only across
// the in-memory mutation, never across a Bus.Publish call or a
// persistence write (both are suspension points per the concurrency
// model).
package channelhub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mxf-run/mxf/pkg/events"
	"github.com/mxf-run/mxf/pkg/kv"
	"github.com/mxf-run/mxf/pkg/mcpadapter"
	"github.com/mxf-run/mxf/pkg/mxerr"
	"github.com/mxf-run/mxf/pkg/task"
	"github.com/mxf-run/mxf/pkg/toolkit"
)

// ConnectionState is the lifecycle of an Agent's transport connection.
type ConnectionState string

const (
	Offline      ConnectionState = "offline"
	Connecting   ConnectionState = "connecting"
	Online       ConnectionState = "online"
	Disconnecting ConnectionState = "disconnecting"
)

// LLMConfig is an Agent's bound provider configuration.
type LLMConfig struct {
	Provider         string
	Model            string
	Temperature      float64
	MaxTokens        int
	ReasoningEnabled bool
	MaxIterations    int
}

const defaultMaxIterations = 10

// Channel is a named collaboration scope.
type Channel struct {
	ID               string
	SystemLLMEnabled bool
	AllowedTools     map[string]bool
	MCPServers       []mcpadapter.ServerDescriptor
	CreatedAt        time.Time
}

// Agent is a participant record owned by exactly one Channel.
type Agent struct {
	ID                        string
	DisplayName               string
	ChannelID                 string
	KeyID                     string
	LLMConfig                 LLMConfig
	AllowedTools              map[string]bool
	CircuitBreakerExemptTools map[string]bool
	State                     ConnectionState
	CurrentTaskID             string
	QueuedTaskID              string
	CreatedAt                 time.Time
}

// IsOnline reports whether the agent may currently receive tool results
// or LLM responses.
func (a Agent) IsOnline() bool { return a.State == Online }

type channelEntry struct {
	mu       sync.RWMutex
	channel  Channel
	members  []string // ordered, agent ids currently joined
	bus      events.Bus
	activity []ActivityEntry // newest first, bounded by activityCapacity
}

// ActivityEntry is one line of a channel's activity digest, fed by every
// member agent's dispatched tool calls and consumed by the prompt
// assembler's channel-activity block.
type ActivityEntry struct {
	AgentID string
	Summary string
	At      time.Time
}

const activityCapacity = 50

// Hub owns the channel, agent, and task tables.
type Hub struct {
	store kv.Store
	mcp   *mcpadapter.Adapter

	mu       sync.RWMutex
	channels map[string]*channelEntry
	agents   map[string]*Agent
	tasks    map[string]*task.Task
}

// New constructs an empty Hub. mcp may be nil if no external tool servers
// are used.
func New(store kv.Store, mcp *mcpadapter.Adapter) *Hub {
	return &Hub{
		store:    store,
		mcp:      mcp,
		channels: make(map[string]*channelEntry),
		agents:   make(map[string]*Agent),
		tasks:    make(map[string]*task.Task),
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, i := range items {
		set[i] = true
	}
	return set
}

func fromSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CreateChannel creates a channel with id (caller-assigned, e.g. an
// admin-generated slug). Creating a channel that already exists is an
// error; deleting then recreating the same id is allowed and yields an
// empty channel (the round-trip law in the testable-properties list).
func (h *Hub) CreateChannel(ctx context.Context, id string, allowedTools []string, systemLLMEnabled bool) (Channel, error) {
	h.mu.Lock()
	if _, exists := h.channels[id]; exists {
		h.mu.Unlock()
		return Channel{}, mxerr.New(mxerr.InvalidArgs, "channel "+id+" already exists")
	}
	ch := Channel{
		ID:               id,
		SystemLLMEnabled: systemLLMEnabled,
		AllowedTools:     toSet(allowedTools),
		CreatedAt:        time.Now(),
	}
	entry := &channelEntry{channel: ch, bus: events.NewBus()}
	h.channels[id] = entry
	h.mu.Unlock()

	if err := h.persistChannel(ctx, ch); err != nil {
		return Channel{}, err
	}
	return ch, nil
}

// DeleteChannel destroys a channel, forcing every member agent offline
// first per the entity invariant that no live agent may reference a
// deleted channel.
func (h *Hub) DeleteChannel(ctx context.Context, id string) error {
	h.mu.Lock()
	entry, ok := h.channels[id]
	if !ok {
		h.mu.Unlock()
		return mxerr.New(mxerr.InvalidArgs, "unknown channel "+id)
	}
	delete(h.channels, id)
	for _, agentID := range entry.members {
		if a, ok := h.agents[agentID]; ok {
			a.State = Offline
		}
	}
	h.mu.Unlock()

	entry.bus.Close()
	return h.store.Delete(ctx, channelKey(id))
}

// GetChannel returns a snapshot of the channel named id.
func (h *Hub) GetChannel(id string) (Channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.channels[id]
	if !ok {
		return Channel{}, false
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.channel, true
}

// Bus returns the event bus owned by channel id, for subscribers
// (TaskExecutor, transport) to attach to.
func (h *Hub) Bus(channelID string) (events.Bus, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.channels[channelID]
	if !ok {
		return nil, false
	}
	return entry.bus, true
}

// RecordActivity appends one newest-first entry to channelID's activity
// digest, evicting past activityCapacity. Called by the TaskExecutor
// after every dispatched tool call so the PromptAssembler's
// channel-activity block reflects what every member agent is doing, not
// just the one agent whose prompt is being built.
func (h *Hub) RecordActivity(channelID, agentID, summary string) {
	h.mu.RLock()
	entry, ok := h.channels[channelID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.activity = append([]ActivityEntry{{AgentID: agentID, Summary: summary, At: time.Now()}}, entry.activity...)
	if len(entry.activity) > activityCapacity {
		entry.activity = entry.activity[:activityCapacity]
	}
	entry.mu.Unlock()
}

// RecentActivity returns up to limit newest-first activity entries for
// channelID. limit <= 0 returns everything retained.
func (h *Hub) RecentActivity(channelID string, limit int) []ActivityEntry {
	h.mu.RLock()
	entry, ok := h.channels[channelID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	if limit <= 0 || limit > len(entry.activity) {
		limit = len(entry.activity)
	}
	out := make([]ActivityEntry, limit)
	copy(out, entry.activity[:limit])
	return out
}

// CreateAgent registers an agent record under channelID, intersecting
// allowedTools with the channel's own whitelist per the Agent entity
// invariant.
func (h *Hub) CreateAgent(ctx context.Context, channelID, agentID, displayName string, cfg LLMConfig, allowedTools, exemptTools []string) (Agent, error) {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}

	h.mu.Lock()
	entry, ok := h.channels[channelID]
	if !ok {
		h.mu.Unlock()
		return Agent{}, mxerr.New(mxerr.InvalidArgs, "unknown channel "+channelID)
	}
	if _, exists := h.agents[agentID]; exists {
		h.mu.Unlock()
		return Agent{}, mxerr.New(mxerr.InvalidArgs, "agent "+agentID+" already exists")
	}

	entry.mu.RLock()
	channelTools := entry.channel.AllowedTools
	entry.mu.RUnlock()

	intersected := make(map[string]bool)
	for _, t := range allowedTools {
		if channelTools[t] {
			intersected[t] = true
		}
	}

	agent := &Agent{
		ID:                        agentID,
		DisplayName:               displayName,
		ChannelID:                 channelID,
		LLMConfig:                 cfg,
		AllowedTools:              intersected,
		CircuitBreakerExemptTools: toSet(exemptTools),
		State:                     Offline,
		CreatedAt:                 time.Now(),
	}
	h.agents[agentID] = agent
	snapshot := *agent
	h.mu.Unlock()

	if err := h.persistAgent(ctx, snapshot); err != nil {
		return Agent{}, err
	}
	return snapshot, nil
}

// GetAgent returns a snapshot of the agent named id.
func (h *Hub) GetAgent(id string) (Agent, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	a, ok := h.agents[id]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// SetAgentKey records which credential an agent was issued, for admin
// listing; it has no effect on authorization, which is enforced entirely
// by the transport layer's key verification at connection time.
func (h *Hub) SetAgentKey(agentID, keyID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.agents[agentID]
	if !ok {
		return mxerr.New(mxerr.InvalidArgs, "unknown agent "+agentID)
	}
	a.KeyID = keyID
	return nil
}

// Join adds agentID to channelID's member set.
func (h *Hub) Join(channelID, agentID string) error {
	h.mu.RLock()
	entry, ok := h.channels[channelID]
	h.mu.RUnlock()
	if !ok {
		return mxerr.New(mxerr.InvalidArgs, "unknown channel "+channelID)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	for _, id := range entry.members {
		if id == agentID {
			return nil
		}
	}
	entry.members = append(entry.members, agentID)
	return nil
}

// Leave removes agentID from channelID's member set.
func (h *Hub) Leave(channelID, agentID string) error {
	h.mu.RLock()
	entry, ok := h.channels[channelID]
	h.mu.RUnlock()
	if !ok {
		return mxerr.New(mxerr.InvalidArgs, "unknown channel "+channelID)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	for i, id := range entry.members {
		if id == agentID {
			entry.members = append(entry.members[:i], entry.members[i+1:]...)
			return nil
		}
	}
	return nil
}

// IsMember reports whether agentID is currently joined to channelID.
func (h *Hub) IsMember(channelID, agentID string) bool {
	h.mu.RLock()
	entry, ok := h.channels[channelID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	for _, id := range entry.members {
		if id == agentID {
			return true
		}
	}
	return false
}

// Connect transitions agentID offline -> connecting -> online and tells
// the mcp adapter the channel is active so any keep-alive shutdown timer
// is disarmed; this happens on every Connect, not only for the channel's
// first online member.
func (h *Hub) Connect(ctx context.Context, agentID string) error {
	h.mu.Lock()
	a, ok := h.agents[agentID]
	if !ok {
		h.mu.Unlock()
		return mxerr.New(mxerr.InvalidArgs, "unknown agent "+agentID)
	}
	// Connecting is observable only via GetAgent while a caller holds a
	// reference across the handshake; here the handshake is synchronous
	// so the agent lands directly on Online.
	a.State = Online
	channelID := a.ChannelID
	h.mu.Unlock()

	if err := h.Join(channelID, agentID); err != nil {
		return err
	}
	if h.mcp != nil {
		h.mcp.MarkChannelActive(channelID)
	}
	return nil
}

// Disconnect moves agentID straight to offline; no disconnecting state is
// ever set. If
// it was the channel's last online member, the mcp adapter is told the
// channel is empty so it can arm its keep-alive shutdown timer.
func (h *Hub) Disconnect(ctx context.Context, agentID string) error {
	h.mu.Lock()
	a, ok := h.agents[agentID]
	if !ok {
		h.mu.Unlock()
		return mxerr.New(mxerr.InvalidArgs, "unknown agent "+agentID)
	}
	a.State = Offline
	channelID := a.ChannelID
	h.mu.Unlock()

	if h.mcp != nil && !h.anyOnline(channelID) {
		h.mcp.MarkChannelEmpty(channelID)
	}
	return nil
}

// AccessFor resolves agentID's current toolkit.Access (channel.allowedTools
// ∩ agent.allowedTools) along with snapshots of its Channel and Agent, for
// callers (pkg/executor) that need all three to drive one session without
// reaching back into the hub's internals.
func (h *Hub) AccessFor(agentID string) (toolkit.Access, Channel, Agent, bool) {
	h.mu.RLock()
	a, ok := h.agents[agentID]
	h.mu.RUnlock()
	if !ok {
		return toolkit.Access{}, Channel{}, Agent{}, false
	}
	agentSnap := *a

	ch, ok := h.GetChannel(agentSnap.ChannelID)
	if !ok {
		return toolkit.Access{}, Channel{}, Agent{}, false
	}
	access := toolkit.NewAccess(fromSet(ch.AllowedTools), fromSet(agentSnap.AllowedTools))
	return access, ch, agentSnap, true
}

func (h *Hub) anyOnline(channelID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, a := range h.agents {
		if a.ChannelID == channelID && a.IsOnline() {
			return true
		}
	}
	return false
}

func channelKey(id string) string { return "channel/" + id }
func agentKey(id string) string   { return "agent/" + id }
func taskStoreKey(id string) string { return "task/" + id }

func (h *Hub) persistChannel(ctx context.Context, ch Channel) error {
	raw, err := json.Marshal(struct {
		ID               string
		SystemLLMEnabled bool
		AllowedTools     []string
	}{ch.ID, ch.SystemLLMEnabled, fromSet(ch.AllowedTools)})
	if err != nil {
		return fmt.Errorf("channelhub: marshal channel: %w", err)
	}
	return h.store.Put(ctx, channelKey(ch.ID), raw)
}

func (h *Hub) persistAgent(ctx context.Context, a Agent) error {
	raw, err := json.Marshal(struct {
		ID, DisplayName, ChannelID string
		LLMConfig                  LLMConfig
		AllowedTools               []string
	}{a.ID, a.DisplayName, a.ChannelID, a.LLMConfig, fromSet(a.AllowedTools)})
	if err != nil {
		return fmt.Errorf("channelhub: marshal agent: %w", err)
	}
	return h.store.Put(ctx, agentKey(a.ID), raw)
}

func (h *Hub) persistTask(ctx context.Context, t *task.Task) error {
	status, progress := t.Status()
	raw, err := json.Marshal(struct {
		ID, ChannelID, Status string
		Progress              int
	}{t.ID, t.ChannelID, string(status), progress})
	if err != nil {
		return fmt.Errorf("channelhub: marshal task: %w", err)
	}
	return h.store.Put(ctx, taskStoreKey(t.ID), raw)
}
