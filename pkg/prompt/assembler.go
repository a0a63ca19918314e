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

// Package prompt implements the prompt assembler: a pure function from
// (agent identity, task, memory, tool catalog, channel digest) to an
// ordered prompt sequence. It is deliberately side-effect free so the
// same inputs always produce byte-identical output, letting the
// underlying LLM provider reuse a cached prefix across iterations.
package prompt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mxf-run/mxf/pkg/memory"
	"github.com/mxf-run/mxf/pkg/toolkit"
)

const (
	defaultRecentActionLimit = 20
	defaultChannelDigestLimit = 5
	defaultReasoningLimit     = 10
)

// ChannelActivity is one entry of the channel-wide activity digest.
type ChannelActivity struct {
	AgentID string
	Summary string
}

// TaskView is the subset of task.Task the assembler needs; kept as its
// own type so this package does not import pkg/task for a title+description pair.
type TaskView struct {
	Title       string
	Description string
}

// Input bundles everything the assembler is a (pure) function of.
type Input struct {
	AgentID         string
	SystemPrompt    string
	Task            *TaskView // nil when the agent currently has no task
	Turns           []memory.Turn
	RecentActions   []memory.ActionEntry
	// Reasoning is the agent's own ReasoningLog (pkg/memory), carried
	// across Clear() calls so reasoning isn't lost when the turn deque
	// is wiped between turns.
	Reasoning       []memory.ReasoningEntry
	ChannelActivity []ChannelActivity
	Tools           []toolkit.Descriptor

	RecentActionLimit  int
	ChannelDigestLimit int
	ReasoningLimit     int
}

// Message is one entry of the assembled sequence, in the role vocabulary
// the gateway's provider adapters translate to each provider's wire
// format.
type Message struct {
	Role    string // "system" | "user" | "assistant" | "tool_result"
	Content string
	// ToolCallID links an assistant tool-call message to its tool_result
	// message; both carry the same value, so adapters can reconstruct the
	// provider's native call/result pairing.
	ToolCallID string
	// ToolName is set alongside ToolCallID on assistant tool-call and
	// tool_result messages.
	ToolName string
}

// Decorator rewrites the assembler's Input before the prompt is built.
// Decorators are the extension point for prompt compaction or
// knowledge-graph enrichment layered on top of the core assembler; with
// none installed, Assemble's output is exactly the sequence described
// below.
type Decorator func(Input) Input

// Assemble builds the ordered prompt sequence: one system message holding
// the system prompt, tool catalog, recent-actions, prior-reasoning,
// channel-activity and (when Task is set) task blocks, then the
// conversation turns. Decorators, if any, are applied to in first, in
// order.
func Assemble(in Input, decorators ...Decorator) []Message {
	for _, d := range decorators {
		in = d(in)
	}
	actionLimit := in.RecentActionLimit
	if actionLimit <= 0 {
		actionLimit = defaultRecentActionLimit
	}
	digestLimit := in.ChannelDigestLimit
	if digestLimit <= 0 {
		digestLimit = defaultChannelDigestLimit
	}
	reasoningLimit := in.ReasoningLimit
	if reasoningLimit <= 0 {
		reasoningLimit = defaultReasoningLimit
	}

	var sys strings.Builder
	sys.WriteString(in.SystemPrompt)
	sys.WriteString("\n\n")
	sys.WriteString(toolCatalogBlock(in.Tools))
	sys.WriteString("\n\n")
	sys.WriteString(recentActionsBlock(in.RecentActions, actionLimit))
	sys.WriteString("\n\n")
	sys.WriteString(reasoningBlock(in.Reasoning, reasoningLimit))
	sys.WriteString("\n\n")
	sys.WriteString(channelActivityBlock(in.ChannelActivity, digestLimit))
	if in.Task != nil {
		sys.WriteString("\n\n")
		sys.WriteString(taskBlock(*in.Task))
	}

	out := make([]Message, 0, len(in.Turns)+1)
	out = append(out, Message{Role: "system", Content: sys.String()})
	for _, t := range in.Turns {
		out = append(out, Message{
			Role:       string(t.Role),
			Content:    t.Content,
			ToolCallID: t.ToolCallID,
			ToolName:   t.ToolName,
		})
	}
	return out
}

func toolCatalogBlock(tools []toolkit.Descriptor) string {
	sorted := make([]toolkit.Descriptor, len(tools))
	copy(sorted, tools)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	b.WriteString("# Available tools\n")
	for _, t := range sorted {
		schema := "{}"
		if t.Schema != nil {
			if raw, err := json.Marshal(t.Schema); err == nil {
				schema = string(raw)
			}
		}
		fmt.Fprintf(&b, "- %s(%s): %s\n", t.Name, schema, t.Description)
	}
	return b.String()
}

func recentActionsBlock(actions []memory.ActionEntry, limit int) string {
	if limit > len(actions) {
		limit = len(actions)
	}
	var b strings.Builder
	b.WriteString("# Recent actions\n")
	for _, a := range actions[:limit] {
		b.WriteString("- ")
		b.WriteString(formatAction(a))
		b.WriteString("\n")
	}
	return b.String()
}

// formatAction renders one ActionLog entry in its fixed line shape, per
// tool.
func formatAction(a memory.ActionEntry) string {
	switch a.ToolName {
	case "messaging_send":
		target, _ := a.Metadata["targetAgentId"].(string)
		return fmt.Sprintf("messaging_send → %s", target)
	case "task_complete":
		return fmt.Sprintf("task_complete: %s", a.Description)
	case "tools_recommend":
		names, _ := a.Metadata["names"].([]string)
		return fmt.Sprintf("tools_recommend: %s", strings.Join(names, ", "))
	default:
		return fmt.Sprintf("%s: %s", a.ToolName, a.Description)
	}
}

// reasoningBlock renders the newest reasoningLimit entries of the
// ReasoningLog, letting an agent's own prior chain-of-thought survive a
// ConversationMemory.Clear() between turns instead of being lost along
// with the turn deque.
func reasoningBlock(entries []memory.ReasoningEntry, limit int) string {
	if limit > len(entries) {
		limit = len(entries)
	}
	var b strings.Builder
	b.WriteString("# Prior reasoning\n")
	for _, e := range entries[:limit] {
		b.WriteString("- ")
		b.WriteString(e.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func channelActivityBlock(activity []ChannelActivity, limit int) string {
	if limit > len(activity) {
		limit = len(activity)
	}
	var b strings.Builder
	b.WriteString("# Channel activity\n")
	for _, a := range activity[:limit] {
		fmt.Fprintf(&b, "- %s: %s\n", a.AgentID, a.Summary)
	}
	return b.String()
}

func taskBlock(task TaskView) string {
	return fmt.Sprintf("# Current task\n%s\n%s", task.Title, task.Description)
}
