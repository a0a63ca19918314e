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

// Package toolkit implements the tool registry: internal tool
// declaration, schema validation, per-agent/per-channel access control, and
// the universally-present tools every conforming agent gets for free
// (task_complete, messaging_send, user_input, request_user_input,
// get_user_input_response, tools_recommend). The external (MCP) half of
// tool discovery lives in package mcpadapter, which registers its
// discovered tools into the same Registry with Origin set to OriginMCP.
package toolkit

import "context"

// Origin distinguishes where a tool's implementation lives.
type Origin string

const (
	OriginInternal Origin = "internal"
	OriginMCP      Origin = "channel_mcp"
)

// Invocation is the context a Handler receives for one tool call.
type Invocation struct {
	AgentID    string
	ChannelID  string
	ToolName   string
	ToolCallID string
	Args       map[string]any
	// Access is the caller's resolved permission set, stamped by
	// Registry.Invoke before the handler runs. Most handlers ignore it;
	// tools_recommend uses it to rank only what the caller may invoke.
	Access Access
}

// Handler executes a tool's side effect. Handlers never panic for control
// flow: a recovered panic is reported to the caller as mxerr.HandlerFailed,
// but handlers are expected to return ordinary errors (ideally *mxerr.Error)
// instead of relying on that recovery.
type Handler func(ctx context.Context, inv Invocation) (map[string]any, error)

// Descriptor is everything the registry stores about one tool.
type Descriptor struct {
	Name        string
	Description string
	// Schema is a JSON-schema document (as a Go value tree, the form
	// accepted by santhosh-tekuri/jsonschema's in-memory compiler) for
	// the tool's arguments. Nil means the tool takes no arguments.
	Schema map[string]any

	Origin     Origin
	ProviderID string // MCP server id, when Origin == OriginMCP

	// ReadOnly tools never mutate shared state and may be dispatched
	// concurrently with other ReadOnly tools in the same LLM turn.
	ReadOnly bool
	// Terminal tools (task_complete) short-circuit the remainder of a
	// tool-call batch once dispatched.
	Terminal bool
	// EmitsEvents is descriptive metadata surfaced to admin tooling; it
	// does not change dispatch behavior.
	EmitsEvents bool
	// IdempotentRetry marks a tool as safe to retry after a transient
	// failure (used by callers that implement their own retry policy).
	IdempotentRetry bool
	// Orchestration marks a tool that lets an agent direct other agents'
	// work (e.g. tools_recommend). Dispatch refuses these on a channel
	// whose SystemLLMEnabled is false.
	Orchestration bool
}

type entry struct {
	Descriptor
	handler  Handler
	compiled compiledSchema
}
