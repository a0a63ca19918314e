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
	"strings"

	"github.com/mxf-run/mxf/pkg/mxerr"
)

// TaskSink is the narrow surface toolkit needs from whatever owns task
// state (channelhub) to implement task_complete without importing it
// directly.
type TaskSink interface {
	CompleteTask(ctx context.Context, agentID, summary string, success bool) (map[string]any, error)
}

// MessageSink is the narrow surface toolkit needs to implement
// messaging_send.
type MessageSink interface {
	SendMessage(ctx context.Context, fromAgentID, targetAgentID, content string) error
}

// UserInputBridge is the narrow surface toolkit needs from package
// userinput to implement user_input, request_user_input, and
// get_user_input_response.
type UserInputBridge interface {
	Blocking(ctx context.Context, agentID string, req map[string]any) (map[string]any, error)
	RequestAsync(ctx context.Context, agentID string, req map[string]any) (map[string]any, error)
	PollAsync(ctx context.Context, agentID, requestID string) (map[string]any, error)
}

// RegisterBuiltins installs the universally-present tools every agent
// gets regardless of channel: task_complete, messaging_send,
// user_input, request_user_input/get_user_input_response, and
// tools_recommend. It is called once per process against the shared
// Registry; the collaborators are whatever channelhub/userinput
// instances that process wires together.
func RegisterBuiltins(r *Registry, tasks TaskSink, messages MessageSink, userInput UserInputBridge) error {
	builtins := []struct {
		desc Descriptor
		h    Handler
	}{
		{
			desc: Descriptor{
				Name:        "task_complete",
				Description: "Mark the caller's current task finished. Terminal: no further tool calls in this turn are dispatched.",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"summary": map[string]any{"type": "string"},
						"success": map[string]any{"type": "boolean", "default": true},
					},
					"required": []any{"summary"},
				},
				Terminal:    true,
				EmitsEvents: true,
			},
			h: func(ctx context.Context, inv Invocation) (map[string]any, error) {
				summary, _ := inv.Args["summary"].(string)
				success := true
				if v, ok := inv.Args["success"].(bool); ok {
					success = v
				}
				return tasks.CompleteTask(ctx, inv.AgentID, summary, success)
			},
		},
		{
			desc: Descriptor{
				Name:        "messaging_send",
				Description: "Send a message to another agent in the same channel.",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"targetAgentId": map[string]any{"type": "string"},
						"content":       map[string]any{"type": "string"},
					},
					"required": []any{"targetAgentId", "content"},
				},
				EmitsEvents: true,
			},
			h: func(ctx context.Context, inv Invocation) (map[string]any, error) {
				target, _ := inv.Args["targetAgentId"].(string)
				content, _ := inv.Args["content"].(string)
				if target == "" {
					return nil, mxerr.New(mxerr.InvalidArgs, "targetAgentId required")
				}
				if err := messages.SendMessage(ctx, inv.AgentID, target, content); err != nil {
					return nil, err
				}
				return map[string]any{"sent": true}, nil
			},
		},
		{
			desc: Descriptor{
				Name:        "user_input",
				Description: "Blocking prompt to a human; the iteration suspends until answered, cancelled, or timed out.",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"type":      map[string]any{"type": "string", "enum": []any{"text", "select", "multi_select", "confirm"}},
						"prompt":    map[string]any{"type": "string"},
						"options":   map[string]any{"type": "array"},
						"urgency":   map[string]any{"type": "string", "enum": []any{"low", "normal", "high", "critical"}},
						"timeoutMs": map[string]any{"type": "integer"},
					},
					"required": []any{"type"},
				},
			},
			h: func(ctx context.Context, inv Invocation) (map[string]any, error) {
				return userInput.Blocking(ctx, inv.AgentID, inv.Args)
			},
		},
		{
			desc: Descriptor{
				Name:        "request_user_input",
				Description: "Non-blocking prompt to a human; returns a requestId to poll with get_user_input_response.",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"type":      map[string]any{"type": "string", "enum": []any{"text", "select", "multi_select", "confirm"}},
						"prompt":    map[string]any{"type": "string"},
						"options":   map[string]any{"type": "array"},
						"urgency":   map[string]any{"type": "string", "enum": []any{"low", "normal", "high", "critical"}},
						"timeoutMs": map[string]any{"type": "integer"},
					},
					"required": []any{"type"},
				},
			},
			h: func(ctx context.Context, inv Invocation) (map[string]any, error) {
				return userInput.RequestAsync(ctx, inv.AgentID, inv.Args)
			},
		},
		{
			desc: Descriptor{
				Name:        "get_user_input_response",
				Description: "Poll a pending request_user_input call by requestId.",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"requestId": map[string]any{"type": "string"},
					},
					"required": []any{"requestId"},
				},
				ReadOnly:        true,
				IdempotentRetry: true,
			},
			h: func(ctx context.Context, inv Invocation) (map[string]any, error) {
				id, _ := inv.Args["requestId"].(string)
				if id == "" {
					return nil, mxerr.New(mxerr.InvalidArgs, "requestId required")
				}
				return userInput.PollAsync(ctx, inv.AgentID, id)
			},
		},
	}

	for _, b := range builtins {
		if err := r.RegisterInternal(b.desc, b.h); err != nil {
			return fmt.Errorf("toolkit: register %s: %w", b.desc.Name, err)
		}
	}

	// tools_recommend needs the registry itself to rank against, so it's
	// wired separately rather than through the generic loop above.
	recommend := Descriptor{
		Name:        "tools_recommend",
		Description: "Return a ranked list of registered tools relevant to a stated intent.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"intent": map[string]any{"type": "string"},
			},
			"required": []any{"intent"},
		},
		ReadOnly:        true,
		IdempotentRetry: true,
		Orchestration:   true,
	}
	recommendHandler := func(ctx context.Context, inv Invocation) (map[string]any, error) {
		intent, _ := inv.Args["intent"].(string)
		ranked := rankTools(r.ListFor(inv.ChannelID, inv.Access), intent)
		return map[string]any{"tools": ranked}, nil
	}
	if err := r.RegisterInternal(recommend, recommendHandler); err != nil {
		return fmt.Errorf("toolkit: register tools_recommend: %w", err)
	}
	return nil
}

// rankTools scores each descriptor by naive keyword overlap between intent
// and the tool's name/description, descending, name ascending as tiebreak.
func rankTools(candidates []Descriptor, intent string) []string {
	terms := strings.Fields(strings.ToLower(intent))
	type scored struct {
		name  string
		score int
	}
	scores := make([]scored, 0, len(candidates))
	for _, d := range candidates {
		haystack := strings.ToLower(d.Name + " " + d.Description)
		score := 0
		for _, t := range terms {
			if t == "" {
				continue
			}
			score += strings.Count(haystack, t)
		}
		scores = append(scores, scored{name: d.Name, score: score})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].name < scores[j].name
	})
	out := make([]string, len(scores))
	for i, s := range scores {
		out[i] = s.name
	}
	return out
}
