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

package prompt

import (
	"testing"

	"github.com/mxf-run/mxf/pkg/memory"
	"github.com/mxf-run/mxf/pkg/toolkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssembleIsDeterministic(t *testing.T) {
	in := Input{
		AgentID:      "a1",
		SystemPrompt: "You are a helpful agent.",
		Task:         &TaskView{Title: "Win the game", Description: "Place three in a row."},
		Turns: []memory.Turn{
			{Role: memory.RoleUser, Content: "go"},
			{Role: memory.RoleAssistant, Content: "moving", ToolCallID: "tc1"},
			{Role: memory.RoleToolResult, Content: "ok", ToolCallID: "tc1"},
		},
		RecentActions: []memory.ActionEntry{
			{ToolName: "task_complete", Description: "done"},
			{ToolName: "messaging_send", Metadata: map[string]any{"targetAgentId": "a2"}},
		},
		Tools: []toolkit.Descriptor{
			{Name: "task_complete", Description: "finish"},
		},
	}

	first := Assemble(in)
	second := Assemble(in)
	require.Equal(t, first, second)

	require.Len(t, first, 4) // system + 3 turns
	assert.Equal(t, "system", first[0].Role)
	assert.Contains(t, first[0].Content, "task_complete")
	assert.Contains(t, first[0].Content, "Win the game")
	assert.Contains(t, first[0].Content, "messaging_send → a2")
	assert.Equal(t, "tool_result", first[3].Role)
	assert.Equal(t, "tc1", first[3].ToolCallID)
}

func TestAssembleWithoutTaskOmitsTaskBlock(t *testing.T) {
	out := Assemble(Input{SystemPrompt: "hi"})
	assert.NotContains(t, out[0].Content, "# Current task")
}

func TestAssembleAppliesDecoratorsInOrder(t *testing.T) {
	appendToPrompt := func(suffix string) Decorator {
		return func(in Input) Input {
			in.SystemPrompt += suffix
			return in
		}
	}
	out := Assemble(Input{SystemPrompt: "base"}, appendToPrompt("-one"), appendToPrompt("-two"))
	assert.Contains(t, out[0].Content, "base-one-two")
}
