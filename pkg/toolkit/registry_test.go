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
	"testing"

	"github.com/mxf-run/mxf/pkg/mxerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoDescriptor(name string) Descriptor {
	return Descriptor{
		Name:        name,
		Description: "echoes its args",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"msg": map[string]any{"type": "string"},
			},
			"required": []any{"msg"},
		},
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	r := New()
	_, err := r.Invoke(context.Background(), "c1", NewAccess(nil, nil), Invocation{ToolName: "nope"})
	merr, ok := mxerr.As(err)
	require.True(t, ok)
	assert.Equal(t, mxerr.UnknownTool, merr.Kind)
}

func TestInvokeNotPermitted(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterInternal(echoDescriptor("echo"), func(ctx context.Context, inv Invocation) (map[string]any, error) {
		return inv.Args, nil
	}))
	access := NewAccess([]string{"other"}, []string{"echo"})
	_, err := r.Invoke(context.Background(), "c1", access, Invocation{ToolName: "echo", Args: map[string]any{"msg": "hi"}})
	merr, ok := mxerr.As(err)
	require.True(t, ok)
	assert.Equal(t, mxerr.NotPermitted, merr.Kind)
}

func TestInvokeInvalidArgs(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterInternal(echoDescriptor("echo"), func(ctx context.Context, inv Invocation) (map[string]any, error) {
		return inv.Args, nil
	}))
	access := NewAccess([]string{"echo"}, []string{"echo"})
	_, err := r.Invoke(context.Background(), "c1", access, Invocation{ToolName: "echo", Args: map[string]any{}})
	merr, ok := mxerr.As(err)
	require.True(t, ok)
	assert.Equal(t, mxerr.InvalidArgs, merr.Kind)
}

func TestInvokeSuccess(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterInternal(echoDescriptor("echo"), func(ctx context.Context, inv Invocation) (map[string]any, error) {
		return map[string]any{"msg": inv.Args["msg"]}, nil
	}))
	access := NewAccess([]string{"echo"}, []string{"echo"})
	res, err := r.Invoke(context.Background(), "c1", access, Invocation{ToolName: "echo", Args: map[string]any{"msg": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hi", res["msg"])
}

func TestInvokeHandlerFailedOnPanic(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterInternal(Descriptor{Name: "boom"}, func(ctx context.Context, inv Invocation) (map[string]any, error) {
		panic("kaboom")
	}))
	access := NewAccess([]string{"boom"}, []string{"boom"})
	_, err := r.Invoke(context.Background(), "c1", access, Invocation{ToolName: "boom"})
	merr, ok := mxerr.As(err)
	require.True(t, ok)
	assert.Equal(t, mxerr.HandlerFailed, merr.Kind)
}

func TestListForFiltersByAccessAndMCPLiveSet(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterInternal(echoDescriptor("internal_tool"), func(ctx context.Context, inv Invocation) (map[string]any, error) {
		return nil, nil
	}))
	require.NoError(t, r.RegisterMCPTool("c1", Descriptor{Name: "mcp_tool"}, func(ctx context.Context, inv Invocation) (map[string]any, error) {
		return nil, nil
	}))

	access := NewAccess([]string{"internal_tool", "mcp_tool"}, []string{"internal_tool", "mcp_tool"})
	list := r.ListFor("c1", access)
	require.Len(t, list, 2)

	// After a ToolListUpdated refresh that drops mcp_tool, it disappears
	// from ListFor even though the Access still permits it.
	r.ReplaceChannelTools("c1", nil)
	list = r.ListFor("c1", access)
	require.Len(t, list, 1)
	assert.Equal(t, "internal_tool", list[0].Name)
}

type stubTasks struct{ called bool }

func (s *stubTasks) CompleteTask(ctx context.Context, agentID, summary string, success bool) (map[string]any, error) {
	s.called = true
	return map[string]any{"summary": summary, "success": success}, nil
}

type stubMessages struct{ sent bool }

func (s *stubMessages) SendMessage(ctx context.Context, fromAgentID, targetAgentID, content string) error {
	s.sent = true
	return nil
}

type stubUserInput struct{}

func (stubUserInput) Blocking(ctx context.Context, agentID string, req map[string]any) (map[string]any, error) {
	return map[string]any{"status": "responded"}, nil
}
func (stubUserInput) RequestAsync(ctx context.Context, agentID string, req map[string]any) (map[string]any, error) {
	return map[string]any{"requestId": "r1", "status": "pending"}, nil
}
func (stubUserInput) PollAsync(ctx context.Context, agentID, requestID string) (map[string]any, error) {
	return map[string]any{"status": "pending"}, nil
}

func TestRegisterBuiltinsAndTaskComplete(t *testing.T) {
	r := New()
	tasks := &stubTasks{}
	messages := &stubMessages{}
	require.NoError(t, RegisterBuiltins(r, tasks, messages, stubUserInput{}))

	allNames := []string{"task_complete", "messaging_send", "user_input", "request_user_input", "get_user_input_response", "tools_recommend"}
	access := NewAccess(allNames, allNames)

	res, err := r.Invoke(context.Background(), "c1", access, Invocation{
		ToolName: "task_complete",
		AgentID:  "a1",
		Args:     map[string]any{"summary": "done"},
	})
	require.NoError(t, err)
	assert.True(t, tasks.called)
	assert.Equal(t, "done", res["summary"])

	_, err = r.Invoke(context.Background(), "c1", access, Invocation{
		ToolName: "messaging_send",
		AgentID:  "a1",
		Args:     map[string]any{"targetAgentId": "a2", "content": "hi"},
	})
	require.NoError(t, err)
	assert.True(t, messages.sent)
}

func TestToolsRecommendRanksByIntent(t *testing.T) {
	r := New()
	require.NoError(t, RegisterBuiltins(r, &stubTasks{}, &stubMessages{}, stubUserInput{}))
	allNames := []string{"task_complete", "messaging_send", "user_input", "request_user_input", "get_user_input_response", "tools_recommend"}
	access := NewAccess(allNames, allNames)

	res, err := r.Invoke(context.Background(), "c1", access, Invocation{
		ToolName: "tools_recommend",
		Args:     map[string]any{"intent": "send a message to a teammate"},
	})
	require.NoError(t, err)
	ranked, ok := res["tools"].([]string)
	require.True(t, ok)
	require.NotEmpty(t, ranked)
	assert.Contains(t, ranked, "messaging_send")
}
