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

package channelhub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxf-run/mxf/pkg/events"
	"github.com/mxf-run/mxf/pkg/kv"
	"github.com/mxf-run/mxf/pkg/task"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	return New(kv.NewMemory(), nil)
}

func mustCreateChannel(t *testing.T, h *Hub, id string) {
	t.Helper()
	_, err := h.CreateChannel(context.Background(), id, []string{"task_complete", "game_makeMove"}, true)
	require.NoError(t, err)
}

func mustCreateAgent(t *testing.T, h *Hub, channelID, agentID string) {
	t.Helper()
	_, err := h.CreateAgent(context.Background(), channelID, agentID, agentID, LLMConfig{Provider: "openai"}, []string{"task_complete", "game_makeMove"}, nil)
	require.NoError(t, err)
}

func TestCreateChannelRoundTrip(t *testing.T) {
	h := newTestHub(t)
	mustCreateChannel(t, h, "c1")
	require.NoError(t, h.DeleteChannel(context.Background(), "c1"))
	mustCreateChannel(t, h, "c1")

	ch, ok := h.GetChannel("c1")
	require.True(t, ok)
	assert.NotNil(t, ch.AllowedTools)
}

func TestCreateAgentIntersectsAllowedTools(t *testing.T) {
	h := newTestHub(t)
	_, err := h.CreateChannel(context.Background(), "c1", []string{"task_complete"}, true)
	require.NoError(t, err)

	a, err := h.CreateAgent(context.Background(), "c1", "a1", "Agent One", LLMConfig{}, []string{"task_complete", "messaging_send"}, nil)
	require.NoError(t, err)
	assert.True(t, a.AllowedTools["task_complete"])
	assert.False(t, a.AllowedTools["messaging_send"])
	assert.Equal(t, defaultMaxIterations, a.LLMConfig.MaxIterations)
}

func TestCompetitiveTaskCompletesOnFirstCompletion(t *testing.T) {
	h := newTestHub(t)
	mustCreateChannel(t, h, "c1")
	mustCreateAgent(t, h, "c1", "a1")
	mustCreateAgent(t, h, "c1", "a2")

	tk, err := h.CreateTask(context.Background(), task.Spec{
		ChannelID:        "c1",
		AssignmentScope:  task.ScopeMultiple,
		AssignedAgentIDs: []string{"a1", "a2"},
		CoordinationMode: task.Competitive,
		Priority:         task.PriorityMedium,
	})
	require.NoError(t, err)

	res, err := h.CompleteTask(context.Background(), "a1", "done", true)
	require.NoError(t, err)
	assert.True(t, res["taskCompleted"].(bool))

	status, _ := tk.Status()
	assert.Equal(t, task.StateCompleted, status)

	res2, err := h.CompleteTask(context.Background(), "a2", "done too", true)
	require.NoError(t, err)
	assert.True(t, res2["alreadyCompleted"].(bool))
}

func TestCollaborativeRequiresEveryAssignee(t *testing.T) {
	h := newTestHub(t)
	mustCreateChannel(t, h, "c1")
	mustCreateAgent(t, h, "c1", "a1")
	mustCreateAgent(t, h, "c1", "a2")

	tk, err := h.CreateTask(context.Background(), task.Spec{
		ChannelID:        "c1",
		AssignmentScope:  task.ScopeMultiple,
		AssignedAgentIDs: []string{"a1", "a2"},
		CoordinationMode: task.Collaborative,
		Priority:         task.PriorityMedium,
	})
	require.NoError(t, err)

	_, err = h.CompleteTask(context.Background(), "a1", "part one", true)
	require.NoError(t, err)
	status, _ := tk.Status()
	assert.Equal(t, task.StateAssigned, status)

	_, err = h.CompleteTask(context.Background(), "a2", "part two", true)
	require.NoError(t, err)
	status, _ = tk.Status()
	assert.Equal(t, task.StateCompleted, status)
}

func TestSequentialAdvancesThenCompletes(t *testing.T) {
	h := newTestHub(t)
	mustCreateChannel(t, h, "c1")
	mustCreateAgent(t, h, "c1", "a1")
	mustCreateAgent(t, h, "c1", "a2")

	tk, err := h.CreateTask(context.Background(), task.Spec{
		ChannelID:        "c1",
		AssignmentScope:  task.ScopeMultiple,
		AssignedAgentIDs: []string{"a1", "a2"},
		CoordinationMode: task.Sequential,
		Priority:         task.PriorityMedium,
	})
	require.NoError(t, err)
	assert.Equal(t, "a1", tk.CurrentStepHolder())

	_, err = h.CompleteTask(context.Background(), "a1", "step one", true)
	require.NoError(t, err)
	status, _ := tk.Status()
	assert.Equal(t, task.StateAssigned, status)
	assert.Equal(t, "a2", tk.CurrentStepHolder())

	_, err = h.CompleteTask(context.Background(), "a2", "step two", true)
	require.NoError(t, err)
	status, _ = tk.Status()
	assert.Equal(t, task.StateCompleted, status)
}

// TestSequentialOnlyNotifiesFirstHolderAtCreation guards against starting
// concurrent TaskExecutor sessions for the same Sequential task: only the
// initial step holder should have CurrentTaskID set (and receive
// TASK_ASSIGNED) when the task is created, with later holders picking it
// up one at a time as the sequence advances.
func TestSequentialOnlyNotifiesFirstHolderAtCreation(t *testing.T) {
	h := newTestHub(t)
	mustCreateChannel(t, h, "c1")
	mustCreateAgent(t, h, "c1", "a1")
	mustCreateAgent(t, h, "c1", "a2")

	bus, ok := h.Bus("c1")
	require.True(t, ok)
	assigned := make(chan events.Event, 4)
	bus.Subscribe(events.TaskAssigned, func(e events.Event) { assigned <- e })

	tk, err := h.CreateTask(context.Background(), task.Spec{
		ChannelID:        "c1",
		AssignmentScope:  task.ScopeMultiple,
		AssignedAgentIDs: []string{"a1", "a2"},
		CoordinationMode: task.Sequential,
		Priority:         task.PriorityMedium,
	})
	require.NoError(t, err)

	a1, _ := h.GetAgent("a1")
	a2, _ := h.GetAgent("a2")
	assert.Equal(t, tk.ID, a1.CurrentTaskID)
	assert.Empty(t, a2.CurrentTaskID, "a2 must not hold a live session until a1 hands off the task")

	// Bus delivery is asynchronous (per-subscriber mailbox goroutine), so
	// wait for the event rather than expecting it to be queued already.
	select {
	case e := <-assigned:
		assert.Equal(t, "a1", e.AgentID)
	case <-time.After(time.Second):
		t.Fatal("expected a TASK_ASSIGNED event for a1 at creation")
	}
	select {
	case e := <-assigned:
		t.Fatalf("unexpected second TASK_ASSIGNED event at creation: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}

	_, err = h.CompleteTask(context.Background(), "a1", "step one", true)
	require.NoError(t, err)

	a2, _ = h.GetAgent("a2")
	assert.Equal(t, tk.ID, a2.CurrentTaskID)
	select {
	case e := <-assigned:
		assert.Equal(t, "a2", e.AgentID)
	case <-time.After(time.Second):
		t.Fatal("expected a TASK_ASSIGNED event for a2 after a1 completes its step")
	}
}

func TestChannelActivityDigestIsNewestFirstAndBounded(t *testing.T) {
	h := newTestHub(t)
	mustCreateChannel(t, h, "c1")

	for i := 0; i < activityCapacity+5; i++ {
		h.RecordActivity("c1", "a1", "action")
	}
	all := h.RecentActivity("c1", 0)
	assert.Len(t, all, activityCapacity)

	h.RecordActivity("c1", "a2", "newest")
	limited := h.RecentActivity("c1", 1)
	require.Len(t, limited, 1)
	assert.Equal(t, "a2", limited[0].AgentID)
	assert.Equal(t, "newest", limited[0].Summary)
}

func TestCreateTaskQueuesBehindBusyAgent(t *testing.T) {
	h := newTestHub(t)
	mustCreateChannel(t, h, "c1")
	mustCreateAgent(t, h, "c1", "a1")

	first, err := h.CreateTask(context.Background(), task.Spec{
		ChannelID:        "c1",
		AssignmentScope:  task.ScopeSingle,
		AssignedAgentIDs: []string{"a1"},
		CoordinationMode: task.Competitive,
		Priority:         task.PriorityMedium,
	})
	require.NoError(t, err)

	second, err := h.CreateTask(context.Background(), task.Spec{
		ChannelID:        "c1",
		AssignmentScope:  task.ScopeSingle,
		AssignedAgentIDs: []string{"a1"},
		CoordinationMode: task.Competitive,
		Priority:         task.PriorityMedium,
	})
	require.NoError(t, err)

	a, _ := h.GetAgent("a1")
	assert.Equal(t, first.ID, a.CurrentTaskID)
	assert.Equal(t, second.ID, a.QueuedTaskID)

	_, err = h.CompleteTask(context.Background(), "a1", "first done", true)
	require.NoError(t, err)

	a, _ = h.GetAgent("a1")
	assert.Equal(t, second.ID, a.CurrentTaskID)
	assert.Empty(t, a.QueuedTaskID)
}

func TestCreateTaskRejectsSingleScopeWithMultipleAssignees(t *testing.T) {
	h := newTestHub(t)
	mustCreateChannel(t, h, "c1")
	mustCreateAgent(t, h, "c1", "a1")
	mustCreateAgent(t, h, "c1", "a2")

	_, err := h.CreateTask(context.Background(), task.Spec{
		ChannelID:        "c1",
		AssignmentScope:  task.ScopeSingle,
		AssignedAgentIDs: []string{"a1", "a2"},
		CoordinationMode: task.Competitive,
		Priority:         task.PriorityMedium,
	})
	require.Error(t, err)
}

func TestCancelTaskIsTerminalAndIdempotent(t *testing.T) {
	h := newTestHub(t)
	mustCreateChannel(t, h, "c1")
	mustCreateAgent(t, h, "c1", "a1")

	tk, err := h.CreateTask(context.Background(), task.Spec{
		ChannelID:        "c1",
		AssignmentScope:  task.ScopeSingle,
		AssignedAgentIDs: []string{"a1"},
		CoordinationMode: task.Competitive,
		Priority:         task.PriorityMedium,
	})
	require.NoError(t, err)

	require.NoError(t, h.CancelTask(context.Background(), tk.ID, "external"))
	status, _ := tk.Status()
	assert.Equal(t, task.StateCancelled, status)

	require.NoError(t, h.CancelTask(context.Background(), tk.ID, "external again"))
	status, _ = tk.Status()
	assert.Equal(t, task.StateCancelled, status)
}

func TestSendMessageDirectRequiresMembership(t *testing.T) {
	h := newTestHub(t)
	mustCreateChannel(t, h, "c1")
	mustCreateAgent(t, h, "c1", "a1")
	mustCreateAgent(t, h, "c1", "a2")
	require.NoError(t, h.Join("c1", "a1"))
	require.NoError(t, h.Join("c1", "a2"))

	bus, ok := h.Bus("c1")
	require.True(t, ok)

	received := make(chan events.Event, 1)
	unsub := bus.Subscribe(events.AgentMessage, func(ev events.Event) { received <- ev })
	defer unsub()

	require.NoError(t, h.SendMessage(context.Background(), "a1", "a2", "hi"))
	ev := <-received
	assert.Equal(t, "a2", ev.AgentID)

	_, err := h.CreateAgent(context.Background(), "c1", "a3", "a3", LLMConfig{}, nil, nil)
	require.NoError(t, err)
	err = h.SendMessage(context.Background(), "a1", "a3", "hi")
	assert.Error(t, err)
}

func TestJoinLeaveIsMember(t *testing.T) {
	h := newTestHub(t)
	mustCreateChannel(t, h, "c1")
	mustCreateAgent(t, h, "c1", "a1")

	assert.False(t, h.IsMember("c1", "a1"))
	require.NoError(t, h.Join("c1", "a1"))
	assert.True(t, h.IsMember("c1", "a1"))
	require.NoError(t, h.Leave("c1", "a1"))
	assert.False(t, h.IsMember("c1", "a1"))
}
