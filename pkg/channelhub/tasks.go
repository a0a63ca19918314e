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
	"time"

	"github.com/mxf-run/mxf/pkg/events"
	"github.com/mxf-run/mxf/pkg/mxerr"
	"github.com/mxf-run/mxf/pkg/task"
)

// CreateTask validates spec, persists a new Task in pending, transitions
// it to assigned, and emits TASK_CREATED followed by TASK_ASSIGNED. For
// Competitive and Collaborative tasks every assignee is notified at
// once. For Sequential tasks only the first assignee (the initial step
// holder) is notified now; later holders are assigned and notified one
// at a time, as applyCoordination's Sequential branch advances the step
// pointer, so at most one assignee ever has a live session — and hence
// at most one in-flight LLM call — for the same task at any moment.
// If an assignee already has a task in progress, the
// new one is queued behind it (one outstanding assignment per agent); an
// agent with both a current and a queued task already is rejected.
func (h *Hub) CreateTask(ctx context.Context, spec task.Spec) (*task.Task, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	notifyNow := spec.AssignedAgentIDs
	if spec.CoordinationMode == task.Sequential && len(spec.AssignedAgentIDs) > 0 {
		notifyNow = spec.AssignedAgentIDs[:1]
	}

	h.mu.Lock()
	entry, ok := h.channels[spec.ChannelID]
	if !ok {
		h.mu.Unlock()
		return nil, mxerr.New(mxerr.InvalidArgs, "unknown channel "+spec.ChannelID)
	}
	for _, agentID := range spec.AssignedAgentIDs {
		if _, ok := h.agents[agentID]; !ok {
			h.mu.Unlock()
			return nil, mxerr.New(mxerr.InvalidArgs, "unknown agent "+agentID)
		}
	}
	for _, agentID := range notifyNow {
		a := h.agents[agentID]
		if a.CurrentTaskID != "" && a.QueuedTaskID != "" {
			h.mu.Unlock()
			return nil, mxerr.New(mxerr.InvalidArgs, "agent "+agentID+" already has a queued assignment")
		}
	}

	t := task.New(spec)
	t.Assign()
	h.tasks[t.ID] = t
	for _, agentID := range notifyNow {
		a := h.agents[agentID]
		if a.CurrentTaskID == "" {
			a.CurrentTaskID = t.ID
		} else {
			a.QueuedTaskID = t.ID
		}
	}
	h.mu.Unlock()

	if err := h.persistTask(ctx, t); err != nil {
		return nil, err
	}

	now := time.Now().UnixNano()
	entry.bus.Publish(events.Event{Name: events.TaskCreated, ChannelID: spec.ChannelID, Timestamp: now, Data: t})
	for _, agentID := range notifyNow {
		entry.bus.Publish(events.Event{Name: events.TaskAssigned, ChannelID: spec.ChannelID, AgentID: agentID, Timestamp: time.Now().UnixNano(), Data: t})
	}
	return t, nil
}

func validateSpec(spec task.Spec) error {
	if len(spec.AssignedAgentIDs) == 0 {
		return mxerr.New(mxerr.InvalidArgs, "task must have at least one assignee")
	}
	if spec.AssignmentScope == task.ScopeSingle && len(spec.AssignedAgentIDs) != 1 {
		return mxerr.New(mxerr.InvalidArgs, "single-scope task must have exactly one assignee")
	}
	if !task.ValidPriority(spec.Priority) {
		return mxerr.New(mxerr.InvalidArgs, "invalid priority "+string(spec.Priority))
	}
	return nil
}

// GetTask returns the task named id.
func (h *Hub) GetTask(id string) (*task.Task, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.tasks[id]
	return t, ok
}

// CompleteTask implements toolkit.TaskSink: it records agentID's
// completion of its current task and applies the CoordinationMode rule
// to decide whether the task as a whole is now done.
func (h *Hub) CompleteTask(ctx context.Context, agentID, summary string, success bool) (map[string]any, error) {
	h.mu.RLock()
	a, ok := h.agents[agentID]
	h.mu.RUnlock()
	if !ok {
		return nil, mxerr.New(mxerr.InvalidArgs, "unknown agent "+agentID)
	}
	taskID := a.CurrentTaskID
	if taskID == "" {
		// A Competitive task completed by another assignee releases this
		// agent before its own session winds down; a late task_complete
		// from that session is a no-op, not an error.
		if h.hasTerminalTaskFor(agentID) {
			return map[string]any{"ok": true, "alreadyCompleted": true}, nil
		}
		return nil, mxerr.New(mxerr.InvalidArgs, "agent "+agentID+" has no active task")
	}
	t, ok := h.GetTask(taskID)
	if !ok {
		return nil, mxerr.New(mxerr.Internal, "task "+taskID+" missing from table")
	}

	result := &task.Result{Summary: summary, Success: success}
	alreadyDone, isNew := t.RecordCompletion(agentID, result)
	if alreadyDone || !isNew {
		return map[string]any{"ok": true, "alreadyCompleted": true}, nil
	}

	completedNow := h.applyCoordination(t, agentID, result)
	if completedNow {
		h.releaseAgent(ctx, t)
		h.publishTerminal(t, events.TaskCompleted)
	}
	return map[string]any{"ok": true, "taskCompleted": completedNow, "summary": summary}, nil
}

// hasTerminalTaskFor reports whether agentID is an assignee of any task
// that has already reached a terminal state.
func (h *Hub) hasTerminalTaskFor(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, t := range h.tasks {
		status, _ := t.Status()
		if !status.IsTerminal() {
			continue
		}
		for _, id := range t.AssignedAgentIDs {
			if id == agentID {
				return true
			}
		}
	}
	return false
}

// applyCoordination decides, under CoordinationMode, whether t is now
// fully complete, transitioning it if so.
func (h *Hub) applyCoordination(t *task.Task, agentID string, result *task.Result) bool {
	switch t.CoordinationMode {
	case task.Competitive:
		return t.Complete(result)
	case task.Sequential:
		if t.CurrentStepHolder() != agentID {
			return false
		}
		isLast := t.AdvanceSequence()
		if isLast {
			return t.Complete(result)
		}
		h.advanceSequentialHolder(t, agentID)
		return false
	default: // Collaborative
		if t.CompletionAgentID != "" {
			if agentID != t.CompletionAgentID {
				return false
			}
			return t.Complete(result)
		}
		if t.CompletionCount() == len(t.AssignedAgentIDs) {
			return t.Complete(result)
		}
		return false
	}
}

// releaseAgent clears CurrentTaskID for every assignee of a just-completed
// task and promotes each agent's queued task, if any, to current.
func (h *Hub) releaseAgent(ctx context.Context, t *task.Task) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, agentID := range t.AssignedAgentIDs {
		a, ok := h.agents[agentID]
		if !ok || a.CurrentTaskID != t.ID {
			continue
		}
		a.CurrentTaskID = a.QueuedTaskID
		a.QueuedTaskID = ""
	}
}

// advanceSequentialHolder hands a Sequential task's step from fromAgentID
// to its newly-advanced CurrentStepHolder: fromAgentID is released (its
// own queued task, if any, is promoted), the next holder's CurrentTaskID
// is set (or the task queued behind whatever it's already running), and
// TASK_ASSIGNED is published to the next holder only if it was handed
// the task outright. This keeps at most one assignee holding the task at
// a time, so only one TaskExecutor session ever runs it concurrently.
func (h *Hub) advanceSequentialHolder(t *task.Task, fromAgentID string) {
	next := t.CurrentStepHolder()

	h.mu.Lock()
	if a, ok := h.agents[fromAgentID]; ok && a.CurrentTaskID == t.ID {
		a.CurrentTaskID = a.QueuedTaskID
		a.QueuedTaskID = ""
	}
	notify := false
	if b, ok := h.agents[next]; ok {
		switch {
		case b.CurrentTaskID == "":
			b.CurrentTaskID = t.ID
			notify = true
		case b.QueuedTaskID == "":
			b.QueuedTaskID = t.ID
		}
	}
	h.mu.Unlock()

	if !notify {
		return
	}
	h.mu.RLock()
	entry, ok := h.channels[t.ChannelID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	entry.bus.Publish(events.Event{Name: events.TaskAssigned, ChannelID: t.ChannelID, AgentID: next, Timestamp: time.Now().UnixNano(), Data: t})
}

// CancelTask is terminal and broadcast to every channel member.
func (h *Hub) CancelTask(ctx context.Context, id, reason string) error {
	t, ok := h.GetTask(id)
	if !ok {
		return mxerr.New(mxerr.InvalidArgs, "unknown task "+id)
	}
	if !t.Cancel() {
		return nil // already terminal; cancellation is a no-op past that point
	}
	h.releaseAgent(ctx, t)
	h.publishTerminal(t, events.TaskCancelled)
	return nil
}

// FailTask is terminal, used by a TaskExecutor session that ends Broken
// (CircuitBreakerTripped) or Exhausted (MaxIterationsExceeded). It is a
// no-op past a task's first terminal transition, same as CancelTask.
func (h *Hub) FailTask(ctx context.Context, id, reason string) error {
	t, ok := h.GetTask(id)
	if !ok {
		return mxerr.New(mxerr.InvalidArgs, "unknown task "+id)
	}
	if !t.Fail(&task.Result{Summary: reason, Success: false}) {
		return nil
	}
	h.releaseAgent(ctx, t)
	h.publishTerminal(t, events.TaskFailed)
	return nil
}

// ErrorTask is terminal, used by a TaskExecutor session that ends with an
// Internal error (the only error kind that is fatal for the session).
func (h *Hub) ErrorTask(ctx context.Context, id, reason string) error {
	t, ok := h.GetTask(id)
	if !ok {
		return mxerr.New(mxerr.InvalidArgs, "unknown task "+id)
	}
	if !t.Error(&task.Result{Summary: reason, Success: false}) {
		return nil
	}
	h.releaseAgent(ctx, t)
	h.publishTerminal(t, events.TaskError)
	return nil
}

func (h *Hub) publishTerminal(t *task.Task, name events.Name) {
	h.mu.RLock()
	entry, ok := h.channels[t.ChannelID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	entry.bus.Publish(events.Event{Name: name, ChannelID: t.ChannelID, Timestamp: time.Now().UnixNano(), Data: t})
}
