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

// Package task implements the Task entity and its state machine:
// pending -> assigned -> in_progress -> {completed | cancelled | failed |
// errored}. Completion rules vary by CoordinationMode and are applied by
// the channelhub package, which owns the Task; this package only enforces
// the state machine and simple field invariants (progress clamped to
// 0-100 and set to 100 on completion, terminal states never transition
// again).
package task

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the current lifecycle state of a Task.
type State string

const (
	StatePending    State = "pending"
	StateAssigned   State = "assigned"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
	StateErrored    State = "errored"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed, StateErrored:
		return true
	}
	return false
}

// AssignmentScope controls how many agents a task targets.
type AssignmentScope string

const (
	ScopeSingle   AssignmentScope = "single"
	ScopeMultiple AssignmentScope = "multiple"
)

// AssignmentStrategy controls how assignees were chosen.
type AssignmentStrategy string

const (
	StrategyManual AssignmentStrategy = "manual"
	StrategyAuto   AssignmentStrategy = "auto"
)

// CoordinationMode governs how multiple assignees complete a task together.
type CoordinationMode string

const (
	Collaborative CoordinationMode = "collaborative"
	Competitive   CoordinationMode = "competitive"
	Sequential    CoordinationMode = "sequential"
)

// Priority is one of the four allowed task priorities.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var validPriorities = map[Priority]bool{
	PriorityLow: true, PriorityMedium: true, PriorityHigh: true, PriorityCritical: true,
}

// ValidPriority reports whether p is one of the four allowed priorities.
func ValidPriority(p Priority) bool { return validPriorities[p] }

// Result is the terminal result payload of a task.
type Result struct {
	Summary string
	Success bool
	Data    map[string]any
}

// Spec is the input to channelhub.Hub.CreateTask.
type Spec struct {
	ChannelID        string
	Title            string
	Description      string
	AssignmentScope  AssignmentScope
	Strategy         AssignmentStrategy
	AssignedAgentIDs []string
	LeadAgentID      string
	CompletionAgentID string
	CoordinationMode CoordinationMode
	Priority         Priority
}

// Task is a unit of work assigned to one or more agents within a channel.
type Task struct {
	ID                string
	ChannelID         string
	Title             string
	Description       string
	AssignmentScope   AssignmentScope
	Strategy          AssignmentStrategy
	AssignedAgentIDs  []string
	LeadAgentID       string
	CompletionAgentID string
	CoordinationMode  CoordinationMode
	Priority          Priority
	CreatedAt         time.Time
	UpdatedAt         time.Time

	mu         sync.RWMutex
	status     State
	progress   int
	result     *Result
	completedBy map[string]bool // assignee id -> called task_complete
	sequenceIdx int             // index into AssignedAgentIDs for Sequential mode
}

// New constructs a Task in StatePending from spec.
func New(spec Spec) *Task {
	now := time.Now()
	return &Task{
		ID:                uuid.New().String(),
		ChannelID:         spec.ChannelID,
		Title:             spec.Title,
		Description:       spec.Description,
		AssignmentScope:   spec.AssignmentScope,
		Strategy:          spec.Strategy,
		AssignedAgentIDs:  append([]string(nil), spec.AssignedAgentIDs...),
		LeadAgentID:       spec.LeadAgentID,
		CompletionAgentID: spec.CompletionAgentID,
		CoordinationMode:  spec.CoordinationMode,
		Priority:          spec.Priority,
		CreatedAt:         now,
		UpdatedAt:         now,
		status:            StatePending,
		completedBy:       make(map[string]bool),
	}
}

// Status returns the current state and progress, thread-safe.
func (t *Task) Status() (State, int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status, t.progress
}

// Result returns the terminal result payload, if any.
func (t *Task) Result() *Result {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.result
}

// CurrentStepHolder returns the assignee who currently holds the step in
// Sequential coordination mode.
func (t *Task) CurrentStepHolder() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.sequenceIdx >= len(t.AssignedAgentIDs) {
		return ""
	}
	return t.AssignedAgentIDs[t.sequenceIdx]
}

// transition moves the task to state unless it is already terminal.
// Returns false if the task was already terminal (no-op, monotonic law).
func (t *Task) transition(state State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return false
	}
	t.status = state
	t.UpdatedAt = time.Now()
	if state == StateCompleted {
		t.progress = 100
	}
	return true
}

// Assign moves pending -> assigned.
func (t *Task) Assign() bool { return t.transition(StateAssigned) }

// Start moves assigned -> in_progress.
func (t *Task) Start() bool { return t.transition(StateInProgress) }

// SetProgress updates progress (0-100); ignored once terminal.
func (t *Task) SetProgress(pct int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	t.progress = pct
	t.UpdatedAt = time.Now()
}

// Cancel is terminal regardless of current state (unless already terminal).
func (t *Task) Cancel() bool { return t.transition(StateCancelled) }

// Fail is terminal; used for CircuitBreakerTripped / MaxIterationsExceeded.
func (t *Task) Fail(result *Result) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return false
	}
	t.status = StateFailed
	t.result = result
	t.UpdatedAt = time.Now()
	return true
}

// Error is terminal; used for Internal failures.
func (t *Task) Error(result *Result) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return false
	}
	t.status = StateErrored
	t.result = result
	t.UpdatedAt = time.Now()
	return true
}

// RecordCompletion records that agentID called task_complete with the
// given result. It returns whether the task was already terminal before
// this call (whether it is now complete is for the caller to decide by the
// CoordinationMode rule), and whether this call was a genuine
// new completion (false if agentID had already completed, or the task was
// already terminal — both are no-ops per the competitive/collaborative
// property that repeat task_complete calls do nothing).
func (t *Task) RecordCompletion(agentID string, result *Result) (alreadyDone bool, isNew bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.IsTerminal() {
		return true, false
	}
	if t.completedBy[agentID] {
		return false, false
	}
	t.completedBy[agentID] = true
	if t.result == nil {
		t.result = result
	}
	return false, true
}

// CompletionCount returns how many distinct assignees have completed.
func (t *Task) CompletionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.completedBy)
}

// HasCompleted reports whether agentID has already called task_complete.
func (t *Task) HasCompleted(agentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.completedBy[agentID]
}

// AdvanceSequence moves the Sequential-mode step pointer forward one
// position, reporting whether that was the last step.
func (t *Task) AdvanceSequence() (isLast bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sequenceIdx++
	return t.sequenceIdx >= len(t.AssignedAgentIDs)
}

// Complete transitions the task to StateCompleted with the given result.
func (t *Task) Complete(result *Result) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return false
	}
	t.status = StateCompleted
	t.progress = 100
	t.result = result
	t.UpdatedAt = time.Now()
	return true
}
