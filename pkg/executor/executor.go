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

// Package executor implements the task executor: the per-agent
// iteration loop that drives request-LLM -> dispatch-tool-calls ->
// feed-results-back until a terminal tool, a circuit-breaker trip, or
// maxIterations ends the session. Exactly one Executor exists per agent
// (built by whatever owns the fleet, e.g. cmd/mxf), restated as an
// explicit state machine rather than a promise-chain of strategy hooks.
package executor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mxf-run/mxf/pkg/channelhub"
	"github.com/mxf-run/mxf/pkg/events"
	"github.com/mxf-run/mxf/pkg/llm"
	"github.com/mxf-run/mxf/pkg/memory"
	"github.com/mxf-run/mxf/pkg/mxerr"
	"github.com/mxf-run/mxf/pkg/prompt"
	"github.com/mxf-run/mxf/pkg/task"
	"github.com/mxf-run/mxf/pkg/toolkit"
)

// State is where one session currently sits in the iteration loop's state
// machine. It is session-scoped, not persisted across sessions.
type State string

const (
	StateIdle         State = "idle"
	StatePriming      State = "priming"
	StateCalling      State = "calling"
	StateDispatching  State = "dispatching"
	StateCompleted    State = "completed"
	StateCancelled    State = "cancelled"
	StateExhausted    State = "exhausted"
	StateBroken       State = "broken"
	StateErrored      State = "errored"
)

const defaultMaxIterations = 10
const defaultCircuitBreakerTripCount = 3

// Outcome is how one session ended, reported as exactly one terminal event.
type Outcome struct {
	State  State
	Reason string
	Result map[string]any
}

// MetricsRecorder is the narrow surface Executor needs from
// pkg/observability, kept as an interface so this package never imports
// observability directly.
type MetricsRecorder interface {
	RecordToolInvocation(ctx context.Context, toolName, origin string)
	RecordSessionTermination(ctx context.Context, outcome string)
	RecordCircuitBreakerTrip(ctx context.Context, toolName string)
}

type noopMetrics struct{}

func (noopMetrics) RecordToolInvocation(context.Context, string, string)  {}
func (noopMetrics) RecordSessionTermination(context.Context, string)      {}
func (noopMetrics) RecordCircuitBreakerTrip(context.Context, string)      {}

// Deps bundles the collaborators one Executor needs. All fields are
// required except Metrics (nil records nothing) and the capacity/override
// knobs, which fall back to package or agent-config defaults.
type Deps struct {
	Hub     *channelhub.Hub
	Tools   *toolkit.Registry
	Gateway *llm.Gateway
	Metrics MetricsRecorder // nil = no metrics recorded

	SystemPrompt            string
	TurnCapacity            int // 0 = memory.New's default
	TokenBudget             int // 0 = memory.New's default
	MaxIterationsOverride   int // 0 = use agent.LLMConfig.MaxIterations, then defaultMaxIterations
	CircuitBreakerTripCount int // 0 = defaultCircuitBreakerTripCount, from config.Toggles
}

// Executor drives one agent's sessions, one instance per agent.
type Executor struct {
	agentID         string
	hub             *channelhub.Hub
	tools           *toolkit.Registry
	gateway         *llm.Gateway
	metrics         MetricsRecorder
	mem             *memory.Memory
	systemPrompt    string
	maxIterOverride int
	breakerTripAt   int

	baseCtx context.Context

	mu           sync.Mutex
	state        State
	running      bool
	cancelFn     context.CancelFunc
	cancelReason string
	unsubscribe  func()
}

// New constructs an idle Executor for agentID. Call Start to begin
// listening for TASK_ASSIGNED events on the agent's channel.
func New(agentID string, deps Deps) *Executor {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	breakerTripAt := deps.CircuitBreakerTripCount
	if breakerTripAt <= 0 {
		breakerTripAt = defaultCircuitBreakerTripCount
	}
	return &Executor{
		agentID:         agentID,
		hub:             deps.Hub,
		tools:           deps.Tools,
		gateway:         deps.Gateway,
		metrics:         metrics,
		mem:             memory.New(deps.TurnCapacity, deps.TokenBudget),
		systemPrompt:    deps.SystemPrompt,
		maxIterOverride: deps.MaxIterationsOverride,
		breakerTripAt:   breakerTripAt,
		state:           StateIdle,
	}
}

// Memory exposes the agent's ConversationMemory, e.g. for an orchestrator
// calling ClearConversationHistory indirectly or for tests asserting on
// recorded turns.
func (e *Executor) Memory() *memory.Memory { return e.mem }

// State reports the executor's current position in the session state
// machine; StateIdle when no session is running.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start subscribes to the agent's channel bus for TASK_ASSIGNED events
// addressed to this agent and begins driving sessions as they arrive.
// ctx bounds the lifetime of every session this executor ever runs; a
// single in-flight session is additionally cancellable on its own via
// CancelCurrentTask.
func (e *Executor) Start(ctx context.Context) error {
	agent, ok := e.hub.GetAgent(e.agentID)
	if !ok {
		return mxerr.New(mxerr.InvalidArgs, "unknown agent "+e.agentID)
	}
	bus, ok := e.hub.Bus(agent.ChannelID)
	if !ok {
		return mxerr.New(mxerr.InvalidArgs, "unknown channel "+agent.ChannelID)
	}

	e.baseCtx = ctx
	unsubscribe := bus.Subscribe(events.TaskAssigned, func(ev events.Event) {
		if ev.AgentID != e.agentID {
			return
		}
		t, ok := ev.Data.(*task.Task)
		if !ok {
			return
		}
		// If this assignment only landed in the agent's queued slot
		// (it already had a session running), it is picked up later
		// by drive's own re-check rather than started here — exactly
		// one outstanding session per agent.
		agentNow, ok := e.hub.GetAgent(e.agentID)
		if !ok || agentNow.CurrentTaskID != t.ID {
			return
		}
		e.beginIfIdle(t)
	})

	e.mu.Lock()
	e.unsubscribe = unsubscribe
	e.mu.Unlock()
	return nil
}

// Stop unsubscribes from the channel bus. Any session already in flight
// keeps running to its natural terminal event.
func (e *Executor) Stop() {
	e.mu.Lock()
	unsub := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// ClearConversationHistory invokes ConversationMemory.Clear(). Idempotent
// and safe regardless of whether a session is active; if one is active,
// the clear is not reflected in the in-flight prompt already built for
// the current iteration.
func (e *Executor) ClearConversationHistory() {
	e.mem.Clear()
}

// CancelCurrentTask cancels whatever session is in flight for this
// executor. It is a no-op if no session is running. The session always
// unwinds through TASK_CANCELLED, even if cancellation lands mid tool
// dispatch.
func (e *Executor) CancelCurrentTask(reason string) {
	e.mu.Lock()
	cancel := e.cancelFn
	e.cancelReason = reason
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// beginIfIdle starts driving t if no session is currently running for
// this agent; otherwise it is a no-op (the hub's CurrentTaskID check
// already ensures only one genuinely-current assignment reaches here).
func (e *Executor) beginIfIdle(t *task.Task) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	go e.drive(t)
}

// drive runs sessions back to back as the hub promotes queued
// assignments onto this agent's CurrentTaskID, implementing "one
// outstanding assignment per agent, queued behind the current one"
// without needing a second TASK_ASSIGNED delivery for the promotion.
func (e *Executor) drive(t *task.Task) {
	current := t
	for current != nil {
		e.runSession(current)

		agent, ok := e.hub.GetAgent(e.agentID)
		if !ok || agent.CurrentTaskID == "" || agent.CurrentTaskID == current.ID {
			break
		}
		next, ok := e.hub.GetTask(agent.CurrentTaskID)
		if !ok {
			break
		}
		current = next
	}

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

// runSession is one full attempt at advancing t, from Priming through
// whatever terminal state the loop reaches.
func (e *Executor) runSession(t *task.Task) {
	t.Start()
	if bus, ok := e.hub.Bus(t.ChannelID); ok {
		bus.Publish(events.Event{Name: events.TaskStarted, AgentID: e.agentID, ChannelID: t.ChannelID, Timestamp: time.Now().UnixNano(), Data: t})
	}

	ctx, cancel := context.WithCancel(e.baseCtx)
	e.mu.Lock()
	e.cancelFn = cancel
	e.cancelReason = ""
	e.state = StatePriming
	e.mu.Unlock()

	outcome := e.loop(ctx, t)
	cancel()

	e.mu.Lock()
	e.cancelFn = nil
	e.state = StateIdle
	e.mu.Unlock()

	e.reportTerminal(t, outcome)
}

// loop is the iteration loop itself: Priming -> Calling -> {Replying,
// Dispatching} -> Feeding -> Calling, bounded by maxIterations and the
// circuit breaker, ending at exactly one of the five terminal outcomes.
func (e *Executor) loop(ctx context.Context, t *task.Task) Outcome {
	access, ch, agent, ok := e.hub.AccessFor(e.agentID)
	if !ok {
		return Outcome{State: StateErrored, Reason: "agent or channel no longer exists"}
	}

	maxIter := e.maxIterations(agent)
	breaker := make(map[string]int)
	var breakerMu sync.Mutex
	iteration := 0

	for {
		if reason, cancelled := e.cancelledReason(ctx); cancelled {
			return Outcome{State: StateCancelled, Reason: reason}
		}

		iteration++
		if iteration > maxIter {
			return Outcome{State: StateExhausted, Reason: "max iterations exceeded"}
		}

		e.mu.Lock()
		e.state = StateCalling
		e.mu.Unlock()

		tools := e.tools.ListFor(ch.ID, access)
		toolsByName := make(map[string]toolkit.Descriptor, len(tools))
		decls := make([]llm.ToolDeclaration, 0, len(tools))
		for _, d := range tools {
			toolsByName[d.Name] = d
			decls = append(decls, llm.ToolDeclaration{Name: d.Name, Description: d.Description, Schema: d.Schema})
		}

		resp, err := e.gateway.Complete(ctx, agent.LLMConfig.Provider, llm.Request{
			AgentID:     e.agentID,
			Messages:    e.buildPrompt(t, ch, tools),
			Model:       agent.LLMConfig.Model,
			Temperature: agent.LLMConfig.Temperature,
			MaxTokens:   agent.LLMConfig.MaxTokens,
			Reasoning:   agent.LLMConfig.ReasoningEnabled,
			Tools:       decls,
		})
		if err != nil {
			return classifyErr(err)
		}

		if bus, ok := e.hub.Bus(ch.ID); ok {
			if resp.Reasoning != "" {
				bus.Publish(events.Event{Name: events.LlmReasoning, AgentID: e.agentID, ChannelID: ch.ID, Timestamp: time.Now().UnixNano(), Data: resp.Reasoning})
			}
			bus.Publish(events.Event{Name: events.LlmResponse, AgentID: e.agentID, ChannelID: ch.ID, Timestamp: time.Now().UnixNano(), Data: resp})
		}
		if resp.Reasoning != "" {
			e.mem.RecordReasoning(memory.ReasoningEntry{At: time.Now(), Content: resp.Reasoning})
		}

		if len(resp.ToolCalls) == 0 {
			// A plain-text reply with no tool call ends the session the
			// same way an explicit task_complete would: the text becomes
			// the completion summary and success defaults true. This
			// keeps every session ending through the one CompleteTask
			// path instead of adding a distinct terminal outcome for
			// "answered without finishing explicitly."
			e.mem.Append(memory.Turn{Role: memory.RoleAssistant, Content: resp.Text, At: time.Now()})
			res, err := e.hub.CompleteTask(ctx, e.agentID, resp.Text, true)
			if err != nil {
				return classifyErr(err)
			}
			return Outcome{State: StateCompleted, Result: res}
		}

		e.mu.Lock()
		e.state = StateDispatching
		e.mu.Unlock()

		outcome, terminal := e.dispatch(ctx, access, ch, agent, toolsByName, resp.ToolCalls, breaker, &breakerMu)
		if terminal {
			return outcome
		}
		// Feeding: tool results are already appended to memory by
		// dispatch; loop back to Calling.
	}
}

func (e *Executor) cancelledReason(ctx context.Context) (string, bool) {
	select {
	case <-ctx.Done():
	default:
		return "", false
	}
	e.mu.Lock()
	reason := e.cancelReason
	e.mu.Unlock()
	if reason == "" {
		reason = ctx.Err().Error()
	}
	return reason, true
}

func (e *Executor) maxIterations(agent channelhub.Agent) int {
	if e.maxIterOverride > 0 {
		return e.maxIterOverride
	}
	if agent.LLMConfig.MaxIterations > 0 {
		return agent.LLMConfig.MaxIterations
	}
	return defaultMaxIterations
}

func (e *Executor) buildPrompt(t *task.Task, ch channelhub.Channel, tools []toolkit.Descriptor) []prompt.Message {
	return prompt.Assemble(prompt.Input{
		AgentID:         e.agentID,
		SystemPrompt:    e.systemPrompt,
		Task:            &prompt.TaskView{Title: t.Title, Description: t.Description},
		Turns:           e.mem.Turns(),
		RecentActions:   e.mem.RecentActions(0),
		Reasoning:       e.mem.RecentReasoning(),
		ChannelActivity: channelActivityView(e.hub.RecentActivity(ch.ID, 0)),
		Tools:           tools,
	})
}

func channelActivityView(entries []channelhub.ActivityEntry) []prompt.ChannelActivity {
	out := make([]prompt.ChannelActivity, len(entries))
	for i, a := range entries {
		out[i] = prompt.ChannelActivity{AgentID: a.AgentID, Summary: a.Summary}
	}
	return out
}

// reportTerminal applies the session's outcome to the shared task (for
// every outcome besides Completed, which already went through
// hub.CompleteTask while building it) and publishes exactly one
// per-session terminal event, scoped to this agent, independent of the
// hub's own channel-wide task-state event.
func (e *Executor) reportTerminal(t *task.Task, outcome Outcome) {
	e.metrics.RecordSessionTermination(context.Background(), string(outcome.State))

	switch outcome.State {
	case StateCancelled:
		_ = e.hub.CancelTask(context.Background(), t.ID, outcome.Reason)
		e.mem.Append(memory.Turn{Role: memory.RoleSystem, Content: "session cancelled: " + outcome.Reason, At: time.Now()})
	case StateBroken:
		_ = e.hub.FailTask(context.Background(), t.ID, string(mxerr.CircuitBreakerTripped)+": "+outcome.Reason)
	case StateExhausted:
		_ = e.hub.FailTask(context.Background(), t.ID, string(mxerr.MaxIterationsExceeded)+": "+outcome.Reason)
	case StateErrored:
		_ = e.hub.ErrorTask(context.Background(), t.ID, outcome.Reason)
	}

	bus, ok := e.hub.Bus(t.ChannelID)
	if !ok {
		return
	}
	bus.Publish(events.Event{
		Name:      terminalEventName(outcome.State),
		AgentID:   e.agentID,
		ChannelID: t.ChannelID,
		Timestamp: time.Now().UnixNano(),
		Data:      outcome,
	})
}

func terminalEventName(s State) events.Name {
	switch s {
	case StateCompleted:
		return events.TaskCompleted
	case StateCancelled:
		return events.TaskCancelled
	case StateBroken, StateExhausted:
		return events.TaskFailed
	default:
		return events.TaskError
	}
}

func classifyErr(err error) Outcome {
	if merr, ok := mxerr.As(err); ok {
		if merr.Kind == mxerr.Cancelled {
			return Outcome{State: StateCancelled, Reason: merr.Detail}
		}
		return Outcome{State: StateErrored, Reason: merr.Error()}
	}
	return Outcome{State: StateErrored, Reason: err.Error()}
}

func argsFingerprint(name string, args map[string]any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return name
	}
	return name + "|" + string(raw)
}
