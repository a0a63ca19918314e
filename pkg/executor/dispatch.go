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
	"github.com/mxf-run/mxf/pkg/toolkit"
)

type callOutcome struct {
	call    llm.ToolCall
	desc    toolkit.Descriptor
	known   bool
	result  map[string]any
	callErr error
}

// dispatch executes one LLM turn's batch of tool calls per the dispatch
// policy: sequential in declared order, unless every tool in the batch is
// ReadOnly (safe-parallel), in which case they run concurrently and
// results are collected before feeding back. A terminal tool
// (task_complete) short-circuits the remainder of a sequential batch. An
// Orchestration tool (tools_recommend) is refused outright on a channel
// with SystemLLMEnabled false. The circuit breaker tracks (toolName,
// argsFingerprint) across the whole session via breaker/breakerMu,
// tripping at e.breakerTripAt non-exempt repeats before the handler is
// invoked.
func (e *Executor) dispatch(
	ctx context.Context,
	access toolkit.Access,
	ch channelhub.Channel,
	agent channelhub.Agent,
	toolsByName map[string]toolkit.Descriptor,
	calls []llm.ToolCall,
	breaker map[string]int,
	breakerMu *sync.Mutex,
) (Outcome, bool) {
	bus, _ := e.hub.Bus(ch.ID)
	for _, c := range calls {
		e.recordToolCallTurn(c)
		publishToolEvent(bus, events.ToolCall, e.agentID, ch.ID, c.Name, c.ID)
	}

	parallel := len(calls) > 1
	for _, c := range calls {
		d, known := toolsByName[c.Name]
		if !known || !d.ReadOnly {
			parallel = false
			break
		}
	}

	invoke := func(c llm.ToolCall) callOutcome {
		d, known := toolsByName[c.Name]
		if known && d.Orchestration && !ch.SystemLLMEnabled {
			return callOutcome{call: c, desc: d, known: known, callErr: mxerr.New(mxerr.NotPermitted, "channel orchestration disabled: "+c.Name)}
		}
		if !agent.CircuitBreakerExemptTools[c.Name] {
			fp := argsFingerprint(c.Name, c.Args)
			breakerMu.Lock()
			breaker[fp]++
			n := breaker[fp]
			breakerMu.Unlock()
			if n >= e.breakerTripAt {
				e.metrics.RecordCircuitBreakerTrip(ctx, c.Name)
				return callOutcome{call: c, desc: d, known: known, callErr: mxerr.New(mxerr.CircuitBreakerTripped, c.Name)}
			}
		}
		e.metrics.RecordToolInvocation(ctx, c.Name, string(d.Origin))
		res, err := e.tools.Invoke(ctx, ch.ID, access, toolkit.Invocation{
			AgentID:    e.agentID,
			ChannelID:  ch.ID,
			ToolName:   c.Name,
			ToolCallID: c.ID,
			Args:       c.Args,
		})
		return callOutcome{call: c, desc: d, known: known, result: res, callErr: err}
	}

	var results []callOutcome
	if parallel {
		results = make([]callOutcome, len(calls))
		var wg sync.WaitGroup
		for i, c := range calls {
			wg.Add(1)
			go func(i int, c llm.ToolCall) {
				defer wg.Done()
				results[i] = invoke(c)
			}(i, c)
		}
		wg.Wait()
	} else {
		for _, c := range calls {
			r := invoke(c)
			results = append(results, r)
			if r.callErr == nil && r.desc.Terminal {
				break // terminal tools short-circuit the rest of the batch
			}
			if merr, ok := mxerr.As(r.callErr); ok && !merr.Kind.Recoverable() {
				break
			}
		}
	}

	var final *Outcome
	for _, r := range results {
		e.recordToolResultTurn(r)
		publishToolEvent(bus, events.ToolResult, e.agentID, ch.ID, r.call.Name, r.call.ID)
		e.hub.RecordActivity(ch.ID, e.agentID, actionDescription(r))
		if r.callErr != nil {
			if merr, ok := mxerr.As(r.callErr); ok && !merr.Kind.Recoverable() && final == nil {
				final = &Outcome{State: nonRecoverableState(merr.Kind), Reason: merr.Error()}
			}
			continue
		}
		if r.desc.Terminal && final == nil {
			final = &Outcome{State: StateCompleted, Result: r.result}
		}
	}
	if final != nil {
		return *final, true
	}
	return Outcome{}, false
}

// publishToolEvent fans a TOOL_CALL/TOOL_RESULT notification out on the
// channel's bus, for admin/transport subscribers watching a live session.
// bus is nil when the channel has already been torn down mid-dispatch; the
// publish is then skipped rather than attempted against a stale handle.
func publishToolEvent(bus events.Bus, name events.Name, agentID, channelID, toolName, toolCallID string) {
	if bus == nil {
		return
	}
	bus.Publish(events.Event{
		Name:      name,
		AgentID:   agentID,
		ChannelID: channelID,
		Timestamp: time.Now().UnixNano(),
		Data:      map[string]any{"toolName": toolName, "toolCallId": toolCallID},
	})
}

func nonRecoverableState(kind mxerr.Kind) State {
	switch kind {
	case mxerr.Cancelled:
		return StateCancelled
	case mxerr.CircuitBreakerTripped:
		return StateBroken
	case mxerr.MaxIterationsExceeded:
		return StateExhausted
	default:
		return StateErrored
	}
}

func (e *Executor) recordToolCallTurn(c llm.ToolCall) {
	raw, _ := json.Marshal(c.Args)
	e.mem.Append(memory.Turn{
		Role:       memory.RoleAssistant,
		Content:    string(raw),
		ToolCallID: c.ID,
		ToolName:   c.Name,
		At:         time.Now(),
	})
}

func (e *Executor) recordToolResultTurn(r callOutcome) {
	content := resultContent(r.result, r.callErr)
	e.mem.Append(memory.Turn{
		Role:       memory.RoleToolResult,
		Content:    content,
		ToolCallID: r.call.ID,
		ToolName:   r.call.Name,
		At:         time.Now(),
	})
	e.mem.RecordAction(memory.ActionEntry{
		At:          time.Now(),
		ToolName:    r.call.Name,
		Description: actionDescription(r),
		Input:       r.call.Args,
		Result:      r.result,
		Metadata:    actionMetadata(r),
	})
}

func resultContent(out map[string]any, callErr error) string {
	if callErr != nil {
		if merr, ok := mxerr.As(callErr); ok {
			raw, _ := json.Marshal(map[string]any{"ok": false, "kind": string(merr.Kind), "detail": merr.Detail})
			return string(raw)
		}
		return callErr.Error()
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func actionDescription(r callOutcome) string {
	if r.callErr != nil {
		return r.callErr.Error()
	}
	switch r.call.Name {
	case "task_complete":
		s, _ := r.call.Args["summary"].(string)
		return s
	case "messaging_send":
		content, _ := r.call.Args["content"].(string)
		return content
	default:
		raw, _ := json.Marshal(r.result)
		return string(raw)
	}
}

func actionMetadata(r callOutcome) map[string]any {
	switch r.call.Name {
	case "messaging_send":
		return map[string]any{
			"targetAgentId":  r.call.Args["targetAgentId"],
			"messageContent": r.call.Args["content"],
		}
	case "tools_recommend":
		if r.result == nil {
			return nil
		}
		if names, ok := r.result["tools"].([]string); ok {
			return map[string]any{"names": names}
		}
		return nil
	default:
		return nil
	}
}
