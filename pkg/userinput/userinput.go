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

// Package userinput implements the user-input bridge: lets a tool
// suspend waiting for a human answer, either blocking the calling
// iteration or deferring it behind a request id the agent polls. Both
// modes share one request table so a human-facing surface (the
// transport's userInputRespond frame) only ever needs to know about
// Respond and Cancel, regardless of which tool shape the agent used.
package userinput

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mxf-run/mxf/pkg/events"
	"github.com/mxf-run/mxf/pkg/mxerr"
)

// State is the lifecycle of one UserInputRequest.
type State string

const (
	StateOpen      State = "open"
	StateResponded State = "responded"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// Mode distinguishes the two tool shapes over the same request table.
type Mode string

const (
	ModeBlocking Mode = "blocking"
	ModeAsync    Mode = "async"
)

// Request is the durable record of one human prompt. Value is only
// meaningful once State == StateResponded.
type Request struct {
	ID        string
	AgentID   string
	Mode      Mode
	Type      string
	Config    map[string]any
	Urgency   string
	TimeoutMs int
	State     State
	Value     any
	CreatedAt time.Time
}

type pending struct {
	req   Request
	mu    sync.Mutex
	done  chan struct{}
	timer *time.Timer
}

// Bridge holds the request table. A zero Bridge is not usable; construct
// with New.
type Bridge struct {
	bus events.Bus

	mu       sync.Mutex
	requests map[string]*pending
}

// New constructs a Bridge that publishes USER_INPUT_REQUEST and
// USER_INPUT_RESPONSE on bus.
func New(bus events.Bus) *Bridge {
	return &Bridge{bus: bus, requests: make(map[string]*pending)}
}

// Bus returns the event bus the Bridge publishes USER_INPUT_REQUEST and
// USER_INPUT_RESPONSE on, so a transport layer can forward those events
// to the connected agent alongside the per-channel hub bus it already
// subscribes to.
func (b *Bridge) Bus() events.Bus { return b.bus }

func (b *Bridge) create(agentID string, mode Mode, args map[string]any) *pending {
	typ, _ := args["type"].(string)
	urgency, _ := args["urgency"].(string)
	if urgency == "" {
		urgency = "normal"
	}
	timeoutMs := 0
	switch v := args["timeoutMs"].(type) {
	case int:
		timeoutMs = v
	case int64:
		timeoutMs = int(v)
	case float64:
		timeoutMs = int(v)
	}

	p := &pending{
		req: Request{
			ID:        uuid.New().String(),
			AgentID:   agentID,
			Mode:      mode,
			Type:      typ,
			Config:    args,
			Urgency:   urgency,
			TimeoutMs: timeoutMs,
			State:     StateOpen,
			CreatedAt: time.Now(),
		},
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.requests[p.req.ID] = p
	b.mu.Unlock()

	if timeoutMs > 0 {
		p.timer = time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
			b.resolve(p.req.ID, StateTimedOut, nil)
		})
	}

	b.bus.Publish(events.Event{
		Name:      events.UserInputRequest,
		AgentID:   agentID,
		Timestamp: time.Now().UnixNano(),
		Data: map[string]any{
			"requestId": p.req.ID,
			"type":      typ,
			"urgency":   urgency,
			"mode":      string(mode),
			"config":    args,
		},
	})
	return p
}

// resolve transitions the request named id to state (unless it is
// already terminal), stops its timeout timer, and wakes any blocking
// waiter. It is idempotent: the first caller to arrive wins.
func (b *Bridge) resolve(id string, state State, value any) bool {
	b.mu.Lock()
	p, ok := b.requests[id]
	b.mu.Unlock()
	if !ok {
		return false
	}

	p.mu.Lock()
	if p.req.State != StateOpen {
		p.mu.Unlock()
		return false
	}
	p.req.State = state
	p.req.Value = value
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()

	close(p.done)

	if state == StateResponded {
		b.bus.Publish(events.Event{
			Name:      events.UserInputResponse,
			AgentID:   p.req.AgentID,
			Timestamp: time.Now().UnixNano(),
			Data:      map[string]any{"requestId": id, "value": value},
		})
	}
	return true
}

func snapshot(p *pending) Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.req
}

func resultFor(req Request) map[string]any {
	switch req.State {
	case StateResponded:
		return map[string]any{"status": "responded", "value": req.Value, "requestId": req.ID}
	case StateTimedOut:
		return map[string]any{"status": "timed_out", "requestId": req.ID}
	case StateCancelled:
		return map[string]any{"status": "cancelled", "requestId": req.ID}
	default:
		return map[string]any{"status": "pending", "requestId": req.ID}
	}
}

// Blocking implements the user_input tool: it suspends until the
// request is responded to, times out, or is cancelled (including ctx
// cancellation, which stands in for agent disconnect or task
// cancellation upstream).
func (b *Bridge) Blocking(ctx context.Context, agentID string, args map[string]any) (map[string]any, error) {
	p := b.create(agentID, ModeBlocking, args)
	select {
	case <-p.done:
		return resultFor(snapshot(p)), nil
	case <-ctx.Done():
		b.resolve(p.req.ID, StateCancelled, nil)
		return resultFor(snapshot(p)), nil
	}
}

// RequestAsync implements request_user_input: it records the request
// and returns immediately with a requestId to poll.
func (b *Bridge) RequestAsync(ctx context.Context, agentID string, args map[string]any) (map[string]any, error) {
	p := b.create(agentID, ModeAsync, args)
	return resultFor(snapshot(p)), nil
}

// PollAsync implements get_user_input_response.
func (b *Bridge) PollAsync(ctx context.Context, agentID, requestID string) (map[string]any, error) {
	b.mu.Lock()
	p, ok := b.requests[requestID]
	b.mu.Unlock()
	if !ok {
		return nil, mxerr.New(mxerr.InvalidArgs, "unknown requestId "+requestID)
	}
	return resultFor(snapshot(p)), nil
}

// Respond delivers a human answer to an open request, whichever mode
// created it. It is called from the surface that actually talks to a
// human (the transport's userInputRespond frame), never from tool
// handlers themselves.
func (b *Bridge) Respond(requestID string, value any) error {
	if !b.resolve(requestID, StateResponded, value) {
		return mxerr.New(mxerr.InvalidArgs, "request "+requestID+" is not open")
	}
	return nil
}

// Cancel marks requestID cancelled, e.g. because the task it belongs
// to was cancelled.
func (b *Bridge) Cancel(requestID string) {
	b.resolve(requestID, StateCancelled, nil)
}

// CancelAgent cancels every still-open request belonging to agentID,
// used when an agent disconnects.
func (b *Bridge) CancelAgent(agentID string) {
	b.mu.Lock()
	var ids []string
	for id, p := range b.requests {
		if snapshot(p).AgentID == agentID {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.resolve(id, StateCancelled, nil)
	}
}

// Get returns a snapshot of the request named id.
func (b *Bridge) Get(id string) (Request, bool) {
	b.mu.Lock()
	p, ok := b.requests[id]
	b.mu.Unlock()
	if !ok {
		return Request{}, false
	}
	return snapshot(p), true
}
