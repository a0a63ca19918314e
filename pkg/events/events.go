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

// Package events implements the typed event fabric that replaces the
// event-emitter inheritance chains of the original system. Every event is a
// single concrete Event struct (name, agent id, channel id, timestamp,
// payload); Publish delivers it as given and does not check its Name or
// Data. Components subscribe to a Bus by name through an injected
// interface rather than through global discovery. Every Bus is a distinct
// value constructed by its owner (ChannelHub builds one per channel) —
// there is no process-wide singleton bus.
package events

import (
	"sync"
)

// Name is one of the stable, implementation-independent event tags.
type Name string

const (
	TaskCreated       Name = "TASK_CREATED"
	TaskAssigned      Name = "TASK_ASSIGNED"
	TaskStarted       Name = "TASK_STARTED"
	TaskCompleted     Name = "TASK_COMPLETED"
	TaskCancelled     Name = "TASK_CANCELLED"
	TaskFailed        Name = "TASK_FAILED"
	TaskError         Name = "TASK_ERROR"
	AgentMessage      Name = "AGENT_MESSAGE"
	ChannelMessage    Name = "CHANNEL_MESSAGE"
	ToolCall          Name = "TOOL_CALL"
	ToolResult        Name = "TOOL_RESULT"
	LlmReasoning      Name = "LLM_REASONING"
	LlmResponse       Name = "LLM_RESPONSE"
	UserInputRequest  Name = "USER_INPUT_REQUEST"
	UserInputResponse Name = "USER_INPUT_RESPONSE"
	ToolListUpdated   Name = "TOOL_LIST_UPDATED"
)

// terminalNames is used by callers (TaskExecutor) that must assert exactly
// one terminal event per session; kept here so the set has one definition.
var terminalNames = map[Name]bool{
	TaskCompleted: true,
	TaskCancelled: true,
	TaskFailed:    true,
	TaskError:     true,
}

// IsTerminal reports whether name is one of the four session-terminal events.
func IsTerminal(name Name) bool { return terminalNames[name] }

// Event is the single concrete envelope for every event in the system.
type Event struct {
	Name      Name
	AgentID   string
	ChannelID string
	Timestamp int64 // unix nanos; stamped by the publisher, never by the bus
	Data      any
}

// Handler consumes one event. Handlers run sequentially per-subscriber, in
// publish order, on a dedicated goroutine owned by the subscription — a
// slow or blocking handler only delays its own subscriber, never the
// publisher or other subscribers.
type Handler func(Event)

// Bus is a single logical broadcast channel. A Bus instance belongs to
// exactly one owner (for example one ChannelHub channel) — never a
// package-level global.
type Bus interface {
	// Publish fans the event out to every current subscriber. Publish
	// does not block on slow subscribers beyond handing the event to
	// their mailbox; it is itself a cooperative suspension point and
	// must not be called while holding a caller-owned mutex.
	Publish(ev Event)

	// Subscribe registers handler for events named name. The returned
	// function unsubscribes and drains the subscriber's mailbox
	// goroutine.
	Subscribe(name Name, handler Handler) (unsubscribe func())

	// SubscribeAll registers handler for every event regardless of name.
	SubscribeAll(handler Handler) (unsubscribe func())

	// Close stops every subscriber goroutine. Publish after Close is a
	// no-op.
	Close()
}

const mailboxCapacity = 4096

type subscription struct {
	name    Name // empty means "all"
	all     bool
	mailbox chan Event
	done    chan struct{}
	once    sync.Once
}

// stop closes done exactly once. Both Close and the unsubscribe closure
// route through here: a subscriber can be torn down from either side
// (bus owner closing the whole bus, or the subscriber releasing itself),
// in either order, without a double close.
func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

type bus struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
	closed bool
}

// NewBus constructs a fresh, independent event bus.
func NewBus() Bus {
	return &bus{subs: make(map[*subscription]struct{})}
}

func (b *bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if s.all || s.name == ev.Name {
			// Blocking send preserves per-subscriber emission order;
			// the mailbox is large enough that a well-behaved handler
			// never causes backpressure on the publisher in practice.
			select {
			case s.mailbox <- ev:
			case <-s.done:
			}
		}
	}
}

func (b *bus) subscribe(sub *subscription, handler Handler) func() {
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-sub.mailbox:
				handler(ev)
			case <-sub.done:
				return
			}
		}
	}()

	return func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		sub.stop()
	}
}

func (b *bus) Subscribe(name Name, handler Handler) func() {
	sub := &subscription{name: name, mailbox: make(chan Event, mailboxCapacity), done: make(chan struct{})}
	return b.subscribe(sub, handler)
}

func (b *bus) SubscribeAll(handler Handler) func() {
	sub := &subscription{all: true, mailbox: make(chan Event, mailboxCapacity), done: make(chan struct{})}
	return b.subscribe(sub, handler)
}

func (b *bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.stop()
	}
	b.subs = make(map[*subscription]struct{})
}
