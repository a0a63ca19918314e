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

package events

import (
	"sync"
	"testing"
	"time"
)

func TestSubscribePublishDelivery(t *testing.T) {
	b := NewBus()
	defer b.Close()

	received := make(chan Event, 1)
	unsub := b.Subscribe(TaskCompleted, func(ev Event) { received <- ev })
	defer unsub()

	b.Publish(Event{Name: TaskCompleted, AgentID: "a1", ChannelID: "c1"})

	select {
	case ev := <-received:
		if ev.AgentID != "a1" {
			t.Errorf("AgentID = %q, want a1", ev.AgentID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber delivery")
	}
}

func TestSubscribeFiltersByName(t *testing.T) {
	b := NewBus()
	defer b.Close()

	received := make(chan Event, 4)
	unsub := b.Subscribe(ToolCall, func(ev Event) { received <- ev })
	defer unsub()

	b.Publish(Event{Name: ToolResult})
	b.Publish(Event{Name: ToolCall})

	select {
	case ev := <-received:
		if ev.Name != ToolCall {
			t.Errorf("delivered event name = %v, want ToolCall", ev.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered delivery")
	}

	select {
	case ev := <-received:
		t.Fatalf("unexpected second delivery: %v", ev.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllSeesEveryEvent(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var mu sync.Mutex
	var names []Name
	unsub := b.SubscribeAll(func(ev Event) {
		mu.Lock()
		names = append(names, ev.Name)
		mu.Unlock()
	})
	defer unsub()

	b.Publish(Event{Name: TaskCreated})
	b.Publish(Event{Name: TaskCompleted})

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(names)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d events, want 2", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	defer b.Close()

	received := make(chan Event, 1)
	unsub := b.Subscribe(TaskCreated, func(ev Event) { received <- ev })
	unsub()

	b.Publish(Event{Name: TaskCreated})

	select {
	case ev := <-received:
		t.Fatalf("unexpected delivery after unsubscribe: %v", ev.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseStopsAllDelivery(t *testing.T) {
	b := NewBus()
	received := make(chan Event, 1)
	b.Subscribe(TaskCreated, func(ev Event) { received <- ev })

	b.Close()
	b.Publish(Event{Name: TaskCreated}) // must not panic or block

	select {
	case ev := <-received:
		t.Fatalf("unexpected delivery after Close: %v", ev.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeAfterCloseDoesNotPanic(t *testing.T) {
	b := NewBus()
	unsub := b.Subscribe(TaskCreated, func(Event) {})
	unsubAll := b.SubscribeAll(func(Event) {})

	// A channel owner tearing the bus down (DeleteChannel) races against
	// subscribers releasing themselves later (executor Stop, websocket
	// session close); both orders must be safe.
	b.Close()
	unsub()
	unsubAll()
	unsub() // repeated release is also a no-op
}

func TestCloseAfterUnsubscribeDoesNotPanic(t *testing.T) {
	b := NewBus()
	unsub := b.Subscribe(TaskCreated, func(Event) {})
	unsub()
	b.Close()
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		name Name
		want bool
	}{
		{TaskCompleted, true},
		{TaskCancelled, true},
		{TaskFailed, true},
		{TaskError, true},
		{TaskCreated, false},
		{ToolCall, false},
	}
	for _, tt := range tests {
		if got := IsTerminal(tt.name); got != tt.want {
			t.Errorf("IsTerminal(%v) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
