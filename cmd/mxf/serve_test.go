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

package main

import (
	"context"
	"sync"
	"testing"

	"github.com/mxf-run/mxf/pkg/channelhub"
	"github.com/mxf-run/mxf/pkg/events"
	"github.com/mxf-run/mxf/pkg/executor"
	"github.com/mxf-run/mxf/pkg/kv"
	"github.com/mxf-run/mxf/pkg/llm"
	"github.com/mxf-run/mxf/pkg/mcpadapter"
	"github.com/mxf-run/mxf/pkg/toolkit"
)

// errCountingLogger counts Error calls instead of writing anywhere, so
// tests can assert on how many times fleet.startExecutor failed without
// parsing log output.
type errCountingLogger struct {
	mu    sync.Mutex
	count int
}

func (l *errCountingLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count++
}

func (l *errCountingLogger) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func newTestFleet(t *testing.T, logger *errCountingLogger) *fleet {
	t.Helper()
	store := kv.NewMemory()
	tools := toolkit.New()
	mcp := mcpadapter.New(tools, events.NewBus())
	hub := channelhub.New(store, mcp)
	gateway := llm.New(map[string]llm.Provider{}, 1)

	return &fleet{
		hub:                hub,
		tools:              tools,
		gateway:            gateway,
		systemPrompt:       "test prompt",
		runningCtx:         context.Background(),
		logger:             logger,
		executorsByAgentID: make(map[string]*executor.Executor),
	}
}

func TestStartExecutorDedupesByAgentID(t *testing.T) {
	logger := &errCountingLogger{}
	fl := newTestFleet(t, logger)

	// The agent does not exist in the hub, so exec.Start fails both
	// times; what this test asserts is that the second call is a no-op
	// rather than attempting (and logging) a second start.
	fl.startExecutor("missing-agent")
	fl.startExecutor("missing-agent")

	if got := logger.calls(); got != 1 {
		t.Fatalf("logger.Error called %d times, want exactly 1 (dedup should skip the second attempt)", got)
	}
	fl.mu.Lock()
	_, tracked := fl.executorsByAgentID["missing-agent"]
	fl.mu.Unlock()
	if !tracked {
		t.Fatal("agent should be tracked in executorsByAgentID after the first startExecutor call")
	}
}

func TestStartExecutorDistinctAgentsBothAttempted(t *testing.T) {
	logger := &errCountingLogger{}
	fl := newTestFleet(t, logger)

	fl.startExecutor("agent-a")
	fl.startExecutor("agent-b")

	if got := logger.calls(); got != 2 {
		t.Fatalf("logger.Error called %d times, want 2 (one failed start per distinct agent)", got)
	}
}
