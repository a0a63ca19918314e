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

// Package llm implements the LLM gateway: a single logical FIFO queue
// per provider with bounded concurrency, exponential-backoff retry for
// transient failures, and normalization of every provider's response
// shape (native tool calls or embedded-JSON tool calls in free text)
// into one ParsedResponse. Concurrency is bounded with
// golang.org/x/sync/semaphore the way a worker pool would be, rather than
// an unbounded goroutine-per-request fan-out.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/mxf-run/mxf/pkg/mxerr"
	"github.com/mxf-run/mxf/pkg/prompt"
)

// Request is one completion call.
type Request struct {
	AgentID     string
	Messages    []prompt.Message
	Model       string
	Temperature float64
	MaxTokens   int
	Reasoning   bool
	Tools       []ToolDeclaration
}

// ToolDeclaration is the provider-agnostic shape of one callable tool,
// built from toolkit.Descriptor by the caller (so this package does not
// import toolkit).
type ToolDeclaration struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolCall is one parsed tool invocation request from the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ParsedResponse is the single normalized shape every provider adapter
// must produce.
type ParsedResponse struct {
	Reasoning string
	Text      string
	ToolCalls []ToolCall
}

// Provider is the interface every concrete LLM backend implements. A
// Provider.Complete call is expected to be a single request/response
// round trip; the Gateway supplies queueing, concurrency limiting, and
// retry around it.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (ParsedResponse, error)
}

const (
	defaultConcurrency  = 4
	retryInitialBackoff = 500 * time.Millisecond
	retryMultiplier     = 2.0
	retryMaxAttempts    = 3
)

type providerQueue struct {
	provider Provider
	sem      *semaphore.Weighted
}

// MetricsRecorder is the narrow surface Gateway needs from
// pkg/observability to report call counts and latency, kept as an
// interface here so this package never imports observability directly.
type MetricsRecorder interface {
	RecordLLMCall(ctx context.Context, providerName string, d time.Duration, err error)
}

type noopMetrics struct{}

func (noopMetrics) RecordLLMCall(context.Context, string, time.Duration, error) {}

// Gateway fronts every configured Provider with queueing and retry.
type Gateway struct {
	queues  map[string]*providerQueue
	metrics MetricsRecorder
}

// New constructs a Gateway over the given providers, each with its own
// FIFO-via-semaphore queue at concurrency (0 means defaultConcurrency).
func New(providers map[string]Provider, concurrency int) *Gateway {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	queues := make(map[string]*providerQueue, len(providers))
	for name, p := range providers {
		queues[name] = &providerQueue{provider: p, sem: semaphore.NewWeighted(int64(concurrency))}
	}
	return &Gateway{queues: queues, metrics: noopMetrics{}}
}

// SetMetrics installs a recorder that observes every Complete call's
// latency and outcome. Optional; a Gateway with no recorder set simply
// records nothing.
func (g *Gateway) SetMetrics(m MetricsRecorder) {
	if m == nil {
		m = noopMetrics{}
	}
	g.metrics = m
}

// Complete dispatches req to providerName's queue, retrying transient
// failures with exponential backoff (initial 500ms, multiplier 2, up to
// 3 attempts) and surfacing cancellation as mxerr.Cancelled.
func (g *Gateway) Complete(ctx context.Context, providerName string, req Request) (ParsedResponse, error) {
	q, ok := g.queues[providerName]
	if !ok {
		return ParsedResponse{}, mxerr.New(mxerr.ProviderUnavailable, providerName)
	}

	if err := q.sem.Acquire(ctx, 1); err != nil {
		return ParsedResponse{}, mxerr.Wrap(mxerr.Cancelled, providerName, err)
	}
	defer q.sem.Release(1)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialBackoff
	bo.Multiplier = retryMultiplier
	bo.MaxElapsedTime = 0

	start := time.Now()
	var resp ParsedResponse
	attempt := 0
	for {
		attempt++
		var err error
		resp, err = q.provider.Complete(ctx, req)
		if err == nil {
			g.metrics.RecordLLMCall(ctx, providerName, time.Since(start), nil)
			return normalize(resp), nil
		}
		if ctx.Err() != nil {
			err = mxerr.Wrap(mxerr.Cancelled, providerName, ctx.Err())
			g.metrics.RecordLLMCall(ctx, providerName, time.Since(start), err)
			return ParsedResponse{}, err
		}
		if !isTransient(err) || attempt >= retryMaxAttempts {
			err = mxerr.Wrap(mxerr.ProviderUnavailable, providerName, err)
			g.metrics.RecordLLMCall(ctx, providerName, time.Since(start), err)
			return ParsedResponse{}, err
		}
		wait := bo.NextBackOff()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			err = mxerr.Wrap(mxerr.Cancelled, providerName, ctx.Err())
			g.metrics.RecordLLMCall(ctx, providerName, time.Since(start), err)
			return ParsedResponse{}, err
		}
	}
}

// isTransient classifies provider errors the same way the reference
// adapters do: 5xx, connection reset, and rate-limit responses retry;
// everything else is treated as a non-transient LlmError.
func isTransient(err error) bool {
	if te, ok := err.(interface{ Temporary() bool }); ok {
		return te.Temporary()
	}
	return false
}

var embeddedToolCallPattern = regexp.MustCompile(`\{\s*"tool"\s*:\s*"[^"]+"\s*,\s*"args"\s*:\s*\{[^}]*\}\s*\}`)

// normalize fills in ToolCalls parsed from embedded JSON in Text when the
// provider adapter didn't already populate native ToolCalls, per the
// spec's `{"tool":"<name>","args":{...}}` fallback form (one per
// message).
func normalize(resp ParsedResponse) ParsedResponse {
	if len(resp.ToolCalls) > 0 || resp.Text == "" {
		return resp
	}
	matches := embeddedToolCallPattern.FindAllString(resp.Text, -1)
	if len(matches) == 0 {
		return resp
	}
	var calls []ToolCall
	for i, m := range matches {
		var parsed struct {
			Tool string         `json:"tool"`
			Args map[string]any `json:"args"`
		}
		if err := json.Unmarshal([]byte(m), &parsed); err != nil {
			continue
		}
		calls = append(calls, ToolCall{
			ID:   fmt.Sprintf("embedded-%d", i),
			Name: parsed.Tool,
			Args: parsed.Args,
		})
	}
	if len(calls) == 0 {
		return resp
	}
	resp.ToolCalls = calls
	return resp
}
