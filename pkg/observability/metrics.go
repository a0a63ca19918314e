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

package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the OpenTelemetry instruments the core loop reports
// against, exported to Prometheus scrape format via a dedicated registry
// rather than the global one, so a test process can spin up several of
// these without collector name collisions.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry

	llmCalls            metric.Int64Counter
	llmCallDuration     metric.Float64Histogram
	toolInvocations     metric.Int64Counter
	sessionTerminations metric.Int64Counter
	circuitBreakerTrips metric.Int64Counter
}

// NewMetrics builds the Prometheus-backed meter provider and the
// instruments MXF records against. namespace prefixes every metric name
// ("mxf" in production, a per-test name in unit tests).
func NewMetrics(namespace string) (*Metrics, error) {
	reg := prometheus.NewRegistry()
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(reg), otelprometheus.WithNamespace(namespace))
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("mxf/executor")

	m := &Metrics{provider: provider, registry: reg}

	if m.llmCalls, err = meter.Int64Counter("llm_calls_total",
		metric.WithDescription("LLM provider completions, by provider and outcome")); err != nil {
		return nil, err
	}
	if m.llmCallDuration, err = meter.Float64Histogram("llm_call_duration_seconds",
		metric.WithDescription("LLM provider completion latency"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60)); err != nil {
		return nil, err
	}
	if m.toolInvocations, err = meter.Int64Counter("tool_invocations_total",
		metric.WithDescription("Tool invocations, by tool name and origin")); err != nil {
		return nil, err
	}
	if m.sessionTerminations, err = meter.Int64Counter("session_terminations_total",
		metric.WithDescription("Agent sessions reaching a terminal state, by outcome")); err != nil {
		return nil, err
	}
	if m.circuitBreakerTrips, err = meter.Int64Counter("circuit_breaker_trips_total",
		metric.WithDescription("Times the repeated-call circuit breaker tripped, by tool name")); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the Prometheus exposition format for this Metrics'
// registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordLLMCall is called once per LlmGateway.Complete, success or
// failure.
func (m *Metrics) RecordLLMCall(ctx context.Context, providerName string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.llmCalls.Add(ctx, 1, metric.WithAttributes(
		attrString("provider", providerName),
		attrString("outcome", outcome),
	))
	m.llmCallDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrString("provider", providerName)))
}

// RecordToolInvocation is called once per dispatched tool call.
func (m *Metrics) RecordToolInvocation(ctx context.Context, toolName, origin string) {
	if m == nil {
		return
	}
	m.toolInvocations.Add(ctx, 1, metric.WithAttributes(
		attrString("tool", toolName),
		attrString("origin", origin),
	))
}

// RecordSessionTermination is called once per executor session reaching
// a terminal state (Completed, Cancelled, Exhausted, Broken, Errored).
func (m *Metrics) RecordSessionTermination(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.sessionTerminations.Add(ctx, 1, metric.WithAttributes(attrString("outcome", outcome)))
}

// RecordCircuitBreakerTrip is called the moment the executor's repeated
// tool-call breaker trips.
func (m *Metrics) RecordCircuitBreakerTrip(ctx context.Context, toolName string) {
	if m == nil {
		return
	}
	m.circuitBreakerTrips.Add(ctx, 1, metric.WithAttributes(attrString("tool", toolName)))
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
