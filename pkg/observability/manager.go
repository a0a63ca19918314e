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
	"fmt"
	"log/slog"
	"net/http"
	"os"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config selects what observability Manager turns on.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string
	// MetricsEnabled turns on the Prometheus metric set.
	MetricsEnabled bool
	// MetricsNamespace prefixes every metric name. Defaults to "mxf".
	MetricsNamespace string
	// TracingEnabled installs an always-sampling in-process tracer
	// provider, handed out by Tracer. No MXF package starts spans on it,
	// so LLM calls and tool dispatch are not traced. MXF does not ship an
	// OTLP exporter.
	TracingEnabled bool
}

func (c *Config) setDefaults() {
	if c.MetricsNamespace == "" {
		c.MetricsNamespace = "mxf"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Manager owns the process' logger, metrics, and tracer. A nil *Manager is
// valid and makes every accessor behave as if observability were entirely
// disabled, so callers never need a separate no-op type.
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	provider trace.TracerProvider
}

// NewManager builds the process Manager from cfg. A zero Config is valid
// and yields logging-only behavior (metrics and tracing disabled).
func NewManager(cfg Config) (*Manager, error) {
	cfg.setDefaults()
	logger := Init(ParseLevel(cfg.LogLevel), os.Stderr)

	m := &Manager{cfg: cfg, logger: logger, provider: noop.NewTracerProvider()}

	if cfg.MetricsEnabled {
		metrics, err := NewMetrics(cfg.MetricsNamespace)
		if err != nil {
			return nil, fmt.Errorf("observability: init metrics: %w", err)
		}
		m.metrics = metrics
	}

	if cfg.TracingEnabled {
		m.provider = sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	}

	logger.Info("observability initialized", "metrics", cfg.MetricsEnabled, "tracing", cfg.TracingEnabled)
	return m, nil
}

// Logger returns the process logger, or the process default if m is nil.
func (m *Manager) Logger() *slog.Logger {
	if m == nil || m.logger == nil {
		return Logger()
	}
	return m.logger
}

// Metrics returns the metrics recorder, or nil if disabled. Every Metrics
// method is nil-receiver safe, so callers can record against a nil
// *Metrics unconditionally.
func (m *Manager) Metrics() *Metrics {
	if m == nil {
		return nil
	}
	return m.metrics
}

// Tracer returns a named tracer from the active provider. With tracing
// disabled this is a no-op tracer.
func (m *Manager) Tracer(name string) trace.Tracer {
	if m == nil || m.provider == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return m.provider.Tracer(name)
}

// MetricsHandler serves the Prometheus scrape endpoint.
func (m *Manager) MetricsHandler() http.Handler {
	return m.Metrics().Handler()
}

// Shutdown flushes metrics and tracing. Safe to call on a nil Manager.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	if err := m.metrics.Shutdown(ctx); err != nil {
		return err
	}
	if sp, ok := m.provider.(*sdktrace.TracerProvider); ok {
		return sp.Shutdown(ctx)
	}
	return nil
}
