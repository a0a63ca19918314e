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

// Package observability wires MXF's process-wide logging, metrics, and
// tracing. Logging filters third-party library chatter out below debug
// level; metrics and tracing are built on OpenTelemetry, scoped to the
// handful of instruments the core loop actually needs.
package observability

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

const mxfPackagePrefix = "github.com/mxf-run/mxf"

var defaultLogger *slog.Logger

// ParseLevel converts a string log level to slog.Level. An unrecognized
// value falls back to Info rather than erroring, since a bad MXF_LOG_LEVEL
// shouldn't keep the process from starting.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// filteringHandler suppresses non-mxf log records below debug level, so a
// chatty dependency (an MCP client library, an LLM SDK) doesn't drown out
// the server's own logs at the default Info level.
type filteringHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *filteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < h.minLevel {
		return false
	}
	return h.handler.Enabled(ctx, level)
}

func (h *filteringHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.minLevel <= slog.LevelDebug || isMXFCaller(record.PC) {
		return h.handler.Handle(ctx, record)
	}
	return nil
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &filteringHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

func isMXFCaller(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	file, _ := fn.FileLine(pc)
	return strings.Contains(fn.Name(), mxfPackagePrefix) || strings.Contains(file, "/mxf/")
}

// Init builds the process default slog.Logger at the given level, writing
// JSON records to output, and installs it via slog.SetDefault so every
// package that logs through slog (including third-party ones) goes
// through the same filter and sink.
func Init(level slog.Level, output *os.File) *slog.Logger {
	base := slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})
	defaultLogger = slog.New(&filteringHandler{handler: base, minLevel: level})
	slog.SetDefault(defaultLogger)
	return defaultLogger
}

// Logger returns the process default logger, initializing it at Info
// level to stderr on first use.
func Logger() *slog.Logger {
	if defaultLogger == nil {
		return Init(slog.LevelInfo, os.Stderr)
	}
	return defaultLogger
}
