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
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mxf-run/mxf/pkg/admin"
	"github.com/mxf-run/mxf/pkg/channelhub"
	"github.com/mxf-run/mxf/pkg/config"
	"github.com/mxf-run/mxf/pkg/events"
	"github.com/mxf-run/mxf/pkg/executor"
	"github.com/mxf-run/mxf/pkg/kv"
	"github.com/mxf-run/mxf/pkg/llm"
	"github.com/mxf-run/mxf/pkg/mcpadapter"
	"github.com/mxf-run/mxf/pkg/observability"
	"github.com/mxf-run/mxf/pkg/toolkit"
	"github.com/mxf-run/mxf/pkg/transport"
	"github.com/mxf-run/mxf/pkg/userinput"
)

const defaultSystemPrompt = "You are an agent participating in a channel alongside other agents. " +
	"Use the tools available to you to make progress on assigned tasks, and call task_complete once " +
	"the task is done."

// ServeCmd starts the MXF server: the admin HTTP API, the agent connection
// transport, and (if metrics are enabled) the Prometheus scrape endpoint,
// all on one listener.
type ServeCmd struct {
	BindAddress string `name:"bind-address" help:"Address to bind the HTTP listener on (overrides MXF_BIND_ADDRESS)."`
	Port        int    `help:"Port to listen on (overrides MXF_PORT)."`
	AdminToken  string `name:"admin-token" help:"Bearer token the admin API requires (overrides MXF_ADMIN_TOKEN)."`
	Toggles     string `help:"Path to a YAML toggle overlay file." type:"path"`

	Metrics bool `help:"Enable the Prometheus metrics endpoint at /metrics."`
	Tracing bool `help:"Install an in-process tracer provider (no MXF component starts spans on it)."`

	AdminPrefix         string `name:"admin-prefix" help:"Path prefix for the admin API." default:"/admin"`
	TransportPath       string `name:"transport-path" help:"Path the agent connection websocket is served on." default:"/agents/connect"`
	SystemPrompt        string `name:"system-prompt" help:"Default system prompt every new agent's executor is built with."`
	ProviderConcurrency int    `name:"provider-concurrency" help:"Max in-flight LLM calls per provider." default:"4"`
}

// Run wires every MXF component together and blocks serving HTTP until the
// process receives SIGINT/SIGTERM.
func (c *ServeCmd) Run(cli *CLI) error {
	if err := config.LoadEnvFiles(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	cfg, err := config.Load(c.Toggles)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	c.applyOverrides(cfg)

	obs, err := observability.NewManager(observability.Config{
		LogLevel:       cli.LogLevel,
		MetricsEnabled: c.Metrics,
		TracingEnabled: c.Tracing,
	})
	if err != nil {
		return fmt.Errorf("serve: init observability: %w", err)
	}
	logger := obs.Logger()

	store := kv.NewMemory()
	tools := toolkit.New()
	mcpBus := events.NewBus()
	mcp := mcpadapter.New(tools, mcpBus)
	hub := channelhub.New(store, mcp)
	keys := admin.NewKeyStore(store)
	userInputBridge := userinput.New(events.NewBus())

	if err := toolkit.RegisterBuiltins(tools, hub, hub, userInputBridge); err != nil {
		return fmt.Errorf("serve: register builtin tools: %w", err)
	}

	providers := map[string]llm.Provider{}
	if key, ok := cfg.ProviderCredentials["anthropic"]; ok {
		providers["anthropic"] = llm.NewAnthropicProvider(key, cfg.DefaultModel)
	}
	if key, ok := cfg.ProviderCredentials["openai"]; ok {
		providers["openai"] = llm.NewOpenAIProvider(key, cfg.DefaultModel)
	}
	gateway := llm.New(providers, c.ProviderConcurrency)
	gateway.SetMetrics(obs.Metrics())

	systemPrompt := c.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fl := &fleet{
		hub:                     hub,
		tools:                   tools,
		gateway:                 gateway,
		metrics:                 obs.Metrics(),
		systemPrompt:            systemPrompt,
		maxIterOverride:         cfg.Toggles.MaxIterationsDefault,
		circuitBreakerTripCount: cfg.Toggles.CircuitBreakerTripCount,
		runningCtx:              ctx,
		logger:                  logger,
		executorsByAgentID:      make(map[string]*executor.Executor),
	}

	adminSurface := admin.New(hub, mcp, keys, cfg.AdminToken)
	adminSurface.OnAgentCreated(fl.startExecutor)
	adminSurface.SetSystemLLMDefaults(cfg.Toggles.ChannelSystemLLM, cfg.Toggles.PerChannelOverrides)

	mcp.SetToolTimeouts(cfg.Toggles.ToolTimeouts.DefaultMs, cfg.Toggles.ToolTimeouts.ByTool)

	transportSrv := transport.New(hub, keys, userInputBridge, logger)

	mux := http.NewServeMux()
	mux.Handle(c.AdminPrefix+"/", http.StripPrefix(c.AdminPrefix, adminSurface.Router()))
	mux.Handle(c.TransportPath, transportSrv)
	if c.Metrics {
		mux.Handle("/metrics", obs.MetricsHandler())
	}

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		_ = obs.Shutdown(shutdownCtx)
	}()

	logger.Info("mxf server ready", "address", addr, "admin_prefix", c.AdminPrefix, "transport_path", c.TransportPath)
	fmt.Printf("mxf server listening on http://%s\n", addr)
	fmt.Printf("  admin API:       http://%s%s\n", addr, c.AdminPrefix)
	fmt.Printf("  agent transport: ws://%s%s\n", addr, c.TransportPath)
	if c.Metrics {
		fmt.Printf("  metrics:         http://%s/metrics\n", addr)
	}

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (c *ServeCmd) applyOverrides(cfg *config.Config) {
	if c.BindAddress != "" {
		cfg.BindAddress = c.BindAddress
	}
	if c.Port != 0 {
		cfg.Port = c.Port
	}
	if c.AdminToken != "" {
		cfg.AdminToken = c.AdminToken
	}
}

// fleet owns the collaborators every per-agent executor.Executor is built
// from and starts one the moment an agent is registered through the admin
// API, so a dynamically-created agent begins driving tasks without the
// operator needing a separate "start" step.
type fleet struct {
	hub                     *channelhub.Hub
	tools                   *toolkit.Registry
	gateway                 *llm.Gateway
	metrics                 executor.MetricsRecorder
	systemPrompt            string
	maxIterOverride         int
	circuitBreakerTripCount int
	runningCtx              context.Context
	logger                  interface {
		Error(msg string, args ...any)
	}

	mu                 sync.Mutex
	executorsByAgentID map[string]*executor.Executor
}

func (f *fleet) startExecutor(agentID string) {
	f.mu.Lock()
	if _, exists := f.executorsByAgentID[agentID]; exists {
		f.mu.Unlock()
		return
	}
	exec := executor.New(agentID, executor.Deps{
		Hub:                     f.hub,
		Tools:                   f.tools,
		Gateway:                 f.gateway,
		Metrics:                 f.metrics,
		SystemPrompt:            f.systemPrompt,
		MaxIterationsOverride:   f.maxIterOverride,
		CircuitBreakerTripCount: f.circuitBreakerTripCount,
	})
	f.executorsByAgentID[agentID] = exec
	f.mu.Unlock()

	if err := exec.Start(f.runningCtx); err != nil {
		f.logger.Error("failed to start executor", "agent", agentID, "error", err)
	}
}
