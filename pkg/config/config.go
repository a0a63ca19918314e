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

// Package config loads MXF's process configuration: environment variables
// (bind address, port, provider credentials, admin token, default model,
// MCP working directory) via godotenv, overlaid with a structured YAML
// document for the toggle map. Environment always wins over the file; the
// file exists for the toggle map, which has no natural environment-variable
// shape.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ToolTimeouts is the default tool-call timeout plus per-tool overrides.
type ToolTimeouts struct {
	DefaultMs int            `yaml:"default"`
	ByTool    map[string]int `yaml:"byTool"`
}

// Toggles is the overlay of runtime knobs: the channel-level orchestration
// switch, per-channel overrides of it, the default iteration cap, tool
// timeouts, and the circuit breaker trip count.
type Toggles struct {
	ChannelSystemLLM        bool            `yaml:"channelSystemLlm"`
	PerChannelOverrides     map[string]bool `yaml:"perChannelOverrides"`
	MaxIterationsDefault    int             `yaml:"maxIterationsDefault"`
	ToolTimeouts            ToolTimeouts    `yaml:"toolTimeoutsMs"`
	CircuitBreakerTripCount int             `yaml:"circuitBreakerTripCount"`
}

// SetDefaults fills in zero-valued fields with MXF's stated defaults.
func (t *Toggles) SetDefaults() {
	if t.MaxIterationsDefault <= 0 {
		t.MaxIterationsDefault = 10
	}
	if t.ToolTimeouts.DefaultMs <= 0 {
		t.ToolTimeouts.DefaultMs = 30_000
	}
	if t.CircuitBreakerTripCount <= 0 {
		t.CircuitBreakerTripCount = 3
	}
}

// Config is everything the mxf server process needs at startup.
type Config struct {
	BindAddress string
	Port        int
	AdminToken  string
	DefaultModel string
	MCPWorkDir  string

	// ProviderCredentials maps a provider name (anthropic, openai, ...) to
	// its API key, read from <PROVIDER>_API_KEY environment variables.
	ProviderCredentials map[string]string

	Toggles Toggles
}

const (
	envBindAddress  = "MXF_BIND_ADDRESS"
	envPort         = "MXF_PORT"
	envAdminToken   = "MXF_ADMIN_TOKEN"
	envDefaultModel = "MXF_DEFAULT_MODEL"
	envMCPWorkDir   = "MXF_MCP_WORKDIR"
)

var recognizedProviders = []string{"anthropic", "openai"}

// LoadEnvFiles loads .env.local then .env into the process environment,
// local overrides first. Missing files are not an error; a malformed one
// is.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("config: load %s: %w", file, err)
		}
	}
	return nil
}

// Load reads process environment variables into a Config and, if
// togglesPath is non-empty, overlays the YAML toggle map from that file.
// Call LoadEnvFiles first if .env support is desired; Load itself only
// reads os.Getenv.
func Load(togglesPath string) (*Config, error) {
	cfg := &Config{
		BindAddress:         getEnvOr(envBindAddress, "0.0.0.0"),
		Port:                getEnvIntOr(envPort, 8080),
		AdminToken:          os.Getenv(envAdminToken),
		DefaultModel:        getEnvOr(envDefaultModel, "claude-3-5-sonnet-latest"),
		MCPWorkDir:          getEnvOr(envMCPWorkDir, "."),
		ProviderCredentials: make(map[string]string, len(recognizedProviders)),
	}
	for _, p := range recognizedProviders {
		if key := providerAPIKey(p); key != "" {
			cfg.ProviderCredentials[p] = key
		}
	}

	if togglesPath != "" {
		raw, err := os.ReadFile(togglesPath)
		if err != nil {
			if os.IsNotExist(err) {
				cfg.Toggles.SetDefaults()
				return cfg, nil
			}
			return nil, fmt.Errorf("config: read %s: %w", togglesPath, err)
		}
		if err := yaml.Unmarshal(raw, &cfg.Toggles); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", togglesPath, err)
		}
	}
	cfg.Toggles.SetDefaults()
	return cfg, nil
}

func providerAPIKey(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	default:
		return ""
	}
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
