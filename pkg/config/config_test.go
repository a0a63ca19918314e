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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoTogglesFile(t *testing.T) {
	t.Setenv("MXF_ADMIN_TOKEN", "secret")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.AdminToken)
	assert.Equal(t, 10, cfg.Toggles.MaxIterationsDefault)
	assert.Equal(t, 3, cfg.Toggles.CircuitBreakerTripCount)
	assert.Equal(t, 30_000, cfg.Toggles.ToolTimeouts.DefaultMs)
}

func TestLoadOverlaysYAMLToggles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "toggles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
channelSystemLlm: true
maxIterationsDefault: 20
circuitBreakerTripCount: 5
toolTimeoutsMs:
  default: 15000
  byTool:
    game_makeMove: 5000
perChannelOverrides:
  c1: false
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Toggles.ChannelSystemLLM)
	assert.Equal(t, 20, cfg.Toggles.MaxIterationsDefault)
	assert.Equal(t, 5, cfg.Toggles.CircuitBreakerTripCount)
	assert.Equal(t, 15000, cfg.Toggles.ToolTimeouts.DefaultMs)
	assert.Equal(t, 5000, cfg.Toggles.ToolTimeouts.ByTool["game_makeMove"])
	assert.False(t, cfg.Toggles.PerChannelOverrides["c1"])
}

func TestLoadReadsProviderCredentialsFromEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "ant-key")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ant-key", cfg.ProviderCredentials["anthropic"])
	_, hasOpenAI := cfg.ProviderCredentials["openai"]
	assert.False(t, hasOpenAI)
}
