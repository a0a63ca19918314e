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

// Package admin implements the admin surface: an HTTP API, authenticated
// by a single bearer admin token, for creating and deleting channels,
// issuing and revoking the keyId+secretKey credentials agents present to
// establish a transport connection, registering and unregistering
// channel-scoped MCP servers, and registering agent records.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mxf-run/mxf/pkg/channelhub"
	"github.com/mxf-run/mxf/pkg/mcpadapter"
)

// Surface is the admin API over one Hub.
type Surface struct {
	hub        *channelhub.Hub
	mcp        *mcpadapter.Adapter
	keys       *KeyStore
	adminToken string

	onAgentCreated func(agentID string)

	systemLLMDefault   bool
	systemLLMOverrides map[string]bool
}

// New builds the admin surface over hub, using mcp (may be nil) to manage
// external tool servers and keys to manage connection credentials.
// adminToken is the bearer token every request must present.
func New(hub *channelhub.Hub, mcp *mcpadapter.Adapter, keys *KeyStore, adminToken string) *Surface {
	return &Surface{hub: hub, mcp: mcp, keys: keys, adminToken: adminToken}
}

// OnAgentCreated registers fn to run after every successful agent
// creation through this surface, e.g. so a process wiring up the whole
// fleet can start that agent's TaskExecutor without polling the hub.
func (s *Surface) OnAgentCreated(fn func(agentID string)) { s.onAgentCreated = fn }

// SetSystemLLMDefaults records the process-wide channelSystemLlm toggle and
// its perChannelOverrides map (from config.Toggles), consulted by
// createChannel through resolveSystemLLM: an override for the channel
// wins even over an explicit systemLlmEnabled in the request, and the
// process-wide default applies only when neither is set.
func (s *Surface) SetSystemLLMDefaults(enabled bool, perChannelOverrides map[string]bool) {
	s.systemLLMDefault = enabled
	s.systemLLMOverrides = perChannelOverrides
}

// resolveSystemLLM applies, in order: an explicit per-channel override from
// config, an explicit value in the create request, then the process-wide
// default.
func (s *Surface) resolveSystemLLM(channelID string, requested *bool) bool {
	if override, ok := s.systemLLMOverrides[channelID]; ok {
		return override
	}
	if requested != nil {
		return *requested
	}
	return s.systemLLMDefault
}

// Router builds the chi.Router exposing the admin API. Mount it under
// whatever path prefix the server process chooses (e.g. "/admin").
func (s *Surface) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requireAdminToken)

	r.Post("/channels", s.createChannel)
	r.Delete("/channels/{channelID}", s.deleteChannel)

	r.Post("/channels/{channelID}/agents", s.createAgent)

	r.Post("/channels/{channelID}/keys", s.issueKey)
	r.Get("/channels/{channelID}/keys", s.listKeys)
	r.Delete("/channels/{channelID}/keys/{keyID}", s.revokeKey)

	r.Post("/channels/{channelID}/mcp-servers", s.registerMCPServer)
	r.Delete("/channels/{channelID}/mcp-servers/{serverID}", s.unregisterMCPServer)

	return r
}

func (s *Surface) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "missing or invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

type createChannelRequest struct {
	ID           string   `json:"id"`
	AllowedTools []string `json:"allowedTools"`
	// SystemLLMEnabled is a pointer so an omitted field is distinguishable
	// from an explicit false, letting perChannelOverrides and the
	// channelSystemLlm default take over when the caller doesn't state one.
	SystemLLMEnabled *bool `json:"systemLlmEnabled"`
}

func (s *Surface) createChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	enabled := s.resolveSystemLLM(req.ID, req.SystemLLMEnabled)
	ch, err := s.hub.CreateChannel(r.Context(), req.ID, req.AllowedTools, enabled)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (s *Surface) deleteChannel(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if err := s.hub.DeleteChannel(r.Context(), channelID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createAgentRequest struct {
	ID           string               `json:"id"`
	DisplayName  string               `json:"displayName"`
	LLMConfig    channelhub.LLMConfig `json:"llmConfig"`
	AllowedTools []string             `json:"allowedTools"`
	ExemptTools  []string             `json:"circuitBreakerExemptTools"`
}

func (s *Surface) createAgent(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	var req createAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	agent, err := s.hub.CreateAgent(r.Context(), channelID, req.ID, req.DisplayName, req.LLMConfig, req.AllowedTools, req.ExemptTools)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.onAgentCreated != nil {
		s.onAgentCreated(agent.ID)
	}
	writeJSON(w, http.StatusCreated, agent)
}

type issueKeyRequest struct {
	AgentID string `json:"agentId"`
}

type issueKeyResponse struct {
	KeyID     string `json:"keyId"`
	SecretKey string `json:"secretKey"`
}

func (s *Surface) issueKey(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	var req issueKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, ok := s.hub.GetChannel(channelID); !ok {
		writeError(w, http.StatusNotFound, "unknown channel "+channelID)
		return
	}
	keyID, secret, err := s.keys.Issue(r.Context(), channelID, req.AgentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.AgentID != "" {
		_ = s.hub.SetAgentKey(req.AgentID, keyID)
	}
	writeJSON(w, http.StatusCreated, issueKeyResponse{KeyID: keyID, SecretKey: secret})
}

func (s *Surface) listKeys(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	keys, err := s.keys.List(r.Context(), channelID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Surface) revokeKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")
	if err := s.keys.Revoke(r.Context(), keyID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type registerMCPServerRequest struct {
	ServerID         string            `json:"serverId"`
	Command          string            `json:"command"`
	Args             []string          `json:"args"`
	Env              map[string]string `json:"env"`
	AutoStart        bool              `json:"autoStart"`
	RestartOnCrash   bool              `json:"restartOnCrash"`
	KeepAliveMinutes int               `json:"keepAliveMinutes"`
}

func (s *Surface) registerMCPServer(w http.ResponseWriter, r *http.Request) {
	if s.mcp == nil {
		writeError(w, http.StatusNotImplemented, "no mcp adapter configured")
		return
	}
	channelID := chi.URLParam(r, "channelID")
	var req registerMCPServerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	desc := mcpadapter.ServerDescriptor{
		ChannelID:        channelID,
		ServerID:         req.ServerID,
		Command:          req.Command,
		Args:             req.Args,
		Env:              req.Env,
		AutoStart:        req.AutoStart,
		RestartOnCrash:   req.RestartOnCrash,
		KeepAliveMinutes: req.KeepAliveMinutes,
	}
	if err := s.mcp.RegisterServer(r.Context(), desc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Surface) unregisterMCPServer(w http.ResponseWriter, r *http.Request) {
	if s.mcp == nil {
		writeError(w, http.StatusNotImplemented, "no mcp adapter configured")
		return
	}
	channelID := chi.URLParam(r, "channelID")
	serverID := chi.URLParam(r, "serverID")
	s.mcp.StopServer(channelID, serverID)
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "missing request body")
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
