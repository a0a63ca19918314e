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

// Package transport implements the agent connection protocol: an
// authenticated bidirectional websocket stream that presents
// channelId+keyId+secretKey to establish, is confirmed with the agent's
// negotiated capability set, and then carries the channel's event stream
// out and messaging/user-input frames in.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mxf-run/mxf/pkg/admin"
	"github.com/mxf-run/mxf/pkg/channelhub"
	"github.com/mxf-run/mxf/pkg/events"
	"github.com/mxf-run/mxf/pkg/userinput"
)

const (
	maxPayloadBytes = 1 << 20
	pongWait        = 45 * time.Second
	pingInterval    = 20 * time.Second
	writeWait       = 10 * time.Second
)

// frame is the single envelope shape for every message on the stream, in
// either direction.
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type connectPayload struct {
	ChannelID string `json:"channelId"`
	KeyID     string `json:"keyId"`
	SecretKey string `json:"secretKey"`
	AgentID   string `json:"agentId"`
}

type helloPayload struct {
	ChannelID     string   `json:"channelId"`
	AgentID       string   `json:"agentId"`
	AllowedTools  []string `json:"allowedTools"`
	Provider      string   `json:"provider"`
	Model         string   `json:"model"`
	MaxIterations int      `json:"maxIterations"`
}

// Server upgrades incoming HTTP requests to the agent connection
// protocol and bridges each connection's lifetime to the hub.
type Server struct {
	hub      *channelhub.Hub
	keys     *admin.KeyStore
	input    *userinput.Bridge
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New builds a transport Server. logger may be nil, in which case
// slog.Default() is used.
func New(hub *channelhub.Hub, keys *admin.KeyStore, input *userinput.Bridge, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:    hub,
		keys:   keys,
		input:  input,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	sess := &session{
		server: s,
		conn:   conn,
		send:   make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
	}
	sess.run()
}

type session struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	agentID   string
	channelID string

	unsubscribe     func()
	unsubscribeUser func()
}

func (sess *session) run() {
	defer sess.close()
	go sess.writeLoop()
	sess.readLoop()
}

func (sess *session) close() {
	sess.cancel()
	if sess.unsubscribe != nil {
		sess.unsubscribe()
	}
	if sess.unsubscribeUser != nil {
		sess.unsubscribeUser()
	}
	if sess.agentID != "" {
		if sess.server.input != nil {
			sess.server.input.CancelAgent(sess.agentID)
		}
		_ = sess.server.hub.Disconnect(context.Background(), sess.agentID)
	}
	close(sess.send)
	_ = sess.conn.Close()
}

func (sess *session) readLoop() {
	sess.conn.SetReadLimit(maxPayloadBytes)
	_ = sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			sess.sendError("", "invalid frame: "+err.Error())
			continue
		}

		if sess.agentID == "" {
			if f.Type != "connect" {
				sess.sendError(f.ID, "first frame must be connect")
				continue
			}
			if err := sess.handleConnect(f); err != nil {
				sess.sendError(f.ID, err.Error())
				return
			}
			continue
		}

		if err := sess.handleFrame(f); err != nil {
			sess.sendError(f.ID, err.Error())
		}
	}
}

func (sess *session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-ticker.C:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-sess.send:
			if !ok {
				return
			}
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (sess *session) handleConnect(f frame) error {
	var params connectPayload
	if err := json.Unmarshal(f.Payload, &params); err != nil {
		return err
	}

	agentID, err := sess.server.keys.Verify(sess.ctx, params.ChannelID, params.KeyID, params.SecretKey)
	if err != nil {
		return err
	}
	if agentID == "" {
		agentID = params.AgentID
	}

	agent, ok := sess.server.hub.GetAgent(agentID)
	if !ok || agent.ChannelID != params.ChannelID {
		return err404("unknown agent for this channel")
	}

	if err := sess.server.hub.Connect(sess.ctx, agentID); err != nil {
		return err
	}

	sess.agentID = agentID
	sess.channelID = params.ChannelID
	sess.server.logger.Info("agent connected", "agent", agentID, "channel", params.ChannelID)

	bus, ok := sess.server.hub.Bus(params.ChannelID)
	if ok {
		sess.unsubscribe = bus.SubscribeAll(func(ev events.Event) {
			// Forward channel-wide events (AgentID empty) and events
			// addressed to this agent specifically; skip chatter meant
			// for other agents on the same channel.
			if ev.AgentID == "" || ev.AgentID == agentID {
				sess.forwardEvent(ev)
			}
		})
	}
	if sess.server.input != nil {
		if userBus := sess.server.input.Bus(); userBus != nil {
			sess.unsubscribeUser = userBus.SubscribeAll(func(ev events.Event) {
				if ev.AgentID == agentID {
					sess.forwardEvent(ev)
				}
			})
		}
	}

	return sess.sendFrame(frame{
		Type:    "hello",
		ID:      f.ID,
		Payload: mustJSON(helloPayload{
			ChannelID:     agent.ChannelID,
			AgentID:       agent.ID,
			AllowedTools:  sortedKeys(agent.AllowedTools),
			Provider:      agent.LLMConfig.Provider,
			Model:         agent.LLMConfig.Model,
			MaxIterations: agent.LLMConfig.MaxIterations,
		}),
	})
}

func (sess *session) forwardEvent(ev events.Event) {
	sess.sendFrame(frame{Type: "event", Event: string(ev.Name), Payload: mustJSON(ev)})
}

func (sess *session) handleFrame(f frame) error {
	switch f.Type {
	case "ping":
		return sess.sendFrame(frame{Type: "pong", ID: f.ID})
	case "userInputRespond":
		var p struct {
			RequestID string `json:"requestId"`
			Value     any    `json:"value"`
		}
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return err
		}
		return sess.server.input.Respond(p.RequestID, p.Value)
	case "message":
		var p struct {
			TargetAgentID string `json:"targetAgentId"`
			Content       string `json:"content"`
		}
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return err
		}
		return sess.server.hub.SendMessage(sess.ctx, sess.agentID, p.TargetAgentID, p.Content)
	default:
		return err404("unknown frame type " + f.Type)
	}
}

func (sess *session) sendFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case sess.send <- data:
		return nil
	case <-sess.ctx.Done():
		return sess.ctx.Err()
	}
}

func (sess *session) sendError(id, msg string) {
	_ = sess.sendFrame(frame{Type: "error", ID: id, Error: msg})
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type transportError struct{ msg string }

func (e *transportError) Error() string { return e.msg }
func err404(msg string) error           { return &transportError{msg: msg} }
