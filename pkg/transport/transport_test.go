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

package transport

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mxf-run/mxf/pkg/admin"
	"github.com/mxf-run/mxf/pkg/channelhub"
	"github.com/mxf-run/mxf/pkg/events"
	"github.com/mxf-run/mxf/pkg/kv"
	"github.com/mxf-run/mxf/pkg/userinput"
)

func TestConnectHandshakeReceivesHello(t *testing.T) {
	store := kv.NewMemory()
	hub := channelhub.New(store, nil)
	keys := admin.NewKeyStore(store)
	bridge := userinput.New(events.NewBus())

	ctx := t.Context()
	_, err := hub.CreateChannel(ctx, "c1", []string{"task_complete"}, false)
	require.NoError(t, err)
	_, err = hub.CreateAgent(ctx, "c1", "a1", "Agent One", channelhub.LLMConfig{Provider: "stub", Model: "m1"}, []string{"task_complete"}, nil)
	require.NoError(t, err)

	keyID, secret, err := keys.Issue(ctx, "c1", "a1")
	require.NoError(t, err)

	srv := New(hub, keys, bridge, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	connectPayload, _ := json.Marshal(map[string]any{
		"channelId": "c1", "keyId": keyID, "secretKey": secret,
	})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, marshalFrame(t, frame{
		Type: "connect", ID: "1", Payload: connectPayload,
	})))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var resp frame
	require.NoError(t, json.Unmarshal(data, &resp))
	require.Equal(t, "hello", resp.Type)

	var hello helloPayload
	require.NoError(t, json.Unmarshal(resp.Payload, &hello))
	require.Equal(t, "a1", hello.AgentID)
	require.Equal(t, "stub", hello.Provider)
}

func marshalFrame(t *testing.T, f frame) []byte {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	return data
}
