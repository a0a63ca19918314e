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

package mcpadapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestServerDescriptorDefaults(t *testing.T) {
	d := ServerDescriptor{ChannelID: "c1", ServerID: "s1"}
	assert.Equal(t, defaultKeepAlive, d.keepAlive())
	assert.Equal(t, defaultCallTimeout, d.callTimeout())

	d.KeepAliveMinutes = 2
	d.CallTimeout = 5 * time.Second
	assert.Equal(t, 2*time.Minute, d.keepAlive())
	assert.Equal(t, 5*time.Second, d.callTimeout())
}

func TestServerDescriptorKey(t *testing.T) {
	d := ServerDescriptor{ChannelID: "c1", ServerID: "s1"}
	assert.Equal(t, "c1/s1", d.key())
}

func TestRegisterServerIsIdempotent(t *testing.T) {
	a := New(nil, nil)
	desc := ServerDescriptor{ChannelID: "c1", ServerID: "s1"}

	assert.NoError(t, a.RegisterServer(nil, desc))
	assert.NoError(t, a.RegisterServer(nil, desc), "re-registering the same (channel, server) key is a no-op")

	a.mu.Lock()
	count := len(a.servers)
	a.mu.Unlock()
	assert.Equal(t, 1, count, "a duplicate register must not create a second managed server")
}

func TestStopServerOnUnknownIsNoop(t *testing.T) {
	a := New(nil, nil)
	a.StopServer("nope", "nope") // must not panic
}

func TestResolveTimeoutPrecedence(t *testing.T) {
	a := New(nil, nil)
	ms := &managedServer{desc: ServerDescriptor{ChannelID: "c1", ServerID: "s1"}}

	assert.Equal(t, defaultCallTimeout, a.resolveTimeout(ms, "anyTool"))

	a.SetToolTimeouts(5_000, nil)
	assert.Equal(t, 5*time.Second, a.resolveTimeout(ms, "anyTool"), "adapter-level default applies with no per-tool override")

	a.SetToolTimeouts(0, map[string]int{"slowTool": 20_000})
	assert.Equal(t, 20*time.Second, a.resolveTimeout(ms, "slowTool"))
	assert.Equal(t, 5*time.Second, a.resolveTimeout(ms, "anyTool"), "unrelated tools keep the adapter-level default")

	ms.desc.CallTimeout = 2 * time.Second
	assert.Equal(t, 2*time.Second, a.resolveTimeout(ms, "slowTool"), "an explicit per-server CallTimeout wins outright")
}
