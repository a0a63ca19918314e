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

package channelhub

import (
	"context"
	"time"

	"github.com/mxf-run/mxf/pkg/events"
	"github.com/mxf-run/mxf/pkg/mxerr"
)

// SendMessage implements toolkit.MessageSink. A non-empty targetAgentID
// delivers exactly to that agent (AGENT_MESSAGE); an empty one fans the
// message out to every other current channel member (CHANNEL_MESSAGE).
// Both preserve per-sender FIFO by publishing while holding no lock
// beyond the read needed to snapshot the member list.
func (h *Hub) SendMessage(ctx context.Context, fromAgentID, targetAgentID, content string) error {
	h.mu.RLock()
	from, ok := h.agents[fromAgentID]
	h.mu.RUnlock()
	if !ok {
		return mxerr.New(mxerr.InvalidArgs, "unknown agent "+fromAgentID)
	}

	h.mu.RLock()
	entry, ok := h.channels[from.ChannelID]
	h.mu.RUnlock()
	if !ok {
		return mxerr.New(mxerr.Internal, "agent "+fromAgentID+" references missing channel "+from.ChannelID)
	}

	if targetAgentID != "" {
		if !h.IsMember(from.ChannelID, targetAgentID) {
			return mxerr.New(mxerr.InvalidArgs, "target "+targetAgentID+" is not a member of "+from.ChannelID)
		}
		entry.bus.Publish(events.Event{
			Name:      events.AgentMessage,
			ChannelID: from.ChannelID,
			AgentID:   targetAgentID,
			Timestamp: time.Now().UnixNano(),
			Data:      map[string]any{"from": fromAgentID, "content": content},
		})
		return nil
	}

	entry.mu.RLock()
	recipients := append([]string(nil), entry.members...)
	entry.mu.RUnlock()

	for _, agentID := range recipients {
		if agentID == fromAgentID {
			continue
		}
		entry.bus.Publish(events.Event{
			Name:      events.ChannelMessage,
			ChannelID: from.ChannelID,
			AgentID:   agentID,
			Timestamp: time.Now().UnixNano(),
			Data:      map[string]any{"from": fromAgentID, "content": content},
		})
	}
	return nil
}
