package gwclient

import (
	"context"
	"fmt"

	"github.com/NoPKT/agentim/internal/mcpbridge"
	"github.com/NoPKT/agentim/internal/types"
	"github.com/google/uuid"
)

// BridgeLink implements mcpbridge.Link for one registered agent.
// cmd/gateway constructs one per agent alongside that agent's
// mcpbridge.Server, the same way NewServer itself is scoped to a
// single (agentID, roomID) pair.
type BridgeLink struct {
	client  *Client
	agentID types.AgentIDType
}

// NewBridgeLink builds the Link cmd/gateway hands to an agent's
// mcpbridge.Server when it constructs one.
func NewBridgeLink(client *Client, agentID types.AgentIDType) *BridgeLink {
	return &BridgeLink{client: client, agentID: agentID}
}

var _ mcpbridge.Link = (*BridgeLink)(nil)

// SendAgentMessage mints a conversation id locally and fires the
// message at the broker as a normal agent-to-agent relay, addressed by
// @mention the same way a human typing in the room would address it -
// RouteAgentInitiatedMessage on the broker resolves targetAgentName
// through the room's existing mention machinery rather than needing a
// second target-resolution path. This is fire-and-forget: spec.md
// §4.8 describes sendMessage itself as one-way, with requestReply
// layering a wait for the reply on top via the bridge's own pending map.
func (b *BridgeLink) SendAgentMessage(ctx context.Context, fromAgentID types.AgentIDType, roomID types.RoomIDType, targetAgentName, content string) (types.ConversationIDType, error) {
	if b.client == nil {
		return "", fmt.Errorf("gwclient: bridge link has no broker connection")
	}
	conversationID := types.ConversationIDType(uuid.NewString())
	addressed := fmt.Sprintf("@%s %s", targetAgentName, content)
	b.client.sendAgentMessage(fromAgentID, roomID, conversationID, addressed)
	return conversationID, nil
}

// RecentMessages answers getRoomMessages straight from the last room
// context snapshot the broker pushed for this agent - no broker round
// trip needed since the manager already caches it per (agentID, roomID).
func (b *BridgeLink) RecentMessages(roomID types.RoomIDType, limit int) []types.Message {
	snapshot := b.client.manager.RoomSnapshot(b.agentID, roomID)
	if snapshot == nil {
		return nil
	}
	msgs := snapshot.RecentMessages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}

// Members answers listRoomMembers the same way RecentMessages does.
func (b *BridgeLink) Members(roomID types.RoomIDType) []types.Member {
	snapshot := b.client.manager.RoomSnapshot(b.agentID, roomID)
	if snapshot == nil {
		return nil
	}
	return snapshot.Members
}
