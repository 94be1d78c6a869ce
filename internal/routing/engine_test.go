package routing

import (
	"context"
	"testing"
	"time"

	"github.com/NoPKT/agentim/internal/ratelimit"
	"github.com/NoPKT/agentim/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRoom() *types.Room {
	return &types.Room{
		ID: "room-1",
		Members: []types.Member{
			{ID: "agent-a", Type: types.SenderTypeAgent, Name: "agent-a"},
			{ID: "agent-b", Type: types.SenderTypeAgent, Name: "agent-b"},
		},
	}
}

func TestRouteAgentInitiatedMessage_MintsFreshChain(t *testing.T) {
	chains := NewChainTracker(DefaultMaxChainDepth, DefaultChainIdleTTL)
	engine := NewEngine(chains, ratelimit.NewAgentLimiter(time.Minute, 10), nil)

	msg := types.Message{
		ID:      "m1",
		RoomID:  "room-1",
		Content: "@agent-b take a look",
	}

	dispatches := engine.RouteAgentInitiatedMessage(context.Background(), testRoom(), "agent-a", msg)
	require.Len(t, dispatches, 1)
	assert.Equal(t, types.AgentIDType("agent-b"), dispatches[0].AgentID)
	assert.NotEmpty(t, dispatches[0].ConversationID)
	assert.Equal(t, 1, dispatches[0].Depth)
}

func TestRouteAgentInitiatedMessage_HonorsSuppliedConversationID(t *testing.T) {
	chains := NewChainTracker(DefaultMaxChainDepth, DefaultChainIdleTTL)
	engine := NewEngine(chains, ratelimit.NewAgentLimiter(time.Minute, 10), nil)

	msg := types.Message{
		ID:             "m1",
		RoomID:         "room-1",
		Content:        "@agent-b reply please",
		ConversationID: "fixed-convo-id",
	}

	dispatches := engine.RouteAgentInitiatedMessage(context.Background(), testRoom(), "agent-a", msg)
	require.Len(t, dispatches, 1)
	assert.Equal(t, types.ConversationIDType("fixed-convo-id"), dispatches[0].ConversationID)
}

func TestRouteAgentInitiatedMessage_ExcludesSelfMention(t *testing.T) {
	chains := NewChainTracker(DefaultMaxChainDepth, DefaultChainIdleTTL)
	engine := NewEngine(chains, ratelimit.NewAgentLimiter(time.Minute, 10), nil)

	msg := types.Message{ID: "m1", RoomID: "room-1", Content: "@agent-a talking to myself"}
	dispatches := engine.RouteAgentInitiatedMessage(context.Background(), testRoom(), "agent-a", msg)
	assert.Empty(t, dispatches)
}
