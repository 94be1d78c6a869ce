package gwclient

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/NoPKT/agentim/internal/adapter"
	"github.com/NoPKT/agentim/internal/agentmgr"
	"github.com/NoPKT/agentim/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopAdapter is the smallest adapter.Adapter stand-in - these tests
// exercise the bridge link's room-cache reads and wire framing, not
// adapter turn execution.
type noopAdapter struct{}

func (noopAdapter) SendMessage(ctx context.Context, content string, onChunk func(types.ParsedChunk), onComplete func(string), onError func(error), onPermissionRequest adapter.PermissionCallback) error {
	return nil
}
func (noopAdapter) Stop(ctx context.Context) error { return nil }
func (noopAdapter) Dispose() error                 { return nil }
func (noopAdapter) IsRunning() bool                { return false }
func (noopAdapter) SlashCommands() []adapter.SlashCommand {
	return nil
}
func (noopAdapter) HandleSlashCommand(ctx context.Context, cmd string, args []string) adapter.SlashCommandResult {
	return adapter.SlashCommandResult{}
}
func (noopAdapter) MCPServers() []string             { return nil }
func (noopAdapter) Model() string                    { return "" }
func (noopAdapter) ThinkingMode() string             { return "" }
func (noopAdapter) EffortLevel() string              { return "" }
func (noopAdapter) CostSummary() adapter.CostSummary { return adapter.CostSummary{} }
func (noopAdapter) SessionID() string                { return "" }

func TestBridgeLink_SendAgentMessage_AddressesByMention(t *testing.T) {
	manager := agentmgr.NewManager(nil, nil, nil)
	client := New("wss://example.invalid", "token", manager, nil)

	link := NewBridgeLink(client, "agent-a")

	convID, err := link.SendAgentMessage(context.Background(), "agent-a", "room-1", "agent-b", "take a look")
	require.NoError(t, err)
	assert.NotEmpty(t, convID)

	select {
	case raw := <-client.prioritySend:
		var frame agentMessagePayload
		require.NoError(t, json.Unmarshal(raw, &frame))
		assert.Equal(t, "@agent-b take a look", frame.Content)
		assert.Equal(t, "agent-a", frame.AgentID)
		assert.Equal(t, string(convID), frame.ConversationID)
	default:
		t.Fatal("expected a frame to be enqueued")
	}
}

func TestBridgeLink_RecentMessagesAndMembers_ReadFromManagerCache(t *testing.T) {
	manager := agentmgr.NewManager(nil, nil, nil)
	manager.RegisterAgent(types.Agent{ID: "agent-a"}, noopAdapter{})
	defer manager.DisposeAll(context.Background())
	client := New("wss://example.invalid", "token", manager, nil)
	link := NewBridgeLink(client, "agent-a")

	assert.Nil(t, link.RecentMessages("room-1", 10))
	assert.Nil(t, link.Members("room-1"))

	manager.HandleRoomContext("agent-a", types.RoomContextSnapshot{
		RoomID:         "room-1",
		RecentMessages: []types.Message{{ID: "m1"}, {ID: "m2"}, {ID: "m3"}},
		Members:        []types.Member{{ID: "agent-b", Name: "agent-b"}},
	})

	msgs := link.RecentMessages("room-1", 2)
	require.Len(t, msgs, 2)
	assert.Equal(t, types.MessageIDType("m2"), msgs[0].ID)
	assert.Equal(t, types.MessageIDType("m3"), msgs[1].ID)

	members := link.Members("room-1")
	require.Len(t, members, 1)
	assert.Equal(t, "agent-b", members[0].Name)
}
