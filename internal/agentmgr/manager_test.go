package agentmgr

import (
	"context"
	"testing"
	"time"

	"github.com/NoPKT/agentim/internal/adapter"
	"github.com/NoPKT/agentim/internal/routing"
	"github.com/NoPKT/agentim/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopAdapter is the smallest possible adapter.Adapter stand-in - these
// tests exercise dispatch routing, not turn execution.
type noopAdapter struct{}

func (noopAdapter) SendMessage(ctx context.Context, content string, onChunk func(types.ParsedChunk), onComplete func(string), onError func(error), onPermissionRequest adapter.PermissionCallback) error {
	return nil
}
func (noopAdapter) Stop(ctx context.Context) error             { return nil }
func (noopAdapter) Dispose() error                              { return nil }
func (noopAdapter) IsRunning() bool                              { return false }
func (noopAdapter) SlashCommands() []adapter.SlashCommand        { return nil }
func (noopAdapter) HandleSlashCommand(ctx context.Context, cmd string, args []string) adapter.SlashCommandResult {
	return adapter.SlashCommandResult{}
}
func (noopAdapter) MCPServers() []string        { return nil }
func (noopAdapter) Model() string                { return "" }
func (noopAdapter) ThinkingMode() string         { return "" }
func (noopAdapter) EffortLevel() string          { return "" }
func (noopAdapter) CostSummary() adapter.CostSummary { return adapter.CostSummary{} }
func (noopAdapter) SessionID() string            { return "" }

type fakeBridge struct {
	delivered []types.Message
	accept    bool
}

func (f *fakeBridge) Deliver(msg types.Message) bool {
	if !f.accept {
		return false
	}
	f.delivered = append(f.delivered, msg)
	return true
}

func newTestManager() *Manager {
	m := NewManager(nil, nil, nil)
	m.RegisterAgent(types.Agent{ID: "agent-a"}, noopAdapter{})
	return m
}

func TestHandleDispatch_DeliversToBridgeWhenPending(t *testing.T) {
	m := newTestManager()
	defer m.DisposeAll(context.Background())

	bridge := &fakeBridge{accept: true}
	m.SetBridge("agent-a", bridge)

	d := routing.Dispatch{
		AgentID:        "agent-a",
		RoomID:         "room-1",
		MessageID:      "m1",
		Content:        "the reply",
		ConversationID: "convo-1",
	}
	m.HandleDispatch(context.Background(), d)

	require.Len(t, bridge.delivered, 1)
	assert.Equal(t, "the reply", bridge.delivered[0].Content)
	assert.Equal(t, types.ConversationIDType("convo-1"), bridge.delivered[0].ConversationID)
}

func TestHandleDispatch_FallsThroughWhenBridgeDeclines(t *testing.T) {
	m := newTestManager()
	defer m.DisposeAll(context.Background())

	bridge := &fakeBridge{accept: false}
	m.SetBridge("agent-a", bridge)

	d := routing.Dispatch{AgentID: "agent-a", RoomID: "room-1", MessageID: "m1", Content: "fresh turn"}
	m.HandleDispatch(context.Background(), d)

	assert.Empty(t, bridge.delivered)
}

func TestRoomSnapshot_ReturnsCachedContext(t *testing.T) {
	m := newTestManager()
	defer m.DisposeAll(context.Background())

	assert.Nil(t, m.RoomSnapshot("agent-a", "room-1"))

	snap := types.RoomContextSnapshot{RoomID: "room-1", PushedAt: time.Now()}
	m.HandleRoomContext("agent-a", snap)

	got := m.RoomSnapshot("agent-a", "room-1")
	require.NotNil(t, got)
	assert.Equal(t, types.RoomIDType("room-1"), got.RoomID)
}
