package mcpbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/NoPKT/agentim/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLink is a scriptable mcpbridge.Link for exercising the HTTP
// surface without a real routing engine behind it.
type fakeLink struct {
	conversationID types.ConversationIDType
	sendErr        error
	messages       []types.Message
	members        []types.Member
}

func (f *fakeLink) SendAgentMessage(ctx context.Context, fromAgentID types.AgentIDType, roomID types.RoomIDType, targetAgentName, content string) (types.ConversationIDType, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return f.conversationID, nil
}

func (f *fakeLink) RecentMessages(roomID types.RoomIDType, limit int) []types.Message {
	return f.messages
}

func (f *fakeLink) Members(roomID types.RoomIDType) []types.Member {
	return f.members
}

func startBridge(t *testing.T, link Link) *Server {
	t.Helper()
	s, err := NewServer("agent-a", "room-1", link)
	require.NoError(t, err)
	go s.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestHandleSendMessage_ReturnsConversationID(t *testing.T) {
	s := startBridge(t, &fakeLink{conversationID: "convo-1"})

	resp, err := http.Post(fmt.Sprintf("http://%s/sendMessage", s.Addr()), "application/json",
		bytes.NewBufferString(`{"targetAgentName":"agent-b","content":"hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "convo-1", body["conversationId"])
}

func TestHandleSendMessage_RejectsMissingTarget(t *testing.T) {
	s := startBridge(t, &fakeLink{})

	resp, err := http.Post(fmt.Sprintf("http://%s/sendMessage", s.Addr()), "application/json",
		bytes.NewBufferString(`{"content":"hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleRequestReply_ResolvesOnDeliver(t *testing.T) {
	s := startBridge(t, &fakeLink{conversationID: "convo-2"})

	done := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Post(fmt.Sprintf("http://%s/requestReply", s.Addr()), "application/json",
			bytes.NewBufferString(`{"targetAgentName":"agent-b","content":"status?","timeoutSec":5}`))
		require.NoError(t, err)
		done <- resp
	}()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.pending["convo-2"]
		return ok
	}, time.Second, 10*time.Millisecond)

	delivered := s.Deliver(types.Message{ConversationID: "convo-2", Content: "all good"})
	assert.True(t, delivered)

	select {
	case resp := <-done:
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var body map[string]types.Message
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "all good", body["message"].Content)
	case <-time.After(2 * time.Second):
		t.Fatal("requestReply never returned")
	}
}

func TestHandleRequestReply_TimesOutWithoutDeliver(t *testing.T) {
	s := startBridge(t, &fakeLink{conversationID: "convo-3"})

	resp, err := http.Post(fmt.Sprintf("http://%s/requestReply", s.Addr()), "application/json",
		bytes.NewBufferString(`{"targetAgentName":"agent-b","content":"status?","timeoutSec":1}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	s.mu.Lock()
	_, stillPending := s.pending["convo-3"]
	s.mu.Unlock()
	assert.False(t, stillPending)
}

func TestHandleGetRoomMessagesAndListMembers(t *testing.T) {
	link := &fakeLink{
		messages: []types.Message{{ID: "m1"}},
		members:  []types.Member{{ID: "agent-b", Name: "agent-b"}},
	}
	s := startBridge(t, link)

	resp, err := http.Get(fmt.Sprintf("http://%s/getRoomMessages?limit=5", s.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(fmt.Sprintf("http://%s/listRoomMembers", s.Addr()))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}
