package room

import (
	"sync"
	"testing"
	"time"

	"github.com/NoPKT/agentim/internal/types"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestRoom_RemoveMember_OnEmptyGoroutineCompletes confirms the async
// onEmpty callback RemoveMember spawns when the room goes empty actually
// returns, rather than leaking past the calling test.
func TestRoom_RemoveMember_OnEmptyGoroutineCompletes(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	var gotID types.RoomIDType
	var mu sync.Mutex

	r := New("room-1", "room-1", false, "", func(id types.RoomIDType) {
		mu.Lock()
		gotID = id
		mu.Unlock()
		wg.Done()
	})

	r.AddMember(types.Member{ID: "agent-a", Name: "agent-a"})
	empty := r.RemoveMember("agent-a")
	assert.True(t, empty)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onEmpty callback never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, types.RoomIDType("room-1"), gotID)
}
