package transport

import (
	"context"
	"testing"
	"time"

	"github.com/NoPKT/agentim/internal/types"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestHub_RoomGracePeriod_NoGoroutineLeakAfterShutdown exercises the
// room-eviction grace-period path (room.RemoveMember's async onEmpty
// callback, scheduled via Hub.removeRoom's time.AfterFunc) to confirm
// Shutdown stopping every pending timer actually prevents a leak instead
// of just reading as prevention.
func TestHub_RoomGracePeriod_NoGoroutineLeakAfterShutdown(t *testing.T) {
	h := NewHub(nil, nil, nil, nil, nil, nil, true)
	h.cleanupGracePeriod = time.Hour

	r := h.getOrCreateRoom("room-1")
	r.AddMember(types.Member{ID: "agent-a", Name: "agent-a"})
	r.RemoveMember("agent-a")

	// onEmpty runs h.removeRoom asynchronously (room.go's `go
	// r.onEmpty(r.id)`); give it a moment to register its grace-period timer
	// before shutting the hub down.
	assert.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		_, pending := h.pendingRoomCleanups["room-1"]
		return pending
	}, time.Second, 5*time.Millisecond)

	assert.NoError(t, h.Shutdown(context.Background()))
}
