package permission

import (
	"context"
	"testing"
	"time"

	"github.com/NoPKT/agentim/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu        chan struct{}
	reminders []types.PermissionRequest
	resolved  []types.PermissionDecision
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{mu: make(chan struct{}, 16)}
}

func (f *fakeNotifier) NotifyReminder(req types.PermissionRequest) {
	f.reminders = append(f.reminders, req)
	f.mu <- struct{}{}
}

func (f *fakeNotifier) NotifyResolved(req types.PermissionRequest, decision types.PermissionDecision, reason string) {
	f.resolved = append(f.resolved, decision)
	f.mu <- struct{}{}
}

func TestRegistry_ResolveAllow(t *testing.T) {
	notifier := newFakeNotifier()
	reg := NewRegistry(notifier)

	ch := reg.Request(types.PermissionRequest{ID: "req-1"}, time.Minute)
	assert.True(t, reg.Pending("req-1"))

	reg.Resolve(context.Background(), "req-1", types.PermissionAllow)

	select {
	case decision := <-ch:
		assert.Equal(t, types.PermissionAllow, decision)
	case <-time.After(time.Second):
		t.Fatal("expected a decision on the result channel")
	}
	assert.False(t, reg.Pending("req-1"))
}

func TestRegistry_DoubleResolveIsNoOp(t *testing.T) {
	reg := NewRegistry(nil)

	ch := reg.Request(types.PermissionRequest{ID: "req-2"}, time.Minute)
	reg.Resolve(context.Background(), "req-2", types.PermissionAllow)
	reg.Resolve(context.Background(), "req-2", types.PermissionDeny)

	decision := <-ch
	assert.Equal(t, types.PermissionAllow, decision)
}

func TestRegistry_TimeoutResolvesDeny(t *testing.T) {
	reg := NewRegistry(nil)

	ch := reg.Request(types.PermissionRequest{ID: "req-3"}, 20*time.Millisecond)

	select {
	case decision := <-ch:
		assert.Equal(t, types.PermissionDeny, decision)
	case <-time.After(time.Second):
		t.Fatal("expected timeout to resolve as deny")
	}
	assert.False(t, reg.Pending("req-3"))
}

func TestRegistry_CancelResolvesEveryPendingAsDeny(t *testing.T) {
	reg := NewRegistry(nil)

	ch1 := reg.Request(types.PermissionRequest{ID: "req-4"}, time.Minute)
	ch2 := reg.Request(types.PermissionRequest{ID: "req-5"}, time.Minute)

	reg.Cancel()

	d1 := <-ch1
	d2 := <-ch2
	assert.Equal(t, types.PermissionDeny, d1)
	assert.Equal(t, types.PermissionDeny, d2)
	assert.False(t, reg.Pending("req-4"))
	assert.False(t, reg.Pending("req-5"))
}

func TestRegistry_ReminderFiresBeforeTimeout(t *testing.T) {
	notifier := newFakeNotifier()
	reg := NewRegistry(notifier)

	reg.Request(types.PermissionRequest{ID: "req-6"}, 40*time.Millisecond)

	select {
	case <-notifier.mu:
		require.Len(t, notifier.reminders, 1)
		assert.Equal(t, "req-6", notifier.reminders[0].ID)
	case <-time.After(time.Second):
		t.Fatal("expected a reminder notification")
	}

	reg.Resolve(context.Background(), "req-6", types.PermissionAllow)
	<-notifier.mu
}
