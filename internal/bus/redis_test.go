package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)

	return svc, mr
}

func TestNewService(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	assert.NotNil(t, svc.Client())
	assert.NoError(t, svc.Ping(context.Background()))
}

func TestPublishSubscribe(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 1)
	require.NoError(t, svc.Subscribe(ctx, "revocations", func(payload []byte) {
		received <- string(payload)
	}))

	time.Sleep(50 * time.Millisecond)

	require.NoError(t, svc.Publish(ctx, "revocations", map[string]string{"tokenId": "t1"}))

	select {
	case payload := <-received:
		assert.Contains(t, payload, "t1")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

// TestPublish_CircuitBreakerOpen exercises the graceful-degradation path
// (spec.md §4.9): a dead Redis must drop publishes, not panic or block the
// caller.
func TestPublish_CircuitBreakerOpen(t *testing.T) {
	svc, mr := newTestService(t)
	defer func() { _ = svc.Close() }()

	mr.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_ = svc.Publish(ctx, "revocations", map[string]string{"tokenId": "t1"})
	}

	err := svc.Publish(ctx, "revocations", map[string]string{"tokenId": "t1"})
	assert.NoError(t, err, "publish degrades gracefully once the circuit breaker opens")
}

// TestNilService_IsSingleInstanceNoop mirrors the teacher's "no Redis
// configured" mode: every method on a nil *Service must be a safe no-op so
// callers never need to branch on whether a bus is wired.
func TestNilService_IsSingleInstanceNoop(t *testing.T) {
	var svc *Service
	assert.Nil(t, svc.Client())
	assert.NoError(t, svc.Ping(context.Background()))
	assert.NoError(t, svc.Publish(context.Background(), "x", "y"))
	assert.NoError(t, svc.Subscribe(context.Background(), "x", func([]byte) {}))
	assert.NoError(t, svc.Close())
}
