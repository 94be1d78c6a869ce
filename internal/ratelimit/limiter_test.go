package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/NoPKT/agentim/internal/config"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnectionLimiter(t *testing.T, max int) (*ConnectionLimiter, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{
		ClientRateLimitWindow: time.Minute,
		ClientRateLimitMax:    max,
	}

	l, err := NewConnectionLimiter(cfg, rc)
	require.NoError(t, err)

	return l, mr
}

func TestConnectionLimiter_RedisBacked_AllowsUpToMax(t *testing.T) {
	l, mr := newTestConnectionLimiter(t, 2)
	defer mr.Close()

	ctx := context.Background()
	assert.True(t, l.AllowClient(ctx, "user-1"))
	assert.True(t, l.AllowClient(ctx, "user-1"))
	assert.False(t, l.AllowClient(ctx, "user-1"), "3rd request should exceed the window budget")
}

func TestConnectionLimiter_GatewaySurfaceHasHigherCeiling(t *testing.T) {
	l, mr := newTestConnectionLimiter(t, 1)
	defer mr.Close()

	ctx := context.Background()
	assert.True(t, l.AllowClient(ctx, "gw-1"), "one client request fits the client ceiling of 1 and uses none of the gateway budget")

	for i := 0; i < 10; i++ {
		assert.True(t, l.AllowGateway(ctx, "gw-1"), "gateway surface gets 10x the client ceiling")
	}
	assert.False(t, l.AllowGateway(ctx, "gw-1"))
}

// TestConnectionLimiter_FailsOpenOnStoreError exercises spec.md's
// availability-over-enforcement behavior (see allow's doc comment): once
// Redis is gone the limiter must let traffic through rather than blocking
// every connection.
func TestConnectionLimiter_FailsOpenOnStoreError(t *testing.T) {
	l, mr := newTestConnectionLimiter(t, 1)

	mr.Close()

	ctx := context.Background()
	assert.True(t, l.AllowClient(ctx, "user-1"), "a dead rate-limit store must fail open")
}

func TestMemoryStore_WhenNoRedisConfigured(t *testing.T) {
	cfg := &config.Config{ClientRateLimitWindow: time.Minute, ClientRateLimitMax: 1}
	l, err := NewConnectionLimiter(cfg, nil)
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, l.AllowClient(ctx, "user-1"))
	assert.False(t, l.AllowClient(ctx, "user-1"))
}
