// Package ratelimit enforces the two distinct rate limits spec.md
// calls for: client/gateway WebSocket connection and message limits
// (windowed, keyed by user or IP) and the agent-to-agent routing rate
// limit (a steady-state token bucket per target agent, not a
// connection-shaped limit at all).
package ratelimit

import (
	"context"
	"fmt"

	"github.com/NoPKT/agentim/internal/config"
	"github.com/NoPKT/agentim/internal/logging"
	"github.com/NoPKT/agentim/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// ConnectionLimiter enforces windowed limits on client/gateway socket
// traffic, backed by Redis when available so limits hold across
// broker restarts and (eventually) multiple broker instances, falling
// back to an in-process memory store otherwise.
type ConnectionLimiter struct {
	clientLimiter  *limiter.Limiter
	gatewayLimiter *limiter.Limiter
}

// NewConnectionLimiter builds windowed limiters from cfg, using redisClient
// if non-nil.
func NewConnectionLimiter(cfg *config.Config, redisClient *redis.Client) (*ConnectionLimiter, error) {
	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "agentim:ratelimit:"})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis rate limit store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using in-process memory store (no redis configured)")
	}

	clientRate := limiter.Rate{Period: cfg.ClientRateLimitWindow, Limit: int64(cfg.ClientRateLimitMax)}
	// Gateway connections carry far more traffic (agent turn chunks); give
	// them headroom by reusing the same window at a higher ceiling.
	gatewayRate := limiter.Rate{Period: cfg.ClientRateLimitWindow, Limit: int64(cfg.ClientRateLimitMax) * 10}

	return &ConnectionLimiter{
		clientLimiter:  limiter.New(store, clientRate),
		gatewayLimiter: limiter.New(store, gatewayRate),
	}, nil
}

// AllowClient reports whether key (typically a user id, or an IP for
// unauthenticated handshakes) is still within the client-surface limit.
// Fails open on store errors: availability over strict enforcement.
func (c *ConnectionLimiter) AllowClient(ctx context.Context, key string) bool {
	return c.allow(ctx, c.clientLimiter, "client", key)
}

// AllowGateway reports whether key (a gateway id) is still within the
// gateway-surface limit.
func (c *ConnectionLimiter) AllowGateway(ctx context.Context, key string) bool {
	return c.allow(ctx, c.gatewayLimiter, "gateway", key)
}

func (c *ConnectionLimiter) allow(ctx context.Context, l *limiter.Limiter, surface, key string) bool {
	// Both limiters share one store; namespace the key by surface so a
	// client and a gateway with the same key keep separate budgets.
	result, err := l.Get(ctx, surface+":"+key)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed", zap.String("surface", surface), zap.Error(err))
		return true
	}
	if result.Reached {
		metrics.RateLimitExceeded.WithLabelValues(surface, "window_exceeded").Inc()
		return false
	}
	return true
}
