package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AgentLimiter enforces the per-agent routing rate limit from spec.md
// §5/example 6: within AGENT_RATE_LIMIT_WINDOW, at most
// AGENT_RATE_LIMIT_MAX agent-to-agent mentions are dispatched to a
// given target agent; the rest are persisted as messages but produce
// no dispatch. This is a steady-state token bucket per target agent,
// not a connection-shaped HTTP/WS limit, so it doesn't fit the
// ulule/limiter windowed-counter model used by ConnectionLimiter.
type AgentLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	window   time.Duration
	maxBurst int
}

// NewAgentLimiter builds an AgentLimiter allowing maxPerWindow dispatches
// to any single agent per window.
func NewAgentLimiter(window time.Duration, maxPerWindow int) *AgentLimiter {
	return &AgentLimiter{
		buckets:  make(map[string]*rate.Limiter),
		window:   window,
		maxBurst: maxPerWindow,
	}
}

// Allow reports whether a dispatch to targetAgentID is within its
// current rate budget, consuming one token if so.
func (a *AgentLimiter) Allow(targetAgentID string) bool {
	return a.bucketFor(targetAgentID).Allow()
}

func (a *AgentLimiter) bucketFor(targetAgentID string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()

	if b, ok := a.buckets[targetAgentID]; ok {
		return b
	}

	// Refill the full budget once per window; burst equals the window's
	// max so the first maxPerWindow dispatches in a fresh window all succeed.
	refillRate := rate.Every(a.window / time.Duration(max(a.maxBurst, 1)))
	b := rate.NewLimiter(refillRate, a.maxBurst)
	a.buckets[targetAgentID] = b
	return b
}

// Forget drops a target agent's bucket, e.g. once it disconnects, so
// long-lived brokers don't accumulate unbounded per-agent state.
func (a *AgentLimiter) Forget(targetAgentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.buckets, targetAgentID)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
