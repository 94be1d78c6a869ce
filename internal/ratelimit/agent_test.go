package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAgentLimiter_AllowsUpToMaxPerWindow(t *testing.T) {
	l := NewAgentLimiter(time.Minute, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("agent-a"), "dispatch %d should be within budget", i)
	}
	assert.False(t, l.Allow("agent-a"), "4th dispatch should exceed the window budget")
}

func TestAgentLimiter_TracksEachTargetIndependently(t *testing.T) {
	l := NewAgentLimiter(time.Minute, 1)

	assert.True(t, l.Allow("agent-a"))
	assert.False(t, l.Allow("agent-a"))
	assert.True(t, l.Allow("agent-b"), "a different target should have its own bucket")
}

func TestAgentLimiter_ForgetResetsBudget(t *testing.T) {
	l := NewAgentLimiter(time.Minute, 1)

	assert.True(t, l.Allow("agent-a"))
	assert.False(t, l.Allow("agent-a"))

	l.Forget("agent-a")
	assert.True(t, l.Allow("agent-a"), "forgetting a target should drop its bucket and restart its budget")
}
