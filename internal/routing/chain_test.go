package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChainTracker_AllowsFirstRelayThenBlocksCycle(t *testing.T) {
	tr := NewChainTracker(DefaultMaxChainDepth, DefaultChainIdleTTL)
	tr.StartChain("convo-1")

	d := tr.Evaluate("convo-1", 0, "agent-b")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.NextDepth)

	tr.Commit("convo-1", "agent-b")

	d2 := tr.Evaluate("convo-1", 1, "agent-b")
	assert.False(t, d2.Allowed)
	assert.Equal(t, "cycle", d2.SuppressedBy)
}

func TestChainTracker_BlocksAtMaxDepth(t *testing.T) {
	tr := NewChainTracker(2, DefaultChainIdleTTL)
	tr.StartChain("convo-2")

	d := tr.Evaluate("convo-2", 1, "agent-b")
	assert.False(t, d.Allowed)
	assert.Equal(t, "depth", d.SuppressedBy)
}

func TestChainTracker_EvaluateDoesNotMutateUntilCommit(t *testing.T) {
	tr := NewChainTracker(DefaultMaxChainDepth, DefaultChainIdleTTL)
	tr.StartChain("convo-3")

	tr.Evaluate("convo-3", 0, "agent-b")
	tr.Evaluate("convo-3", 0, "agent-b")

	d := tr.Evaluate("convo-3", 0, "agent-b")
	assert.True(t, d.Allowed, "uncommitted evaluations must not register as visited")
}

func TestChainTracker_UnknownChainTreatedAsFreshAtSenderDepth(t *testing.T) {
	tr := NewChainTracker(DefaultMaxChainDepth, DefaultChainIdleTTL)

	d := tr.Evaluate("never-started", 3, "agent-b")
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.NextDepth)
}

func TestChainTracker_SweepEvictsIdleChains(t *testing.T) {
	tr := NewChainTracker(DefaultMaxChainDepth, 10*time.Millisecond)
	tr.StartChain("convo-4")
	tr.Commit("convo-4", "agent-b")

	time.Sleep(20 * time.Millisecond)
	tr.Sweep()

	d := tr.Evaluate("convo-4", 0, "agent-b")
	assert.True(t, d.Allowed, "a swept chain should start fresh, not remember agent-b as visited")
}
