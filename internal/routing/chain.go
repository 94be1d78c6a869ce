package routing

import (
	"sync"
	"time"

	"github.com/NoPKT/agentim/internal/types"
)

// DefaultMaxChainDepth is the fallback maxChainDepth (spec.md §4.2).
const DefaultMaxChainDepth = 5

// DefaultChainIdleTTL matches spec.md §3's "expires by TTL when idle"
// lifecycle for a Conversation Chain.
const DefaultChainIdleTTL = 30 * time.Minute

type chainState struct {
	visited    map[string]struct{}
	depth      int
	lastActive time.Time
}

// ChainTracker holds the routing engine's conversation-chain bookkeeping:
// the visited-agent set per conversationId (cycle guard) and current
// depth (relay-count guard), swept on an idle TTL.
type ChainTracker struct {
	mu       sync.Mutex
	chains   map[types.ConversationIDType]*chainState
	maxDepth int
	idleTTL  time.Duration
}

func NewChainTracker(maxDepth int, idleTTL time.Duration) *ChainTracker {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxChainDepth
	}
	if idleTTL <= 0 {
		idleTTL = DefaultChainIdleTTL
	}
	return &ChainTracker{
		chains:   make(map[types.ConversationIDType]*chainState),
		maxDepth: maxDepth,
		idleTTL:  idleTTL,
	}
}

// StartChain allocates a fresh conversation chain at depth 0, as happens
// on the first user→agent dispatch (spec.md §3).
func (t *ChainTracker) StartChain(conversationID types.ConversationIDType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chains[conversationID] = &chainState{
		visited:    make(map[string]struct{}),
		depth:      0,
		lastActive: time.Now(),
	}
}

// ChainDecision is the verdict for relaying to one candidate target agent.
type ChainDecision struct {
	Allowed      bool
	NextDepth    int
	SuppressedBy string // "depth" | "cycle" | "" when Allowed
}

// Evaluate decides whether a relay to targetAgentID is allowed within
// conversationID at the sender's current depth, without mutating state.
// Callers must call Commit after the relay actually dispatches, so a
// message that's persisted-but-not-dispatched (rate limited) doesn't
// advance the chain's visited set.
func (t *ChainTracker) Evaluate(conversationID types.ConversationIDType, senderDepth int, targetAgentID string) ChainDecision {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.chains[conversationID]
	if !ok {
		// Unknown chain (e.g. tracker restarted): treat as fresh at the
		// sender's reported depth rather than refusing outright.
		st = &chainState{visited: make(map[string]struct{}), depth: senderDepth, lastActive: time.Now()}
		t.chains[conversationID] = st
	}

	nextDepth := senderDepth + 1
	if nextDepth >= t.maxDepth {
		return ChainDecision{Allowed: false, NextDepth: nextDepth, SuppressedBy: "depth"}
	}
	if _, seen := st.visited[targetAgentID]; seen {
		return ChainDecision{Allowed: false, NextDepth: nextDepth, SuppressedBy: "cycle"}
	}
	return ChainDecision{Allowed: true, NextDepth: nextDepth}
}

// Commit records targetAgentID as visited for conversationID after an
// allowed relay actually dispatches.
func (t *ChainTracker) Commit(conversationID types.ConversationIDType, targetAgentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.chains[conversationID]
	if !ok {
		st = &chainState{visited: make(map[string]struct{})}
		t.chains[conversationID] = st
	}
	st.visited[targetAgentID] = struct{}{}
	st.lastActive = time.Now()
}

// Sweep evicts chains idle past the configured TTL.
func (t *ChainTracker) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-t.idleTTL)
	for id, st := range t.chains {
		if st.lastActive.Before(cutoff) {
			delete(t.chains, id)
		}
	}
}
