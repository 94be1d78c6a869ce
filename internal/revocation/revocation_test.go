package revocation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/NoPKT/agentim/internal/bus"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RevokeThenIsRevoked(t *testing.T) {
	r := NewRegistry("secret", nil, nil)

	issuedAt := time.Now().Add(-time.Hour)
	assert.False(t, r.IsRevoked(context.Background(), "user-1", issuedAt))

	require.NoError(t, r.Revoke(context.Background(), "user-1", time.Now()))
	assert.True(t, r.IsRevoked(context.Background(), "user-1", issuedAt))
}

func TestRegistry_TokenIssuedAfterRevocationIsNotRevoked(t *testing.T) {
	r := NewRegistry("secret", nil, nil)

	revokedAt := time.Now()
	require.NoError(t, r.Revoke(context.Background(), "user-1", revokedAt))

	issuedAfter := revokedAt.Add(time.Minute)
	assert.False(t, r.IsRevoked(context.Background(), "user-1", issuedAfter))
}

func TestRegistry_StoreNeverMovesRevocationTimeBackwards(t *testing.T) {
	r := NewRegistry("secret", nil, nil)

	later := time.Now()
	earlier := later.Add(-time.Hour)

	r.store("user-1", later)
	r.store("user-1", earlier)

	assert.True(t, r.entries["user-1"].Equal(later), "an older revocation time must not override a newer one")
}

func TestRegistry_SweepDropsEntriesOlderThanMaxAge(t *testing.T) {
	r := NewRegistry("secret", nil, nil)

	r.store("stale-user", time.Now().Add(-2*time.Hour))
	r.store("fresh-user", time.Now())

	r.Sweep(context.Background(), time.Hour)

	r.mu.RLock()
	_, staleStillThere := r.entries["stale-user"]
	_, freshStillThere := r.entries["fresh-user"]
	r.mu.RUnlock()

	assert.False(t, staleStillThere)
	assert.True(t, freshStillThere)
}

func TestRegistry_SignAndVerifyRoundTrip(t *testing.T) {
	r := NewRegistry("secret", nil, nil)
	at := time.Now()

	sig := r.sign("user-1", at)
	evt := revocationEvent{UserID: "user-1", RevokedAt: at.UnixMilli(), Signature: sig}
	assert.True(t, r.verify(evt))
}

func TestRegistry_VerifyRejectsTamperedSignature(t *testing.T) {
	r := NewRegistry("secret", nil, nil)
	at := time.Now()

	evt := revocationEvent{UserID: "user-1", RevokedAt: at.UnixMilli(), Signature: "not-a-real-signature"}
	assert.False(t, r.verify(evt))
}

func TestRegistry_HandleEventRejectsInvalidSignature(t *testing.T) {
	rA := NewRegistry("secret-a", nil, nil)
	rB := NewRegistry("secret-b", nil, nil)

	at := time.Now()
	evt := revocationEvent{UserID: "user-1", RevokedAt: at.UnixMilli(), Signature: rA.sign("user-1", at)}

	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	rB.handleEvent(raw)

	assert.False(t, rB.IsRevoked(context.Background(), "user-1", at.Add(-time.Minute)),
		"an event signed with a different secret must be rejected")
}

// TestRegistry_PropagatesRevocationAcrossPeersViaPubSub exercises the
// layered lookup's real propagation path (spec.md §4.9): a Revoke on one
// broker process reaches a second process sharing the same Redis channel,
// not just the same in-memory map.
func TestRegistry_PropagatesRevocationAcrossPeersViaPubSub(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	busA, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	defer func() { _ = busA.Close() }()
	busB, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	defer func() { _ = busB.Close() }()

	rA := NewRegistry("shared-secret", busA, nil)
	rB := NewRegistry("shared-secret", busB, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rA.Start(ctx))
	require.NoError(t, rB.Start(ctx))

	time.Sleep(50 * time.Millisecond)

	issuedAt := time.Now().Add(-time.Hour)
	require.NoError(t, rA.Revoke(ctx, "user-1", time.Now()))

	require.Eventually(t, func() bool {
		return rB.IsRevoked(ctx, "user-1", issuedAt)
	}, time.Second, 10*time.Millisecond, "peer registry should observe the revocation via pub/sub")
}
