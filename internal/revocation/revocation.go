// Package revocation implements the layered token-revocation lookup of
// spec.md §4.9: an in-memory map checked first, a Redis pub/sub channel
// (HMAC-signed) keeping peer processes in sync, and a persistent DB
// table consulted only when pub/sub is unconfigured. Reads fail open;
// writes fail closed.
package revocation

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/NoPKT/agentim/internal/bus"
	"github.com/NoPKT/agentim/internal/logging"
	"github.com/NoPKT/agentim/internal/metrics"
	"go.uber.org/zap"
)

// MaxMemoryRevocations bounds the in-memory map (spec.md §4.9).
const MaxMemoryRevocations = 10000

// DBStore is the persistent fallback collaborator (out of scope per
// spec.md §1; narrowed to exactly what revocation needs).
type DBStore interface {
	LoadRevocations(ctx context.Context) (map[string]time.Time, error)
	SaveRevocation(ctx context.Context, userID string, at time.Time) error
	CleanupExpired(ctx context.Context, olderThan time.Time) error
}

type revocationEvent struct {
	UserID    string `json:"userId"`
	RevokedAt int64  `json:"revokedAtMs"`
	Signature string `json:"sig"`
}

// Registry implements types.RevocationChecker.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]time.Time

	secret []byte
	bus    *bus.Service
	db     DBStore

	pubsubEverSucceeded bool
	channel             string
}

// NewRegistry builds a Registry. bus and db may both be nil; jwtSecret is
// used as the HMAC key for signing/verifying pub/sub revocation events.
func NewRegistry(jwtSecret string, busService *bus.Service, db DBStore) *Registry {
	return &Registry{
		entries: make(map[string]time.Time),
		secret:  []byte(jwtSecret),
		bus:     busService,
		db:      db,
		channel: "agentim:revocation",
	}
}

// Start subscribes to the pub/sub channel, if a bus is configured, and
// loads the persistent fallback table for cold start.
func (r *Registry) Start(ctx context.Context) error {
	if r.db != nil {
		if loaded, err := r.db.LoadRevocations(ctx); err == nil {
			r.mu.Lock()
			for u, t := range loaded {
				r.entries[u] = t
			}
			r.mu.Unlock()
		} else {
			logging.Warn(ctx, "revocation: failed to load persisted table", zap.Error(err))
		}
	}

	if r.bus != nil {
		err := r.bus.Subscribe(ctx, r.channel, r.handleEvent)
		if err != nil {
			logging.Warn(ctx, "revocation: pub/sub subscribe failed, falling back to DB layer", zap.Error(err))
			return nil
		}
		r.mu.Lock()
		r.pubsubEverSucceeded = true
		r.mu.Unlock()
	}
	return nil
}

func (r *Registry) handleEvent(raw []byte) {
	var evt revocationEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return
	}
	if !r.verify(evt) {
		logging.Warn(context.Background(), "revocation: rejected event with invalid signature", zap.String("user_id", evt.UserID))
		return
	}
	r.store(evt.UserID, time.UnixMilli(evt.RevokedAt))
}

func (r *Registry) sign(userID string, at time.Time) string {
	mac := hmac.New(sha256.New, r.secret)
	mac.Write([]byte(userID))
	mac.Write([]byte{0})
	// Sign the millisecond timestamp the event carries on the wire, and
	// hex-encode the MAC so it survives the JSON round trip.
	mac.Write([]byte(time.UnixMilli(at.UnixMilli()).UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (r *Registry) verify(evt revocationEvent) bool {
	expected := r.sign(evt.UserID, time.UnixMilli(evt.RevokedAt))
	return hmac.Equal([]byte(expected), []byte(evt.Signature))
}

func (r *Registry) store(userID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[userID]; ok && existing.After(at) {
		return // never move revocation time backwards
	}

	if len(r.entries) >= MaxMemoryRevocations {
		r.evictOldestLocked()
	}
	r.entries[userID] = at
}

// evictOldestLocked drops the single oldest entry. Caller must hold r.mu.
func (r *Registry) evictOldestLocked() {
	var oldestUser string
	var oldestAt time.Time
	first := true
	for u, t := range r.entries {
		if first || t.Before(oldestAt) {
			oldestUser, oldestAt, first = u, t, false
		}
	}
	if !first {
		delete(r.entries, oldestUser)
	}
}

// Revoke records a revocation for userID at the given time, broadcasts
// it over pub/sub (if configured) and persists it to the DB fallback
// (if configured). Writes fail closed: any broadcast/persist error is
// returned even though the in-memory entry is already applied.
func (r *Registry) Revoke(ctx context.Context, userID string, at time.Time) error {
	r.store(userID, at)

	if r.bus != nil {
		evt := revocationEvent{
			UserID:    userID,
			RevokedAt: at.UnixMilli(),
			Signature: r.sign(userID, at),
		}
		if err := r.bus.Publish(ctx, r.channel, evt); err != nil {
			return err
		}
	}

	if r.db != nil {
		if err := r.db.SaveRevocation(ctx, userID, at); err != nil {
			return err
		}
	}
	return nil
}

// IsRevoked answers whether a token for userID issued at issuedAt has
// since been revoked. Memory is checked first (fast path); if pub/sub
// was never configured successfully, the DB fallback is consulted on
// miss. If pub/sub was configured and previously succeeded but is
// currently degraded, reads fail open (spec.md §4.9): bounded exposure
// is acceptable given the short access-token TTL.
func (r *Registry) IsRevoked(ctx context.Context, userID string, issuedAt time.Time) bool {
	r.mu.RLock()
	revokedAt, ok := r.entries[userID]
	pubsubConfigured := r.pubsubEverSucceeded
	r.mu.RUnlock()

	if ok {
		revoked := issuedAt.Before(revokedAt)
		metrics.RevocationChecksTotal.WithLabelValues("memory", resultLabel(revoked)).Inc()
		return revoked
	}

	if !pubsubConfigured && r.db != nil {
		loaded, err := r.db.LoadRevocations(ctx)
		if err == nil {
			if t, ok := loaded[userID]; ok {
				r.store(userID, t)
				revoked := issuedAt.Before(t)
				metrics.RevocationChecksTotal.WithLabelValues("db", resultLabel(revoked)).Inc()
				return revoked
			}
		}
	}

	metrics.RevocationChecksTotal.WithLabelValues("miss", "allow").Inc()
	return false
}

func resultLabel(revoked bool) string {
	if revoked {
		return "revoked"
	}
	return "allow"
}

// Sweep drops entries whose revocation time is older than maxAge, and
// asks the DB fallback to do the same. cmd/server's cron sweep loop
// runs it every 10 minutes.
func (r *Registry) Sweep(ctx context.Context, maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	for u, t := range r.entries {
		if t.Before(cutoff) {
			delete(r.entries, u)
		}
	}
	r.mu.Unlock()

	if r.db != nil {
		if err := r.db.CleanupExpired(ctx, cutoff); err != nil {
			logging.Warn(ctx, "revocation: DB cleanup failed", zap.Error(err))
		}
	}
}
