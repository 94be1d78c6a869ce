package storage

import (
	"context"
	"time"
)

// RevocationStore implements internal/revocation.DBStore against the
// sqlite revocations table.
type RevocationStore struct {
	db *DB
}

// NewRevocationStore wraps db as a revocation.DBStore.
func NewRevocationStore(db *DB) *RevocationStore {
	return &RevocationStore{db: db}
}

// LoadRevocations returns every persisted userId -> revokedAt entry.
func (s *RevocationStore) LoadRevocations(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, revoked_at FROM revocations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var userID string
		var revokedAtMs int64
		if err := rows.Scan(&userID, &revokedAtMs); err != nil {
			return nil, err
		}
		out[userID] = time.UnixMilli(revokedAtMs)
	}
	return out, rows.Err()
}

// SaveRevocation upserts one user's revocation time.
func (s *RevocationStore) SaveRevocation(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revocations (user_id, revoked_at) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET revoked_at = excluded.revoked_at
		WHERE excluded.revoked_at > revocations.revoked_at
	`, userID, at.UnixMilli())
	return err
}

// CleanupExpired deletes revocation rows older than olderThan.
func (s *RevocationStore) CleanupExpired(ctx context.Context, olderThan time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM revocations WHERE revoked_at < ?`, olderThan.UnixMilli())
	return err
}
