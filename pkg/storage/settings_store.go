package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"time"
)

// SettingsRow is one persisted settings key's last-known-good value.
type SettingsRow struct {
	Key       string
	Value     string // plaintext; decrypted by the store if Sensitive
	Sensitive bool
	UpdatedAt time.Time
}

// SettingsStore implements internal/settings.Store against the sqlite
// settings table, encrypting sensitive values at rest with AES-256-GCM.
// Grounded on the pack's goclaw MCP-server credential store
// (internal/store/pg/mcp_servers.go), which encrypts API keys before
// persisting and decrypts on read; the cipher itself is stdlib
// crypto/aes/cipher since no concrete Encrypt/Decrypt helper was
// available in the retrieved pack to ground the primitive on directly.
type SettingsStore struct {
	db  *DB
	gcm cipher.AEAD
}

// NewSettingsStore builds a SettingsStore. encryptionKey must be exactly
// 32 bytes (AES-256); pass nil to disable at-rest encryption (sensitive
// values are then stored in plaintext - acceptable only in development).
func NewSettingsStore(db *DB, encryptionKey []byte) (*SettingsStore, error) {
	s := &SettingsStore{db: db}
	if len(encryptionKey) == 0 {
		return s, nil
	}
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("storage: settings encryption key must be 32 bytes, got %d", len(encryptionKey))
	}
	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to build AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to build GCM mode: %w", err)
	}
	s.gcm = gcm
	return s, nil
}

// Get returns the last-known-good row for key, or (SettingsRow{}, false)
// if never persisted.
func (s *SettingsStore) Get(ctx context.Context, key string) (SettingsRow, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value, sensitive, updated_at FROM settings WHERE key = ?`, key)

	var value string
	var sensitive bool
	var updatedAtMs int64
	if err := row.Scan(&value, &sensitive, &updatedAtMs); err != nil {
		return SettingsRow{}, false, nil
	}

	if sensitive {
		plain, err := s.decrypt(value)
		if err != nil {
			return SettingsRow{}, false, err
		}
		value = plain
	}

	return SettingsRow{Key: key, Value: value, Sensitive: sensitive, UpdatedAt: time.UnixMilli(updatedAtMs)}, true, nil
}

// Upsert writes key's value, encrypting it at rest when sensitive is true.
func (s *SettingsStore) Upsert(ctx context.Context, key, value string, sensitive bool) error {
	stored := value
	if sensitive {
		ciphertext, err := s.encrypt(value)
		if err != nil {
			return err
		}
		stored = ciphertext
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, sensitive, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, sensitive = excluded.sensitive, updated_at = excluded.updated_at
	`, key, stored, sensitive, time.Now().UnixMilli())
	return err
}

func (s *SettingsStore) encrypt(plaintext string) (string, error) {
	if s.gcm == nil {
		return plaintext, nil
	}
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("storage: failed to generate nonce: %w", err)
	}
	sealed := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *SettingsStore) decrypt(encoded string) (string, error) {
	if s.gcm == nil {
		return encoded, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("storage: malformed ciphertext: %w", err)
	}
	nonceSize := s.gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("storage: ciphertext too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plain, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("storage: decryption failed: %w", err)
	}
	return string(plain), nil
}
