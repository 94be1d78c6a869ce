package settings

import (
	"context"

	"github.com/NoPKT/agentim/pkg/storage"
)

// StorageAdapter satisfies Store against the concrete sqlite-backed
// pkg/storage.SettingsStore, keeping internal/settings's only
// dependency on the storage package confined to this one file.
type StorageAdapter struct {
	inner *storage.SettingsStore
}

// NewStorageAdapter wraps a pkg/storage.SettingsStore as a Store.
func NewStorageAdapter(inner *storage.SettingsStore) *StorageAdapter {
	return &StorageAdapter{inner: inner}
}

func (a *StorageAdapter) Get(ctx context.Context, key string) (string, bool, error) {
	row, found, err := a.inner.Get(ctx, key)
	if err != nil || !found {
		return "", false, err
	}
	return row.Value, true, nil
}

func (a *StorageAdapter) Upsert(ctx context.Context, key, value string, sensitive bool) error {
	return a.inner.Upsert(ctx, key, value, sensitive)
}
