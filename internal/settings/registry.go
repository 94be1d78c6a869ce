// Package settings implements the Settings Registry (spec.md §4.11):
// typed, validated configuration keys read through a cache -> last-known
// -DB -> env -> default chain, written with range/membership validation
// and encrypt-at-rest for sensitive values, with the file-backed
// override optionally hot-reloaded.
package settings

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/NoPKT/agentim/internal/logging"
	"github.com/NoPKT/agentim/internal/types"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// cacheTTL is how long a read may be served from cache before the
// store is consulted again. The last-known-DB layer survives TTL
// expiry on its own, so an admin change is never silently dropped by a
// stale cache (spec.md §4.11).
const cacheTTL = 5 * time.Second

// Store is the persistence collaborator backing the registry's
// last-known-DB layer.
type Store interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Upsert(ctx context.Context, key, value string, sensitive bool) error
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// Registry is the typed settings reader/writer (spec.md §4.11).
type Registry struct {
	defs  map[string]types.SettingDefinition
	store Store

	mu         sync.RWMutex
	cache      map[string]cacheEntry
	lastKnown  map[string]string // survives cache TTL expiry
	watcher    *fsnotify.Watcher
	overridePath string
	stopCh     chan struct{}
}

var _ types.SettingsReader = (*Registry)(nil)

// NewRegistry builds a Registry from its definitions and persistence
// store. store may be nil (cache/env/default-only operation, useful in
// tests).
func NewRegistry(defs []types.SettingDefinition, store Store) *Registry {
	byKey := make(map[string]types.SettingDefinition, len(defs))
	for _, d := range defs {
		byKey[d.Key] = d
	}
	return &Registry{
		defs:      byKey,
		store:     store,
		cache:     make(map[string]cacheEntry),
		lastKnown: make(map[string]string),
	}
}

// WatchOverrideFile hot-reloads a JSON override file into the registry's
// last-known layer whenever it changes on disk. Adapted from the pack's
// loom pattern-library hot-reloader (pkg/patterns/hotreload.go): a
// single fsnotify.Watcher on one path, driven from its own goroutine,
// torn down via a stop channel rather than a context (the registry
// outlives any single request context).
func (r *Registry) WatchOverrideFile(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings: failed to create file watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("settings: failed to watch override file: %w", err)
	}

	r.mu.Lock()
	r.watcher = watcher
	r.overridePath = path
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.reloadOverrideFile()
	go r.watchLoop()
	return nil
}

func (r *Registry) watchLoop() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				r.reloadOverrideFile()
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn(context.Background(), "settings override watcher error", zap.Error(err))
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) reloadOverrideFile() {
	data, err := os.ReadFile(r.overridePath)
	if err != nil {
		logging.Warn(context.Background(), "settings: failed to read override file", zap.Error(err))
		return
	}

	overrides, err := parseOverrideFile(data)
	if err != nil {
		logging.Warn(context.Background(), "settings: malformed override file, ignoring", zap.Error(err))
		return
	}

	r.mu.Lock()
	for k, v := range overrides {
		r.lastKnown[k] = v
		delete(r.cache, k)
	}
	r.mu.Unlock()
	logging.Info(context.Background(), "settings: reloaded override file", zap.Int("keys", len(overrides)))
}

// StopWatching tears down the override-file watcher, if started.
func (r *Registry) StopWatching() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher != nil {
		close(r.stopCh)
		r.watcher.Close()
		r.watcher = nil
	}
}

// get resolves key through cache -> last-known-DB -> env -> default.
func (r *Registry) get(ctx context.Context, key string) (string, error) {
	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && time.Now().Before(entry.expiresAt) {
		r.mu.RUnlock()
		return entry.value, nil
	}
	r.mu.RUnlock()

	def, ok := r.defs[key]
	if !ok {
		return "", fmt.Errorf("settings: unknown key %q", key)
	}

	if r.store != nil {
		if value, found, err := r.store.Get(ctx, key); err == nil && found {
			r.setCache(key, value)
			return value, nil
		}
	}

	r.mu.RLock()
	if value, ok := r.lastKnown[key]; ok {
		r.mu.RUnlock()
		r.setCache(key, value)
		return value, nil
	}
	r.mu.RUnlock()

	if def.EnvKey != "" {
		if value, ok := os.LookupEnv(def.EnvKey); ok {
			r.setCache(key, value)
			return value, nil
		}
	}

	return def.DefaultValue, nil
}

func (r *Registry) setCache(key, value string) {
	r.mu.Lock()
	r.cache[key] = cacheEntry{value: value, expiresAt: time.Now().Add(cacheTTL)}
	r.lastKnown[key] = value
	r.mu.Unlock()
}

// GetString implements types.SettingsReader.
func (r *Registry) GetString(ctx context.Context, key string) (string, error) {
	return r.get(ctx, key)
}

// GetInt implements types.SettingsReader.
func (r *Registry) GetInt(ctx context.Context, key string) (int64, error) {
	v, err := r.get(ctx, key)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// GetBool implements types.SettingsReader.
func (r *Registry) GetBool(ctx context.Context, key string) (bool, error) {
	v, err := r.get(ctx, key)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(v)
}

// Set validates and persists a new value for key, per spec.md §4.11:
// range-checked for numbers, membership-checked for enums, and
// cors.origin rejects the literal wildcard "*".
func (r *Registry) Set(ctx context.Context, key, value string) error {
	def, ok := r.defs[key]
	if !ok {
		return fmt.Errorf("settings: unknown key %q", key)
	}
	if err := validate(def, value); err != nil {
		return err
	}

	if r.store != nil {
		if err := r.store.Upsert(ctx, key, value, def.Sensitive); err != nil {
			return fmt.Errorf("settings: failed to persist %q: %w", key, err)
		}
	}
	r.setCache(key, value)
	return nil
}

func validate(def types.SettingDefinition, value string) error {
	switch def.Type {
	case types.SettingNumber:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("settings: %q must be numeric", def.Key)
		}
		if def.Min != nil && n < *def.Min {
			return fmt.Errorf("settings: %q must be >= %v", def.Key, *def.Min)
		}
		if def.Max != nil && n > *def.Max {
			return fmt.Errorf("settings: %q must be <= %v", def.Key, *def.Max)
		}
	case types.SettingBoolean:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("settings: %q must be a boolean", def.Key)
		}
	case types.SettingEnum:
		if !containsString(def.EnumValues, value) {
			return fmt.Errorf("settings: %q must be one of %v", def.Key, def.EnumValues)
		}
	}

	if def.Key == "cors.origin" && value == "*" {
		return fmt.Errorf("settings: cors.origin may not be the wildcard \"*\"")
	}
	return nil
}

func containsString(values []string, v string) bool {
	for _, c := range values {
		if c == v {
			return true
		}
	}
	return false
}
