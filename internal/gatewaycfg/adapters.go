package gatewaycfg

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/NoPKT/agentim/internal/logging"
	"github.com/NoPKT/agentim/internal/types"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// AdapterSpec is one registered agent's backend configuration, the unit
// persisted in adapters.json.
type AdapterSpec struct {
	AgentID        types.AgentIDType    `json:"agentId"`
	Name           string               `json:"name"`
	Type           types.AgentType      `json:"type"`
	Command        string               `json:"command"`
	Args           []string             `json:"args,omitempty"`
	Env            map[string]string    `json:"env,omitempty"`
	WorkingDir     string               `json:"workingDir,omitempty"`
	PermissionMode types.PermissionMode `json:"permissionMode"`
	Model          string               `json:"model,omitempty"`
	ThinkingMode   string               `json:"thinkingMode,omitempty"`
	EffortLevel    string               `json:"effortLevel,omitempty"`
	MCPServerIDs   []string             `json:"mcpServerIds,omitempty"`

	// SDKAPIKeyEnv, when set, names the environment variable holding a
	// vendor API key and selects the SDK adapter (spec.md §4.4 "SDK
	// adapter") instead of spawning Command as a CLI subprocess. Command
	// and Args are ignored for an SDK-backed agent.
	SDKAPIKeyEnv string `json:"sdkApiKeyEnv,omitempty"`

	// RoomID is the room this agent is registered into. The gateway
	// binds one MCP bridge per agent (spec.md §4.8) to this room at
	// startup, so it must be known up front rather than discovered from
	// the first server:room_context push - the bridge's address has to
	// be in the adapter's environment before its first turn spawns.
	RoomID types.RoomIDType `json:"roomId"`
}

// AdaptersFile holds the gateway's registered fleet, persisted at
// <DefaultDir>/adapters.json.
type AdaptersFile struct {
	Adapters []AdapterSpec `json:"adapters"`
}

// AdapterStore is a hot-reloadable, thread-safe view of adapters.json.
// Adapted from the same loom hot-reload pattern internal/settings uses
// for its override file (single fsnotify.Watcher, stop-channel teardown).
type AdapterStore struct {
	mu      sync.RWMutex
	path    string
	byAgent map[types.AgentIDType]AdapterSpec
	order   []types.AgentIDType

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	onChange func()
}

// LoadAdapterStore reads adapters.json at path (missing file yields an
// empty store, not an error) and optionally starts a watcher.
func LoadAdapterStore(path string) (*AdapterStore, error) {
	s := &AdapterStore{path: path, byAgent: make(map[types.AgentIDType]AdapterSpec)}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AdapterStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("gatewaycfg: read adapters file: %w", err)
	}

	var file AdaptersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("gatewaycfg: parse adapters file: %w", err)
	}

	byAgent := make(map[types.AgentIDType]AdapterSpec, len(file.Adapters))
	order := make([]types.AgentIDType, 0, len(file.Adapters))
	for _, a := range file.Adapters {
		byAgent[a.AgentID] = a
		order = append(order, a.AgentID)
	}

	s.mu.Lock()
	s.byAgent = byAgent
	s.order = order
	cb := s.onChange
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
	return nil
}

// List returns every registered adapter spec, in file order.
func (s *AdapterStore) List() []AdapterSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AdapterSpec, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byAgent[id])
	}
	return out
}

// Get returns the spec for agentID, if registered.
func (s *AdapterStore) Get(agentID types.AgentIDType) (AdapterSpec, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.byAgent[agentID]
	return spec, ok
}

// Upsert adds or replaces a spec and persists the whole file.
func (s *AdapterStore) Upsert(spec AdapterSpec) error {
	s.mu.Lock()
	if _, exists := s.byAgent[spec.AgentID]; !exists {
		s.order = append(s.order, spec.AgentID)
	}
	s.byAgent[spec.AgentID] = spec
	s.mu.Unlock()
	return s.persist()
}

// Remove drops an adapter spec and persists the whole file.
func (s *AdapterStore) Remove(agentID types.AgentIDType) error {
	s.mu.Lock()
	delete(s.byAgent, agentID)
	filtered := s.order[:0:0]
	for _, id := range s.order {
		if id != agentID {
			filtered = append(filtered, id)
		}
	}
	s.order = filtered
	s.mu.Unlock()
	return s.persist()
}

func (s *AdapterStore) persist() error {
	s.mu.RLock()
	file := AdaptersFile{Adapters: make([]AdapterSpec, 0, len(s.order))}
	for _, id := range s.order {
		file.Adapters = append(file.Adapters, s.byAgent[id])
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Watch starts hot-reloading the adapters file on every Write/Create
// event, invoking onChange (if non-nil) after each successful reload -
// e.g. so the gateway can reconcile its running adapter set against an
// externally edited adapters.json.
func (s *AdapterStore) Watch(onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("gatewaycfg: failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("gatewaycfg: failed to watch adapters file: %w", err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.stopCh = make(chan struct{})
	s.onChange = onChange
	s.mu.Unlock()

	go s.watchLoop()
	return nil
}

func (s *AdapterStore) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := s.reload(); err != nil {
					logging.Warn(context.Background(), "gatewaycfg: failed to reload adapters file", zap.Error(err))
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn(context.Background(), "gatewaycfg: adapters file watcher error", zap.Error(err))
		case <-s.stopCh:
			return
		}
	}
}

// StopWatching tears down the watcher, if started.
func (s *AdapterStore) StopWatching() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		close(s.stopCh)
		s.watcher.Close()
		s.watcher = nil
	}
}

// DefaultAdaptersPath returns <home>/.agentim/adapters.json.
func DefaultAdaptersPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, DefaultDir, "adapters.json")
}
