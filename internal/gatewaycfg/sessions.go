package gatewaycfg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/NoPKT/agentim/internal/types"
)

// SessionMap persists each agent's SDK-specific continuity token
// (spec.md §4.6: "the gateway persists agentId -> sessionId so that
// reconnects/restarts can resume without a fresh context window").
// Every mutation is flushed to disk immediately - this map is small
// (one entry per locally hosted agent) and updated rarely (once per
// completed turn), so there's no batching layer to get wrong.
type SessionMap struct {
	mu   sync.RWMutex
	path string
	ids  map[types.AgentIDType]string
}

type sessionMapFile struct {
	Sessions map[types.AgentIDType]string `json:"sessions"`
}

// LoadSessionMap reads the session map at path. A missing file yields
// an empty map, not an error.
func LoadSessionMap(path string) (*SessionMap, error) {
	m := &SessionMap{path: path, ids: make(map[types.AgentIDType]string)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("gatewaycfg: read session map: %w", err)
	}

	var file sessionMapFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("gatewaycfg: parse session map: %w", err)
	}
	if file.Sessions != nil {
		m.ids = file.Sessions
	}
	return m, nil
}

// Get returns the last known session id for agentID, or "" if none is
// recorded.
func (m *SessionMap) Get(agentID types.AgentIDType) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ids[agentID]
}

// Set records agentID's session id and flushes the map to disk. An
// empty sessionID is a no-op: adapters that never emit a session id
// (e.g. a generic CLI with no resume support) shouldn't overwrite a
// previously observed one with blank.
func (m *SessionMap) Set(agentID types.AgentIDType, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	m.mu.Lock()
	m.ids[agentID] = sessionID
	m.mu.Unlock()
	return m.persist()
}

// Forget removes agentID's recorded session id (e.g. on explicit
// `agentim-gateway rm`) and flushes the map to disk.
func (m *SessionMap) Forget(agentID types.AgentIDType) error {
	m.mu.Lock()
	delete(m.ids, agentID)
	m.mu.Unlock()
	return m.persist()
}

func (m *SessionMap) persist() error {
	m.mu.RLock()
	file := sessionMapFile{Sessions: make(map[types.AgentIDType]string, len(m.ids))}
	for k, v := range m.ids {
		file.Sessions[k] = v
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0o600)
}

// DefaultSessionMapPath returns <home>/.agentim/sessions.json.
func DefaultSessionMapPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, DefaultDir, "sessions.json")
}
