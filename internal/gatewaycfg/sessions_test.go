package gatewaycfg

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSessionMap_MissingFileYieldsEmptyMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	m, err := LoadSessionMap(path)
	require.NoError(t, err)
	assert.Equal(t, "", m.Get("agent-a"))
}

func TestSessionMap_SetThenGetAndPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	m, err := LoadSessionMap(path)
	require.NoError(t, err)

	require.NoError(t, m.Set("agent-a", "session-123"))
	assert.Equal(t, "session-123", m.Get("agent-a"))

	reloaded, err := LoadSessionMap(path)
	require.NoError(t, err)
	assert.Equal(t, "session-123", reloaded.Get("agent-a"))
}

func TestSessionMap_SetWithEmptyIDIsNoOp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	m, err := LoadSessionMap(path)
	require.NoError(t, err)

	require.NoError(t, m.Set("agent-a", "session-123"))
	require.NoError(t, m.Set("agent-a", ""))
	assert.Equal(t, "session-123", m.Get("agent-a"), "an empty session id must not overwrite a previously observed one")
}

func TestSessionMap_Forget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	m, err := LoadSessionMap(path)
	require.NoError(t, err)

	require.NoError(t, m.Set("agent-a", "session-123"))
	require.NoError(t, m.Forget("agent-a"))
	assert.Equal(t, "", m.Get("agent-a"))
}
