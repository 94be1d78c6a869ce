package gatewaycfg

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/NoPKT/agentim/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAdapterStore_MissingFileYieldsEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adapters.json")
	store, err := LoadAdapterStore(path)
	require.NoError(t, err)
	assert.Empty(t, store.List())
}

func TestAdapterStore_UpsertThenGetAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adapters.json")
	store, err := LoadAdapterStore(path)
	require.NoError(t, err)

	spec := AdapterSpec{AgentID: "agent-a", Name: "claude", Command: "claude-code", RoomID: "room-1"}
	require.NoError(t, store.Upsert(spec))

	got, ok := store.Get("agent-a")
	require.True(t, ok)
	assert.Equal(t, "claude", got.Name)
	assert.Equal(t, types.RoomIDType("room-1"), got.RoomID)

	assert.Len(t, store.List(), 1)
}

func TestAdapterStore_UpsertPersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adapters.json")
	store, err := LoadAdapterStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(AdapterSpec{AgentID: "agent-a", Name: "claude"}))

	reloaded, err := LoadAdapterStore(path)
	require.NoError(t, err)
	got, ok := reloaded.Get("agent-a")
	require.True(t, ok)
	assert.Equal(t, "claude", got.Name)
}

func TestAdapterStore_RemoveDropsEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adapters.json")
	store, err := LoadAdapterStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(AdapterSpec{AgentID: "agent-a", Name: "claude"}))
	require.NoError(t, store.Upsert(AdapterSpec{AgentID: "agent-b", Name: "codex"}))

	require.NoError(t, store.Remove("agent-a"))

	_, ok := store.Get("agent-a")
	assert.False(t, ok)
	assert.Len(t, store.List(), 1)
}

func TestAdapterStore_ListPreservesInsertionOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adapters.json")
	store, err := LoadAdapterStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(AdapterSpec{AgentID: "agent-z", Name: "z"}))
	require.NoError(t, store.Upsert(AdapterSpec{AgentID: "agent-a", Name: "a"}))

	specs := store.List()
	require.Len(t, specs, 2)
	assert.Equal(t, types.AgentIDType("agent-z"), specs[0].AgentID)
	assert.Equal(t, types.AgentIDType("agent-a"), specs[1].AgentID)
}

func TestAdapterStore_WatchReloadsOnExternalWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adapters.json")
	store, err := LoadAdapterStore(path)
	require.NoError(t, err)

	changed := make(chan struct{}, 1)
	require.NoError(t, store.Watch(func() { changed <- struct{}{} }))
	t.Cleanup(store.StopWatching)

	require.NoError(t, store.Upsert(AdapterSpec{AgentID: "agent-a", Name: "claude"}))

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a reload notification after the file changed")
	}

	got, ok := store.Get("agent-a")
	require.True(t, ok)
	assert.Equal(t, "claude", got.Name)
}
