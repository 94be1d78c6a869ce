package settings

import (
	"context"
	"testing"

	"github.com/NoPKT/agentim/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numPtr(f float64) *float64 { return &f }

func testDefs() []types.SettingDefinition {
	return []types.SettingDefinition{
		{Key: "agent.queue_size", Type: types.SettingNumber, DefaultValue: "50", Min: numPtr(1), Max: numPtr(100)},
		{Key: "feature.enabled", Type: types.SettingBoolean, DefaultValue: "false"},
		{Key: "log.level", Type: types.SettingEnum, DefaultValue: "info", EnumValues: []string{"debug", "info", "warn", "error"}},
		{Key: "cors.origin", Type: types.SettingString, DefaultValue: "https://example.com"},
		{Key: "env.key", Type: types.SettingString, DefaultValue: "fallback", EnvKey: "AGENTIM_TEST_ENV_KEY"},
	}
}

func TestRegistry_GetReturnsDefaultWhenUnset(t *testing.T) {
	r := NewRegistry(testDefs(), nil)

	v, err := r.GetString(context.Background(), "log.level")
	require.NoError(t, err)
	assert.Equal(t, "info", v)
}

func TestRegistry_GetUnknownKeyErrors(t *testing.T) {
	r := NewRegistry(testDefs(), nil)
	_, err := r.GetString(context.Background(), "does.not.exist")
	assert.Error(t, err)
}

func TestRegistry_SetThenGetRoundTrips(t *testing.T) {
	r := NewRegistry(testDefs(), nil)

	require.NoError(t, r.Set(context.Background(), "log.level", "debug"))
	v, err := r.GetString(context.Background(), "log.level")
	require.NoError(t, err)
	assert.Equal(t, "debug", v)
}

func TestRegistry_SetValidatesNumberRange(t *testing.T) {
	r := NewRegistry(testDefs(), nil)

	assert.Error(t, r.Set(context.Background(), "agent.queue_size", "0"))
	assert.Error(t, r.Set(context.Background(), "agent.queue_size", "500"))
	assert.NoError(t, r.Set(context.Background(), "agent.queue_size", "25"))

	n, err := r.GetInt(context.Background(), "agent.queue_size")
	require.NoError(t, err)
	assert.EqualValues(t, 25, n)
}

func TestRegistry_SetValidatesEnumMembership(t *testing.T) {
	r := NewRegistry(testDefs(), nil)
	assert.Error(t, r.Set(context.Background(), "log.level", "verbose"))
	assert.NoError(t, r.Set(context.Background(), "log.level", "warn"))
}

func TestRegistry_SetValidatesBoolean(t *testing.T) {
	r := NewRegistry(testDefs(), nil)
	assert.Error(t, r.Set(context.Background(), "feature.enabled", "yes"))

	require.NoError(t, r.Set(context.Background(), "feature.enabled", "true"))
	b, err := r.GetBool(context.Background(), "feature.enabled")
	require.NoError(t, err)
	assert.True(t, b)
}

func TestRegistry_RejectsCORSWildcardOrigin(t *testing.T) {
	r := NewRegistry(testDefs(), nil)
	err := r.Set(context.Background(), "cors.origin", "*")
	assert.Error(t, err)
}

func TestRegistry_FallsBackToEnvWhenNoOverrideOrStore(t *testing.T) {
	t.Setenv("AGENTIM_TEST_ENV_KEY", "from-env")
	r := NewRegistry(testDefs(), nil)

	v, err := r.GetString(context.Background(), "env.key")
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)
}
