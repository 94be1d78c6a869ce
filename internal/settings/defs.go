package settings

import "github.com/NoPKT/agentim/internal/types"

func floatPtr(v float64) *float64 { return &v }

// DefaultDefinitions returns the Settings Registry's built-in typed
// keys, mirroring internal/config's env-backed equivalents so an
// admin-set override takes the same effect without a process restart.
func DefaultDefinitions() []types.SettingDefinition {
	return []types.SettingDefinition{
		{Key: "cors.origin", Group: "security", Type: types.SettingString,
			DefaultValue: "http://localhost:3000", EnvKey: "CORS_ORIGIN"},
		{Key: "permission.timeout_seconds", Group: "permission", Type: types.SettingNumber,
			DefaultValue: "300", EnvKey: "PERMISSION_TIMEOUT_SECONDS", Min: floatPtr(10), Max: floatPtr(3600)},
		{Key: "routing.max_chain_depth", Group: "routing", Type: types.SettingNumber,
			DefaultValue: "5", EnvKey: "MAX_AGENT_CHAIN_DEPTH", Min: floatPtr(1), Max: floatPtr(20)},
		{Key: "ratelimit.client_max_per_window", Group: "ratelimit", Type: types.SettingNumber,
			DefaultValue: "60", EnvKey: "CLIENT_RATE_LIMIT_MAX", Min: floatPtr(1), Max: floatPtr(10000)},
		{Key: "ratelimit.agent_max_per_window", Group: "ratelimit", Type: types.SettingNumber,
			DefaultValue: "5", EnvKey: "AGENT_RATE_LIMIT_MAX", Min: floatPtr(1), Max: floatPtr(1000)},
		{Key: "agentmgr.max_queue_size", Group: "agentmgr", Type: types.SettingNumber,
			DefaultValue: "50", EnvKey: "MAX_AGENT_QUEUE_SIZE", Min: floatPtr(1), Max: floatPtr(1000)},
		{Key: "router.llm_model", Group: "router", Type: types.SettingString,
			DefaultValue: "", EnvKey: "ROUTER_LLM_MODEL"},
		{Key: "router.llm_api_key", Group: "router", Type: types.SettingString,
			DefaultValue: "", EnvKey: "ROUTER_LLM_API_KEY", Sensitive: true},
		{Key: "revocation.memory_cap", Group: "revocation", Type: types.SettingNumber,
			DefaultValue: "10000", EnvKey: "MAX_MEMORY_REVOCATIONS", Min: floatPtr(100), Max: floatPtr(1000000)},
		{Key: "features.broadcast_mode_enum", Group: "routing", Type: types.SettingEnum,
			DefaultValue: "router", EnvKey: "BROADCAST_MODE", EnumValues: []string{"router", "disabled"}},
	}
}
