// Package adapter implements the Adapter Runtime (spec.md §4.4): the
// polymorphic producer interface an agent backend implements, plus its
// two implementations: the process-backed CLI adapter (ProcessAdapter)
// and the vendor SDK adapter (SDKAdapter). There is no generic HTTP
// backend. The CLI adapter is adapted from the MCP stdio transport pattern in the pack's
// reference Teradata loom repo (pkg/mcp/transport/stdio.go): spawn with
// piped stdio, monitor stderr in the background, terminate with a
// SIGTERM-then-timeout-kill sequence.
package adapter

import (
	"context"
	"time"

	"github.com/NoPKT/agentim/internal/types"
)

// SlashCommand describes one adapter-native command (spec.md §4.4).
type SlashCommand struct {
	Name        string
	Description string
	Usage       string
	Source      string
}

// SlashCommandResult is the outcome of handling a slash command.
type SlashCommandResult struct {
	Success bool
	Message string
}

// CostSummary reports token/cost accounting for an adapter's lifetime.
type CostSummary struct {
	USD              float64
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
}

// PermissionCallback is the adapter-side half of the interactive
// tool-approval gate (spec.md §4.5): "when the underlying SDK asks 'may
// I use tool X with input Y?', the adapter calls the gateway's
// onPermissionRequest(requestId, toolName, toolInput, timeoutMs) hook."
// The Agent Manager supplies this closure bound to one (agentId, roomId)
// turn; it blocks until the permission.Registry resolves the request
// and reports allow as true. In bypass mode the Manager's closure
// returns true immediately without ever consulting the registry.
type PermissionCallback func(ctx context.Context, toolName string, toolInput map[string]any) bool

// Adapter is the polymorphic producer every agent backend implements
// (spec.md §4.4). At most one in-flight turn per adapter: IsRunning is
// checked by the Agent Manager before dispatch.
type Adapter interface {
	SendMessage(ctx context.Context, content string, onChunk func(types.ParsedChunk), onComplete func(fullContent string), onError func(error), onPermissionRequest PermissionCallback) error
	Stop(ctx context.Context) error
	Dispose() error
	IsRunning() bool

	SlashCommands() []SlashCommand
	HandleSlashCommand(ctx context.Context, cmd string, args []string) SlashCommandResult
	MCPServers() []string

	Model() string
	ThinkingMode() string
	EffortLevel() string
	CostSummary() CostSummary

	// SessionID returns the most recent SDK-specific continuity token
	// reported by the backend, or "" if none has been observed yet.
	// The gateway persists this per agent (spec.md §4.6) so a restart
	// can resume without a fresh context window.
	SessionID() string
}

// stopGrace is how long Stop waits for a cooperative shutdown before
// escalating, matching spec.md §4.4's "best-effort SIGTERM -> 5s -> SIGKILL".
const stopGrace = 5 * time.Second
