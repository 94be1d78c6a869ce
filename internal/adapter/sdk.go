package adapter

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NoPKT/agentim/internal/logging"
	"github.com/NoPKT/agentim/internal/metrics"
	"github.com/NoPKT/agentim/internal/types"
	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// sdkDefaultMaxTokens bounds a turn when SDKConfig leaves it unset.
const sdkDefaultMaxTokens = int64(4096)

// SDKConfig configures an SDKAdapter.
type SDKConfig struct {
	Model        string
	ThinkingMode string
	EffortLevel  string
	MaxTokens    int64
	SystemPrompt string
	MCPServerIDs []string

	// ResumeSessionID, when set, seeds the adapter's first turn with a
	// continuity token captured from a prior process (spec.md §4.6):
	// the gateway persists agentId -> sessionId across restarts. The raw
	// Messages API is stateless, so resumption is emulated by the
	// gateway re-supplying the last known session id as the adapter's
	// starting lastSessionID rather than by any vendor-side replay.
	ResumeSessionID string
}

// SDKAdapter wraps the vendor SDK's streaming iterator as an Adapter
// (spec.md §4.4 "SDK adapter"). Adapted from the pack's Bedrock SDK
// client (teradata-labs-loom's pkg/llm/bedrock/client_sdk.go): build an
// anthropic.Client once, call Messages.NewStreaming per turn, drain
// stream.Next()/Current()/Err() into chunk callbacks instead of the
// loom client's single LLMResponse.
type SDKAdapter struct {
	cfg    SDKConfig
	client anthropic.Client

	mu            sync.Mutex
	running       int32
	history       []anthropic.MessageParam
	lastSessionID string
	cost          CostSummary
	cancelTurn    context.CancelFunc

	// disableResume implements the open-question decision recorded in
	// SPEC_FULL.md §D: resume is disabled for the turn immediately
	// following one that required an interactive permission
	// confirmation, and re-enabled once a turn completes clean.
	disableResume bool
}

var _ Adapter = (*SDKAdapter)(nil)

// NewSDKAdapter builds an SDKAdapter. apiKey is passed straight to the
// vendor SDK's client constructor; cfg.ResumeSessionID (if any) seeds
// the continuity token reported by SessionID() before any turn runs.
func NewSDKAdapter(apiKey string, cfg SDKConfig) *SDKAdapter {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = sdkDefaultMaxTokens
	}
	return &SDKAdapter{
		cfg:           cfg,
		client:        anthropic.NewClient(option.WithAPIKey(apiKey)),
		lastSessionID: cfg.ResumeSessionID,
	}
}

func (s *SDKAdapter) IsRunning() bool {
	return atomic.LoadInt32(&s.running) == 1
}

// SendMessage streams one turn through the vendor SDK, routing its
// message variants (init, assistant, stream_event, result) into the
// chunk stream per spec.md §4.4.
func (s *SDKAdapter) SendMessage(ctx context.Context, content string, onChunk func(types.ParsedChunk), onComplete func(fullContent string), onError func(error), onPermissionRequest PermissionCallback) error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return fmt.Errorf("agent is already processing a message")
	}
	defer atomic.StoreInt32(&s.running, 0)

	turnCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelTurn = cancel
	wasFirstTurn := len(s.history) == 0
	resumeDisabled := s.disableResume
	history := s.history
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelTurn = nil
		s.mu.Unlock()
		cancel()
	}()

	// "init" variant: the first turn of a fresh session, or any turn
	// whose resume was disabled by the previous turn's permission
	// confirmation, starts from a blank transcript and mints a fresh
	// continuity token if none was resumed from a prior process.
	if wasFirstTurn || resumeDisabled {
		history = nil
		s.mu.Lock()
		if s.lastSessionID == "" {
			s.lastSessionID = uuid.NewString()
		}
		s.mu.Unlock()
	}

	history = append(history, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.cfg.Model),
		Messages:  history,
		MaxTokens: s.cfg.MaxTokens,
	}
	if s.cfg.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: s.cfg.SystemPrompt}}
	}

	start := time.Now()
	outcome := "success"
	defer func() {
		metrics.AdapterTurnDuration.WithLabelValues(string(types.AgentTypeClaudeCode), outcome).Observe(time.Since(start).Seconds())
	}()

	turnRequiredPermission, fullContent, assistantBlocks, err := s.runStream(turnCtx, params, onChunk, onPermissionRequest)
	if err != nil {
		outcome = "error"
		onError(mapSDKError(turnCtx, err))
		return nil
	}

	s.mu.Lock()
	s.history = append(history, anthropic.NewAssistantMessage(assistantBlocks...))
	s.disableResume = turnRequiredPermission
	s.mu.Unlock()

	onComplete(fullContent)
	return nil
}

// runStream drains one streaming turn, emitting chunks as SSE events
// arrive. It returns whether a tool use in this turn required an
// interactive permission confirmation (spec.md §9 resume decision).
func (s *SDKAdapter) runStream(ctx context.Context, params anthropic.MessageNewParams, onChunk func(types.ParsedChunk), onPermissionRequest PermissionCallback) (bool, string, []anthropic.ContentBlockParamUnion, error) {
	stream := s.client.Messages.NewStreaming(ctx, params)

	var fullContent strings.Builder
	var blocks []anthropic.ContentBlockParamUnion
	var requiredPermission bool

	type pendingTool struct {
		id, name string
		input    strings.Builder
	}
	toolByIndex := map[int64]*pendingTool{}

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			s.mu.Lock()
			s.cost.InputTokens += int64(event.Message.Usage.InputTokens)
			s.mu.Unlock()

		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				toolByIndex[event.Index] = &pendingTool{id: event.ContentBlock.ID, name: event.ContentBlock.Name}
				onChunk(types.ParsedChunk{
					Variant:  types.ChunkToolUse,
					Content:  event.ContentBlock.Name,
					Metadata: map[string]string{"toolName": event.ContentBlock.Name, "toolId": event.ContentBlock.ID},
				})
			}

		case "content_block_delta":
			// "stream_event" variant: incremental text/thinking/tool-input deltas.
			switch event.Delta.Type {
			case "text_delta":
				fullContent.WriteString(event.Delta.Text)
				onChunk(types.ParsedChunk{Variant: types.ChunkText, Content: event.Delta.Text})
			case "thinking_delta":
				onChunk(types.ParsedChunk{Variant: types.ChunkThinking, Content: event.Delta.Thinking})
			case "input_json_delta":
				if t, ok := toolByIndex[event.Index]; ok {
					t.input.WriteString(event.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if t, ok := toolByIndex[event.Index]; ok {
				allowed := true
				if onPermissionRequest != nil {
					requiredPermission = true
					allowed = onPermissionRequest(ctx, t.name, map[string]any{"raw": t.input.String()})
				}
				resultContent := "denied by user"
				if allowed {
					resultContent = "ok"
				}
				onChunk(types.ParsedChunk{
					Variant:  types.ChunkToolResult,
					Content:  resultContent,
					Metadata: map[string]string{"toolName": t.name, "toolId": t.id},
				})
				blocks = append(blocks, anthropic.NewTextBlock(fmt.Sprintf("tool %s: %s", t.name, resultContent)))
				delete(toolByIndex, event.Index)
			}

		case "message_delta":
			s.mu.Lock()
			s.cost.OutputTokens += int64(event.Usage.OutputTokens)
			s.mu.Unlock()

		case "message_stop":
			// "result" variant: internal bookkeeping only, never re-emitted
			// as a chunk (spec.md §4.4: "result/end-of-turn markers ...
			// MUST NOT be re-emitted to avoid double-text").
		}
	}

	if err := stream.Err(); err != nil && err != io.EOF {
		return requiredPermission, "", nil, err
	}

	if fullContent.Len() > 0 {
		blocks = append([]anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(fullContent.String())}, blocks...)
	}
	return requiredPermission, fullContent.String(), blocks, nil
}

// Stop wraps cancellation as an SDK interrupt: cancelling the turn's
// context aborts the in-flight stream (spec.md §4.4: "best-effort
// SIGTERM -> 5s -> SIGKILL, or SDK-interrupt").
func (s *SDKAdapter) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancelTurn
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Dispose releases adapter resources. Idempotent.
func (s *SDKAdapter) Dispose() error {
	return nil
}

func (s *SDKAdapter) SlashCommands() []SlashCommand { return nil }

func (s *SDKAdapter) HandleSlashCommand(ctx context.Context, cmd string, args []string) SlashCommandResult {
	return SlashCommandResult{Success: false, Message: fmt.Sprintf("unknown slash command: %s", cmd)}
}

func (s *SDKAdapter) MCPServers() []string { return s.cfg.MCPServerIDs }
func (s *SDKAdapter) Model() string        { return s.cfg.Model }
func (s *SDKAdapter) ThinkingMode() string  { return s.cfg.ThinkingMode }
func (s *SDKAdapter) EffortLevel() string   { return s.cfg.EffortLevel }

func (s *SDKAdapter) CostSummary() CostSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cost
}

func (s *SDKAdapter) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSessionID
}

func mapSDKError(ctx context.Context, err error) error {
	if ctx.Err() == context.Canceled {
		return fmt.Errorf("turn interrupted")
	}
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("process timed out")
	}
	logging.Warn(context.Background(), "sdk adapter stream error", zap.Error(err))
	return fmt.Errorf("sdk stream error: %w", err)
}
