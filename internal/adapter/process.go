package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/NoPKT/agentim/internal/logging"
	"github.com/NoPKT/agentim/internal/metrics"
	"github.com/NoPKT/agentim/internal/types"
	"go.uber.org/zap"
)

// sensitiveEnvMarkers is the set of substrings that mark an inherited
// env var as a credential the child CLI process has no business
// seeing unless the caller explicitly re-adds it via ProcessConfig.Env.
var sensitiveEnvMarkers = []string{"SECRET", "TOKEN", "PASSWORD", "_KEY", "CREDENTIAL"}

func isSensitiveEnvVar(key string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range sensitiveEnvMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// ProcessConfig configures a ProcessAdapter.
type ProcessConfig struct {
	Command       string
	Args          []string
	Env           map[string]string
	WorkingDir    string
	MaxBufferSize int64 // process-wide stdout byte cap; 0 uses defaultMaxBufferSize
	Timeout       time.Duration // wall-clock turn timeout; 0 uses defaultTimeout

	Model        string
	ThinkingMode string
	EffortLevel  string
	MCPServerIDs []string
}

const (
	defaultMaxBufferSize = 10 * 1024 * 1024 // 10MiB
	defaultTimeout       = 10 * time.Minute
)

// processLine is the wire shape of one stdout JSON line emitted by the
// wrapped CLI. Exact field set is a contract with the specific CLI
// binary; unrecognized lines are skipped rather than failing the turn.
type processLine struct {
	Type             string         `json:"type"`
	Content          string         `json:"content"`
	ToolName         string         `json:"toolName,omitempty"`
	ToolID           string         `json:"toolId,omitempty"`
	WorkingDirectory string         `json:"workingDirectory,omitempty"`
	SessionID        string         `json:"sessionId,omitempty"`
	Error            string         `json:"error,omitempty"`
	InputTokens      int64          `json:"inputTokens,omitempty"`
	OutputTokens     int64          `json:"outputTokens,omitempty"`
	CacheReadTokens  int64          `json:"cacheReadTokens,omitempty"`
	CostUSD          float64        `json:"costUsd,omitempty"`
	RequestID        string         `json:"requestId,omitempty"`
	ToolInput        map[string]any `json:"toolInput,omitempty"`
}

// permissionResponseLine is written back to the child's stdin once a
// permission_request line is resolved, so the CLI's own session can
// proceed with the tool call (spec.md §4.5).
type permissionResponseLine struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Decision  string `json:"decision"`
}

// ProcessAdapter wraps an external CLI (claude, codex, gemini, or any
// generic binary speaking newline-delimited JSON on stdout) as an
// Adapter. Adapted from the stdio MCP transport pattern: piped stdio,
// a background stderr monitor, SIGTERM-then-SIGKILL teardown.
type ProcessAdapter struct {
	cfg ProcessConfig

	mu         sync.Mutex
	running    int32 // atomic bool via CompareAndSwap
	currentCmd *exec.Cmd
	currentIn  io.WriteCloser

	lastSessionID string
	cost          CostSummary
}

var _ Adapter = (*ProcessAdapter)(nil)

// NewProcessAdapter builds a ProcessAdapter. It does not spawn the
// child until SendMessage is called.
func NewProcessAdapter(cfg ProcessConfig) *ProcessAdapter {
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = defaultMaxBufferSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &ProcessAdapter{cfg: cfg}
}

func (p *ProcessAdapter) IsRunning() bool {
	return atomic.LoadInt32(&p.running) == 1
}

// SendMessage spawns (or re-spawns) the CLI for one turn, streaming
// parsed chunks via onChunk and delivering exactly one of
// onComplete/onError when the turn settles.
func (p *ProcessAdapter) SendMessage(ctx context.Context, content string, onChunk func(types.ParsedChunk), onComplete func(fullContent string), onError func(error), onPermissionRequest PermissionCallback) error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return fmt.Errorf("agent is already processing a message")
	}
	defer atomic.StoreInt32(&p.running, 0)

	turnCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(turnCtx, p.cfg.Command, p.cfg.Args...)
	if p.cfg.WorkingDir != "" {
		cmd.Dir = p.cfg.WorkingDir
	}
	cmd.Env = buildChildEnv(p.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if isBinaryMissing(err) {
			return fmt.Errorf("%s is not installed or not on PATH", p.cfg.Command)
		}
		return fmt.Errorf("failed to start adapter process: %w", err)
	}

	p.mu.Lock()
	p.currentCmd = cmd
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.currentCmd = nil
		p.mu.Unlock()
	}()

	go p.monitorStderr(stderr)

	if _, err := io.WriteString(stdin, content+"\n"); err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("failed to write turn input: %w", err)
	}

	// stdin stays open for the duration of the turn: a permission_request
	// line needs a permission_response line written back before the child
	// resumes its own output (spec.md §4.5). Closed once the turn settles.
	p.mu.Lock()
	p.currentIn = stdin
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		in := p.currentIn
		p.currentIn = nil
		p.mu.Unlock()
		if in != nil {
			_ = in.Close()
		}
	}()

	var done int32 // single-fire guard (spec.md §4.4: "done flag")
	var fullContent strings.Builder
	var readBytes int64

	killedForSize := make(chan struct{})
	scanner := bufio.NewReaderSize(stdout, 64*1024)

	go func() {
		for {
			line, readErr := scanner.ReadString('\n')
			if len(line) > 0 {
				readBytes += int64(len(line))
				if readBytes > p.cfg.MaxBufferSize {
					close(killedForSize)
					_ = cmd.Process.Kill()
					return
				}
				p.handleLine(turnCtx, strings.TrimRight(line, "\r\n"), onChunk, onPermissionRequest, &fullContent)
			}
			if readErr != nil {
				return
			}
		}
	}()

	waitErr := cmd.Wait()
	outcome := "success"
	defer func() {
		metrics.AdapterTurnDuration.WithLabelValues(string(agentTypeLabel(p.cfg.Command)), outcome).Observe(time.Since(start).Seconds())
	}()

	select {
	case <-killedForSize:
		if atomic.CompareAndSwapInt32(&done, 0, 1) {
			outcome = "buffer_exceeded"
			onError(fmt.Errorf("response too large"))
		}
		return nil
	default:
	}

	if waitErr != nil {
		if atomic.CompareAndSwapInt32(&done, 0, 1) {
			outcome = "error"
			onError(mapProcessError(turnCtx, waitErr))
		}
		return nil
	}

	if atomic.CompareAndSwapInt32(&done, 0, 1) {
		onComplete(fullContent.String())
	}
	return nil
}

func (p *ProcessAdapter) handleLine(ctx context.Context, line string, onChunk func(types.ParsedChunk), onPermissionRequest PermissionCallback, fullContent *strings.Builder) {
	if line == "" {
		return
	}
	var pl processLine
	if err := json.Unmarshal([]byte(line), &pl); err != nil {
		return
	}

	// result/end-of-turn markers are internal bookkeeping, never re-emitted
	// as a chunk (spec.md §4.4).
	if pl.Type == "result" || pl.Type == "end-of-turn" {
		p.mu.Lock()
		p.cost.InputTokens += pl.InputTokens
		p.cost.OutputTokens += pl.OutputTokens
		p.cost.CacheReadTokens += pl.CacheReadTokens
		p.cost.USD += pl.CostUSD
		if pl.SessionID != "" {
			p.lastSessionID = pl.SessionID
		}
		p.mu.Unlock()
		return
	}

	// permission_request is the CLI asking "may I use tool X with input
	// Y?" (spec.md §4.5). The callback blocks until the gateway's
	// permission.Registry resolves it; the decision is written back on
	// stdin so the child can proceed.
	if pl.Type == "permission_request" {
		p.handlePermissionRequest(ctx, pl, onPermissionRequest)
		return
	}

	variant := mapChunkVariant(pl.Type)
	if variant == "" {
		return
	}
	if variant == types.ChunkText {
		fullContent.WriteString(pl.Content)
	}

	chunk := types.ParsedChunk{Variant: variant, Content: pl.Content}
	if pl.ToolName != "" || pl.ToolID != "" || pl.WorkingDirectory != "" {
		chunk.Metadata = map[string]string{}
		if pl.ToolName != "" {
			chunk.Metadata["toolName"] = pl.ToolName
		}
		if pl.ToolID != "" {
			chunk.Metadata["toolId"] = pl.ToolID
		}
		if pl.WorkingDirectory != "" {
			chunk.Metadata["workingDirectory"] = pl.WorkingDirectory
		}
	}
	if variant == types.ChunkError && pl.Error != "" {
		chunk.Content = pl.Error
	}
	onChunk(chunk)
}

// handlePermissionRequest blocks on onPermissionRequest (which itself
// blocks on the gateway's permission.Registry) and writes the resulting
// decision back to the child's stdin. A nil callback auto-allows. The
// Agent Manager always passes a callback and applies bypass mode inside
// it, so a bypass-mode agent is auto-allowed by that callback.
func (p *ProcessAdapter) handlePermissionRequest(ctx context.Context, pl processLine, onPermissionRequest PermissionCallback) {
	allow := true
	if onPermissionRequest != nil {
		allow = onPermissionRequest(ctx, pl.ToolName, pl.ToolInput)
	}

	decision := "allow"
	if !allow {
		decision = "deny"
	}
	resp, err := json.Marshal(permissionResponseLine{Type: "permission_response", RequestID: pl.RequestID, Decision: decision})
	if err != nil {
		return
	}

	p.mu.Lock()
	in := p.currentIn
	p.mu.Unlock()
	if in == nil {
		return
	}
	_, _ = in.Write(append(resp, '\n'))
}

func mapChunkVariant(tag string) types.ChunkVariant {
	switch tag {
	case "text", "assistant":
		return types.ChunkText
	case "thinking":
		return types.ChunkThinking
	case "tool_use":
		return types.ChunkToolUse
	case "tool_result":
		return types.ChunkToolResult
	case "error":
		return types.ChunkError
	case "workspace_status":
		return types.ChunkWorkspaceStatus
	default:
		return ""
	}
}

func (p *ProcessAdapter) monitorStderr(stderr io.ReadCloser) {
	reader := bufio.NewReader(stderr)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			logging.Warn(context.Background(), "adapter stderr", zap.String("command", p.cfg.Command), zap.String("line", strings.TrimRight(line, "\r\n")))
		}
		if err != nil {
			return
		}
	}
}

// Stop issues a best-effort SIGTERM, escalating to SIGKILL after
// stopGrace if the process hasn't exited (spec.md §4.4). A no-op if no
// turn is currently running.
func (p *ProcessAdapter) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd := p.currentCmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return cmd.Process.Kill()
	}

	select {
	case <-ctx.Done():
		return cmd.Process.Kill()
	case <-time.After(stopGrace):
		p.mu.Lock()
		stillRunning := p.currentCmd == cmd
		p.mu.Unlock()
		if stillRunning {
			return cmd.Process.Kill()
		}
		return nil
	}
}

// Dispose releases adapter resources. Idempotent.
func (p *ProcessAdapter) Dispose() error {
	return nil
}

func (p *ProcessAdapter) SlashCommands() []SlashCommand { return nil }

func (p *ProcessAdapter) HandleSlashCommand(ctx context.Context, cmd string, args []string) SlashCommandResult {
	return SlashCommandResult{Success: false, Message: fmt.Sprintf("unknown slash command: %s", cmd)}
}

func (p *ProcessAdapter) MCPServers() []string { return p.cfg.MCPServerIDs }
func (p *ProcessAdapter) Model() string        { return p.cfg.Model }
func (p *ProcessAdapter) ThinkingMode() string  { return p.cfg.ThinkingMode }
func (p *ProcessAdapter) EffortLevel() string   { return p.cfg.EffortLevel }

func (p *ProcessAdapter) CostSummary() CostSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cost
}

func (p *ProcessAdapter) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSessionID
}

func buildChildEnv(overrides map[string]string) []string {
	base := os.Environ()
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 && isSensitiveEnvVar(parts[0]) {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

func isBinaryMissing(err error) bool {
	var pathErr *exec.Error
	return errors.As(err, &pathErr) && errors.Is(pathErr.Err, exec.ErrNotFound)
}

func mapProcessError(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("process timed out")
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return fmt.Errorf("process killed by signal")
		}
		return fmt.Errorf("process exited with code %d", exitErr.ExitCode())
	}
	return err
}

func agentTypeLabel(command string) types.AgentType {
	switch {
	case strings.Contains(command, "claude"):
		return types.AgentTypeClaudeCode
	case strings.Contains(command, "codex"):
		return types.AgentTypeCodex
	case strings.Contains(command, "gemini"):
		return types.AgentTypeGemini
	default:
		return types.AgentTypeGeneric
	}
}
