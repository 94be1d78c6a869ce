// Package agentmgr implements the gateway-side Agent Manager (spec.md
// §4.3): the per-process owner of every local Adapter instance. It
// queues incoming dispatches per agent, assembles the turn prompt from
// room context, runs the completion epilogue (workspace probe), and
// keeps the broker informed of agent status/queue depth.
package agentmgr

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/NoPKT/agentim/internal/adapter"
	"github.com/NoPKT/agentim/internal/logging"
	"github.com/NoPKT/agentim/internal/metrics"
	"github.com/NoPKT/agentim/internal/permission"
	"github.com/NoPKT/agentim/internal/routing"
	"github.com/NoPKT/agentim/internal/types"
	"github.com/NoPKT/agentim/internal/workspace"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MaxAgentQueueSize bounds each agent's pending-dispatch FIFO (spec.md §4.3).
const MaxAgentQueueSize = 50

// contextIdleEvict is how long a stored (agentId, roomId) context may go
// untouched before the sweeper reclaims it (spec.md §4.3: "1h idle").
const contextIdleEvict = time.Hour

// recentTranscriptSize is how many prior room messages are folded into
// the assembled prompt alongside the live user content.
const recentTranscriptSize = 20

// workspaceProbeBudget bounds the completion epilogue's probe (spec.md §4.3/§4.7).
const workspaceProbeBudget = 15 * time.Second

// SessionSink persists an agent's latest SDK-reported session id so a
// gateway restart or reconnect can resume without a fresh context
// window (spec.md §4.6). Implemented by gatewaycfg.SessionMap.
type SessionSink interface {
	Set(agentID types.AgentIDType, sessionID string) error
}

// BrokerLink is the narrow contract the gateway's broker connection
// satisfies. The Agent Manager never touches a websocket directly -
// it only needs to push frames upward and knows nothing about framing
// or reconnection.
type BrokerLink interface {
	SendAgentStatus(agentID types.AgentIDType, status types.AgentStatus, queueDepth int)
	SendMessageChunk(agentID types.AgentIDType, roomID types.RoomIDType, messageID types.MessageIDType, chunk types.ParsedChunk)
	SendMessageComplete(agentID types.AgentIDType, roomID types.RoomIDType, messageID types.MessageIDType, content string, conversationID types.ConversationIDType, depth int)
	SendPermissionRequest(req types.PermissionRequest)
	SendPermissionResolved(req types.PermissionRequest, decision types.PermissionDecision)
}

// roomContextEntry is a stored (agentId, roomId) context, refreshed on
// every touch and reclaimed by the sweeper once it goes idle.
type roomContextEntry struct {
	snapshot  types.RoomContextSnapshot
	touchedAt time.Time
}

// agentRecord is one locally-hosted agent: its adapter, its FIFO queue,
// and its per-room context cache.
type agentRecord struct {
	mu      sync.Mutex
	agent   types.Agent
	adapter adapter.Adapter
	queue   []routing.Dispatch
	status  types.AgentStatus

	contexts map[types.RoomIDType]*roomContextEntry
	bridge   ReplyDeliverer
}

// ReplyDeliverer hands an inbound agent-to-agent message to whichever
// mcpbridge requestReply call is waiting on its conversation id.
// Implemented by *mcpbridge.Server; narrowed here so agentmgr doesn't
// need to import mcpbridge.
type ReplyDeliverer interface {
	Deliver(msg types.Message) bool
}

// Manager owns every locally-hosted agent for one gateway process.
type Manager struct {
	mu     sync.Mutex
	agents map[types.AgentIDType]*agentRecord

	link        BrokerLink
	permissions *permission.Registry
	prober      *workspace.Prober
	sessions    SessionSink

	sweepStop chan struct{}
}

// NewManager builds a Manager and starts its context-eviction sweeper.
// link may be nil in tests; status/chunk/completion pushes are then
// silently dropped. sessions may also be nil, in which case a
// completed turn's session id is simply not persisted.
func NewManager(link BrokerLink, prober *workspace.Prober, sessions SessionSink) *Manager {
	m := &Manager{
		agents:    make(map[types.AgentIDType]*agentRecord),
		link:      link,
		prober:    prober,
		sessions:  sessions,
		sweepStop: make(chan struct{}),
	}
	m.permissions = permission.NewRegistry(m)
	go m.sweepLoop()
	return m
}

var _ permission.Notifier = (*Manager)(nil)

// NotifyReminder implements permission.Notifier.
func (m *Manager) NotifyReminder(req types.PermissionRequest) {
	if m.link != nil {
		m.link.SendPermissionRequest(req)
	}
}

// NotifyResolved implements permission.Notifier.
func (m *Manager) NotifyResolved(req types.PermissionRequest, decision types.PermissionDecision, reason string) {
	if m.link != nil {
		m.link.SendPermissionResolved(req, decision)
	}
}

// Permissions exposes the manager's permission registry, mainly for tests.
// A live turn never calls Request on it directly - dispatchNow builds a
// PermissionCallback bound to the turn's (agentId, roomId) and hands that
// to the adapter instead (spec.md §4.5).
func (m *Manager) Permissions() *permission.Registry {
	return m.permissions
}

// buildPermissionCallback returns the adapter.PermissionCallback passed
// into a turn's SendMessage call. In bypass mode it auto-allows without
// ever touching the permission registry, matching spec.md §4.5 ("applies
// when the agent runs in interactive mode (vs bypass)"). In interactive
// mode it opens a PermissionRequest and blocks until the registry (fed by
// Resolve, reminder, timeout, or Cancel) produces a decision.
func (m *Manager) buildPermissionCallback(rec *agentRecord, roomID types.RoomIDType) adapter.PermissionCallback {
	return func(ctx context.Context, toolName string, toolInput map[string]any) bool {
		rec.mu.Lock()
		mode := rec.agent.PermissionMode
		agentID := rec.agent.ID
		rec.mu.Unlock()

		if mode == types.PermissionModeBypass {
			return true
		}

		req := types.PermissionRequest{
			ID:        uuid.NewString(),
			AgentID:   agentID,
			RoomID:    roomID,
			ToolName:  toolName,
			ToolInput: toolInput,
			CreatedAt: time.Now(),
		}
		ch := m.permissions.Request(req, permission.DefaultTimeout)

		select {
		case decision := <-ch:
			return decision == types.PermissionAllow
		case <-ctx.Done():
			return false
		}
	}
}

// RegisterAgent adds a locally-hosted agent and its bound adapter.
func (m *Manager) RegisterAgent(agent types.Agent, a adapter.Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agent.ID] = &agentRecord{
		agent:    agent,
		adapter:  a,
		status:   types.AgentStatusOnline,
		contexts: make(map[types.RoomIDType]*roomContextEntry),
	}
}

// StopAgent interrupts an agent's in-flight turn and discards its
// queued messages, but keeps the adapter registered for the next
// dispatch (spec.md §4.4: "stop_agent interrupts the current turn;
// queued messages are discarded").
func (m *Manager) StopAgent(ctx context.Context, agentID types.AgentIDType) error {
	rec := m.record(agentID)
	if rec == nil {
		return fmt.Errorf("stop: unknown agent %s", agentID)
	}
	rec.mu.Lock()
	rec.queue = nil
	rec.mu.Unlock()

	err := rec.adapter.Stop(ctx)
	m.pushStatus(rec, types.AgentStatusOnline, 0)
	return err
}

// UnregisterAgent interrupts any in-flight turn, tears down the
// adapter, and drops the agent entirely (spec.md §4.4: "remove_agent
// additionally tears down the adapter and unregisters").
func (m *Manager) UnregisterAgent(ctx context.Context, agentID types.AgentIDType) error {
	m.mu.Lock()
	rec, ok := m.agents[agentID]
	if ok {
		delete(m.agents, agentID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	_ = rec.adapter.Stop(ctx)
	return rec.adapter.Dispose()
}

// HandleRoomContext stores/refreshes a broker-pushed room-context
// snapshot for (agentID, roomID) (spec.md §4.3, §4.6).
func (m *Manager) HandleRoomContext(agentID types.AgentIDType, snapshot types.RoomContextSnapshot) {
	rec := m.record(agentID)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.contexts[snapshot.RoomID] = &roomContextEntry{snapshot: snapshot, touchedAt: time.Now()}
}

// WorkingDir reports a registered agent's working directory, or "" if
// the agent is unknown or has none configured.
func (m *Manager) WorkingDir(agentID types.AgentIDType) string {
	rec := m.record(agentID)
	if rec == nil {
		return ""
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.agent.WorkingDir
}

func (m *Manager) record(agentID types.AgentIDType) *agentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agents[agentID]
}

// SetBridge attaches agentID's MCP bridge server so a reply the routing
// engine relays back can be handed to a pending requestReply call
// instead of kicking off a fresh adapter turn (spec.md §4.8).
func (m *Manager) SetBridge(agentID types.AgentIDType, bridge ReplyDeliverer) {
	rec := m.record(agentID)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	rec.bridge = bridge
	rec.mu.Unlock()
}

// RoomSnapshot returns the last room-context snapshot pushed for
// (agentID, roomID), or nil if none has arrived yet. Backs the MCP
// bridge's getRoomMessages/listRoomMembers endpoints, which read
// straight out of the cache rather than round-tripping to the broker.
func (m *Manager) RoomSnapshot(agentID types.AgentIDType, roomID types.RoomIDType) *types.RoomContextSnapshot {
	rec := m.record(agentID)
	if rec == nil {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	entry, ok := rec.contexts[roomID]
	if !ok {
		return nil
	}
	snapshot := entry.snapshot
	return &snapshot
}

// HandleDispatch processes one server:send_to_agent dispatch: immediate
// if the adapter is idle, enqueued (bounded) if busy (spec.md §4.3). A
// dispatch whose conversation id matches an outstanding MCP bridge
// requestReply call is handed to the bridge instead of starting a new
// turn (spec.md §4.8).
func (m *Manager) HandleDispatch(ctx context.Context, d routing.Dispatch) {
	rec := m.record(d.AgentID)
	if rec == nil {
		logging.Warn(ctx, "dispatch for unknown local agent", zap.String("agent_id", string(d.AgentID)))
		return
	}

	rec.mu.Lock()
	bridge := rec.bridge
	rec.mu.Unlock()
	if bridge != nil && bridge.Deliver(dispatchToMessage(d)) {
		return
	}

	rec.mu.Lock()
	if rec.adapter.IsRunning() {
		if len(rec.queue) >= MaxAgentQueueSize {
			rec.mu.Unlock()
			metrics.QueueOverflow.Inc()
			m.emitOverflow(d)
			return
		}
		rec.queue = append(rec.queue, d)
		depth := len(rec.queue)
		rec.mu.Unlock()
		m.pushStatus(rec, types.AgentStatusBusy, depth)
		return
	}
	rec.mu.Unlock()

	m.dispatchNow(ctx, rec, d)
}

// emitOverflow responds to a dropped dispatch with a synthetic
// message_complete carrying an error chunk, per spec.md §4.3.
func (m *Manager) emitOverflow(d routing.Dispatch) {
	if m.link == nil {
		return
	}
	m.link.SendMessageChunk(d.AgentID, d.RoomID, d.MessageID, types.ParsedChunk{
		Variant: types.ChunkError,
		Content: "agent queue full, message dropped",
	})
	m.link.SendMessageComplete(d.AgentID, d.RoomID, d.MessageID, "", d.ConversationID, d.Depth)
}

// dispatchNow assembles the prompt and kicks off the adapter turn.
func (m *Manager) dispatchNow(ctx context.Context, rec *agentRecord, d routing.Dispatch) {
	m.pushStatus(rec, types.AgentStatusBusy, m.queueDepth(rec))

	prompt := m.assemblePrompt(rec, d)

	var chunks []types.ParsedChunk
	var mu sync.Mutex

	onChunk := func(c types.ParsedChunk) {
		mu.Lock()
		chunks = append(chunks, c)
		mu.Unlock()
		if m.link != nil {
			m.link.SendMessageChunk(d.AgentID, d.RoomID, d.MessageID, c)
		}
	}

	onComplete := func(fullContent string) {
		m.completeTurn(ctx, rec, d, fullContent)
	}

	onError := func(err error) {
		if m.link != nil {
			m.link.SendMessageChunk(d.AgentID, d.RoomID, d.MessageID, types.ParsedChunk{
				Variant: types.ChunkError, Content: err.Error(),
			})
		}
		m.completeTurn(ctx, rec, d, "")
	}

	onPermissionRequest := m.buildPermissionCallback(rec, d.RoomID)

	go func() {
		if err := rec.adapter.SendMessage(ctx, prompt, onChunk, onComplete, onError, onPermissionRequest); err != nil {
			onError(err)
		}
	}()
}

// completeTurn runs the completion epilogue (spec.md §4.3: a bounded
// workspace probe appended as a workspace_status chunk), reports the
// turn as done, and advances the queue.
func (m *Manager) completeTurn(ctx context.Context, rec *agentRecord, d routing.Dispatch, fullContent string) {
	rec.mu.Lock()
	workingDir := rec.agent.WorkingDir
	rec.mu.Unlock()

	if workingDir != "" && m.prober != nil {
		probeCtx, cancel := context.WithTimeout(ctx, workspaceProbeBudget)
		status, err := m.prober.Probe(probeCtx, workingDir)
		cancel()
		if err == nil && status != nil && m.link != nil {
			m.link.SendMessageChunk(d.AgentID, d.RoomID, d.MessageID, types.ParsedChunk{
				Variant: types.ChunkWorkspaceStatus,
				Content: fmt.Sprintf("%s: %d file(s) changed", status.Branch, status.FilesChanged),
			})
		}
	}

	if m.link != nil {
		m.link.SendMessageComplete(d.AgentID, d.RoomID, d.MessageID, fullContent, d.ConversationID, d.Depth)
	}

	if m.sessions != nil {
		if sessionID := rec.adapter.SessionID(); sessionID != "" {
			if err := m.sessions.Set(d.AgentID, sessionID); err != nil {
				logging.Warn(ctx, "failed to persist agent session id", zap.String("agent_id", string(d.AgentID)), zap.Error(err))
			}
		}
	}

	m.advanceQueue(ctx, rec)
}

// advanceQueue dispatches the next queued item, if any, else reports
// the agent idle (spec.md §4.3: "after every completion... the next
// queued item is dispatched").
func (m *Manager) advanceQueue(ctx context.Context, rec *agentRecord) {
	rec.mu.Lock()
	if len(rec.queue) == 0 {
		rec.mu.Unlock()
		m.pushStatus(rec, types.AgentStatusOnline, 0)
		return
	}
	next := rec.queue[0]
	rec.queue = rec.queue[1:]
	depth := len(rec.queue)
	rec.mu.Unlock()

	m.pushStatus(rec, types.AgentStatusBusy, depth)
	m.dispatchNow(ctx, rec, next)
}

func (m *Manager) queueDepth(rec *agentRecord) int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.queue)
}

func (m *Manager) pushStatus(rec *agentRecord, status types.AgentStatus, queueDepth int) {
	rec.mu.Lock()
	rec.status = status
	rec.agent.Status = status
	rec.agent.QueueDepth = queueDepth
	agentID := rec.agent.ID
	rec.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(string(agentID)).Set(float64(queueDepth))
	if m.link != nil {
		m.link.SendAgentStatus(agentID, status, queueDepth)
	}
}

// assemblePrompt builds the turn's input from: optional system prompt
// -> optional recent-message transcript -> sender attribution -> user
// content (spec.md §4.3). The exact format is a contract with the
// adapter, not the wire protocol, so it's plain text rather than JSON.
func (m *Manager) assemblePrompt(rec *agentRecord, d routing.Dispatch) string {
	rec.mu.Lock()
	entry, ok := rec.contexts[d.RoomID]
	if ok {
		entry.touchedAt = time.Now()
	}
	rec.mu.Unlock()

	var b strings.Builder
	if ok && entry.snapshot.SystemPrompt != "" {
		b.WriteString(entry.snapshot.SystemPrompt)
		b.WriteString("\n\n")
	}
	if ok && len(entry.snapshot.RecentMessages) > 0 {
		recent := entry.snapshot.RecentMessages
		if len(recent) > recentTranscriptSize {
			recent = recent[len(recent)-recentTranscriptSize:]
		}
		for _, msg := range recent {
			fmt.Fprintf(&b, "%s: %s\n", msg.SenderName, msg.Content)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "%s: %s", d.SenderName, d.Content)
	return b.String()
}

// sweepLoop periodically evicts (agentId, roomId) context entries idle
// past contextIdleEvict (spec.md §4.3).
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.sweepStop:
			return
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	recs := make([]*agentRecord, 0, len(m.agents))
	for _, rec := range m.agents {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	cutoff := time.Now().Add(-contextIdleEvict)
	for _, rec := range recs {
		rec.mu.Lock()
		for roomID, entry := range rec.contexts {
			if entry.touchedAt.Before(cutoff) {
				delete(rec.contexts, roomID)
			}
		}
		rec.mu.Unlock()
	}
}

// DisposeAll stops every adapter, racing the disposal set against a
// 10s timeout, cancels every pending permission as deny, and clears
// all in-memory state (spec.md §4.3: graceful shutdown).
func (m *Manager) DisposeAll(ctx context.Context) error {
	close(m.sweepStop)
	m.permissions.Cancel()

	m.mu.Lock()
	recs := make([]*agentRecord, 0, len(m.agents))
	for _, rec := range m.agents {
		recs = append(recs, rec)
	}
	m.agents = make(map[types.AgentIDType]*agentRecord)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, rec := range recs {
			wg.Add(1)
			go func(r *agentRecord) {
				defer wg.Done()
				_ = r.adapter.Stop(ctx)
				_ = r.adapter.Dispose()
			}(rec)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("agent manager shutdown timed out waiting for adapter disposal")
	}
}

// dispatchToMessage reconstructs the types.Message shape a bridge's
// Deliver expects from the Dispatch envelope HandleDispatch receives -
// the two carry the same conversation/content fields, just wrapped
// differently for their respective wire frames.
func dispatchToMessage(d routing.Dispatch) types.Message {
	return types.Message{
		ID:             d.MessageID,
		RoomID:         d.RoomID,
		SenderType:     d.SenderType,
		SenderName:     d.SenderName,
		Content:        d.Content,
		ConversationID: d.ConversationID,
		Depth:          d.Depth,
	}
}
