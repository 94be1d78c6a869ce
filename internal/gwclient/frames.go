package gwclient

import (
	"context"
	"encoding/json"

	"github.com/NoPKT/agentim/internal/logging"
	"github.com/NoPKT/agentim/internal/routing"
	"github.com/NoPKT/agentim/internal/transport"
	"github.com/NoPKT/agentim/internal/types"
	"go.uber.org/zap"
)

// --- outbound: gateway -> broker ---

type registerAgentPayload struct {
	Type  string      `json:"type"`
	Agent types.Agent `json:"agent"`
}

type unregisterAgentPayload struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
}

type agentStatusPayload struct {
	Type       string            `json:"type"`
	AgentID    string            `json:"agentId"`
	Status     types.AgentStatus `json:"status"`
	QueueDepth int               `json:"queueDepth"`
}

type messageChunkPayload struct {
	Type      string             `json:"type"`
	AgentID   string             `json:"agentId"`
	RoomID    string             `json:"roomId"`
	MessageID string             `json:"messageId"`
	Chunk     types.ParsedChunk `json:"chunk"`
}

type messageCompletePayload struct {
	Type           string `json:"type"`
	AgentID        string `json:"agentId"`
	RoomID         string `json:"roomId"`
	MessageID      string `json:"messageId"`
	Content        string `json:"content"`
	ConversationID string `json:"conversationId"`
	Depth          int    `json:"depth"`
}

type permissionReqPayload struct {
	Type    string                    `json:"type"`
	Request types.PermissionRequest `json:"request"`
}

type permissionRespPayload struct {
	Type      string                    `json:"type"`
	RequestID string                    `json:"requestId"`
	Decision  types.PermissionDecision `json:"decision"`
}

type workspaceResponsePayload struct {
	Type    string               `json:"type"`
	AgentID string               `json:"agentId"`
	Status  *types.WorkspaceStatus `json:"status,omitempty"`
	Error   string               `json:"error,omitempty"`
}

type agentMessagePayload struct {
	Type           string `json:"type"`
	AgentID        string `json:"agentId"`
	RoomID         string `json:"roomId"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// sendAgentMessage forwards an MCP-bridge sendMessage/requestReply call
// onto the broker (spec.md §4.8) under a fresh conversation id - the
// broker mints no id of its own for this path since the call is
// gateway-initiated, not a relay of something it already routed.
func (c *Client) sendAgentMessage(agentID types.AgentIDType, roomID types.RoomIDType, conversationID types.ConversationIDType, content string) {
	c.enqueue(true, agentMessagePayload{
		Type: transport.TypeGatewayAgentMessage, AgentID: string(agentID), RoomID: string(roomID),
		ConversationID: string(conversationID), Content: content,
	})
}

// RegisterAgent announces a newly-started local agent to the broker.
// cmd/gateway calls this when it starts an agent, at daemon startup or
// on an adapters.json change; a reconnect to the broker does not call
// it again, so agents are not re-registered after a reconnect.
func (c *Client) RegisterAgent(agent types.Agent) {
	c.enqueue(true, registerAgentPayload{Type: transport.TypeGatewayRegisterAgent, Agent: agent})
}

// UnregisterAgentWire announces that a local agent has been torn down.
// Named distinctly from agentmgr.Manager.UnregisterAgent since this one
// only sends a wire frame; the manager call that actually disposes the
// adapter is a separate step cmd/gateway sequences around this.
func (c *Client) UnregisterAgentWire(agentID types.AgentIDType) {
	c.enqueue(true, unregisterAgentPayload{Type: transport.TypeGatewayUnregisterAgent, AgentID: string(agentID)})
}

func (c *Client) SendAgentStatus(agentID types.AgentIDType, status types.AgentStatus, queueDepth int) {
	c.enqueue(true, agentStatusPayload{
		Type: transport.TypeGatewayAgentStatus, AgentID: string(agentID), Status: status, QueueDepth: queueDepth,
	})
}

func (c *Client) SendMessageChunk(agentID types.AgentIDType, roomID types.RoomIDType, messageID types.MessageIDType, chunk types.ParsedChunk) {
	c.enqueue(false, messageChunkPayload{
		Type: transport.TypeGatewayMessageChunk, AgentID: string(agentID), RoomID: string(roomID),
		MessageID: string(messageID), Chunk: chunk,
	})
}

func (c *Client) SendMessageComplete(agentID types.AgentIDType, roomID types.RoomIDType, messageID types.MessageIDType, content string, conversationID types.ConversationIDType, depth int) {
	c.enqueue(true, messageCompletePayload{
		Type: transport.TypeGatewayMessageComplete, AgentID: string(agentID), RoomID: string(roomID),
		MessageID: string(messageID), Content: content, ConversationID: string(conversationID), Depth: depth,
	})
}

func (c *Client) SendPermissionRequest(req types.PermissionRequest) {
	c.enqueue(true, permissionReqPayload{Type: transport.TypeGatewayPermissionReq, Request: req})
}

// SendPermissionResolved implements permission.Notifier's broker-facing
// half. Fires both when the user answers and when the gateway's own
// timeout auto-denies - in the latter case the broker's
// pendingPermissions entry has usually already expired via its own
// sweep, so this is a best-effort notice the room's clients pick up
// as the server:permission_response echo they're already listening for.
func (c *Client) SendPermissionResolved(req types.PermissionRequest, decision types.PermissionDecision) {
	c.enqueue(true, permissionRespPayload{Type: transport.TypeGatewayPermissionResp, RequestID: req.ID, Decision: decision})
}

func (c *Client) sendWorkspaceResponse(agentID types.AgentIDType, status *types.WorkspaceStatus, err error) {
	resp := workspaceResponsePayload{Type: transport.TypeGatewayWorkspaceResp, AgentID: string(agentID), Status: status}
	if err != nil {
		resp.Error = err.Error()
	}
	c.enqueue(true, resp)
}

// --- inbound: broker -> gateway ---

type sendToAgentPayload struct {
	Dispatch routing.Dispatch `json:"dispatch"`
}

type stopAgentPayload struct {
	AgentID string `json:"agentId"`
}

type removeAgentPayload struct {
	AgentID string `json:"agentId"`
}

type roomContextPayload struct {
	AgentID string                     `json:"agentId"`
	Context types.RoomContextSnapshot `json:"context"`
}

type incomingPermissionRespPayload struct {
	RequestID string                    `json:"requestId"`
	Decision  types.PermissionDecision `json:"decision"`
}

type requestWorkspacePayload struct {
	AgentID string `json:"agentId"`
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	frame, err := transport.DecodeFrame(data)
	if err != nil {
		logging.Warn(ctx, "gwclient: malformed frame from broker", zap.Error(err))
		return
	}

	switch frame.Type {
	case transport.TypeServerSendToAgent:
		var p sendToAgentPayload
		if json.Unmarshal(frame.Raw, &p) != nil {
			return
		}
		c.manager.HandleDispatch(ctx, p.Dispatch)

	case transport.TypeServerStopAgent:
		var p stopAgentPayload
		if json.Unmarshal(frame.Raw, &p) != nil || p.AgentID == "" {
			return
		}
		if err := c.manager.StopAgent(ctx, types.AgentIDType(p.AgentID)); err != nil {
			logging.Warn(ctx, "gwclient: stop_agent failed", zap.String("agent_id", p.AgentID), zap.Error(err))
		}

	case transport.TypeServerRemoveAgent:
		var p removeAgentPayload
		if json.Unmarshal(frame.Raw, &p) != nil || p.AgentID == "" {
			return
		}
		agentID := types.AgentIDType(p.AgentID)
		if err := c.manager.UnregisterAgent(ctx, agentID); err != nil {
			logging.Warn(ctx, "gwclient: remove_agent failed", zap.String("agent_id", p.AgentID), zap.Error(err))
		}
		c.UnregisterAgentWire(agentID)

	case transport.TypeServerRoomContext:
		var p roomContextPayload
		if json.Unmarshal(frame.Raw, &p) != nil || p.AgentID == "" {
			return
		}
		c.manager.HandleRoomContext(types.AgentIDType(p.AgentID), p.Context)

	case transport.TypeGatewayPermissionResp:
		// the broker relays a resolved permission back to the owning
		// gateway under the same tag this client uses for its own
		// SendPermissionResolved notices
		// (internal/transport.handlePermissionResponse).
		var p incomingPermissionRespPayload
		if json.Unmarshal(frame.Raw, &p) != nil || p.RequestID == "" {
			return
		}
		c.manager.Permissions().Resolve(ctx, p.RequestID, p.Decision)

	case transport.TypeServerRequestWorkspace:
		var p requestWorkspacePayload
		if json.Unmarshal(frame.Raw, &p) != nil || p.AgentID == "" {
			return
		}
		c.handleRequestWorkspace(ctx, types.AgentIDType(p.AgentID))

	default:
		logging.Warn(ctx, "gwclient: unhandled frame type from broker", zap.String("type", frame.Type))
	}
}

// handleRequestWorkspace answers a server:request_workspace probe
// using the agent's working directory, as tracked by the manager's own
// registered agent record.
func (c *Client) handleRequestWorkspace(ctx context.Context, agentID types.AgentIDType) {
	workingDir := c.manager.WorkingDir(agentID)
	if workingDir == "" {
		c.sendWorkspaceResponse(agentID, nil, nil)
		return
	}
	if c.prober == nil {
		c.sendWorkspaceResponse(agentID, nil, nil)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, workspaceProbeBudget)
	defer cancel()
	status, err := c.prober.Probe(probeCtx, workingDir)
	c.sendWorkspaceResponse(agentID, status, err)
}
