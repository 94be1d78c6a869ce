// Package routing implements the routing engine (spec.md §4.2): mention
// parsing, routing-mode resolution (direct/broadcast/none), AI Router
// broadcast sub-routing, and the chain-depth/cycle/rate-limit safety
// invariants for agent-to-agent relays.
package routing

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/NoPKT/agentim/internal/logging"
	"github.com/NoPKT/agentim/internal/metrics"
	"github.com/NoPKT/agentim/internal/ratelimit"
	"github.com/NoPKT/agentim/internal/types"
	"github.com/NoPKT/agentim/pkg/airouter"
	"go.uber.org/zap"
)

// Router is the external AI Router collaborator used in broadcast mode.
type Router interface {
	Route(ctx context.Context, roomID string, messages []airouter.SnapshotMessage, candidates []string) ([]string, error)
}

// Dispatch is the send_to_agent envelope (spec.md §4.2).
type Dispatch struct {
	AgentID        types.AgentIDType       `json:"agentId"`
	RoomID         types.RoomIDType        `json:"roomId"`
	MessageID      types.MessageIDType     `json:"messageId"`
	SenderType     types.SenderType        `json:"senderType"`
	SenderName     string                  `json:"senderName"`
	Content        string                  `json:"content"`
	Mentions       []string                `json:"mentions,omitempty"`
	RoutingMode    types.RoutingMode       `json:"routingMode"`
	ConversationID types.ConversationIDType `json:"conversationId"`
	Depth          int                     `json:"depth"`
	IsMentioned    bool                    `json:"isMentioned"`
}

// Engine resolves one accepted message into zero or more Dispatches.
type Engine struct {
	chains  *ChainTracker
	agentRL *ratelimit.AgentLimiter
	router  Router
}

func NewEngine(chains *ChainTracker, agentRL *ratelimit.AgentLimiter, router Router) *Engine {
	return &Engine{chains: chains, agentRL: agentRL, router: router}
}

// RouteUserMessage resolves routing for a client-originated message
// (depth 0). room provides current membership and broadcast config.
func (e *Engine) RouteUserMessage(ctx context.Context, room *types.Room, msg types.Message) ([]Dispatch, types.RoutingMode) {
	mentionNames := ParseMentions(msg.Content)
	targetIDs := ResolveMentionedMembers(mentionNames, room.Members)

	if len(targetIDs) > 0 {
		conversationID := msg.ConversationID
		if conversationID == "" {
			conversationID = newConversationID()
			e.chains.StartChain(conversationID)
		}
		return e.buildDispatches(targetIDs, msg, types.RoutingModeDirect, conversationID, 0, mentionNames), types.RoutingModeDirect
	}

	if room.BroadcastMode && e.router != nil {
		conversationID := msg.ConversationID
		if conversationID == "" {
			conversationID = newConversationID()
			e.chains.StartChain(conversationID)
		}

		candidates := agentNames(room.Members)
		selected, err := e.router.Route(ctx, string(room.ID), []airouter.SnapshotMessage{
			{SenderType: string(msg.SenderType), SenderName: msg.SenderName, Text: msg.Content},
		}, candidates)
		if err != nil {
			logging.Warn(ctx, "ai router request failed, treating as no route", zap.Error(err))
			metrics.DispatchesTotal.WithLabelValues(string(types.RoutingModeBroadcast), "router_error").Inc()
			return nil, types.RoutingModeNone
		}

		// Unknown names returned by the router are dropped (spec.md §4.2).
		selectedIDs := ResolveMentionedMembers(selected, room.Members)
		if len(selectedIDs) == 0 {
			metrics.DispatchesTotal.WithLabelValues(string(types.RoutingModeBroadcast), "no_targets").Inc()
			return nil, types.RoutingModeNone
		}
		return e.buildDispatches(selectedIDs, msg, types.RoutingModeBroadcast, conversationID, 0, nil), types.RoutingModeBroadcast
	}

	metrics.DispatchesTotal.WithLabelValues(string(types.RoutingModeNone), "persisted_only").Inc()
	return nil, types.RoutingModeNone
}

// RouteAgentMessage resolves agent-to-agent relay routing for an
// agent's message_complete (spec.md §4.2: parse mentions, exclude self,
// apply chain-depth/cycle/rate-limit guards per target).
func (e *Engine) RouteAgentMessage(ctx context.Context, room *types.Room, senderAgentID types.AgentIDType, msg types.Message) []Dispatch {
	mentionNames := ParseMentions(msg.Content)
	targetIDs := ResolveMentionedMembers(mentionNames, room.Members)

	var dispatches []Dispatch
	for _, targetID := range targetIDs {
		if targetID == string(senderAgentID) {
			continue
		}

		decision := e.chains.Evaluate(msg.ConversationID, msg.Depth, targetID)
		if !decision.Allowed {
			switch decision.SuppressedBy {
			case "depth":
				metrics.ChainDepthSuppressed.Inc()
			case "cycle":
				metrics.ChainCycleBlocked.Inc()
			}
			logging.Info(ctx, "relay suppressed",
				zap.String("conversation_id", string(msg.ConversationID)),
				zap.String("target_agent_id", targetID),
				zap.String("reason", decision.SuppressedBy))
			continue
		}

		if e.agentRL != nil && !e.agentRL.Allow(targetID) {
			metrics.AgentRateLimited.Inc()
			logging.Info(ctx, "relay persisted but not dispatched: agent rate limit exceeded",
				zap.String("target_agent_id", targetID))
			continue
		}

		e.chains.Commit(msg.ConversationID, targetID)
		dispatches = append(dispatches, Dispatch{
			AgentID:        types.AgentIDType(targetID),
			RoomID:         room.ID,
			MessageID:      msg.ID,
			SenderType:     types.SenderTypeAgent,
			SenderName:     msg.SenderName,
			Content:        msg.Content,
			Mentions:       mentionNames,
			RoutingMode:    types.RoutingModeDirect,
			ConversationID: msg.ConversationID,
			Depth:          decision.NextDepth,
			IsMentioned:    true,
		})
	}

	metrics.DispatchesTotal.WithLabelValues(string(types.RoutingModeDirect), "agent_relay").Add(float64(len(dispatches)))
	return dispatches
}

// RouteAgentInitiatedMessage resolves routing for a message an agent
// emits outside of a turn reply - the MCP bridge's sendMessage/
// requestReply (spec.md §4.8). Unlike RouteAgentMessage, which
// continues whatever conversation msg already belongs to, this mints a
// fresh chain when msg.ConversationID is empty, mirroring
// RouteUserMessage's own mint-on-first-mention behavior.
func (e *Engine) RouteAgentInitiatedMessage(ctx context.Context, room *types.Room, senderAgentID types.AgentIDType, msg types.Message) []Dispatch {
	if msg.ConversationID == "" {
		msg.ConversationID = newConversationID()
	}
	e.chains.StartChain(msg.ConversationID)
	return e.RouteAgentMessage(ctx, room, senderAgentID, msg)
}

func (e *Engine) buildDispatches(targetIDs []string, msg types.Message, mode types.RoutingMode, conversationID types.ConversationIDType, depth int, mentionNames []string) []Dispatch {
	out := make([]Dispatch, 0, len(targetIDs))
	for _, id := range targetIDs {
		e.chains.Commit(conversationID, id)
		out = append(out, Dispatch{
			AgentID:        types.AgentIDType(id),
			RoomID:         msg.RoomID,
			MessageID:      msg.ID,
			SenderType:     msg.SenderType,
			SenderName:     msg.SenderName,
			Content:        msg.Content,
			Mentions:       mentionNames,
			RoutingMode:    mode,
			ConversationID: conversationID,
			Depth:          depth,
			IsMentioned:    mode == types.RoutingModeDirect,
		})
	}
	metrics.DispatchesTotal.WithLabelValues(string(mode), "dispatched").Add(float64(len(out)))
	return out
}

func agentNames(members []types.Member) []string {
	var out []string
	for _, m := range members {
		if m.Type == types.SenderTypeAgent {
			out = append(out, m.Name)
		}
	}
	return out
}

func newConversationID() types.ConversationIDType {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return types.ConversationIDType(hex.EncodeToString(b))
}
