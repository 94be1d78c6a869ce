// Package transport implements the Broker Hub (spec.md §4.1): the
// client-surface and gateway-surface WebSocket endpoints, the frame
// envelope they speak, and the in-memory registries that let the
// routing engine and agent manager reach a connected socket by id.
// Adapted from the teacher's internal/v1/transport.Hub: same
// extractToken/validateOrigin/upgradeWebSocket handshake split, same
// getOrCreateRoom/removeRoom grace-period eviction via time.AfterFunc.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/NoPKT/agentim/internal/logging"
	"github.com/NoPKT/agentim/internal/metrics"
	"github.com/NoPKT/agentim/internal/ratelimit"
	"github.com/NoPKT/agentim/internal/room"
	"github.com/NoPKT/agentim/internal/routing"
	"github.com/NoPKT/agentim/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub is the central coordinator for every Room, client socket, and
// gateway socket in the broker process.
type Hub struct {
	mu                  sync.RWMutex
	rooms               map[types.RoomIDType]*room.Room
	pendingRoomCleanups map[types.RoomIDType]*time.Timer
	cleanupGracePeriod  time.Duration

	clientsByUser  map[types.UserIDType]map[*ClientSocket]struct{}
	clientsByRoom  map[types.RoomIDType]map[*ClientSocket]struct{}
	gatewaysByUser map[types.UserIDType]map[*GatewaySocket]struct{}
	gatewayByAgent map[types.AgentIDType]*GatewaySocket
	agentsByID     map[types.AgentIDType]types.Agent

	// pendingPermissions indexes an outstanding permission request by
	// id so a client's decision can be relayed back to the agent's
	// owning gateway without trusting whatever agentId the client
	// claims (spec.md §4.5).
	pendingPermissions map[string]permissionRoute

	// pendingWorkspace holds the reply channel for an in-flight
	// server:request_workspace round trip, keyed by agent id since
	// gateway:workspace_response carries no requestId of its own - a
	// second on-demand probe while one is outstanding replaces the
	// first caller's waiter.
	pendingWorkspace map[types.AgentIDType]chan workspaceResult

	clientValidator  types.TokenValidator
	gatewayValidator types.TokenValidator
	revocation       types.RevocationChecker
	connLimiter      *ratelimit.ConnectionLimiter
	engine           *routing.Engine
	allowedOrigins   []string
	devMode          bool
}

// NewHub builds a Hub with its collaborators already wired.
func NewHub(clientValidator, gatewayValidator types.TokenValidator, revocation types.RevocationChecker, connLimiter *ratelimit.ConnectionLimiter, engine *routing.Engine, allowedOrigins []string, devMode bool) *Hub {
	return &Hub{
		rooms:               make(map[types.RoomIDType]*room.Room),
		pendingRoomCleanups: make(map[types.RoomIDType]*time.Timer),
		cleanupGracePeriod:  5 * time.Second,
		clientsByUser:       make(map[types.UserIDType]map[*ClientSocket]struct{}),
		clientsByRoom:       make(map[types.RoomIDType]map[*ClientSocket]struct{}),
		gatewaysByUser:      make(map[types.UserIDType]map[*GatewaySocket]struct{}),
		gatewayByAgent:      make(map[types.AgentIDType]*GatewaySocket),
		agentsByID:          make(map[types.AgentIDType]types.Agent),
		pendingPermissions:  make(map[string]permissionRoute),
		pendingWorkspace:    make(map[types.AgentIDType]chan workspaceResult),
		clientValidator:     clientValidator,
		gatewayValidator:    gatewayValidator,
		revocation:          revocation,
		connLimiter:         connLimiter,
		engine:              engine,
		allowedOrigins:      allowedOrigins,
		devMode:             devMode,
	}
}

// --- handshake plumbing, shared by both surfaces ---

func extractToken(c *gin.Context) string {
	if headerVal := c.GetHeader("Sec-WebSocket-Protocol"); headerVal != "" {
		for _, p := range strings.Split(headerVal, ",") {
			p = strings.TrimSpace(p)
			if p != "" && p != "access_token" {
				return p
			}
		}
	}
	return c.Query("token")
}

func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin url: %w", err)
	}
	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func (h *Hub) upgrade(c *gin.Context) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
	}
	return upgrader.Upgrade(c.Writer, c.Request, nil)
}

// --- client surface (spec.md §4.1 client<->broker) ---

// ServeClientWs authenticates and upgrades a client-surface connection.
func (h *Hub) ServeClientWs(c *gin.Context) {
	ctx := c.Request.Context()

	token := extractToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.clientValidator.ValidateToken(token)
	if err != nil {
		logging.Warn(ctx, "client token validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	if h.revocation != nil && h.revocation.IsRevoked(ctx, claims.Subject, claims.IssuedAt) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token revoked"})
		return
	}
	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}
	if h.connLimiter != nil && !h.connLimiter.AllowClient(ctx, claims.Subject) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}

	conn, err := h.upgrade(c)
	if err != nil {
		logging.Error(ctx, "client websocket upgrade failed", zap.Error(err))
		return
	}

	displayName := claims.Name
	if displayName == "" {
		displayName = claims.Subject
	}

	userID := types.UserIDType(claims.Subject)
	client := newClientSocket(conn, userID, displayName, h.onClientDisconnect, h.routeClientFrame)

	h.mu.Lock()
	if h.clientsByUser[userID] == nil {
		h.clientsByUser[userID] = make(map[*ClientSocket]struct{})
	}
	h.clientsByUser[userID][client] = struct{}{}
	h.mu.Unlock()

	metrics.ActiveClientConnections.Inc()
	logging.Info(ctx, "client connected", zap.String("user_id", claims.Subject))

	go client.writePump()
	go client.readPump(context.Background())
}

func (h *Hub) onClientDisconnect(c *ClientSocket) {
	h.mu.Lock()
	if set, ok := h.clientsByUser[c.UserID()]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clientsByUser, c.UserID())
		}
	}
	roomID := c.CurrentRoom()
	if roomID != "" {
		if set, ok := h.clientsByRoom[roomID]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.clientsByRoom, roomID)
			}
		}
	}
	h.mu.Unlock()

	if roomID != "" {
		if r := h.roomIfExists(roomID); r != nil {
			if empty := r.RemoveMember(string(c.UserID())); empty {
				h.removeRoom(roomID)
			}
		}
	}
}

// --- wire payload shapes decoded from/encoded to Frame.Raw ---

type clientJoinRoomPayload struct {
	RoomID string `json:"roomId"`
}

type clientSendMessagePayload struct {
	RoomID      string             `json:"roomId"`
	Content     string             `json:"content"`
	ReplyTo     string             `json:"replyTo,omitempty"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
}

type clientTypingPayload struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

type serverMessagePayload struct {
	Type    string        `json:"type"`
	Message types.Message `json:"message"`
}

type serverRoomContextPayload struct {
	Type    string                     `json:"type"`
	Context types.RoomContextSnapshot `json:"context"`
}

type serverTypingPayload struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type clientAgentCommandPayload struct {
	AgentID string `json:"agentId"`
	Command string `json:"command"` // "stop" | "remove" (spec.md §4.4)
}

type serverAgentCommandResultPayload struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

type serverStopAgentPayload struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
}

type serverRemoveAgentPayload struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
}

type clientQueryAgentInfoPayload struct {
	RoomID  string `json:"roomId"`
	AgentID string `json:"agentId,omitempty"`
}

type serverAgentInfoPayload struct {
	Type   string        `json:"type"`
	Agents []types.Agent `json:"agents"`
}

// clientPermissionRespPayload is the human's allow/deny decision,
// identified by the same requestId the server:permission_request
// carried. AgentID is intentionally absent: the owning gateway is
// resolved from pendingPermissions, not from anything the client
// claims.
type clientPermissionRespPayload struct {
	RequestID string                    `json:"requestId"`
	Decision  types.PermissionDecision `json:"decision"`
}

// serverPermissionRespPayload is the broker's echo of a resolved
// permission request, broadcast to the whole room so every connected
// client sees the outcome even if another tab made the decision.
type serverPermissionRespPayload struct {
	Type      string                    `json:"type"`
	RequestID string                    `json:"requestId"`
	Decision  types.PermissionDecision `json:"decision"`
}

func (h *Hub) routeClientFrame(ctx context.Context, from *ClientSocket, data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		logging.Warn(ctx, "malformed client frame, closing socket", zap.Error(err))
		from.Disconnect()
		return
	}

	switch frame.Type {
	case TypeClientJoinRoom:
		var p clientJoinRoomPayload
		if json.Unmarshal(frame.Raw, &p) != nil || p.RoomID == "" {
			return
		}
		h.handleJoinRoom(ctx, from, types.RoomIDType(p.RoomID))

	case TypeClientLeaveRoom:
		var p clientJoinRoomPayload
		if json.Unmarshal(frame.Raw, &p) != nil || p.RoomID == "" {
			return
		}
		h.handleLeaveRoom(from, types.RoomIDType(p.RoomID))

	case TypeClientSendMessage:
		var p clientSendMessagePayload
		if json.Unmarshal(frame.Raw, &p) != nil || p.RoomID == "" {
			return
		}
		h.handleSendMessage(ctx, from, p)

	case TypeClientTyping:
		var p clientTypingPayload
		if json.Unmarshal(frame.Raw, &p) != nil || p.RoomID == "" {
			return
		}
		h.broadcastToRoom(types.RoomIDType(p.RoomID), serverTypingPayload{
			Type: TypeServerTyping, RoomID: p.RoomID, UserID: string(from.UserID()), IsTyping: p.IsTyping,
		}, from)

	case TypeClientAgentCommand:
		var p clientAgentCommandPayload
		if json.Unmarshal(frame.Raw, &p) != nil || p.AgentID == "" {
			return
		}
		h.handleAgentCommand(ctx, from, p)

	case TypeClientQueryAgentInfo:
		var p clientQueryAgentInfoPayload
		if json.Unmarshal(frame.Raw, &p) != nil || p.RoomID == "" {
			return
		}
		h.handleQueryAgentInfo(from, p)

	case TypeClientPermissionResp:
		var p clientPermissionRespPayload
		if json.Unmarshal(frame.Raw, &p) != nil || p.RequestID == "" {
			return
		}
		h.handlePermissionResponse(ctx, p)

	default:
		logging.Warn(ctx, "unhandled client frame type", zap.String("type", frame.Type))
	}
}

// handleAgentCommand relays a stop/remove command to the agent's
// owning gateway and echoes the outcome back to the requesting client
// (spec.md §4.4: "stop_agent interrupts the current turn... remove_agent
// additionally tears down the adapter and unregisters").
func (h *Hub) handleAgentCommand(ctx context.Context, from *ClientSocket, p clientAgentCommandPayload) {
	agentID := types.AgentIDType(p.AgentID)
	var payload any
	switch p.Command {
	case "stop":
		payload = serverStopAgentPayload{Type: TypeServerStopAgent, AgentID: p.AgentID}
	case "remove":
		payload = serverRemoveAgentPayload{Type: TypeServerRemoveAgent, AgentID: p.AgentID}
	default:
		_ = from.Send(serverAgentCommandResultPayload{
			Type: TypeServerAgentCmdResult, AgentID: p.AgentID, Command: p.Command,
			OK: false, Error: "unknown command",
		})
		return
	}

	result := serverAgentCommandResultPayload{Type: TypeServerAgentCmdResult, AgentID: p.AgentID, Command: p.Command, OK: true}
	if err := h.SendToAgent(agentID, payload); err != nil {
		logging.Warn(ctx, "agent command could not be delivered", zap.String("agent_id", p.AgentID), zap.Error(err))
		result.OK = false
		result.Error = err.Error()
	}
	_ = from.Send(result)
}

// handleQueryAgentInfo answers directly from the in-memory agent
// registry - no gateway round trip needed since the broker already
// tracks every registered agent's status and queue depth.
func (h *Hub) handleQueryAgentInfo(from *ClientSocket, p clientQueryAgentInfoPayload) {
	r := h.roomIfExists(types.RoomIDType(p.RoomID))
	if r == nil {
		_ = from.Send(serverAgentInfoPayload{Type: TypeServerAgentInfo, Agents: nil})
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	var agents []types.Agent
	if p.AgentID != "" {
		if a, ok := h.agentsByID[types.AgentIDType(p.AgentID)]; ok {
			agents = append(agents, a)
		}
	} else {
		for _, m := range r.Members() {
			if m.Type != types.SenderTypeAgent {
				continue
			}
			if a, ok := h.agentsByID[types.AgentIDType(m.ID)]; ok {
				agents = append(agents, a)
			}
		}
	}
	_ = from.Send(serverAgentInfoPayload{Type: TypeServerAgentInfo, Agents: agents})
}

// handlePermissionResponse relays a human's allow/deny decision to the
// agent's owning gateway and echoes the resolution to the whole room.
// An unknown or already-resolved requestId (e.g. two tabs racing each
// other, or a request that already timed out) is a silent no-op.
func (h *Hub) handlePermissionResponse(ctx context.Context, p clientPermissionRespPayload) {
	h.mu.Lock()
	route, ok := h.pendingPermissions[p.RequestID]
	if ok {
		delete(h.pendingPermissions, p.RequestID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	if err := h.SendToAgent(route.AgentID, gatewayPermissionRespPayload{
		Type: TypeGatewayPermissionResp, RequestID: p.RequestID, Decision: p.Decision,
	}); err != nil {
		logging.Warn(ctx, "permission response could not be delivered to gateway", zap.String("request_id", p.RequestID), zap.Error(err))
	}

	h.broadcastToRoom(route.RoomID, serverPermissionRespPayload{
		Type: TypeServerPermissionResp, RequestID: p.RequestID, Decision: p.Decision,
	}, nil)
}

func (h *Hub) handleJoinRoom(ctx context.Context, from *ClientSocket, roomID types.RoomIDType) {
	r := h.getOrCreateRoom(roomID)
	r.AddMember(types.Member{
		ID:   string(from.UserID()),
		Type: types.SenderTypeUser,
		Name: from.DisplayName(),
		Role: types.RoleMember,
	})

	h.mu.Lock()
	if h.clientsByRoom[roomID] == nil {
		h.clientsByRoom[roomID] = make(map[*ClientSocket]struct{})
	}
	h.clientsByRoom[roomID][from] = struct{}{}
	h.mu.Unlock()
	from.SetCurrentRoom(roomID)

	snapshot := types.RoomContextSnapshot{
		RoomID:         roomID,
		RoomName:       r.Name(),
		SystemPrompt:   r.SystemPrompt(),
		Members:        r.Members(),
		RecentMessages: r.RecentMessages(50),
		PushedAt:       time.Now(),
	}
	if err := from.Send(serverRoomContextPayload{Type: TypeServerRoomContext, Context: snapshot}); err != nil {
		logging.Warn(ctx, "failed to push room context", zap.Error(err))
	}
}

func (h *Hub) handleLeaveRoom(from *ClientSocket, roomID types.RoomIDType) {
	h.mu.Lock()
	if set, ok := h.clientsByRoom[roomID]; ok {
		delete(set, from)
		if len(set) == 0 {
			delete(h.clientsByRoom, roomID)
		}
	}
	h.mu.Unlock()
	from.SetCurrentRoom("")

	if r := h.roomIfExists(roomID); r != nil {
		if empty := r.RemoveMember(string(from.UserID())); empty {
			h.removeRoom(roomID)
		}
	}
}

func (h *Hub) handleSendMessage(ctx context.Context, from *ClientSocket, p clientSendMessagePayload) {
	roomID := types.RoomIDType(p.RoomID)
	r := h.roomIfExists(roomID)
	if r == nil || !r.IsMember(string(from.UserID())) {
		return
	}

	msg := types.Message{
		ID:          types.MessageIDType(uuid.NewString()),
		RoomID:      roomID,
		SenderID:    string(from.UserID()),
		SenderType:  types.SenderTypeUser,
		SenderName:  from.DisplayName(),
		Content:     p.Content,
		Attachments: p.Attachments,
		ReplyTo:     types.MessageIDType(p.ReplyTo),
		CreatedAt:   time.Now(),
	}
	r.AppendMessage(msg)
	h.broadcastToRoom(roomID, serverMessagePayload{Type: TypeServerMessage, Message: msg}, nil)

	if h.engine == nil {
		return
	}
	snapshot := r.Snapshot()
	dispatches, _ := h.engine.RouteUserMessage(ctx, &snapshot, msg)
	for _, d := range dispatches {
		h.sendDispatch(ctx, d)
	}
}

// broadcastToRoom fans payload out to every client socket currently
// joined to roomID. If exclude is non-nil, that socket is skipped
// (used for typing indicators, which a client doesn't need echoed).
func (h *Hub) broadcastToRoom(roomID types.RoomIDType, payload any, exclude *ClientSocket) {
	h.mu.RLock()
	set := h.clientsByRoom[roomID]
	sockets := make([]*ClientSocket, 0, len(set))
	for s := range set {
		if s != exclude {
			sockets = append(sockets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range sockets {
		_ = s.Send(payload)
	}
}

// --- gateway surface (spec.md §4.1 gateway<->broker) ---

type gatewayRegisterAgentPayload struct {
	Agent types.Agent `json:"agent"`
}

type gatewayUnregisterAgentPayload struct {
	AgentID string `json:"agentId"`
}

type gatewayAgentStatusPayload struct {
	AgentID    string            `json:"agentId"`
	Status     types.AgentStatus `json:"status"`
	QueueDepth int               `json:"queueDepth"`
}

type gatewayMessageChunkPayload struct {
	AgentID   string             `json:"agentId"`
	RoomID    string             `json:"roomId"`
	MessageID string             `json:"messageId"`
	Chunk     types.ParsedChunk `json:"chunk"`
}

type gatewayMessageCompletePayload struct {
	AgentID        string `json:"agentId"`
	RoomID         string `json:"roomId"`
	MessageID      string `json:"messageId"`
	Content        string `json:"content"`
	ConversationID string `json:"conversationId"`
	Depth          int    `json:"depth"`
}

type serverMessageChunkPayload struct {
	Type      string            `json:"type"`
	AgentID   string            `json:"agentId"`
	RoomID    string            `json:"roomId"`
	MessageID string            `json:"messageId"`
	Chunk     types.ParsedChunk `json:"chunk"`
}

type serverSendToAgentPayload struct {
	Type     string            `json:"type"`
	Dispatch routing.Dispatch `json:"dispatch"`
}

// gatewayServerRoomContextPayload is the gateway-surface shape of
// server:room_context - unlike the client-surface serverRoomContextPayload,
// it names the agent the snapshot is for, since a gateway's
// agentmgr.Manager keys its context cache per (agentId, roomId).
type gatewayServerRoomContextPayload struct {
	Type    string                     `json:"type"`
	AgentID string                     `json:"agentId"`
	Context types.RoomContextSnapshot `json:"context"`
}

// permissionRoute is what the Hub remembers about an outstanding
// permission request so it can relay the eventual decision back to the
// right gateway and the right room without re-deriving either from a
// client-supplied value.
type permissionRoute struct {
	AgentID  types.AgentIDType
	RoomID   types.RoomIDType
	Deadline time.Time
}

type gatewayPermissionReqPayload struct {
	Request types.PermissionRequest `json:"request"`
}

type serverPermissionReqPayload struct {
	Type    string                    `json:"type"`
	Request types.PermissionRequest `json:"request"`
}

type gatewayPermissionRespPayload struct {
	Type      string                    `json:"type"`
	RequestID string                    `json:"requestId"`
	Decision  types.PermissionDecision `json:"decision"`
}

// ServeGatewayWs authenticates and upgrades a gateway-surface connection.
func (h *Hub) ServeGatewayWs(c *gin.Context) {
	ctx := c.Request.Context()

	token := extractToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.gatewayValidator.ValidateToken(token)
	if err != nil || claims.GatewayID == "" {
		logging.Warn(ctx, "gateway token validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid gateway token"})
		return
	}
	if h.revocation != nil && h.revocation.IsRevoked(ctx, claims.Subject, claims.IssuedAt) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token revoked"})
		return
	}
	if h.connLimiter != nil && !h.connLimiter.AllowGateway(ctx, claims.GatewayID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}

	conn, err := h.upgrade(c)
	if err != nil {
		logging.Error(ctx, "gateway websocket upgrade failed", zap.Error(err))
		return
	}

	userID := types.UserIDType(claims.Subject)
	gatewayID := types.GatewayIDType(claims.GatewayID)
	gw := newGatewaySocket(conn, gatewayID, userID, h.onGatewayDisconnect, h.routeGatewayFrame)

	h.mu.Lock()
	if h.gatewaysByUser[userID] == nil {
		h.gatewaysByUser[userID] = make(map[*GatewaySocket]struct{})
	}
	h.gatewaysByUser[userID][gw] = struct{}{}
	h.mu.Unlock()

	metrics.ActiveGatewayConnections.Inc()
	logging.Info(ctx, "gateway connected", zap.String("gateway_id", claims.GatewayID))

	go gw.writePump()
	go gw.readPump(context.Background())
}

func (h *Hub) onGatewayDisconnect(gw *GatewaySocket) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.gatewaysByUser[gw.OwnerUserID()]; ok {
		delete(set, gw)
		if len(set) == 0 {
			delete(h.gatewaysByUser, gw.OwnerUserID())
		}
	}
	for _, agentID := range gw.AgentIDs() {
		delete(h.gatewayByAgent, agentID)
		if agent, ok := h.agentsByID[agentID]; ok {
			agent.Status = types.AgentStatusOffline
			agent.LastSeenAt = time.Now()
			h.agentsByID[agentID] = agent
		}
	}
	metrics.OnlineAgents.Set(float64(len(h.gatewayByAgent)))
}

func (h *Hub) routeGatewayFrame(ctx context.Context, from *GatewaySocket, data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		logging.Warn(ctx, "malformed gateway frame, closing socket", zap.Error(err))
		from.Disconnect()
		return
	}

	switch frame.Type {
	case TypeGatewayRegisterAgent:
		var p gatewayRegisterAgentPayload
		if json.Unmarshal(frame.Raw, &p) != nil || p.Agent.ID == "" {
			return
		}
		h.mu.Lock()
		h.gatewayByAgent[p.Agent.ID] = from
		p.Agent.GatewayID = from.GatewayID()
		p.Agent.OwnerUserID = from.OwnerUserID()
		p.Agent.Status = types.AgentStatusOnline
		h.agentsByID[p.Agent.ID] = p.Agent
		h.mu.Unlock()
		from.RegisterAgent(p.Agent.ID)
		metrics.OnlineAgents.Inc()
		h.primeGatewayRoomContext(from, p.Agent.ID)

	case TypeGatewayUnregisterAgent:
		var p gatewayUnregisterAgentPayload
		if json.Unmarshal(frame.Raw, &p) != nil || p.AgentID == "" {
			return
		}
		agentID := types.AgentIDType(p.AgentID)
		h.mu.Lock()
		delete(h.gatewayByAgent, agentID)
		delete(h.agentsByID, agentID)
		h.mu.Unlock()
		from.UnregisterAgent(agentID)
		metrics.OnlineAgents.Dec()

	case TypeGatewayAgentStatus:
		var p gatewayAgentStatusPayload
		if json.Unmarshal(frame.Raw, &p) != nil || p.AgentID == "" {
			return
		}
		h.mu.Lock()
		if agent, ok := h.agentsByID[types.AgentIDType(p.AgentID)]; ok {
			agent.Status = p.Status
			agent.QueueDepth = p.QueueDepth
			agent.LastSeenAt = time.Now()
			h.agentsByID[types.AgentIDType(p.AgentID)] = agent
		}
		h.mu.Unlock()
		metrics.QueueDepth.WithLabelValues(p.AgentID).Set(float64(p.QueueDepth))

	case TypeGatewayMessageChunk:
		var p gatewayMessageChunkPayload
		if json.Unmarshal(frame.Raw, &p) != nil || p.RoomID == "" {
			return
		}
		h.broadcastToRoom(types.RoomIDType(p.RoomID), serverMessageChunkPayload{
			Type: TypeServerMessageChunk, AgentID: p.AgentID, RoomID: p.RoomID,
			MessageID: p.MessageID, Chunk: p.Chunk,
		}, nil)

	case TypeGatewayMessageComplete:
		h.handleAgentMessageComplete(ctx, frame.Raw)

	case TypeGatewayPermissionReq:
		var p gatewayPermissionReqPayload
		if json.Unmarshal(frame.Raw, &p) != nil || p.Request.ID == "" || p.Request.RoomID == "" {
			return
		}
		h.mu.Lock()
		h.pendingPermissions[p.Request.ID] = permissionRoute{
			AgentID: p.Request.AgentID, RoomID: p.Request.RoomID, Deadline: p.Request.Deadline,
		}
		h.mu.Unlock()
		h.broadcastToRoom(p.Request.RoomID, serverPermissionReqPayload{Type: TypeServerPermissionReq, Request: p.Request}, nil)

	case TypeGatewayAgentMessage:
		var p gatewayAgentMessagePayload
		if json.Unmarshal(frame.Raw, &p) != nil || p.RoomID == "" || p.AgentID == "" {
			return
		}
		h.handleAgentInitiatedMessage(ctx, p)

	case TypeGatewayWorkspaceResp:
		var p gatewayWorkspaceRespPayload
		if json.Unmarshal(frame.Raw, &p) != nil || p.AgentID == "" {
			return
		}
		h.mu.RLock()
		ch := h.pendingWorkspace[types.AgentIDType(p.AgentID)]
		h.mu.RUnlock()
		if ch == nil {
			return
		}
		select {
		case ch <- workspaceResult{Status: p.Status, Err: p.Error}:
		default:
		}

	default:
		logging.Warn(ctx, "unhandled gateway frame type", zap.String("type", frame.Type))
	}
}

// SweepPermissions drops pendingPermissions entries past their
// deadline. A request the gateway itself times out (spec.md §4.5)
// never gets an explicit client decision, so without this sweep a
// permission request whose client never answers would sit in the map
// forever.
func (h *Hub) SweepPermissions() {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, route := range h.pendingPermissions {
		if !route.Deadline.IsZero() && now.After(route.Deadline) {
			delete(h.pendingPermissions, id)
		}
	}
}

// GCOfflineAgents drops agentsByID entries that went offline (gateway
// disconnect) more than maxAge ago and never reconnected. Without this
// sweep a gateway that crashes rather than cleanly unregistering leaves
// its agents in the registry forever.
func (h *Hub) GCOfflineAgents(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, agent := range h.agentsByID {
		if agent.Status == types.AgentStatusOffline && agent.LastSeenAt.Before(cutoff) {
			delete(h.agentsByID, id)
		}
	}
}

func (h *Hub) handleAgentMessageComplete(ctx context.Context, raw json.RawMessage) {
	var p gatewayMessageCompletePayload
	if json.Unmarshal(raw, &p) != nil || p.RoomID == "" || p.AgentID == "" {
		return
	}

	roomID := types.RoomIDType(p.RoomID)
	r := h.roomIfExists(roomID)
	if r == nil {
		return
	}

	msg := types.Message{
		ID:             types.MessageIDType(p.MessageID),
		RoomID:         roomID,
		SenderID:       p.AgentID,
		SenderType:     types.SenderTypeAgent,
		SenderName:     h.agentName(types.AgentIDType(p.AgentID)),
		Content:        p.Content,
		ConversationID: types.ConversationIDType(p.ConversationID),
		Depth:          p.Depth,
		CreatedAt:      time.Now(),
	}
	r.AppendMessage(msg)
	h.broadcastToRoom(roomID, serverMessagePayload{Type: TypeServerMessage, Message: msg}, nil)

	if h.engine == nil {
		return
	}
	snapshot := r.Snapshot()
	dispatches := h.engine.RouteAgentMessage(ctx, &snapshot, types.AgentIDType(p.AgentID), msg)
	for _, d := range dispatches {
		h.sendDispatch(ctx, d)
	}
}

type gatewayAgentMessagePayload struct {
	AgentID        string `json:"agentId"`
	RoomID         string `json:"roomId"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// handleAgentInitiatedMessage persists and relays an MCP-bridge
// sendMessage/requestReply call (spec.md §4.8): same shape as an
// ordinary agent turn completion, except the conversation id is one the
// broker hasn't seen before, so routing starts a fresh chain rather
// than continuing an existing one.
func (h *Hub) handleAgentInitiatedMessage(ctx context.Context, p gatewayAgentMessagePayload) {
	roomID := types.RoomIDType(p.RoomID)
	r := h.roomIfExists(roomID)
	if r == nil {
		return
	}

	msg := types.Message{
		ID:             types.MessageIDType(uuid.NewString()),
		RoomID:         roomID,
		SenderID:       p.AgentID,
		SenderType:     types.SenderTypeAgent,
		SenderName:     h.agentName(types.AgentIDType(p.AgentID)),
		Content:        p.Content,
		ConversationID: types.ConversationIDType(p.ConversationID),
		CreatedAt:      time.Now(),
	}
	r.AppendMessage(msg)
	h.broadcastToRoom(roomID, serverMessagePayload{Type: TypeServerMessage, Message: msg}, nil)

	if h.engine == nil {
		return
	}
	snapshot := r.Snapshot()
	dispatches := h.engine.RouteAgentInitiatedMessage(ctx, &snapshot, types.AgentIDType(p.AgentID), msg)
	for _, d := range dispatches {
		h.sendDispatch(ctx, d)
	}
}

// primeGatewayRoomContext pushes a server:room_context snapshot for
// every room agentID already belongs to, so a (re)registering gateway
// has a system prompt and recent transcript to assemble its next turn
// prompt from without waiting on a fresh client message (spec.md §4.6:
// "the broker preserves room memberships... when a gateway
// reconnects").
func (h *Hub) primeGatewayRoomContext(gw *GatewaySocket, agentID types.AgentIDType) {
	h.mu.RLock()
	rooms := make([]*room.Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.RUnlock()

	for _, r := range rooms {
		if !r.IsMember(string(agentID)) {
			continue
		}
		snapshot := types.RoomContextSnapshot{
			RoomID:         r.GetID(),
			RoomName:       r.Name(),
			SystemPrompt:   r.SystemPrompt(),
			Members:        r.Members(),
			RecentMessages: r.RecentMessages(50),
			PushedAt:       time.Now(),
		}
		_ = gw.Send(gatewayServerRoomContextPayload{Type: TypeServerRoomContext, AgentID: string(agentID), Context: snapshot})
	}
}

func (h *Hub) agentName(agentID types.AgentIDType) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if a, ok := h.agentsByID[agentID]; ok {
		return a.Name
	}
	return string(agentID)
}

// sendDispatch hands a routing decision to the agent's owning gateway.
// Fails soft: an agent whose gateway has disconnected simply drops the
// dispatch. Nothing queues it for redelivery, and the gateway's Agent
// Manager never sees it.
func (h *Hub) sendDispatch(ctx context.Context, d routing.Dispatch) {
	h.mu.RLock()
	gw := h.gatewayByAgent[d.AgentID]
	h.mu.RUnlock()
	if gw == nil {
		logging.Warn(ctx, "dispatch dropped: agent has no connected gateway", zap.String("agent_id", string(d.AgentID)))
		return
	}
	if err := gw.Send(serverSendToAgentPayload{Type: TypeServerSendToAgent, Dispatch: d}); err != nil {
		logging.Warn(ctx, "failed to send dispatch to gateway", zap.String("agent_id", string(d.AgentID)), zap.Error(err))
	}
}

// SendToAgent pushes an arbitrary payload (e.g. a permission request or
// stop/remove command) to the gateway hosting agentID. Fails soft.
func (h *Hub) SendToAgent(agentID types.AgentIDType, payload any) error {
	h.mu.RLock()
	gw := h.gatewayByAgent[agentID]
	h.mu.RUnlock()
	if gw == nil {
		return fmt.Errorf("agent %s has no connected gateway", agentID)
	}
	return gw.Send(payload)
}

// workspaceResult is what a gateway:workspace_response delivers back
// to whichever caller is waiting on RequestWorkspace.
type workspaceResult struct {
	Status *types.WorkspaceStatus
	Err    string
}

type serverRequestWorkspacePayload struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
}

type gatewayWorkspaceRespPayload struct {
	Type    string                 `json:"type"`
	AgentID string                 `json:"agentId"`
	Status  *types.WorkspaceStatus `json:"status"`
	Error   string                 `json:"error"`
}

// requestWorkspaceTimeout bounds RequestWorkspace's wait for the
// gateway's reply, mirroring the same 15s budget the Agent Manager
// gives its own post-turn probe (spec.md §4.7).
const requestWorkspaceTimeout = 15 * time.Second

// RequestWorkspace asks agentID's gateway for an on-demand workspace
// probe (directory listing / VCS status for the web UI), blocking
// until gateway:workspace_response arrives or requestWorkspaceTimeout
// elapses. Not yet reachable from any wire frame - the client surface
// has no dedicated "browse workspace" tag (spec.md's catalog names
// only the gateway-facing server:request_workspace/gateway:workspace_response
// pair), so this sits ready for the REST agents surface (§6) to call
// once that's built.
func (h *Hub) RequestWorkspace(ctx context.Context, agentID types.AgentIDType) (*types.WorkspaceStatus, error) {
	h.mu.Lock()
	gw := h.gatewayByAgent[agentID]
	if gw == nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("agent %s has no connected gateway", agentID)
	}
	ch := make(chan workspaceResult, 1)
	h.pendingWorkspace[agentID] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if h.pendingWorkspace[agentID] == ch {
			delete(h.pendingWorkspace, agentID)
		}
		h.mu.Unlock()
	}()

	if err := gw.Send(serverRequestWorkspacePayload{Type: TypeServerRequestWorkspace, AgentID: string(agentID)}); err != nil {
		return nil, fmt.Errorf("failed to request workspace probe: %w", err)
	}

	timer := time.NewTimer(requestWorkspaceTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Err != "" {
			return nil, fmt.Errorf("workspace probe failed: %s", res.Err)
		}
		return res.Status, nil
	case <-timer.C:
		return nil, fmt.Errorf("workspace probe timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendToClients pushes payload to every client socket joined to roomID.
func (h *Hub) SendToClients(roomID types.RoomIDType, payload any) {
	h.broadcastToRoom(roomID, payload, nil)
}

// Broadcast pushes payload to every client socket owned by userID
// (e.g. a user with multiple tabs open).
func (h *Hub) Broadcast(userID types.UserIDType, payload any) {
	h.mu.RLock()
	set := h.clientsByUser[userID]
	sockets := make([]*ClientSocket, 0, len(set))
	for s := range set {
		sockets = append(sockets, s)
	}
	h.mu.RUnlock()

	for _, s := range sockets {
		_ = s.Send(payload)
	}
}

// --- room registry, mirroring the teacher's grace-period eviction ---

func (h *Hub) roomIfExists(roomID types.RoomIDType) *room.Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[roomID]
}

func (h *Hub) getOrCreateRoom(roomID types.RoomIDType) *room.Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[roomID]; ok {
		if timer, pending := h.pendingRoomCleanups[roomID]; pending {
			timer.Stop()
			delete(h.pendingRoomCleanups, roomID)
		}
		return r
	}

	r := room.New(roomID, string(roomID), false, "", h.removeRoom)
	h.rooms[roomID] = r
	metrics.ActiveRooms.Inc()
	return r
}

func (h *Hub) removeRoom(roomID types.RoomIDType) {
	h.mu.Lock()
	if existing, ok := h.pendingRoomCleanups[roomID]; ok {
		existing.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}

	timer := time.AfterFunc(h.cleanupGracePeriod, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if r, ok := h.rooms[roomID]; ok && len(r.Members()) == 0 {
			delete(h.rooms, roomID)
			delete(h.pendingRoomCleanups, roomID)
			metrics.ActiveRooms.Dec()
		} else {
			delete(h.pendingRoomCleanups, roomID)
		}
	})
	h.pendingRoomCleanups[roomID] = timer
	h.mu.Unlock()
}

// Shutdown disconnects every connected socket. Callers should stop
// accepting new connections before calling this.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for roomID, timer := range h.pendingRoomCleanups {
		timer.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}

	var clients []*ClientSocket
	for _, set := range h.clientsByUser {
		for c := range set {
			clients = append(clients, c)
		}
	}
	var gateways []*GatewaySocket
	for _, set := range h.gatewaysByUser {
		for g := range set {
			gateways = append(gateways, g)
		}
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Disconnect()
	}
	for _, g := range gateways {
		g.Disconnect()
	}

	logging.Info(ctx, "hub shutdown complete", zap.Int("clients_closed", len(clients)), zap.Int("gateways_closed", len(gateways)))
	return nil
}
