// Package mcpbridge implements the Conversation Broadcast / MCP bridge
// (spec.md §4.8): a localhost-only HTTP endpoint, bound to an ephemeral
// port per agent, that lets an adapter's spawned tool subprocesses call
// back into the gateway. Every call re-enters the normal routing path
// via Link so depth/visited/rate-limit guards still apply - the bridge
// itself never talks to other agents directly.
//
// Handler registration follows the pack's loom MCP server
// (pkg/mcp/server/server.go): a method-name -> handler map dispatched
// by a single JSON-RPC-shaped endpoint, adapted here to a handful of
// plain POST and GET routes instead of the full MCP protocol envelope.
package mcpbridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/NoPKT/agentim/internal/logging"
	"github.com/NoPKT/agentim/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MaxPendingReplies bounds in-flight requestReply calls per agent (spec.md §4.8).
const MaxPendingReplies = 10

// MaxReplyTimeout bounds how long a requestReply call may wait (spec.md §4.8).
const MaxReplyTimeout = 300 * time.Second

// Link is the narrow contract the bridge needs from its owning agent's
// routing context - re-entering the normal send/route path rather than
// bypassing it.
type Link interface {
	// SendAgentMessage injects a one-way agent-to-agent message as if
	// fromAgentID had @mentioned targetAgentName, returning the
	// conversation id the reply (if any) will be tagged with.
	SendAgentMessage(ctx context.Context, fromAgentID types.AgentIDType, roomID types.RoomIDType, targetAgentName, content string) (types.ConversationIDType, error)
	RecentMessages(roomID types.RoomIDType, limit int) []types.Message
	Members(roomID types.RoomIDType) []types.Member
}

// Server is one agent's localhost bridge. Bind it per active turn (or
// per agent lifetime) and pass its Addr to the spawned tool subprocess
// via environment variable.
type Server struct {
	agentID types.AgentIDType
	roomID  types.RoomIDType
	link    Link

	httpServer *http.Server
	listener   net.Listener

	mu      sync.Mutex
	pending map[types.ConversationIDType]chan types.Message
}

// NewServer builds a bridge for one agent's current room, bound to an
// OS-assigned ephemeral port on loopback only.
func NewServer(agentID types.AgentIDType, roomID types.RoomIDType, link Link) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("mcpbridge: failed to bind loopback listener: %w", err)
	}

	s := &Server{
		agentID:  agentID,
		roomID:   roomID,
		link:     link,
		listener: ln,
		pending:  make(map[types.ConversationIDType]chan types.Message),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.POST("/sendMessage", s.handleSendMessage)
	router.POST("/requestReply", s.handleRequestReply)
	router.GET("/getRoomMessages", s.handleGetRoomMessages)
	router.GET("/listRoomMembers", s.handleListRoomMembers)

	s.httpServer = &http.Server{Handler: router}
	return s, nil
}

// Addr is the loopback address (host:port) the bridge is listening on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve runs the bridge until Shutdown is called. Intended to run in its own goroutine.
func (s *Server) Serve() error {
	err := s.httpServer.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and resolves every pending
// requestReply waiter with an error.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

// Deliver routes an agent reply to its matching requestReply waiter,
// if one is still pending. Called by the Agent Manager's HandleDispatch
// before it queues an incoming dispatch; a true result means the
// dispatch went to a waiter instead of starting a new turn.
func (s *Server) Deliver(msg types.Message) bool {
	s.mu.Lock()
	ch, ok := s.pending[msg.ConversationID]
	if ok {
		delete(s.pending, msg.ConversationID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	close(ch)
	return true
}

type sendMessageRequest struct {
	TargetAgent string `json:"targetAgentName"`
	Content     string `json:"content"`
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.TargetAgent == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "targetAgentName and content are required"})
		return
	}

	conversationID, err := s.link.SendAgentMessage(c.Request.Context(), s.agentID, s.roomID, req.TargetAgent, req.Content)
	if err != nil {
		logging.Warn(c.Request.Context(), "mcp bridge sendMessage failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversationId": conversationID})
}

type requestReplyRequest struct {
	TargetAgent string `json:"targetAgentName"`
	Content     string `json:"content"`
	TimeoutSec  int    `json:"timeoutSec"`
}

func (s *Server) handleRequestReply(c *gin.Context) {
	var req requestReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.TargetAgent == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "targetAgentName and content are required"})
		return
	}

	timeout := time.Duration(req.TimeoutSec) * time.Second
	if timeout <= 0 || timeout > MaxReplyTimeout {
		timeout = MaxReplyTimeout
	}

	s.mu.Lock()
	if len(s.pending) >= MaxPendingReplies {
		s.mu.Unlock()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many pending replies for this agent"})
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	conversationID, err := s.link.SendAgentMessage(ctx, s.agentID, s.roomID, req.TargetAgent, req.Content)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	replyCh := make(chan types.Message, 1)
	s.mu.Lock()
	s.pending[conversationID] = replyCh
	s.mu.Unlock()

	select {
	case msg, ok := <-replyCh:
		if !ok {
			c.JSON(http.StatusGone, gin.H{"error": "bridge shut down while awaiting reply"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": msg})
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, conversationID)
		s.mu.Unlock()
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timed out waiting for reply"})
	}
}

func (s *Server) handleGetRoomMessages(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			limit = n
		}
	}
	msgs := s.link.RecentMessages(s.roomID, limit)
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) handleListRoomMembers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"members": s.link.Members(s.roomID)})
}

func parsePositiveInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if n > 50 {
		n = 50
	}
	return n, nil
}
