package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/NoPKT/agentim/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// AdminSnapshot is the read-only registry-size payload pushed to an
// admin/metrics socket (spec.md §4.1: "out of scope except shared
// auth" - the minimal interpretation that gives the endpoint real
// substance is a snapshot of what the Hub already tracks).
type AdminSnapshot struct {
	Type             string `json:"type"`
	ClientCount      int    `json:"clientCount"`
	GatewayCount     int    `json:"gatewayCount"`
	RoomCount        int    `json:"roomCount"`
	RegisteredAgents int    `json:"registeredAgents"`
	Timestamp        string `json:"timestamp"`
}

const adminSnapshotInterval = 5 * time.Second

// snapshot builds the current AdminSnapshot under the Hub's read lock.
func (h *Hub) snapshot() AdminSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clientCount := 0
	for _, set := range h.clientsByUser {
		clientCount += len(set)
	}
	gatewayCount := 0
	for _, set := range h.gatewaysByUser {
		gatewayCount += len(set)
	}

	return AdminSnapshot{
		Type:             "admin_snapshot",
		ClientCount:      clientCount,
		GatewayCount:     gatewayCount,
		RoomCount:        len(h.rooms),
		RegisteredAgents: len(h.agentsByID),
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	}
}

// ServeAdminWs handles the admin/metrics surface (spec.md §4.1): it
// reuses the client token validator for its handshake, then pushes a
// registry-size snapshot every adminSnapshotInterval until the caller
// disconnects. Read-only - it never accepts inbound frames beyond the
// handshake.
func (h *Hub) ServeAdminWs(c *gin.Context) {
	ctx := c.Request.Context()

	token := extractToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}
	claims, err := h.clientValidator.ValidateToken(token)
	if err != nil {
		logging.Warn(ctx, "admin token validation failed", zap.Error(err))
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

	conn, err := h.upgrade(c)
	if err != nil {
		logging.Error(ctx, "admin websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// drain inbound frames (pings, close) on a background goroutine so
	// the connection doesn't look dead to intermediaries.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(adminSnapshotInterval)
	defer ticker.Stop()

	for {
		data, err := json.Marshal(h.snapshot())
		if err != nil {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
