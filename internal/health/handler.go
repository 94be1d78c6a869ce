// Package health implements the broker/gateway liveness and readiness
// endpoints. Adapted from the teacher's internal/v1/health/handler.go,
// with the Rust SFU check dropped (no media-plane collaborator exists
// in AgentIM) and a sqlite/storage DB ping check added in its place.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/NoPKT/agentim/internal/bus"
	"github.com/NoPKT/agentim/internal/logging"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DBPinger is the narrow contract the readiness check needs from the
// storage layer.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// Handler manages health check endpoints.
type Handler struct {
	bus *bus.Service
	db  DBPinger
}

// NewHandler builds a Handler. Either collaborator may be nil (e.g. a
// single-instance deployment with no Redis, or a DB-less settings
// configuration); a nil collaborator is reported healthy by
// convention, same as the teacher's redis-disabled path.
func NewHandler(busService *bus.Service, db DBPinger) *Handler {
	return &Handler{bus: busService, db: db}
}

// LivenessResponse is the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live: 200 if the process is alive, no
// dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready: 200 only if every configured
// dependency answers healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	busStatus := h.checkBus(ctx)
	checks["bus"] = busStatus
	if busStatus != "healthy" {
		allHealthy = false
	}

	dbStatus := h.checkDB(ctx)
	checks["storage"] = dbStatus
	if dbStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkBus(ctx context.Context) string {
	if h.bus == nil {
		return "healthy"
	}
	if err := h.bus.Ping(ctx); err != nil {
		logging.Error(ctx, "bus health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkDB(ctx context.Context) string {
	if h.db == nil {
		return "healthy"
	}
	if err := h.db.Ping(ctx); err != nil {
		logging.Error(ctx, "storage health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// MarshalJSON gives ReadinessResponse the same explicit-alias shape the
// teacher uses to keep its field order stable across Go versions.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct{ *Alias }{Alias: (*Alias)(&r)})
}
