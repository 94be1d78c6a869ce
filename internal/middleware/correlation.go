// Package middleware holds gin middleware shared by the broker's HTTP
// surface. Adapted from the teacher's internal/v1/middleware/correlation.go.
package middleware

import (
	"github.com/NoPKT/agentim/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderXCorrelationID is the header carrying a request's correlation id.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID stamps every request with a correlation id - reusing an
// inbound header if the caller already set one - and attaches it to the
// request context so internal/logging includes it on every log line.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
