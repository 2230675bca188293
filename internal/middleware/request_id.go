package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"matchchat/internal/observability"
)

const RequestIDKey = "request_id"

// RequestID propagates X-Request-ID, generating one when absent, into the
// gin context, the request context and the response headers.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(RequestIDKey, requestID)
		c.Request = c.Request.WithContext(observability.WithRequestID(c.Request.Context(), requestID))
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}
