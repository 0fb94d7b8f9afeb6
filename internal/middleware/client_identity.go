package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	ClientIDHeader = "X-Client-ID"
	// ClientIDKey is the gin context key holding the caller's client id.
	ClientIDKey = "client_id"
)

// ClientIdentity resolves the caller's client id from X-Client-ID. A missing or malformed id is
// replaced by a fresh one; either way the id is echoed back so the client can keep it.
// Websocket clients that cannot set headers may pass it as ?client_id=.
func ClientIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(ClientIDHeader)
		if raw == "" {
			raw = c.Query(ClientIDKey)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			id = uuid.New()
		}
		clientID := id.String()

		span := trace.SpanFromContext(c.Request.Context())
		if span.SpanContext().IsValid() {
			span.SetAttributes(attribute.String("client_id", clientID))
		}

		c.Set(ClientIDKey, clientID)
		c.Header(ClientIDHeader, clientID)
		c.Next()
	}
}
