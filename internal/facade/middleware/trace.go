// Package middleware holds the façade's gin middleware: trace-id
// injection and opaque-key authentication. Grounded on the teacher's
// internal/gateway/middleware/{trace.go,auth.go}, with auth narrowed
// from JWT session validation to spec.md's opaque access-key model
// (spec.md §1 "request authentication by opaque key" is out of core
// scope but the façade still needs to enforce it at the edge).
package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"tango/internal/common/contextkey"
)

const traceIDHeader = "X-Trace-Id"

// Trace ensures every request carries a trace id, reusing the caller's
// if supplied, generating one otherwise (grounded on
// internal/gateway/middleware/trace.go).
func Trace() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := strings.TrimSpace(c.GetHeader(traceIDHeader))
		if traceID == "" {
			traceID = uuid.NewString()
		}
		c.Set("trace_id", traceID)
		ctx := context.WithValue(c.Request.Context(), contextkey.TraceID, traceID)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set(traceIDHeader, traceID)
		c.Next()
	}
}
