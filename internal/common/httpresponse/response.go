// Package httpresponse renders tangoerr.Error values as the façade's
// JSON envelope, grounded on the teacher's pkg/utils/response.
package httpresponse

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tango/internal/common/logger"
	"tango/internal/common/tangoerr"
)

// Envelope is the façade's standard response shape for every endpoint.
type Envelope struct {
	Code    tangoerr.Code `json:"code"`
	Message string        `json:"message"`
	Data    any           `json:"data,omitempty"`
	Details any           `json:"details,omitempty"`
	TraceID string        `json:"trace_id,omitempty"`
}

// OK sends a 200 with the given payload.
func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Envelope{Code: tangoerr.Success, Message: "ok", Data: data, TraceID: traceID(c)})
}

// Error renders err as a coded JSON error and logs it.
func Error(c *gin.Context, err error) {
	te := asTangoErr(err)
	logger.Error(c.Request.Context(), "request error",
		zap.Int("code", int(te.Code)),
		zap.String("message", te.Error()),
		zap.Any("details", te.Details),
	)
	c.JSON(te.Code.HTTPStatus(), Envelope{
		Code:    te.Code,
		Message: te.Error(),
		Details: te.Details,
		TraceID: traceID(c),
	})
}

// AbortWithError renders err and aborts the gin handler chain.
func AbortWithError(c *gin.Context, err error) {
	Error(c, err)
	c.Abort()
}

// AbortWithCode renders a bare code/message and aborts the chain.
func AbortWithCode(c *gin.Context, code tangoerr.Code, message string) {
	if message == "" {
		message = code.Message()
	}
	AbortWithError(c, tangoerr.New(code).WithMessage(message))
}

func asTangoErr(err error) *tangoerr.Error {
	if e, ok := err.(*tangoerr.Error); ok {
		return e
	}
	return tangoerr.Wrap(err, tangoerr.Internal)
}

func traceID(c *gin.Context) string {
	if v, ok := c.Get("trace_id"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
