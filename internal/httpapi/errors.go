package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roach88/replica/internal/ir"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code    ir.ErrorCode `json:"code"`
	Message string       `json:"message"`
	Type    string       `json:"type,omitempty"`
	ID      string       `json:"id,omitempty"`
	Field   string       `json:"field,omitempty"`
}

// Status maps an error to its HTTP status.
func Status(err error) int {
	switch ir.CodeOf(err) {
	case ir.CodeValidation:
		return http.StatusBadRequest
	case ir.CodeNotFound:
		return http.StatusNotFound
	case ir.CodeConditionFailed:
		return http.StatusPreconditionFailed
	case ir.CodeStaleCursor:
		return http.StatusGone
	case ir.CodeSyncUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func body(err error) ErrorBody {
	var e *ir.Error
	if errors.As(err, &e) {
		return ErrorBody{Code: e.Code, Message: e.Message, Type: e.Type, ID: e.ID, Field: e.Field}
	}
	return ErrorBody{Code: "INTERNAL", Message: "internal server error"}
}

// errorHandler renders the last error a handler recorded with c.Error.
func (s *Server) errorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		status := Status(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		} else {
			s.logger.Debug("request rejected", "method", c.Request.Method, "path", c.FullPath(), "status", status, "error", err)
		}
		c.AbortWithStatusJSON(status, body(err))
	}
}
