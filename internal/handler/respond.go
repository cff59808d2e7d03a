// Package handler exposes the sandbox engine over REST. Every response uses
// one envelope: {"data": ...} on success, {"error": {"code", "message"}} on
// failure, with the HTTP status derived from the error's kind.
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/spullara/k7/internal/lifecycle"
	"github.com/spullara/k7/internal/logx"
	"github.com/spullara/k7/pkg/model"
)

func respondData(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"data": data})
}

func respondError(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		logx.LoggerWithRequestID(c.Request.Context()).Error("request failed",
			"component", "api", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": model.ErrorBody{Code: code, Message: err.Error()}})
}

func respondValidation(c *gin.Context, message string) {
	respondError(c, &model.ValidationError{Message: message})
}

func respondErrorCode(c *gin.Context, status int, code model.ErrorCode, message string) {
	c.JSON(status, gin.H{"error": model.ErrorBody{Code: code, Message: message}})
}

// classify maps an error chain onto the wire taxonomy. Unrecognized errors
// are internal: better a 500 than a lying 4xx.
func classify(err error) (int, model.ErrorCode) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, model.CodeValidation
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound, model.CodeNotFound
	case errors.Is(err, lifecycle.ErrConflict), errors.Is(err, lifecycle.ErrNotRunning):
		return http.StatusConflict, model.CodeConflict
	case errors.Is(err, lifecycle.ErrUnavailable):
		return http.StatusServiceUnavailable, model.CodeUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, model.CodeScriptTimeout
	default:
		return http.StatusInternalServerError, model.CodeInternal
	}
}
