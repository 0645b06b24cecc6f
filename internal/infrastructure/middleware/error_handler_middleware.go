package middleware

import (
	"net/http"

	"meetclient/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error a handler attached with c.Error.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		appErr := errors.GetAppError(err)
		if appErr == nil {
			logger.Errorw("unhandled error",
				"error", err.Error(),
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   string(errors.ErrCodeInternal),
				"message": "Internal server error",
			})
			return
		}

		status := StatusFor(appErr)
		log := logger.Warnw
		if status >= http.StatusInternalServerError {
			log = logger.Errorw
		}
		log("control request failed",
			"code", appErr.Code,
			"message", appErr.Message,
			"status", status,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"context", appErr.Context,
		)

		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		if appErr.Stage != "" {
			body["stage"] = appErr.Stage
		}
		if appErr.Reason != "" {
			body["reason"] = appErr.Reason
		}
		c.JSON(status, body)
	}
}

// StatusFor maps an application error to the control API status. Errors
// that came from the backend keep the backend's status.
func StatusFor(appErr *errors.AppError) int {
	if appErr.HTTPStatus > 0 {
		return appErr.HTTPStatus
	}
	switch appErr.Code {
	case errors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrCodeAPI:
		return http.StatusBadGateway
	case errors.ErrCodeChannel:
		return http.StatusServiceUnavailable
	case errors.ErrCodeDevice:
		return http.StatusUnprocessableEntity
	case errors.ErrCodeCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
