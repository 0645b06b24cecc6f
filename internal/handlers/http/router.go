package http

import (
	"meetclient/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Token     string
	RateLimit middleware.RateLimitConfig
}

// NewRouter builds the control engine with the middleware chain every
// control route runs behind.
func NewRouter(handler *ControlHandler, cfg RouterConfig, logger *zap.SugaredLogger) *gin.Engine {
	router := gin.New()
	// the control port is reached directly; forwarded headers are not trusted
	if err := router.SetTrustedProxies(nil); err != nil {
		logger.Warnw("failed to reset trusted proxies", "error", err)
	}
	router.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.TracingMiddleware(),
		middleware.NewRateLimitMiddleware(cfg.RateLimit),
		middleware.ControlTokenMiddleware(cfg.Token),
		middleware.ErrorHandlerMiddleware(logger),
	)
	handler.SetupRoutes(router)
	return router
}
