package http

import (
	"github.com/gin-gonic/gin"
	"github.com/richardliu001/esb-service/internal/config"
	"go.uber.org/zap"
)

func NewRouter(h Handlers, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(ThrottleMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, h)
	return r
}
