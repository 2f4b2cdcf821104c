package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bosondata/badwolf/internal/common"
)

// Logger logs one line per request. Query strings are left out since they
// carry download tokens.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if event := c.GetHeader("X-Event-Key"); event != "" {
			fields = append(fields, zap.String("event", event))
		}
		if len(c.Errors) > 0 {
			common.GetLogger().Error(c.Errors.String(), fields...)
			return
		}
		common.GetLogger().Info("request", fields...)
	}
}
