package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"stock_crawler/logger"
)

// RequestLogger logs one line per request through the application logger
func RequestLogger(log *logger.Entry) gin.HandlerFunc {
	log = logger.OrDiscard(log, "http")
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		entry := log.WithFields(logger.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": float64(time.Since(started).Microseconds()) / 1000,
			"client_ip":   c.ClientIP(),
		})
		if len(c.Errors) > 0 {
			entry.Warn(c.Errors.String())
			return
		}
		entry.Debug("request")
	}
}
