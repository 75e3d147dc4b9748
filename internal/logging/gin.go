package logging

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// GinLogrusLogger returns gin middleware that logs each request through the
// shared logger at debug level. Streaming requests log once on completion.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    path,
			"elapsed": time.Since(start).Round(time.Millisecond).String(),
		}).Debug("request completed")
	}
}

// GinLogrusRecovery returns gin middleware that recovers from handler panics
// and logs them instead of crashing the process.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.WithField("panic", recovered).Error("handler panic recovered")
		c.AbortWithStatusJSON(500, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "proxy_error",
				"message": "internal proxy error",
			},
		})
	})
}
