package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clausewise/analysis-engine/internal/logger"
)

// HTTPMetricsMiddleware creates middleware for recording HTTP metrics
func HTTPMetricsMiddleware(metrics *Metrics, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		metrics.IncHTTPRequestsInFlight()

		c.Next()

		duration := time.Since(start)
		metrics.DecHTTPRequestsInFlight()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), duration)

		if duration > 5*time.Second {
			log.Warn("Slow HTTP request",
				zap.String("method", c.Request.Method),
				zap.String("path", path),
				zap.Int("status", c.Writer.Status()),
				zap.Duration("duration", duration),
			)
		}
	}
}
