package transport

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/23skdu/longbow-mesh/internal/logger"
	"github.com/23skdu/longbow-mesh/internal/metrics"
)

// requestLogger logs every request through zerolog and counts it by route.
func requestLogger(component string) gin.HandlerFunc {
	log := logger.Component(component)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.RecordHTTPRequest(route, status)

		args := []any{"method", c.Request.Method, "route", route, "status", status, "duration", time.Since(start).String()}
		switch {
		case status >= 500:
			log.Error("Request failed", append(args, "errors", c.Errors.String())...)
		case status >= 400:
			log.Warn("Request rejected", args...)
		default:
			log.Debug("Request", args...)
		}
	}
}

func newEngine(component string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(component))
	return r
}
