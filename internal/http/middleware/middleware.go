package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"pipeline_forecast_backend/platform/metrics"
)

// RequestTimer records request latency per matched route. Unmatched paths
// share one label so that scanners cannot inflate cardinality.
func RequestTimer(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.ObserveHTTP(c.Request.Method, route, c.Writer.Status(), start)
	}
}
