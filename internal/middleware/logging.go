// Package middleware 存放 Gin 框架的中间件。
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"drcv-go/pkg/log"
	"drcv-go/pkg/metrics"
)

// RequestLogger 是一个 Gin 中间件，记录每个请求的摘要日志并更新 HTTP 指标。
// 上传请求体是二进制分片，不记录请求体和响应体。
func RequestLogger(server string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 记录请求开始时间
		startTime := time.Now()

		// 处理请求
		c.Next()

		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		metrics.HTTPRequests.WithLabelValues(server, c.Request.Method, route, statusText(statusCode)).Inc()
		metrics.HTTPDuration.WithLabelValues(server, route).Observe(latency.Seconds())

		fields := []interface{}{
			"server", server,
			"statusCode", statusCode,
			"latency", latency.String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"bytesIn", c.Request.ContentLength,
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "errors", c.Errors.String())
		}
		if statusCode >= 500 {
			log.Warnw("HTTP Request Log", fields...)
			return
		}
		log.Infow("HTTP Request Log", fields...)
	}
}

func statusText(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
