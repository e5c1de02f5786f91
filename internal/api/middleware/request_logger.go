package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RequestLogger logs each handled request with its request_id and the
// origin resolved by the gate. Rejections log at warn, server errors at error.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		entry := GetRequestLogger(c).WithFields(logrus.Fields{
			"status":  status,
			"method":  c.Request.Method,
			"path":    SanitizePath(c.Request.URL.Path),
			"latency": time.Since(start).String(),
			"origin":  c.GetString("origin"),
		})
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("handled request")
		case status >= http.StatusBadRequest:
			entry.Warn("handled request")
		default:
			entry.Info("handled request")
		}
	}
}
