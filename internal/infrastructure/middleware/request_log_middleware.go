package middleware

import (
	"time"

	"mediconnect/pkg/logger"
	"mediconnect/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLogMiddleware assigns each request an identifier, echoes it back in
// the X-Request-ID header and logs the request outcome with correlation
// fields pulled from the context.
func RequestLogMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = utils.GenerateRequestID()
		}

		ctx := logger.WithRequestID(c.Request.Context(), requestID)
		if sessionID := c.Param("id"); sessionID != "" {
			ctx = logger.WithSessionID(ctx, sessionID)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		reqLog := logger.FromContext(ctx, log)
		status := c.Writer.Status()
		fields := []interface{}{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration_ms", duration.Milliseconds(),
		}
		switch {
		case status >= 500:
			reqLog.Errorw("request failed", fields...)
		case status >= 400:
			reqLog.Warnw("request rejected", fields...)
		default:
			reqLog.Infow("request served", fields...)
		}
	}
}
