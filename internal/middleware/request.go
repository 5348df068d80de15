package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// RequestIDHeader 请求ID头
	RequestIDHeader = "X-Request-ID"
	requestIDKey    = "requestID"
)

// RequestID 为每个请求分配ID，客户端已提供时沿用
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// GetRequestID 从上下文获取请求ID
func GetRequestID(c *gin.Context) string {
	if v, exists := c.Get(requestIDKey); exists {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// Logger 使用zap记录请求日志
func Logger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", GetRequestID(c)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case c.Writer.Status() >= 500:
			log.Error("请求处理失败", fields...)
		case c.Writer.Status() >= 400:
			log.Warn("请求被拒绝", fields...)
		default:
			log.Debug("请求完成", fields...)
		}
	}
}
