package middleware

import (
	"github.com/gin-gonic/gin"

	"proximity-gateway/internal/platform/logger"
)

const (
	RequestIDHeader = "X-Request-ID"
	RequestIDKey    = "request_id"
)

// RequestIDMiddleware 為每個管理 API 請求決定唯一 ID，並作為日誌
// trace ID 注入請求 context：同一請求處理鏈中的每條日誌都帶同一 ID.
// 客戶端自帶的 X-Request-ID 優先沿用，跨服務查詢時鏈路不斷.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = logger.NewTraceID()
		}

		c.Set(RequestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)
		c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), requestID))

		c.Next()
	}
}

// GetRequestID 從 gin context 取回 Request ID.
func GetRequestID(c *gin.Context) string {
	if requestID, exists := c.Get(RequestIDKey); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}
