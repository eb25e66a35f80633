package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"proximity-gateway/internal/gateway"
	"proximity-gateway/internal/httputil"
	"proximity-gateway/internal/platform/config"
	"proximity-gateway/internal/platform/health"
	"proximity-gateway/internal/platform/middleware"
	"proximity-gateway/internal/security/audit"
	"proximity-gateway/internal/security/revelation"
	"proximity-gateway/internal/security/secerr"
	"proximity-gateway/internal/security/trust"

	"github.com/gin-gonic/gin"
)

// securityHeadersMiddleware 添加安全標頭
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 防止點擊劫持
		c.Header("X-Frame-Options", "DENY")

		// 防止 MIME 類型嗅探
		c.Header("X-Content-Type-Options", "nosniff")

		// 啟用 XSS 保護
		c.Header("X-XSS-Protection", "1; mode=block")

		// 推薦政策
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		c.Next()
	}
}

// Router 設定管理 API 路由.
// 管理介面只綁定本機位址，供運維查詢信任、憑證、會話與審計狀態.
func Router(gw *gateway.Gateway) *gin.Engine {
	cfg := config.Get()
	if cfg != nil && !cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	// 請求 ID 中間件（最優先）
	r.Use(middleware.RequestIDMiddleware())
	r.Use(securityHeadersMiddleware())

	// 管理 API 整體限速
	rateLimiter := middleware.NewRateLimiter(100, time.Minute)
	r.Use(rateLimiter.Middleware())

	healthHandler := health.NewHealthHandler()
	r.GET("/health", healthHandler.HealthCheck)

	api := r.Group("/api/v1")
	{
		api.GET("/device", func(c *gin.Context) {
			cert, err := gw.Certificates().Certificate(gw.DeviceID())
			if err != nil {
				httputil.NotFoundError(c, "本機憑證尚未簽發")
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"device_id":   gw.DeviceID(),
				"certificate": cert,
			})
		})

		api.GET("/trust", func(c *gin.Context) {
			snapshot := gw.Trust().Snapshot()
			out := make(map[string]string, len(snapshot))
			for id, level := range snapshot {
				out[id] = level.String()
			}
			c.JSON(http.StatusOK, gin.H{"devices": out})
		})

		api.PUT("/trust/:device", func(c *gin.Context) {
			var body struct {
				Level string `json:"level" binding:"required"`
			}
			if err := c.ShouldBindJSON(&body); err != nil {
				httputil.BadRequest(c, httputil.InvalidParameter)
				return
			}
			level, ok := parseTrustLevel(body.Level)
			if !ok {
				httputil.BadRequest(c, "無效的信任等級")
				return
			}
			if err := gw.Trust().SetTrust(c.Param("device"), level); err != nil {
				httputil.Forbidden(c, err.Error())
				return
			}
			c.JSON(http.StatusOK, httputil.Success(httputil.DataUpdated))
		})

		api.GET("/certificates", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"certificates": gw.Certificates().Snapshot()})
		})

		api.POST("/certificates/:device/revoke", func(c *gin.Context) {
			var body struct {
				Reason string `json:"reason"`
			}
			_ = c.ShouldBindJSON(&body)
			if body.Reason == "" {
				body.Reason = "manual revocation"
			}
			rev, err := gw.Certificates().Revoke(c.Request.Context(), c.Param("device"), body.Reason, gw.DeviceID())
			if err != nil {
				if errors.Is(err, secerr.ErrNotFound) {
					httputil.NotFoundError(c, httputil.RecordNotFound)
					return
				}
				httputil.InternalServerError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"revocation": rev})
		})

		api.POST("/certificates/:device/compromise", func(c *gin.Context) {
			var body struct {
				Evidence string `json:"evidence" binding:"required"`
			}
			if err := c.ShouldBindJSON(&body); err != nil {
				httputil.BadRequest(c, httputil.InvalidParameter)
				return
			}
			rev, err := gw.Certificates().HandleCompromise(c.Request.Context(), c.Param("device"), body.Evidence)
			if err != nil {
				httputil.InternalServerError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"revocation": rev})
		})

		api.GET("/sessions", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"sessions": gw.Sessions().SessionMetas()})
		})

		api.DELETE("/sessions/:device", func(c *gin.Context) {
			if err := gw.Sessions().RevokeSession(c.Param("device")); err != nil {
				httputil.NotFoundError(c, httputil.RecordNotFound)
				return
			}
			c.JSON(http.StatusOK, httputil.Success(httputil.DataDeleted))
		})

		api.POST("/sessions/:device/renew", func(c *gin.Context) {
			if err := gw.RenewSession(c.Request.Context(), c.Param("device")); err != nil {
				if errors.Is(err, secerr.ErrNotTrusted) {
					httputil.Forbidden(c, "")
					return
				}
				httputil.InternalServerError(c, err)
				return
			}
			c.JSON(http.StatusOK, httputil.Success(httputil.DataUpdated))
		})

		api.GET("/policy", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"level": gw.Policy().Level().String()})
		})

		api.PUT("/policy", func(c *gin.Context) {
			var body struct {
				Level string `json:"level" binding:"required"`
			}
			if err := c.ShouldBindJSON(&body); err != nil {
				httputil.BadRequest(c, httputil.InvalidParameter)
				return
			}
			gw.Policy().SetLevel(revelation.ParsePolicyLevel(body.Level))
			c.JSON(http.StatusOK, httputil.Success(httputil.DataUpdated))
		})

		api.GET("/audit", func(c *gin.Context) {
			q := auditQueryFromRequest(c)
			entries := gw.Audit().Find(q)
			c.JSON(http.StatusOK, gin.H{
				"entries": entries,
				"count":   len(entries),
			})
		})

		api.GET("/audit/export", func(c *gin.Context) {
			q := auditQueryFromRequest(c)
			switch c.DefaultQuery("format", "json") {
			case "csv":
				data, err := gw.Audit().ExportCSV(q)
				if err != nil {
					httputil.InternalServerError(c, err)
					return
				}
				c.Header("Content-Disposition", "attachment; filename=audit.csv")
				c.Data(http.StatusOK, "text/csv", data)
			default:
				data, err := gw.Audit().ExportJSON(q)
				if err != nil {
					httputil.InternalServerError(c, err)
					return
				}
				c.Header("Content-Disposition", "attachment; filename=audit.json")
				c.Data(http.StatusOK, "application/json", data)
			}
		})
	}

	return r
}

// parseTrustLevel 解析管理 API 傳入的信任等級；Revoked 不允許直接設置.
func parseTrustLevel(s string) (trust.Level, bool) {
	switch s {
	case "unknown":
		return trust.LevelUnknown, true
	case "pending":
		return trust.LevelPending, true
	case "trusted":
		return trust.LevelTrusted, true
	case "verified":
		return trust.LevelVerified, true
	default:
		return trust.LevelUnknown, false
	}
}

// auditQueryFromRequest 由查詢參數構建審計查詢.
func auditQueryFromRequest(c *gin.Context) audit.Query {
	q := audit.Query{Device: c.Query("device")}

	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "0")); err == nil && limit > 0 {
		q.Limit = limit
	}
	if severity := c.Query("severity"); severity != "" {
		q.Severities = []audit.Severity{audit.ParseSeverity(severity)}
	}
	if eventType := c.Query("type"); eventType != "" {
		q.Types = []audit.EventType{audit.EventType(eventType)}
	}
	if from, err := strconv.ParseInt(c.Query("from"), 10, 64); err == nil && from > 0 {
		q.From = time.Unix(from, 0)
	}
	if to, err := strconv.ParseInt(c.Query("to"), 10, 64); err == nil && to > 0 {
		q.To = time.Unix(to, 0)
	}
	return q
}

// Start 啟動管理 API 伺服器.
func Start(gw *gateway.Gateway) error {
	return Router(gw).Run(config.GetServerAddr())
}
