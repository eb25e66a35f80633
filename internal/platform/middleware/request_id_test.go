package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"proximity-gateway/internal/platform/logger"
)

func newRequestIDRouter(traced *string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/ping", func(c *gin.Context) {
		*traced = logger.GetTraceID(c.Request.Context())
		c.String(http.StatusOK, GetRequestID(c))
	})
	return r
}

func TestRequestIDGeneratedAndTraced(t *testing.T) {
	var traced string
	r := newRequestIDRouter(&traced)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	id := w.Header().Get(RequestIDHeader)
	if id == "" {
		t.Fatal("response should carry a generated request id")
	}
	if w.Body.String() != id {
		t.Error("gin context request id should match the response header")
	}
	// 處理鏈內的日誌 context 帶同一 ID
	if !strings.Contains(traced, id) {
		t.Errorf("trace id %q should carry request id %q", traced, id)
	}
}

func TestRequestIDFromClientIsKept(t *testing.T) {
	var traced string
	r := newRequestIDRouter(&traced)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "upstream-42")
	r.ServeHTTP(w, req)

	if got := w.Header().Get(RequestIDHeader); got != "upstream-42" {
		t.Errorf("client request id should be kept, got %q", got)
	}
	if !strings.Contains(traced, "upstream-42") {
		t.Errorf("trace id %q should carry the client request id", traced)
	}
}
