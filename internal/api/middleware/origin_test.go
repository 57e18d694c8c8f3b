package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/wardgate/sentinel/backend/internal/logger"
)

func originRouter(allowed []string) *gin.Engine {
	logger.Init(false, &bytes.Buffer{})
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID())
	router.Use(OriginAllowList(allowed))
	router.POST("/auth-login", func(c *gin.Context) { c.String(200, "ok") })
	return router
}

func TestOriginAllowList_ListedOrigin(t *testing.T) {
	router := originRouter([]string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodPost, "/auth-login", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestOriginAllowList_UnlistedOriginRejected(t *testing.T) {
	router := originRouter([]string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodPost, "/auth-login", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestOriginAllowList_NoOriginPasses(t *testing.T) {
	router := originRouter([]string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodPost, "/auth-login", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOriginAllowList_EmptyListDisablesGate(t *testing.T) {
	router := originRouter(nil)

	req := httptest.NewRequest(http.MethodPost, "/auth-login", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOriginAllowList_PreflightShortCircuits(t *testing.T) {
	router := originRouter([]string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodOptions, "/auth-login", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
}
