package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crnwallet/guard/internal/logger"
)

func panicRouter(verbose bool, msg string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID())
	router.Use(Recovery(verbose))
	router.GET("/panic", func(c *gin.Context) {
		panic(msg)
	})
	return router
}

func TestRecoveryLogsStacktraceVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	logger.Init(true, buf)

	w := httptest.NewRecorder()
	panicRouter(true, "test panic").ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"error_code":"INTERNAL_ERROR"`)
	out := buf.String()
	assert.Contains(t, out, "PANIC: test panic")
	assert.Contains(t, out, "Stacktrace:")
	assert.Contains(t, out, "request_id")
}

func TestRecoveryLogsBriefWhenNotVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	logger.Init(false, buf)

	w := httptest.NewRecorder()
	panicRouter(false, "brief panic").ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	out := buf.String()
	assert.Contains(t, out, "PANIC: brief panic")
	assert.NotContains(t, out, "Stacktrace:")
}

func TestRecoverySanitizesHeadersAndPath(t *testing.T) {
	buf := &bytes.Buffer{}
	logger.Init(true, buf)

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("X-Admin-Key", "admin-secret")
	w := httptest.NewRecorder()
	panicRouter(true, "sensitive panic").ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	out := buf.String()
	assert.NotContains(t, out, "secret-token")
	assert.NotContains(t, out, "admin-secret")
	assert.Contains(t, out, "<redacted>")
}
