package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crnwallet/guard/internal/logger"
)

func TestRequestIDAddsHeaderAndLogger(t *testing.T) {
	logger.Init(true, &bytes.Buffer{})
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) {
		_, ok := c.Get("logger")
		assert.True(t, ok, "expected request-scoped logger in context")
		c.String(http.StatusOK, c.GetString(RequestIDKey))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	require.Equal(t, http.StatusOK, w.Code)
	rid := w.Header().Get(RequestIDHeader)
	_, err := uuid.Parse(rid)
	require.NoError(t, err)
	assert.Equal(t, rid, w.Body.String())
}

func TestRequestIDKeepsUpstreamUUID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	upstream := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(RequestIDHeader, upstream)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, upstream, w.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(RequestIDHeader, "not-a-uuid\nforged")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.NotEqual(t, "not-a-uuid\nforged", w.Header().Get(RequestIDHeader))
}
