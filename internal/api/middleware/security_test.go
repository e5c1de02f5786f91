package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serveWithHeaders(cfg SecurityHeadersConfig) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(SecurityHeaders(cfg))
	router.GET("/test", func(c *gin.Context) { c.String(http.StatusOK, "OK") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	return w
}

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name   string
		cfg    SecurityHeadersConfig
		header string
		want   string
	}{
		{"production sets HSTS", SecurityHeadersConfig{}, "Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
		{"development skips HSTS", SecurityHeadersConfig{IsDevelopment: true}, "Strict-Transport-Security", ""},
		{"frame options", SecurityHeadersConfig{}, "X-Frame-Options", "DENY"},
		{"content type options", SecurityHeadersConfig{}, "X-Content-Type-Options", "nosniff"},
		{"referrer policy", SecurityHeadersConfig{}, "Referrer-Policy", "no-referrer"},
		{"opener policy", SecurityHeadersConfig{}, "Cross-Origin-Opener-Policy", "same-origin"},
		{"CSP", SecurityHeadersConfig{}, "Content-Security-Policy", apiCSP},
		{"no-store when requested", SecurityHeadersConfig{NoStore: true}, "Cache-Control", "no-store"},
		{"cacheable by default", SecurityHeadersConfig{}, "Cache-Control", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serveWithHeaders(tt.cfg)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.want, w.Header().Get(tt.header))
		})
	}
}

func TestDefaultSecurityHeadersConfig(t *testing.T) {
	cfg := DefaultSecurityHeadersConfig()
	assert.False(t, cfg.IsDevelopment)
	assert.True(t, cfg.NoStore)
}
