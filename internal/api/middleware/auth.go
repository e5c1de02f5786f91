package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/crnwallet/guard/internal/token"
)

// Context keys set by AuthMiddleware.
const (
	ClaimsKey = "claims"
	TokenKey  = "token"
)

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(c *gin.Context) string {
	h := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success":    false,
		"error_code": "INVALID_TOKEN",
		"message":    message,
	})
}

// AuthMiddleware requires a valid access token and stores its claims in
// the context. Refresh tokens are rejected.
func AuthMiddleware(tokens *token.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := BearerToken(c)
		if raw == "" {
			unauthorized(c, "Authorization header required")
			return
		}
		claims, ok := tokens.Verify(raw)
		if !ok || claims.Type != token.TypeAccess {
			unauthorized(c, "Invalid or expired token")
			return
		}
		c.Set(ClaimsKey, claims)
		c.Set(TokenKey, raw)
		c.Set("role", claims.Role)
		c.Next()
	}
}

// Claims returns the claims stored by AuthMiddleware.
func Claims(c *gin.Context) (*token.Claims, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*token.Claims)
	return claims, ok
}

// RequireRole allows the request only when the authenticated role matches.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString("role") != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success":    false,
				"error_code": "FORBIDDEN",
				"message":    "Insufficient permissions",
			})
			return
		}
		c.Next()
	}
}

// AdminKeyHeader carries the administrator API key.
const AdminKeyHeader = "X-Admin-Key"

// AdminKey guards administrative routes with a shared key compared in
// constant time. An empty configured key rejects every request.
func AdminKey(key string) gin.HandlerFunc {
	want := []byte(key)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(AdminKeyHeader))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			GetRequestLogger(c).WithField("origin", c.GetString("origin")).Warn("admin key rejected")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success":    false,
				"error_code": "FORBIDDEN",
				"message":    "Invalid admin key",
			})
			return
		}
		c.Next()
	}
}
