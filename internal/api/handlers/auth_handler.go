package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crnwallet/guard/internal/api/middleware"
	"github.com/crnwallet/guard/internal/cerberus"
	"github.com/crnwallet/guard/internal/models"
	"github.com/crnwallet/guard/internal/services"
	"github.com/crnwallet/guard/internal/token"
)

// AuthHandler serves the staff token endpoints.
type AuthHandler struct {
	auth   *services.AuthService
	tokens *token.Manager
}

func NewAuthHandler(auth *services.AuthService, tokens *token.Manager) *AuthHandler {
	return &AuthHandler{auth: auth, tokens: tokens}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type tokenRequest struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
}

func invalidToken(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"success":    false,
		"error_code": "INVALID_TOKEN",
		"message":    message,
	})
}

func staffView(s *models.Staff) gin.H {
	return gin.H{
		"id":         s.ID,
		"uuid":       s.UUID,
		"username":   s.Username,
		"name":       s.Name,
		"role":       s.Role,
		"last_login": s.LastLogin,
	}
}

func pairView(p token.Pair) gin.H {
	return gin.H{
		"token":              p.AccessToken,
		"refresh_token":      p.RefreshToken,
		"expires_at":         p.ExpiresAt,
		"refresh_expires_at": p.RefreshExpiresAt,
	}
}

// Login exchanges staff credentials for a token pair.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Username and password are required"})
		return
	}

	origin := cerberus.Origin(c)
	pair, staff, err := h.auth.Login(origin, req.Username, req.Password)
	if err != nil {
		log := middleware.GetRequestLogger(c).WithField("origin", origin)
		switch {
		case errors.Is(err, services.ErrInvalidCredentials):
			log.Warn("staff login failed")
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error_code": "INVALID_CREDENTIALS", "message": "Invalid username or password"})
		case errors.Is(err, services.ErrLoginBlocked):
			log.Warn("staff login blocked after repeated failures")
			c.JSON(http.StatusForbidden, gin.H{"success": false, "error_code": cerberus.CodeBlocked, "message": "Too many failed login attempts"})
		case errors.Is(err, services.ErrAccountDisabled):
			c.JSON(http.StatusForbidden, gin.H{"success": false, "error_code": "ACCOUNT_DISABLED", "message": "Account disabled"})
		default:
			log.WithError(err).Error("staff login error")
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Login failed"})
		}
		return
	}

	resp := pairView(pair)
	resp["success"] = true
	resp["message"] = "Login successful"
	resp["user"] = staffView(staff)
	c.JSON(http.StatusOK, resp)
}

// rawToken returns the token from the Authorization header or the request body.
func rawToken(c *gin.Context, req tokenRequest) string {
	if t := middleware.BearerToken(c); t != "" {
		return t
	}
	return req.Token
}

// RefreshToken rotates a refresh token into a new pair.
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req tokenRequest
	_ = c.ShouldBindJSON(&req)
	raw := req.RefreshToken
	if raw == "" {
		raw = rawToken(c, req)
	}
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Refresh token required"})
		return
	}

	claims, ok := h.tokens.Verify(raw)
	if !ok || claims.Type != token.TypeRefresh {
		invalidToken(c, "Invalid or expired refresh token")
		return
	}
	if _, err := h.auth.GetStaff(claims.Subject); err != nil {
		invalidToken(c, "Account no longer active")
		return
	}

	pair, err := h.tokens.Refresh(raw)
	if err != nil {
		invalidToken(c, "Invalid or expired refresh token")
		return
	}
	resp := pairView(pair)
	resp["success"] = true
	resp["message"] = "Token refreshed"
	c.JSON(http.StatusOK, resp)
}

// Logout revokes the presented access and refresh tokens.
func (h *AuthHandler) Logout(c *gin.Context) {
	var req tokenRequest
	_ = c.ShouldBindJSON(&req)
	h.auth.Logout(rawToken(c, req), req.RefreshToken)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Logged out"})
}

// VerifyToken validates a token and reports whether it should be refreshed soon.
func (h *AuthHandler) VerifyToken(c *gin.Context) {
	var req tokenRequest
	_ = c.ShouldBindJSON(&req)
	raw := rawToken(c, req)
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Token required"})
		return
	}

	claims, ok := h.tokens.Verify(raw)
	if !ok {
		invalidToken(c, "Invalid or expired token")
		return
	}
	staff, err := h.auth.GetStaff(claims.Subject)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "User not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"message":       "Token is valid",
		"user":          staffView(staff),
		"type":          claims.Type,
		"expires_at":    claims.ExpiresAt.Time,
		"needs_refresh": h.tokens.IsNearExpiry(claims, 0),
	})
}

// Me returns the account behind the bearer token.
func (h *AuthHandler) Me(c *gin.Context) {
	claims, ok := middleware.Claims(c)
	if !ok {
		invalidToken(c, "Invalid or expired token")
		return
	}
	staff, err := h.auth.GetStaff(claims.Subject)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "User not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"user":          staffView(staff),
		"needs_refresh": h.tokens.IsNearExpiry(claims, 0),
	})
}
