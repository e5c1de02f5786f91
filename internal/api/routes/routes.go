package routes

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/crnwallet/guard/internal/api/handlers"
	"github.com/crnwallet/guard/internal/api/middleware"
	"github.com/crnwallet/guard/internal/cache"
	"github.com/crnwallet/guard/internal/cerberus"
	"github.com/crnwallet/guard/internal/config"
	"github.com/crnwallet/guard/internal/logger"
	"github.com/crnwallet/guard/internal/metrics"
	"github.com/crnwallet/guard/internal/reputation"
	"github.com/crnwallet/guard/internal/services"
	"github.com/crnwallet/guard/internal/token"
	"github.com/crnwallet/guard/internal/trap"
)

// Deps carries the components the HTTP surface is built from. Traps,
// Cache and Registry are optional.
type Deps struct {
	Config   config.Config
	DB       *gorm.DB
	Cache    *cache.Redis
	Store    *reputation.Store
	Gate     *cerberus.Cerberus
	Traps    *trap.Collector
	Security *services.SecurityService
	Auth     *services.AuthService
	Tokens   *token.Manager
	Registry *prometheus.Registry
}

// Register wires up middleware and API routes.
func Register(router *gin.Engine, d Deps) error {
	if d.Store == nil || d.Gate == nil || d.Auth == nil || d.Tokens == nil {
		return errors.New("register routes: store, gate, auth and tokens are required")
	}

	headers := middleware.DefaultSecurityHeadersConfig()
	headers.IsDevelopment = d.Config.Environment == "development"
	router.Use(
		middleware.RequestID(),
		middleware.Recovery(d.Config.Debug),
		middleware.RequestLogger(),
		middleware.SecurityHeaders(headers),
	)

	// Decoys answer before the gate so scanner hits are recorded even from
	// origins that are already blocked.
	if d.Config.Security.TrapsEnabled && d.Traps != nil {
		decoys := trap.NewDecoys(d.Traps, d.Config.Security.TrustForwarded)
		router.Use(decoys.Middleware())
		decoys.Register(router)
	}

	router.GET("/api/health", handlers.HealthHandler(d.DB, d.Cache))
	if d.Registry != nil {
		router.GET("/metrics", gin.WrapH(metrics.Handler(d.Registry)))
	}

	api := router.Group("/api")
	api.Use(d.Gate.Middleware())

	authHandler := handlers.NewAuthHandler(d.Auth, d.Tokens)
	securityHandler := handlers.NewSecurityHandler(d.Store, d.Traps, d.Security)

	staff := api.Group("/staff")
	{
		staff.POST("/login", authHandler.Login)
		staff.POST("/refresh-token", authHandler.RefreshToken)
		staff.POST("/logout", authHandler.Logout)
		staff.POST("/verify-token", authHandler.VerifyToken)

		protected := staff.Group("/")
		protected.Use(middleware.AuthMiddleware(d.Tokens))
		protected.GET("/me", authHandler.Me)
		protected.GET("/security/audits", middleware.RequireRole("admin"), securityHandler.ListAudits)
	}

	if d.Config.Security.AdminAPIKey == "" {
		logger.Log().Warn("GUARD_ADMIN_API_KEY is empty; admin security endpoints will reject every request")
	}
	admin := api.Group("/admin/security")
	admin.Use(middleware.AdminKey(d.Config.Security.AdminAPIKey))
	{
		admin.GET("/blocked-ips", securityHandler.ListBlocked)
		admin.POST("/block-ip/:ip", securityHandler.BlockIP)
		admin.POST("/unblock-ip/:ip", securityHandler.UnblockIP)
		admin.POST("/whitelist/:ip", securityHandler.AllowIP)
		admin.DELETE("/whitelist/:ip", securityHandler.DisallowIP)
		admin.GET("/check-ip/:ip", securityHandler.CheckIP)
		admin.GET("/stats", securityHandler.Stats)
		admin.POST("/reset-failed-logins/:ip", securityHandler.ResetFailedLogins)
		admin.GET("/honeypot-report", securityHandler.HoneypotReport)
		admin.GET("/decisions", securityHandler.ListDecisions)
		admin.GET("/decisions/:uuid", securityHandler.GetDecision)
		admin.GET("/captured-credentials", securityHandler.ListCapturedCredentials)
	}

	return nil
}
