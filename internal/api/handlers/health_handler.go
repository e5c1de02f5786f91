package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/crnwallet/guard/internal/cache"
	"github.com/crnwallet/guard/internal/version"
)

const healthTimeout = 2 * time.Second

// HealthHandler responds with service metadata and dependency checks. The
// service reports "degraded" when the database is unreachable; the shared
// cache is optional and never degrades it.
func HealthHandler(db *gorm.DB, rc *cache.Redis) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		status := "ok"
		checks := gin.H{"database": "ok", "cache": "ok"}

		if db == nil {
			checks["database"] = "disabled"
		} else if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
			checks["database"] = "unreachable"
			status = "degraded"
		}

		if err := rc.Ping(ctx); err != nil {
			if errors.Is(err, cache.ErrNotConfigured) {
				checks["cache"] = "disabled"
			} else {
				checks["cache"] = "unreachable"
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status":     status,
			"service":    version.Name,
			"version":    version.Version,
			"git_commit": version.GitCommit,
			"build_time": version.BuildTime,
			"checks":     checks,
		})
	}
}
