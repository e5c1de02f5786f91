package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/crnwallet/guard/internal/abuse"
	"github.com/crnwallet/guard/internal/api/routes"
	"github.com/crnwallet/guard/internal/cache"
	"github.com/crnwallet/guard/internal/cerberus"
	"github.com/crnwallet/guard/internal/config"
	"github.com/crnwallet/guard/internal/database"
	"github.com/crnwallet/guard/internal/geo"
	"github.com/crnwallet/guard/internal/logger"
	"github.com/crnwallet/guard/internal/maintenance"
	"github.com/crnwallet/guard/internal/metrics"
	"github.com/crnwallet/guard/internal/ratelimit"
	"github.com/crnwallet/guard/internal/reputation"
	"github.com/crnwallet/guard/internal/server"
	"github.com/crnwallet/guard/internal/services"
	"github.com/crnwallet/guard/internal/token"
	"github.com/crnwallet/guard/internal/trap"
	"github.com/crnwallet/guard/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Setup logging with rotation
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		log.Fatalf("create log dir: %v", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "guard.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	defer rotator.Close()

	// Log to both stdout and file
	mw := io.MultiWriter(os.Stdout, rotator)
	log.SetOutput(mw)
	logger.Init(cfg.Debug, mw)

	db, err := database.Connect(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}

	// Handle CLI commands
	if len(os.Args) > 1 && os.Args[1] == "reset-password" {
		if len(os.Args) != 4 {
			log.Fatalf("Usage: %s reset-password <username> <new-password>", os.Args[0])
		}
		auth := services.NewAuthService(db, reputation.New(reputation.Options{}), nil)
		if err := auth.ResetPassword(os.Args[2], os.Args[3]); err != nil {
			log.Fatalf("reset password: %v", err)
		}
		log.Printf("Password updated successfully for %s", os.Args[2])
		return
	}

	logger.Log().WithField("version", version.Full()).Infof("starting %s", version.Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc, err := cache.NewClient(ctx, cfg.Cache)
	if err != nil {
		// The shared cache is optional; keep serving from memory.
		logger.Log().WithError(err).Warn("shared cache unavailable, continuing without it")
		rc = nil
	}
	defer rc.Close()

	notifier := services.NewNotificationService(cfg.Notify)
	security := services.NewSecurityService(db)

	opts := reputation.Options{
		MaxFailedLogins:         cfg.Security.MaxFailedLogins,
		FailedLoginBlock:        cfg.Security.FailedLoginBlock,
		EscalateRepeatOffenders: cfg.Security.EscalateRepeatOffenders,
		Persister:               security,
		Listeners: []reputation.Listener{
			metrics.BlockListener(),
			security.DecisionListener(),
			notifier.BlockListener(),
		},
	}
	if rc != nil {
		opts.Mirror = rc
	}
	store := reputation.New(opts)
	if err := store.Restore(ctx); err != nil {
		logger.Log().WithError(err).Error("failed to restore reputation state")
	}
	for _, origin := range cfg.Security.AllowList {
		store.Allow(origin)
	}

	limiter := ratelimit.New(store, cfg.Security)
	limiter.OnFlood(notifier.FloodAlert)
	detector := abuse.New(store, cfg.Security)
	gate := cerberus.New(cfg.Security, store, limiter, detector)

	var traps *trap.Collector
	if cfg.Security.TrapsEnabled {
		var locator trap.Locator
		if cfg.Geo.Enabled {
			var geoCache geo.Cache
			if rc != nil {
				geoCache = rc
			}
			locator = geo.NewLocator(cfg.Geo, geoCache)
		}
		traps = trap.NewCollector(store, cfg.Security, security, locator)
	}

	tokens := token.NewManager(cfg.Token, security)
	if err := tokens.Restore(); err != nil {
		logger.Log().WithError(err).Error("failed to restore token revocations")
	}

	sched, err := maintenance.New(cfg.Security.SweepSchedule, store, tokens, traps)
	if err != nil {
		log.Fatalf("maintenance: %v", err)
	}
	sched.Start()

	srv, err := server.New(cfg, routes.Deps{
		DB:       db,
		Cache:    rc,
		Store:    store,
		Gate:     gate,
		Traps:    traps,
		Security: security,
		Auth:     services.NewAuthService(db, store, tokens),
		Tokens:   tokens,
		Registry: metrics.NewRegistry(),
	})
	if err != nil {
		log.Fatalf("build server: %v", err)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Log().WithError(err).Error("server error")
	}

	<-sched.Stop().Done()
	if traps != nil {
		traps.Wait()
		traps.Close()
	}
	notifier.Wait()
	logger.Log().Info("shutdown complete")
}
