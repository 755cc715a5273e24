// Package app boots the server: config, database, providers, HTTP surface
// and background workers.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/scanforge/scanforge-server/internal/config"
	"github.com/scanforge/scanforge-server/internal/db"
	"github.com/scanforge/scanforge-server/internal/http/api/front"
	"github.com/scanforge/scanforge-server/internal/http/webhook"
	"github.com/scanforge/scanforge-server/internal/jobs"
	"github.com/scanforge/scanforge-server/internal/ledger"
	"github.com/scanforge/scanforge-server/internal/logging"
	"github.com/scanforge/scanforge-server/internal/notify"
	"github.com/scanforge/scanforge-server/internal/provider"
	"github.com/scanforge/scanforge-server/internal/ratelimit"
	"github.com/scanforge/scanforge-server/internal/settings"
	"github.com/scanforge/scanforge-server/internal/storage"
	"github.com/scanforge/scanforge-server/internal/usage"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// settingsRefreshInterval bounds how stale the DB-config snapshot can get.
const settingsRefreshInterval = time.Minute

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, configPath string) error {
	cfg, errLoad := config.Load(config.ResolveConfigPath(configPath))
	if errLoad != nil {
		return errLoad
	}
	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// RunServer boots the API server and blocks until ctx is cancelled.
func RunServer(ctx context.Context, configPath string) error {
	cfg, errLoad := config.Load(config.ResolveConfigPath(configPath))
	if errLoad != nil {
		return errLoad
	}
	logging.Setup(cfg.Log)

	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	if errSnapshot := settings.RefreshDBConfigSnapshot(ctx, conn); errSnapshot != nil {
		log.WithError(errSnapshot).Warn("initial settings snapshot failed")
	}
	go refreshSettingsLoop(ctx, conn)

	svc, ledgerSvc, errBuild := buildService(cfg, conn)
	if errBuild != nil {
		return errBuild
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if errClose := rdb.Close(); errClose != nil {
				log.WithError(errClose).Warn("close redis failed")
			}
		}()
	}
	limiter := ratelimit.New(rdb, cfg.RateLimit.Requests, cfg.RateLimit.WindowSeconds)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	front.RegisterFrontRoutes(engine, front.Deps{
		DB:      conn,
		Config:  cfg,
		Service: svc,
		Ledger:  ledgerSvc,
		Limiter: limiter,
	})
	webhook.NewHandler(conn, svc, cfg.Providers.Luma.WebhookSecret).Register(engine)

	NewRefillSweeper(conn, ledgerSvc).Start(ctx)
	usage.NewRetentionCleaner(conn).Start(ctx)

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("server listening on %s", cfg.Server.Listen)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
			log.WithError(errShutdown).Warn("server shutdown failed")
		}
		return nil
	case errServe := <-errCh:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return errServe
	}
}

// buildService wires the orchestrator from config. Providers without a
// base URL stay nil and their endpoints answer FailedPrecondition.
func buildService(cfg *config.Config, conn *gorm.DB) (*jobs.Service, *ledger.Ledger, error) {
	ledgerSvc := ledger.New(conn)

	opts := jobs.Options{
		DB:         conn,
		Ledger:     ledgerSvc,
		Recorder:   usage.NewRecorder(conn),
		ProDomains: cfg.Pro.EmailDomains,
	}

	if cfg.Storage.Endpoint != "" {
		store, errStore := storage.New(cfg.Storage)
		if errStore != nil {
			return nil, nil, errStore
		}
		opts.Store = store
		opts.Stager = store
	} else {
		log.Warn("object storage not configured; generation endpoints will reject requests")
	}

	if cfg.SMTP.Host != "" {
		mailer, errMailer := notify.NewSMTPMailer(cfg.SMTP)
		if errMailer != nil {
			return nil, nil, errMailer
		}
		opts.Notifier = notify.NewDispatcher(conn, mailer)
	} else {
		log.Warn("smtp not configured; user notifications disabled")
	}

	if cfg.Providers.Stability.BaseURL != "" {
		opts.Stability = provider.NewStabilityClient(cfg.Providers.Stability)
	}
	if cfg.Providers.Meshy.BaseURL != "" {
		opts.Meshy = provider.NewMeshyClient(cfg.Providers.Meshy)
	}
	if cfg.Providers.Luma.BaseURL != "" {
		opts.Luma = provider.NewLumaClient(cfg.Providers.Luma)
	}

	return jobs.NewService(opts), ledgerSvc, nil
}

func refreshSettingsLoop(ctx context.Context, conn *gorm.DB) {
	ticker := time.NewTicker(settingsRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if errRefresh := settings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
			log.WithError(errRefresh).Warn("settings snapshot refresh failed")
		}
	}
}
