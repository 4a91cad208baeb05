package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Clark-Hu/rateable/internal/cache"
	"github.com/Clark-Hu/rateable/internal/config"
	"github.com/Clark-Hu/rateable/internal/domain"
	httpserver "github.com/Clark-Hu/rateable/internal/http"
	"github.com/Clark-Hu/rateable/internal/logging"
	"github.com/Clark-Hu/rateable/internal/metrics"
	"github.com/Clark-Hu/rateable/internal/permission"
	"github.com/Clark-Hu/rateable/internal/rating"
	"github.com/Clark-Hu/rateable/internal/repository"
	"github.com/Clark-Hu/rateable/internal/retry"
	"github.com/Clark-Hu/rateable/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}

	logger := logging.Init(cfg.LogLevel, cfg.LogFormat).With("service", "rateable")

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	reg := metrics.NewRegistry()

	dbCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.DBConnTimeoutSecs)*time.Second)
	defer cancel()

	st, err := store.New(dbCtx, cfg.DBURL, store.Options{
		MaxConns:               int32(cfg.DBMaxConns),
		MinConns:               int32(cfg.DBMinConns),
		MaxConnIdleTime:        time.Duration(cfg.DBMaxIdleSecs) * time.Second,
		MaxConnLifetime:        time.Duration(cfg.DBMaxLifeSecs) * time.Second,
		ConnTimeout:            time.Duration(cfg.DBConnTimeoutSecs) * time.Second,
		StatementCacheCapacity: cfg.DBStatementCache,
		Logger:                 logger,
		Metrics:                metrics.NewDBMetrics(reg),
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return err
	}

	perms, err := newPermissionChecker(cfg, logger)
	if err != nil {
		return fmt.Errorf("init permissions: %w", err)
	}

	opts := rating.Options{
		Bounds:  &domain.ScoreBounds{Min: cfg.MinScore, Max: cfg.MaxScore},
		Logger:  logger,
		Metrics: metrics.NewRatingMetrics(reg),
		Retry: retry.Policy{
			MaxAttempts:    cfg.MaxRetries,
			InitialBackoff: cfg.RetryBackoff,
			MaxBackoff:     rating.DefaultRetryPolicy.MaxBackoff,
		},
	}

	if cfg.RedisURL != "" {
		rdb, err := cache.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		opts.Cache = cache.New(rdb, cache.Options{
			TTL:     cfg.CacheTTL,
			Logger:  logger,
			Metrics: metrics.NewCacheMetrics(reg),
		})
		logger.Info("aggregate cache enabled", "ttl", cfg.CacheTTL)
	}

	svc, err := rating.NewService(repository.New(st), perms, opts)
	if err != nil {
		return err
	}

	server := httpserver.New(cfg, st, svc, metrics.Handler(reg), logger)
	logger.Info("http server listening", "port", cfg.Port, "permission_mode", cfg.PermissionMode)

	err = server.Start(ctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("graceful shutdown error", "error", err)
	}
	return nil
}

func newPermissionChecker(cfg config.Config, logger *slog.Logger) (rating.PermissionChecker, error) {
	switch cfg.PermissionMode {
	case config.PermissionCasbin:
		return permission.NewEnforcerFromFiles(cfg.PermissionModelPath, cfg.PermissionPolicyPath)
	case config.PermissionHTTP:
		return permission.NewHTTPChecker(cfg.PermissionURL, cfg.PermissionAPIKey,
			time.Duration(cfg.PermissionTimeoutSecs)*time.Second, logger)
	default:
		logger.Warn("permission checks disabled, every reviewer may rate")
		return permission.AllowAll{}, nil
	}
}
