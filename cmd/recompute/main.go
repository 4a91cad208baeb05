// Command recompute rebuilds stored rating aggregates from the raw ratings.
// It backfills resources that were rated before aggregates existed and
// repairs drift left behind by out-of-band writes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Clark-Hu/rateable/internal/config"
	"github.com/Clark-Hu/rateable/internal/domain"
	"github.com/Clark-Hu/rateable/internal/logging"
	"github.com/Clark-Hu/rateable/internal/permission"
	"github.com/Clark-Hu/rateable/internal/rating"
	"github.com/Clark-Hu/rateable/internal/repository"
	"github.com/Clark-Hu/rateable/internal/store"
)

func main() {
	var (
		kind   = flag.String("kind", "", "resource kind; empty recomputes every rated resource")
		id     = flag.String("id", "", "resource id, required with -kind")
		dryRun = flag.Bool("dry-run", false, "report drift without writing")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadBatch()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	logger := logging.Init(cfg.LogLevel, cfg.LogFormat).With("service", "rateable-recompute")

	if err := run(ctx, cfg, logger, *kind, *id, *dryRun); err != nil {
		logger.Error("recompute failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, kind, id string, dryRun bool) error {
	st, err := store.New(ctx, cfg.DBURL, store.Options{
		MaxConns:    4,
		ConnTimeout: time.Duration(cfg.DBConnTimeoutSecs) * time.Second,
		// -1 keeps the pool default exec mode.
		StatementCacheCapacity: -1,
		Logger:                 logger,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return err
	}

	// Recompute never consults permissions.
	svc, err := rating.NewService(repository.New(st), permission.AllowAll{}, rating.Options{
		Bounds: &domain.ScoreBounds{Min: cfg.MinScore, Max: cfg.MaxScore},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	if kind == "" && id == "" {
		if dryRun {
			return verifyAll(ctx, svc, st, logger)
		}
		summary, err := svc.RecomputeAll(ctx)
		if err != nil {
			return err
		}
		logger.Info("recompute finished", "resources", summary.Resources, "corrected", summary.Corrected)
		return nil
	}

	ref := domain.ResourceRef{Kind: kind, ID: id}
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("-kind and -id must both be set: %w", err)
	}

	var drift rating.Drift
	if dryRun {
		drift, err = svc.VerifyAggregate(ctx, ref)
	} else {
		drift, err = svc.RecomputeAggregate(ctx, ref)
	}
	if err != nil {
		return err
	}
	logDrift(logger, drift, dryRun)
	return nil
}

func verifyAll(ctx context.Context, svc *rating.Service, st *store.Store, logger *slog.Logger) error {
	resources, err := repository.New(st).ListResources(ctx)
	if err != nil {
		return err
	}
	drifted := 0
	for _, ref := range resources {
		drift, err := svc.VerifyAggregate(ctx, ref)
		if err != nil {
			return err
		}
		if drift.Drifted() {
			drifted++
			logDrift(logger, drift, true)
		}
	}
	logger.Info("verification finished", "resources", len(resources), "drifted", drifted)
	return nil
}

func logDrift(logger *slog.Logger, d rating.Drift, dryRun bool) {
	logger.Info("aggregate checked",
		"resource", d.Resource.String(),
		"drifted", d.Drifted(),
		"dry_run", dryRun,
		"stored_votes", d.StoredVotes,
		"stored_total", d.StoredTotal,
		"expected_votes", d.ExpectedVotes,
		"expected_total", d.ExpectedTotal,
	)
}
