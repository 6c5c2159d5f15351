package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/bodega-erp/bodega-erp/cmd/bodega/cli"
	"github.com/bodega-erp/bodega-erp/internal/app"
	"github.com/bodega-erp/bodega-erp/internal/catalog"
	"github.com/bodega-erp/bodega-erp/internal/costing"
	"github.com/bodega-erp/bodega-erp/internal/ledger"
	"github.com/bodega-erp/bodega-erp/internal/observability"
	"github.com/bodega-erp/bodega-erp/internal/platform/cache"
	"github.com/bodega-erp/bodega-erp/internal/platform/db"
	"github.com/bodega-erp/bodega-erp/internal/reservation"
	"github.com/bodega-erp/bodega-erp/internal/shared"
	"github.com/bodega-erp/bodega-erp/internal/valuation"
	"github.com/bodega-erp/bodega-erp/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		runJobsCommand(ctx, cfg, logger, os.Args[2:])
		return
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		// Valuation caching degrades to pass-through without Redis.
		logger.Warn("redis unavailable", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)
	stockLocks := shared.NewKeyedMutex()

	catalogRepo := catalog.NewRepository(pool)
	engine := costing.NewEngine()

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, engine, catalogRepo, auditLogger, idempotencyStore, stockLocks, metrics, logger, ledger.ServiceConfig{
		LockWait: cfg.StockLockWait,
	})
	ledgerHandler := ledger.NewHandler(logger, ledgerService)

	reservationRepo := reservation.NewRepository(pool)
	reservationService := reservation.NewService(reservationRepo, ledgerService, catalogRepo, auditLogger, stockLocks, metrics, logger, reservation.ServiceConfig{
		DefaultTTL: cfg.ReservationTTL,
		LockWait:   cfg.StockLockWait,
	})
	reservationHandler := reservation.NewHandler(logger, reservationService)

	valuationRepo := valuation.NewRepository(pool)
	valuationCache := valuation.NewCache(redisClient, cfg.ValuationCacheTTL)
	valuationService := valuation.NewService(valuationRepo, valuationCache)
	valuationHandler := valuation.NewHandler(logger, valuationService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		ReservationHandler: reservationHandler,
		LedgerHandler:      ledgerHandler,
		ValuationHandler:   valuationHandler,
		JobHandler:         jobHandler,
		Pool:               pool,
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

// runJobsCommand handles `bodega jobs trigger <name>` and `bodega jobs stats`.
func runJobsCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) {
	if len(args) == 0 {
		logger.Error("jobs command requires a subcommand", slog.String("usage", "jobs trigger <name> | jobs stats"))
		os.Exit(2)
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		logger.Error("init jobs cli", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsCLI.Close(); err != nil {
			logger.Warn("jobs cli close", slog.Any("error", err))
		}
	}()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			logger.Error("trigger requires a job name")
			os.Exit(2)
		}
		info, err := jobsCLI.Trigger(ctx, args[1])
		if err != nil {
			logger.Error("trigger job", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("job enqueued", slog.String("id", info.ID), slog.String("queue", info.Queue))
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			logger.Error("inspect queue", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("queue stats",
			slog.String("queue", stats.Queue),
			slog.Int("pending", stats.Pending),
			slog.Int("active", stats.Active),
			slog.Int("scheduled", stats.Scheduled),
			slog.Int("retry", stats.Retry))
	default:
		logger.Error("unknown jobs subcommand", slog.String("subcommand", args[0]))
		os.Exit(2)
	}
}
