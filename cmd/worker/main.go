package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/bodega-erp/bodega-erp/internal/app"
	"github.com/bodega-erp/bodega-erp/internal/catalog"
	"github.com/bodega-erp/bodega-erp/internal/costing"
	jobmetrics "github.com/bodega-erp/bodega-erp/internal/jobs"
	"github.com/bodega-erp/bodega-erp/internal/ledger"
	"github.com/bodega-erp/bodega-erp/internal/platform/cache"
	"github.com/bodega-erp/bodega-erp/internal/platform/db"
	"github.com/bodega-erp/bodega-erp/internal/reservation"
	"github.com/bodega-erp/bodega-erp/internal/shared"
	"github.com/bodega-erp/bodega-erp/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Preflight only; asynq manages its own connections.
	if redisClient, err := cache.New(ctx, cfg.RedisAddr); err != nil {
		logger.Warn("redis unavailable", slog.Any("error", err))
	} else if err := redisClient.Close(); err != nil {
		logger.Warn("redis close", slog.Any("error", err))
	}

	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)
	stockLocks := shared.NewKeyedMutex()
	metrics := jobmetrics.NewMetrics(nil)

	catalogRepo := catalog.NewRepository(pool)
	engine := costing.NewEngine()
	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, engine, catalogRepo, auditLogger, idempotencyStore, stockLocks, nil, logger, ledger.ServiceConfig{
		LockWait: cfg.StockLockWait,
	})

	reservationRepo := reservation.NewRepository(pool)
	reservationService := reservation.NewService(reservationRepo, ledgerService, catalogRepo, auditLogger, stockLocks, nil, logger, reservation.ServiceConfig{
		DefaultTTL: cfg.ReservationTTL,
		LockWait:   cfg.StockLockWait,
	})
	sweeper := reservation.NewSweeper(reservationService, logger, cfg.SweepBatch)

	sweepTask, err := jobs.NewReservationExpireTask(time.Now().UTC())
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(time.Now().UTC())
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskReservationExpire, Handler: jobs.NewReservationExpireHandler(sweeper, metrics, logger)},
			{Type: jobs.TaskIdempotencyCleanup, Handler: jobs.NewIdempotencyCleanupHandler(idempotencyStore, cfg.IdempotencyRetention, metrics, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "* * * * *", Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "45 3 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
