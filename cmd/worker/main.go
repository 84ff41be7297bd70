package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/jobs"
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

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics()
	services, err := app.BuildServices(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer services.Close()

	policy, err := inventory.ParseLowStockPolicy(cfg.LowStockPolicy)
	if err != nil {
		return err
	}
	jm := jobmetrics.NewMetrics(metrics.Registerer())

	reconcileJob := jobs.NewReconcileJob(services.Store, services.Ledger, logger, jm)
	cleanupJob := jobs.NewCleanupJob(services.Cleaner(), cfg.IdempotencyRetention, logger, jm)
	lowStockJob := jobs.NewLowStockJob(services.Availability, policy, logger, jm)

	schedule, err := jobs.DefaultSchedule()
	if err != nil {
		return err
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskLedgerReconcile, Handler: reconcileJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
			{Type: jobs.TaskLowStockScan, Handler: lowStockJob.Handle},
		},
		Cron: schedule,
	})
	if err != nil {
		return err
	}

	logger.Info("starting worker", slog.String("redis", cfg.RedisAddr), slog.Int("scheduled", len(schedule)))
	return worker.Run(ctx)
}
