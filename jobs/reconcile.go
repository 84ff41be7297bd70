package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

// ReconcileJob checks that every inventory record equals the signed sum of
// its ledger deltas.
type ReconcileJob struct {
	Store   inventory.Store
	Ledger  inventory.Ledger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	sleep   func(context.Context, time.Duration) error
}

// NewReconcileJob initialises the reconciliation handler.
func NewReconcileJob(store inventory.Store, ledger inventory.Ledger, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	return &ReconcileJob{Store: store, Ledger: ledger, Logger: logger, Metrics: metrics, sleep: sleepCtx}
}

// Handle executes one reconciliation run.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Store == nil || j.Ledger == nil {
		return errors.New("ledger reconcile: handler not configured")
	}
	var payload ReconcilePayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	if payload.ConfirmAfter <= 0 {
		payload.ConfirmAfter = 2 * time.Second
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskLedgerReconcile)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	logger := jobLogger(j.Logger, TaskLedgerReconcile)
	start := time.Now()

	mismatches, err := inventory.Reconcile(ctx, j.Store, j.Ledger)
	if err != nil {
		logger.Error("reconcile failed", slog.Any("error", err))
		return err
	}
	if len(mismatches) > 0 {
		if err := j.sleep(ctx, payload.ConfirmAfter); err != nil {
			return err
		}
		second, err := inventory.Reconcile(ctx, j.Store, j.Ledger)
		if err != nil {
			logger.Error("reconcile confirm failed", slog.Any("error", err))
			return err
		}
		mismatches = persistent(mismatches, second)
	}

	for _, m := range mismatches {
		logger.Error("ledger mismatch",
			slog.String("key", m.Key.String()),
			slog.Int64("stored", m.Stored),
			slog.Int64("ledger", m.Ledger))
	}
	metricsOrDefault(j.Metrics).SetReconcileMismatches(len(mismatches))
	logger.Info("completed ledger reconcile",
		slog.Int("mismatches", len(mismatches)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// persistent keeps mismatches seen identically in both passes.
func persistent(first, second []inventory.Mismatch) []inventory.Mismatch {
	seen := make(map[inventory.Mismatch]struct{}, len(first))
	for _, m := range first {
		seen[m] = struct{}{}
	}
	var out []inventory.Mismatch
	for _, m := range second {
		if _, ok := seen[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

func metricsOrDefault(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}

func jobLogger(logger *slog.Logger, job string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("job", job))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
