package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

// Cleaner removes idempotency keys older than the retention period. The
// Redis backend expires keys itself and has no Cleaner.
type Cleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// CleanupJob drops expired idempotency keys.
type CleanupJob struct {
	Cleaner   Cleaner
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewCleanupJob initialises the cleanup handler.
func NewCleanupJob(cleaner Cleaner, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *CleanupJob {
	return &CleanupJob{Cleaner: cleaner, Retention: retention, Logger: logger, Metrics: metrics}
}

// Handle executes one cleanup run.
func (j *CleanupJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	logger := jobLogger(j.Logger, TaskIdempotencyCleanup)
	if j.Cleaner == nil {
		logger.Debug("idempotency backend expires keys itself")
		return nil
	}
	var payload CleanupPayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	olderThan := payload.OlderThan
	if olderThan <= 0 {
		olderThan = j.Retention
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskIdempotencyCleanup)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	removed, err := j.Cleaner.Cleanup(ctx, olderThan)
	if err != nil {
		logger.Error("idempotency cleanup failed", slog.Any("error", err))
		return err
	}
	logger.Info("completed idempotency cleanup",
		slog.Int64("removed", removed),
		slog.Duration("older_than", olderThan))
	return nil
}
