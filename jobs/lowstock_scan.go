package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

// LowStockLister produces the low-stock report.
type LowStockLister interface {
	ListLowStock(ctx context.Context, policy inventory.LowStockPolicy) ([]inventory.LowStockItem, error)
}

// LowStockJob exports the size of the low-stock report and logs out-of-stock items.
type LowStockJob struct {
	Lister  LowStockLister
	Policy  inventory.LowStockPolicy
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLowStockJob initialises the scan handler.
func NewLowStockJob(lister LowStockLister, policy inventory.LowStockPolicy, logger *slog.Logger, metrics *jobmetrics.Metrics) *LowStockJob {
	return &LowStockJob{Lister: lister, Policy: policy, Logger: logger, Metrics: metrics}
}

// Handle executes one scan.
func (j *LowStockJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Lister == nil {
		return errors.New("low stock scan: handler not configured")
	}
	var payload LowStockPayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	policy := j.Policy
	if payload.Policy != "" {
		parsed, err := inventory.ParseLowStockPolicy(payload.Policy)
		if err != nil {
			return errors.Join(err, asynq.SkipRetry)
		}
		policy = parsed
	}
	if policy == "" {
		policy = inventory.LowStockAggregate
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskLowStockScan)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	logger := jobLogger(j.Logger, TaskLowStockScan).With(slog.String("policy", string(policy)))

	items, err := j.Lister.ListLowStock(ctx, policy)
	if err != nil {
		logger.Error("low stock scan failed", slog.Any("error", err))
		return err
	}
	counts := map[string]int{
		string(inventory.StatusOutOfStock): 0,
		string(inventory.StatusLowStock):   0,
	}
	for _, item := range items {
		counts[string(item.Status)]++
		if item.Status == inventory.StatusOutOfStock {
			logger.Warn("product out of stock",
				slog.String("product_id", item.ProductID),
				slog.String("sku", item.SKU),
				slog.String("warehouse_id", item.WarehouseID),
				slog.String("location_id", item.LocationID))
		}
	}
	metricsOrDefault(j.Metrics).SetLowStock(string(policy), counts)
	logger.Info("completed low stock scan",
		slog.Int("out_of_stock", counts[string(inventory.StatusOutOfStock)]),
		slog.Int("low_stock", counts[string(inventory.StatusLowStock)]))
	return nil
}
