package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerReconcile compares inventory records with the ledger.
	TaskLedgerReconcile = "ledger:reconcile"
	// TaskIdempotencyCleanup drops idempotency keys past their retention.
	TaskIdempotencyCleanup = "idempotency:cleanup"
	// TaskLowStockScan evaluates the low-stock report and exports gauges.
	TaskLowStockScan = "inventory:lowstock-scan"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ReconcilePayload tunes a reconciliation run.
type ReconcilePayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
	// ConfirmAfter delays the second pass that filters in-flight movements.
	ConfirmAfter time.Duration `json:"confirm_after,omitempty"`
}

// CleanupPayload carries the retention override for one run.
type CleanupPayload struct {
	OlderThan time.Duration `json:"older_than,omitempty"`
}

// LowStockPayload selects the evaluation policy; empty uses the configured default.
type LowStockPayload struct {
	Policy string `json:"policy,omitempty"`
}

// NewReconcileTask constructs the reconciliation task.
func NewReconcileTask(at time.Time) (*asynq.Task, error) {
	return newTask(TaskLedgerReconcile, ReconcilePayload{ScheduledFor: at})
}

// NewCleanupTask constructs the idempotency cleanup task.
func NewCleanupTask(olderThan time.Duration) (*asynq.Task, error) {
	return newTask(TaskIdempotencyCleanup, CleanupPayload{OlderThan: olderThan})
}

// NewLowStockTask constructs the low-stock scan task.
func NewLowStockTask(policy string) (*asynq.Task, error) {
	return newTask(TaskLowStockScan, LowStockPayload{Policy: policy})
}

// NewTask builds the task registered under name with its default payload.
func NewTask(name string) (*asynq.Task, error) {
	switch name {
	case TaskLedgerReconcile:
		return NewReconcileTask(time.Now().UTC())
	case TaskIdempotencyCleanup:
		return NewCleanupTask(0)
	case TaskLowStockScan:
		return NewLowStockTask("")
	}
	return nil, &UnknownTaskError{Name: name}
}

// UnknownTaskError reports a task name no handler is registered for.
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string {
	return "jobs: unsupported task " + e.Name
}

func newTask(name string, payload any) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(name, body, asynq.Queue(QueueDefault)), nil
}

func decode(t *asynq.Task, target any) error {
	if len(t.Payload()) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Payload(), target); err != nil {
		return asynq.SkipRetry
	}
	return nil
}
