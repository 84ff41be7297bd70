package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/masterdata"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCleaner struct {
	olderThan time.Duration
	removed   int64
}

func (c *fakeCleaner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	c.olderThan = olderThan
	return c.removed, nil
}

type fakeInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (f fakeInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return f.info, f.err
}

func seededInventory(t *testing.T) (*inventory.MemoryStore, *inventory.MemoryLedger, *inventory.Availability) {
	t.Helper()
	dir, err := masterdata.NewDirectory(masterdata.Catalog{
		Products: []masterdata.Product{
			{ID: "p1", SKU: "S1", Name: "Nut", ReorderPoint: 10},
			{ID: "p2", SKU: "S2", Name: "Bolt", ReorderPoint: 2},
		},
		Warehouses: []masterdata.Warehouse{{ID: "w1", Name: "Main"}},
		Locations:  []masterdata.Location{{ID: "l1", WarehouseID: "w1"}},
	})
	require.NoError(t, err)
	store := inventory.NewMemoryStore(inventory.NewKeyLocker(time.Second))
	ledger := inventory.NewMemoryLedger()
	engine := inventory.NewEngine(inventory.EngineDeps{
		Store:       store,
		Ledger:      ledger,
		Directory:   dir,
		Idempotency: shared.NewMemoryIdempotencyStore(time.Hour),
		Logger:      quietLogger(),
	}, inventory.EngineConfig{})
	_, err = engine.ApplyMovement(context.Background(), inventory.MovementRequest{
		IdempotencyKey: "seed-1",
		Type:           inventory.MovementReceipt,
		ProductID:      "p1",
		Quantity:       4,
		Destination:    &inventory.Place{WarehouseID: "w1", LocationID: "l1"},
	})
	require.NoError(t, err)
	return store, ledger, inventory.NewAvailability(store, dir, inventory.LowStockAggregate)
}

func TestNewTaskKnowsEveryJob(t *testing.T) {
	for _, name := range []string{TaskLedgerReconcile, TaskIdempotencyCleanup, TaskLowStockScan} {
		task, err := NewTask(name)
		require.NoError(t, err)
		require.Equal(t, name, task.Type())
	}
	_, err := NewTask("mail:send")
	var unknown *UnknownTaskError
	require.True(t, errors.As(err, &unknown))

	schedule, err := DefaultSchedule()
	require.NoError(t, err)
	require.Len(t, schedule, 3)
}

func TestReconcileJobReportsPersistentMismatches(t *testing.T) {
	store, ledger, _ := seededInventory(t)
	registry := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(registry)
	job := NewReconcileJob(store, ledger, quietLogger(), metrics)
	job.sleep = func(context.Context, time.Duration) error { return nil }

	task, err := NewReconcileTask(time.Now())
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 0.0, gaugeValue(t, registry, "stockledger_reconcile_mismatches"))

	_, err = store.Apply(context.Background(), []inventory.Delta{{
		Key:    inventory.Key{ProductID: "p1", WarehouseID: "w1", LocationID: "l1"},
		Amount: 3,
	}}, nil)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 1.0, gaugeValue(t, registry, "stockledger_reconcile_mismatches"))
}

func TestPersistentDropsTransientMismatches(t *testing.T) {
	k := inventory.Key{ProductID: "p", WarehouseID: "w", LocationID: "l"}
	first := []inventory.Mismatch{{Key: k, Stored: 5, Ledger: 3}}
	require.Empty(t, persistent(first, []inventory.Mismatch{{Key: k, Stored: 5, Ledger: 5}}))
	require.Len(t, persistent(first, first), 1)
}

func TestCleanupJob(t *testing.T) {
	cleaner := &fakeCleaner{removed: 7}
	job := NewCleanupJob(cleaner, 72*time.Hour, quietLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewCleanupTask(0)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 72*time.Hour, cleaner.olderThan)

	task, err = NewCleanupTask(time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, time.Hour, cleaner.olderThan)

	noop := NewCleanupJob(nil, time.Hour, quietLogger(), nil)
	require.NoError(t, noop.Handle(context.Background(), task))

	bad := asynq.NewTask(TaskIdempotencyCleanup, []byte("{"))
	require.ErrorIs(t, job.Handle(context.Background(), bad), asynq.SkipRetry)
}

func TestLowStockJobExportsCounts(t *testing.T) {
	_, _, avail := seededInventory(t)
	registry := prometheus.NewRegistry()
	job := NewLowStockJob(avail, inventory.LowStockAggregate, quietLogger(), jobmetrics.NewMetrics(registry))

	task, err := NewLowStockTask("")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	expected := `
# HELP stockledger_low_stock_items Items at or below their reorder point on the last scan.
# TYPE stockledger_low_stock_items gauge
stockledger_low_stock_items{policy="aggregate",status="LOW_STOCK"} 1
stockledger_low_stock_items{policy="aggregate",status="OUT_OF_STOCK"} 1
`
	require.NoError(t, testutil.GatherAndCompare(registry, stringsReader(expected), "stockledger_low_stock_items"))

	task, err = NewLowStockTask("shelf")
	require.NoError(t, err)
	require.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)
}

func TestHealthEndpoint(t *testing.T) {
	cases := []struct {
		name      string
		inspector QueueInspector
		status    int
		body      string
	}{
		{"no inspector", nil, http.StatusOK, `{"queue":"default","pending":0}`},
		{"queue info", fakeInspector{info: &asynq.QueueInfo{Queue: "default", Pending: 3}}, http.StatusOK, `{"queue":"default","pending":3}`},
		{"redis down", fakeInspector{err: errors.New("dial tcp")}, http.StatusServiceUnavailable, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := chi.NewRouter()
			r.Route("/jobs", NewHandler(tc.inspector, quietLogger()).MountRoutes)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
			require.Equal(t, tc.status, rec.Code)
			if tc.body != "" {
				require.JSONEq(t, tc.body, rec.Body.String())
			}
		})
	}
}

func gaugeValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func stringsReader(s string) io.Reader {
	return strings.NewReader(s)
}
