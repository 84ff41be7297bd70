package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/auth"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/masterdata"
	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/jobs"
)

func memoryConfig(t *testing.T) *Config {
	t.Helper()
	seed := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(seed, []byte(`{
		"products": [{"id": "p1", "sku": "NUT-8", "name": "Nut M8", "unit": "pcs", "reorder_point": 10}],
		"warehouses": [{"id": "w1", "name": "Main"}],
		"locations": [{"id": "l1", "warehouse_id": "w1", "code": "A-01"}]
	}`), 0o600))
	return &Config{
		AppEnv:               "test",
		AppRequestTimeout:    5 * time.Second,
		StoreDriver:          DriverMemory,
		IdempotencyBackend:   DriverMemory,
		IdempotencyRetention: time.Hour,
		LockTimeout:          time.Second,
		LedgerAppendAttempts: 3,
		LedgerAppendBackoff:  time.Millisecond,
		LowStockPolicy:       "aggregate",
		NotifyBuffer:         16,
		CatalogSeedFile:      seed,
		JWTSecret:            "router-test-secret",
		JWTIssuer:            "stockledger",
		RateLimitPerMinute:   1000,
	}
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("IDEMPOTENCY_BACKEND", "redis")
	t.Setenv("LOCK_TIMEOUT", "750ms")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.JWTSecret)
	require.Equal(t, DriverMemory, cfg.StoreDriver)
	require.Equal(t, 750*time.Millisecond, cfg.LockTimeout)
	require.Equal(t, 72*time.Hour, cfg.IdempotencyRetention)
	require.Equal(t, 5, cfg.LedgerAppendAttempts)
	require.False(t, cfg.IsProduction())
}

func TestConfigValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"missing secret":          func(c *Config) { c.JWTSecret = "" },
		"unknown driver":          func(c *Config) { c.StoreDriver = "sqlite" },
		"unknown backend":         func(c *Config) { c.IdempotencyBackend = "etcd" },
		"postgres idem w/o pg":    func(c *Config) { c.IdempotencyBackend = DriverPostgres },
		"memory idem on pg":       func(c *Config) { c.StoreDriver = DriverPostgres },
		"zero append attempts":    func(c *Config) { c.LedgerAppendAttempts = 0 },
		"non-positive rate limit": func(c *Config) { c.RateLimitPerMinute = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := memoryConfig(t)
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
	require.NoError(t, memoryConfig(t).Validate())
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{LogFormat: "json", LogLevel: "warn"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", slog.String("k", "v"))

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, `"msg":"shown"`)
	require.Equal(t, slog.LevelInfo, parseLevel(&Config{LogLevel: "loud"}))
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (http.Handler, *Services, string) {
	t.Helper()
	cfg := memoryConfig(t)
	logger := quietLogger()
	metrics := observability.NewMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	svc, err := BuildServices(ctx, cfg, logger, metrics)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	authSvc, err := auth.NewService(cfg.JWTSecret, cfg.JWTIssuer)
	require.NoError(t, err)
	token, err := authSvc.Generate("clerk-1", "Clerk", []string{"inventory"}, time.Hour)
	require.NoError(t, err)

	router := NewRouter(RouterParams{
		Logger:            logger,
		Config:            cfg,
		Auth:              authSvc,
		InventoryHandler:  inventory.NewHandler(logger, svc.Engine, svc.Availability, svc.Broker),
		MasterDataHandler: masterdata.NewHandler(logger, svc.Directory),
		JobHandler:        jobs.NewHandler(nil, logger),
		Metrics:           metrics,
	})
	return router, svc, token
}

func TestRouterServesInventoryAPI(t *testing.T) {
	router, _, token := newTestServer(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/products", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	body := `{"type":"receipt","product_id":"p1","quantity":12,"destination":{"warehouse_id":"w1","location_id":"l1"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/movements", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", "router-1")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var m inventory.Movement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	require.Equal(t, "clerk-1", m.CreatedBy)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/warehouses/w1/locations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"A-01"`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `stockledger_movements_total{result="applied",type="RECEIPT"} 1`)
	require.Contains(t, rec.Body.String(), `stockledger_http_requests_total{code="201",route="/api/v1/movements"} 1`)
}

func TestBuildServicesMemoryMode(t *testing.T) {
	_, svc, _ := newTestServer(t)
	require.Nil(t, svc.Pool)
	require.Nil(t, svc.Redis)
	require.Nil(t, svc.Relay)
	require.NotNil(t, svc.Cleaner())

	_, err := svc.Directory.GetProduct(context.Background(), "p1")
	require.NoError(t, err)
}
