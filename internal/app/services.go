package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/masterdata"
	"github.com/odyssey-erp/stockledger/internal/notify"
	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/platform/cache"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/jobs"
)

// Services is the wired inventory core shared by the API and the worker.
type Services struct {
	Pool         *pgxpool.Pool
	Redis        *redis.Client
	Directory    *masterdata.Directory
	Catalog      *masterdata.CachedSource
	Locks        *inventory.KeyLocker
	Store        inventory.Store
	Ledger       inventory.Ledger
	Idempotency  inventory.IdempotencyStore
	Availability *inventory.Availability
	Engine       *inventory.Engine
	Broker       *notify.Broker
	Relay        *notify.RedisRelay

	closers []func()
}

// BuildServices connects the configured backends and assembles the engine.
// Background goroutines (catalog watch, relay) stop when ctx is done.
func BuildServices(ctx context.Context, cfg *Config, logger *slog.Logger, metrics *observability.Metrics) (_ *Services, err error) {
	s := &Services{}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	if cfg.StoreDriver == DriverPostgres {
		if s.Pool, err = db.New(ctx, cfg.PGDSN); err != nil {
			return nil, err
		}
		s.closers = append(s.closers, s.Pool.Close)
	}
	if needsRedis(cfg) {
		if s.Redis, err = cache.New(ctx, cfg.RedisAddr); err != nil {
			return nil, err
		}
		client := s.Redis
		s.closers = append(s.closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		})
	}

	if err := s.buildCatalog(ctx, cfg, logger); err != nil {
		return nil, err
	}

	s.Locks = inventory.NewKeyLocker(cfg.LockTimeout)
	if metrics != nil {
		s.Locks.ObserveWait(metrics.ObserveLockWait)
	}

	var audit inventory.AuditPort
	switch cfg.StoreDriver {
	case DriverPostgres:
		s.Store = inventory.NewPostgresStore(s.Pool, s.Locks)
		s.Ledger = inventory.NewPostgresLedger(s.Pool)
		audit = shared.NewAuditLogger(s.Pool)
	default:
		s.Store = inventory.NewMemoryStore(s.Locks)
		s.Ledger = inventory.NewMemoryLedger()
		audit = shared.NewSlogAuditor(logger)
	}

	switch cfg.IdempotencyBackend {
	case DriverPostgres:
		s.Idempotency = shared.NewIdempotencyStore(s.Pool, cfg.IdempotencyRetention)
	case DriverRedis:
		s.Idempotency = shared.NewRedisIdempotencyStore(s.Redis, cfg.IdempotencyRetention)
	default:
		s.Idempotency = shared.NewMemoryIdempotencyStore(cfg.IdempotencyRetention)
	}

	s.Broker = notify.NewBroker(cfg.NotifyBuffer, logger)
	s.closers = append(s.closers, s.Broker.Close)
	if metrics != nil {
		s.Broker.OnDrop(metrics.IncNotifyDropped)
	}
	if cfg.NotifyRedisChannel != "" {
		s.Relay = notify.NewRedisRelay(s.Redis, shared.ChangesChannel(cfg.NotifyRedisChannel), cfg.NotifyBuffer, logger)
		if err := s.Relay.Attach(ctx, s.Broker); err != nil {
			return nil, err
		}
		logger.Info("change relay attached", slog.String("origin", s.Relay.Origin()))
	}

	policy, err := inventory.ParseLowStockPolicy(cfg.LowStockPolicy)
	if err != nil {
		return nil, err
	}
	s.Availability = inventory.NewAvailability(s.Store, s.Directory, policy)

	deps := inventory.EngineDeps{
		Store:       s.Store,
		Ledger:      s.Ledger,
		Directory:   s.Directory,
		Idempotency: s.Idempotency,
		Publisher:   s.Broker,
		Audit:       audit,
		Logger:      logger,
	}
	if metrics != nil {
		deps.Metrics = metrics
	}
	s.Engine = inventory.NewEngine(deps, inventory.EngineConfig{
		AppendAttempts: cfg.LedgerAppendAttempts,
		AppendBackoff:  cfg.LedgerAppendBackoff,
	})
	return s, nil
}

func needsRedis(cfg *Config) bool {
	return cfg.IdempotencyBackend == DriverRedis ||
		cfg.NotifyRedisChannel != "" ||
		cfg.StoreDriver == DriverPostgres
}

// buildCatalog loads the directory. The postgres driver reads through the
// Redis catalog cache and follows version bumps from other instances.
func (s *Services) buildCatalog(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	var seed *masterdata.Catalog
	if cfg.CatalogSeedFile != "" {
		catalog, err := masterdata.LoadSeedFile(cfg.CatalogSeedFile)
		if err != nil {
			return err
		}
		seed = &catalog
	}

	if cfg.StoreDriver != DriverPostgres {
		if seed == nil {
			logger.Warn("no catalog seed file; every movement will be rejected as unknown")
			seed = &masterdata.Catalog{}
		}
		dir, err := masterdata.NewDirectory(*seed)
		if err != nil {
			return fmt.Errorf("catalog seed: %w", err)
		}
		s.Directory = dir
		return nil
	}

	repo := masterdata.NewRepository(s.Pool)
	s.Catalog = masterdata.NewCachedSource(s.Redis, repo, cfg.CatalogCacheTTL)
	if seed != nil {
		if err := repo.Seed(ctx, *seed); err != nil {
			return fmt.Errorf("catalog seed: %w", err)
		}
		if err := s.Catalog.Bump(ctx); err != nil {
			logger.Warn("catalog cache bump", slog.Any("error", err))
		}
	}
	dir, err := masterdata.NewDirectory(masterdata.Catalog{})
	if err != nil {
		return err
	}
	if err := masterdata.Refresh(ctx, dir, s.Catalog); err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	if err := s.Catalog.Watch(ctx, dir, logger); err != nil {
		logger.Warn("catalog watch", slog.Any("error", err))
	}
	s.Directory = dir
	return nil
}

// Cleaner returns the idempotency store when it needs periodic cleanup.
func (s *Services) Cleaner() jobs.Cleaner {
	if c, ok := s.Idempotency.(jobs.Cleaner); ok {
		return c
	}
	return nil
}

// Close releases every backend in reverse order.
func (s *Services) Close() {
	if s == nil {
		return
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
