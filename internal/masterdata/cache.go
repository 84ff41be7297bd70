package masterdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	catalogVersionKey = "masterdata:catalog:version"
	catalogKeyPrefix  = "masterdata:catalog"
	// BumpChannel carries catalog version bumps between instances.
	BumpChannel = "masterdata.bump"
)

// CachedSource is a read-through Redis cache in front of a Source. Entries
// are versioned; Bump invalidates every instance at once.
type CachedSource struct {
	client *redis.Client
	source Source
	ttl    time.Duration
}

// NewCachedSource wraps source. A nil client disables caching.
func NewCachedSource(client *redis.Client, source Source, ttl time.Duration) *CachedSource {
	return &CachedSource{client: client, source: source, ttl: ttl}
}

func (c *CachedSource) version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, catalogVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, catalogVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, catalogVersionKey).Int64()
	}
	return ver, err
}

// LoadCatalog returns the cached catalog or loads and stores it.
func (c *CachedSource) LoadCatalog(ctx context.Context) (Catalog, error) {
	if c.client == nil {
		return c.source.LoadCatalog(ctx)
	}
	ver, err := c.version(ctx)
	if err != nil {
		return Catalog{}, fmt.Errorf("masterdata: cache version: %w", err)
	}
	key := catalogKeyPrefix + ":" + strconv.FormatInt(ver, 10)

	var catalog Catalog
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		if err := json.Unmarshal(payload, &catalog); err != nil {
			return Catalog{}, fmt.Errorf("masterdata: decode cached catalog: %w", err)
		}
		return catalog, nil
	}
	if !errors.Is(err, redis.Nil) {
		return Catalog{}, fmt.Errorf("masterdata: read cache: %w", err)
	}

	catalog, err = c.source.LoadCatalog(ctx)
	if err != nil {
		return Catalog{}, err
	}
	raw, err := json.Marshal(catalog)
	if err != nil {
		return Catalog{}, err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return Catalog{}, fmt.Errorf("masterdata: write cache: %w", err)
	}
	return catalog, nil
}

// Bump invalidates the cache by incrementing the version and publishing it.
func (c *CachedSource) Bump(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, catalogVersionKey).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, BumpChannel, strconv.FormatInt(ver, 10)).Err()
}

// Refresh reloads dir from the source.
func Refresh(ctx context.Context, dir *Directory, source Source) error {
	catalog, err := source.LoadCatalog(ctx)
	if err != nil {
		return err
	}
	return dir.Replace(catalog)
}

// Watch reloads dir whenever another instance bumps the catalog version. It
// returns once the subscription is established.
func (c *CachedSource) Watch(ctx context.Context, dir *Directory, logger *slog.Logger) error {
	if c.client == nil {
		return nil
	}
	pubsub := c.client.Subscribe(ctx, BumpChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("masterdata: subscribe: %w", err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				if err := Refresh(ctx, dir, c); err != nil && logger != nil {
					logger.Warn("catalog refresh failed", slog.Any("error", err))
				}
			}
		}
	}()
	return nil
}
