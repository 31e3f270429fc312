package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	apperrors "github.com/eq-rebalancer/internal/errors"
	"github.com/eq-rebalancer/internal/logging"
	"github.com/eq-rebalancer/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const latestPriceKeyPrefix = "price:latest:"

// storeIfNewer writes the hash only when (ts, id) is greater than what is cached,
// so concurrent writers can never move the cached price backwards.
// KEYS[1] = hash key; ARGV = ts, id, price, source, ttl millis
var storeIfNewer = redis.NewScript(`
local cur_ts = redis.call('HGET', KEYS[1], 'ts')
if cur_ts then
	local ts = tonumber(ARGV[1])
	local id = tonumber(ARGV[2])
	cur_ts = tonumber(cur_ts)
	local cur_id = tonumber(redis.call('HGET', KEYS[1], 'id') or '0')
	if ts < cur_ts or (ts == cur_ts and id <= cur_id) then
		redis.call('PEXPIRE', KEYS[1], ARGV[5])
		return 0
	end
end
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'id', ARGV[2], 'price', ARGV[3], 'source', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// LatestPriceCache keeps the latest price per asset in Redis
type LatestPriceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLatestPriceCache creates a cache; entries expire after ttl without writes or reads
func NewLatestPriceCache(client *redis.Client, ttl time.Duration) *LatestPriceCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &LatestPriceCache{client: client, ttl: ttl}
}

func latestPriceKey(asset string) string {
	return latestPriceKeyPrefix + asset
}

// Store caches event if it is newer than the cached entry. Reports whether the cache moved.
func (c *LatestPriceCache) Store(ctx context.Context, event *models.PriceEvent) (bool, error) {
	res, err := storeIfNewer.Run(ctx, c.client,
		[]string{latestPriceKey(event.Asset)},
		event.TimestampMillis(),
		event.ID,
		event.Price.String(),
		event.Source,
		c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to store latest price: %w", err)
	}
	return res == 1, nil
}

// Get returns the cached latest price for asset, or nil on a miss
func (c *LatestPriceCache) Get(ctx context.Context, asset string) (*models.PriceEvent, error) {
	values, err := c.client.HGetAll(ctx, latestPriceKey(asset)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read latest price: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	return decodeCachedPrice(asset, values)
}

// GetMany returns the cached latest prices for assets; misses are absent from the result
func (c *LatestPriceCache) GetMany(ctx context.Context, assets []string) (map[string]*models.PriceEvent, error) {
	result := make(map[string]*models.PriceEvent, len(assets))
	if len(assets) == 0 {
		return result, nil
	}

	pipe := c.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(assets))
	for i, asset := range assets {
		cmds[i] = pipe.HGetAll(ctx, latestPriceKey(asset))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read latest prices: %w", err)
	}

	for i, asset := range assets {
		values, err := cmds[i].Result()
		if err != nil || len(values) == 0 {
			continue
		}
		event, err := decodeCachedPrice(asset, values)
		if err != nil {
			return nil, err
		}
		result[asset] = event
	}

	return result, nil
}

// Invalidate drops the cached entry for asset
func (c *LatestPriceCache) Invalidate(ctx context.Context, asset string) error {
	return c.client.Del(ctx, latestPriceKey(asset)).Err()
}

func decodeCachedPrice(asset string, values map[string]string) (*models.PriceEvent, error) {
	ts, err := strconv.ParseInt(values["ts"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt cached timestamp for %s: %w", asset, err)
	}
	id, err := strconv.ParseInt(values["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt cached id for %s: %w", asset, err)
	}
	price, err := decimal.NewFromString(values["price"])
	if err != nil {
		return nil, fmt.Errorf("corrupt cached price for %s: %w", asset, err)
	}

	return &models.PriceEvent{
		ID:        id,
		Asset:     asset,
		Price:     price,
		Timestamp: time.UnixMilli(ts).UTC(),
		Source:    values["source"],
	}, nil
}

// PriceEventStore is the durable store behind CachedPriceStore
type PriceEventStore interface {
	InsertPriceEvent(ctx context.Context, event *models.PriceEvent) (bool, error)
	FindLatestPrice(ctx context.Context, asset string) (*models.PriceEvent, error)
	FindLatestPrices(ctx context.Context, assets []string) (map[string]*models.PriceEvent, error)
}

// CachedPriceStore serves latest-price reads from Redis and falls back to the durable store.
// Cache failures degrade to store reads; they never fail a call the store could answer.
type CachedPriceStore struct {
	store  PriceEventStore
	cache  *LatestPriceCache
	logger *logging.Logger

	onHit  func()
	onMiss func()
}

// CachedPriceStoreConfig holds configuration for CachedPriceStore
type CachedPriceStoreConfig struct {
	Store  PriceEventStore
	Cache  *LatestPriceCache
	Logger *logging.Logger
	// OnHit and OnMiss are optional hooks for metrics
	OnHit  func()
	OnMiss func()
}

// NewCachedPriceStore creates a cache-aside price store
func NewCachedPriceStore(cfg *CachedPriceStoreConfig) (*CachedPriceStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	noop := func() {}
	s := &CachedPriceStore{
		store:  cfg.Store,
		cache:  cfg.Cache,
		logger: logger.WithComponent("latest-price-cache"),
		onHit:  noop,
		onMiss: noop,
	}
	if cfg.OnHit != nil {
		s.onHit = cfg.OnHit
	}
	if cfg.OnMiss != nil {
		s.onMiss = cfg.OnMiss
	}
	return s, nil
}

// InsertPriceEvent persists the event, then advances the cache. When the cache can
// neither be advanced nor invalidated it may still hold an older price, so a cache
// error is returned and the caller retries; the store insert is idempotent.
func (s *CachedPriceStore) InsertPriceEvent(ctx context.Context, event *models.PriceEvent) (bool, error) {
	inserted, err := s.store.InsertPriceEvent(ctx, event)
	if err != nil {
		return false, err
	}

	if _, err := s.cache.Store(ctx, event); err != nil {
		s.logger.WithError(err).WithField("asset", event.Asset).Warn("latest price cache write failed, invalidating")
		if invErr := s.cache.Invalidate(ctx, event.Asset); invErr != nil {
			s.logger.WithError(invErr).WithField("asset", event.Asset).Error("latest price cache invalidation failed")
			return inserted, apperrors.NewCacheError("latest price update", fmt.Errorf("%w; invalidate: %v", err, invErr))
		}
	}

	return inserted, nil
}

// FindLatestPrice returns the cached latest price or loads it from the store
func (s *CachedPriceStore) FindLatestPrice(ctx context.Context, asset string) (*models.PriceEvent, error) {
	cached, err := s.cache.Get(ctx, asset)
	if err != nil {
		s.logger.WithError(err).WithField("asset", asset).Warn("latest price cache read failed")
	}
	if cached != nil {
		s.onHit()
		return cached, nil
	}

	s.onMiss()
	event, err := s.store.FindLatestPrice(ctx, asset)
	if err != nil || event == nil {
		return event, err
	}

	s.fill(ctx, event)
	return event, nil
}

// FindLatestPrices returns latest prices for assets, reading misses from the store in one query
func (s *CachedPriceStore) FindLatestPrices(ctx context.Context, assets []string) (map[string]*models.PriceEvent, error) {
	result, err := s.cache.GetMany(ctx, assets)
	if err != nil {
		s.logger.WithError(err).Warn("latest price cache batch read failed")
		result = make(map[string]*models.PriceEvent, len(assets))
	}

	var missing []string
	for _, asset := range assets {
		if _, ok := result[asset]; ok {
			s.onHit()
			continue
		}
		s.onMiss()
		missing = append(missing, asset)
	}
	if len(missing) == 0 {
		return result, nil
	}

	loaded, err := s.store.FindLatestPrices(ctx, missing)
	if err != nil {
		return nil, err
	}
	for asset, event := range loaded {
		result[asset] = event
		s.fill(ctx, event)
	}

	return result, nil
}

func (s *CachedPriceStore) fill(ctx context.Context, event *models.PriceEvent) {
	if _, err := s.cache.Store(ctx, event); err != nil {
		s.logger.WithError(err).WithField("asset", event.Asset).Debug("latest price cache fill failed")
	}
}
