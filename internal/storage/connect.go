package storage

import (
	"context"

	"github.com/eq-rebalancer/internal/config"
	"github.com/eq-rebalancer/internal/logging"
	"github.com/eq-rebalancer/internal/retry"
)

// startupRetry covers dependencies that start alongside the engine, e.g. in docker compose
func startupRetry() *retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 6
	return cfg
}

// ConnectPostgres opens the Postgres pool, retrying while the database comes up
func ConnectPostgres(ctx context.Context, cfg *config.PostgresConfig) (*PostgresDB, error) {
	var db *PostgresDB
	err := retry.Do(withComponent(ctx, "postgres"), startupRetry(), func(ctx context.Context, attempt int) error {
		var err error
		db, err = NewPostgresDB(cfg)
		return err
	})
	return db, err
}

// ConnectRedis opens the Redis client, retrying while the server comes up
func ConnectRedis(ctx context.Context, cfg *config.RedisConfig) (*RedisCache, error) {
	var cache *RedisCache
	err := retry.Do(withComponent(ctx, "redis"), startupRetry(), func(ctx context.Context, attempt int) error {
		var err error
		cache, err = NewRedisCache(cfg)
		return err
	})
	return cache, err
}

// ConnectClickHouse opens the ClickHouse connection, retrying while the server comes up
func ConnectClickHouse(ctx context.Context, cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	var db *ClickHouseDB
	err := retry.Do(withComponent(ctx, "clickhouse"), startupRetry(), func(ctx context.Context, attempt int) error {
		var err error
		db, err = NewClickHouseDB(cfg)
		return err
	})
	return db, err
}

func withComponent(ctx context.Context, name string) context.Context {
	return logging.WithLogger(ctx, logging.FromContext(ctx).WithComponent(name))
}
