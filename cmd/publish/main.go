// Package main publishes a single price update to the price-events stream.
package main

import (
	"context"
	"flag"
	"time"

	"github.com/eq-rebalancer/internal/config"
	"github.com/eq-rebalancer/internal/logging"
	"github.com/eq-rebalancer/internal/queue"
	"github.com/eq-rebalancer/internal/storage"
	"github.com/shopspring/decimal"
)

func main() {
	var (
		asset     = flag.String("asset", "", "Asset symbol, e.g. BTC")
		price     = flag.String("price", "", "Price as a decimal string")
		timestamp = flag.Int64("timestamp", 0, "Observation time in epoch milliseconds (default now)")
		source    = flag.String("source", "", "Price source label")
		codec     = flag.String("codec", "", "Payload codec override: json, msgpack")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.GetGlobalLogger().WithError(err).Fatal("Failed to load config")
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithComponent("publish")

	value, err := decimal.NewFromString(*price)
	if err != nil {
		logger.WithError(err).Fatalf("Invalid price %q", *price)
	}
	job := &queue.PriceJob{Asset: *asset, Price: value, Timestamp: *timestamp, Source: *source}
	if job.Timestamp == 0 {
		job.Timestamp = time.Now().UnixMilli()
	}
	if err := job.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid price job")
	}

	if *codec != "" {
		cfg.Queue.Codec = *codec
	}

	ctx, cancel := context.WithTimeout(logging.WithLogger(context.Background(), logger), 30*time.Second)
	defer cancel()

	redis, err := storage.ConnectRedis(ctx, &cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	q, err := queue.NewStreamQueueFromConfig(redis.Client(), &cfg.Queue, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create stream queue")
	}

	id, err := q.Publish(ctx, job)
	if err != nil {
		logger.WithError(err).Fatal("Failed to publish price")
	}

	logger.WithFields(map[string]interface{}{
		"jobId":     id,
		"stream":    q.Stream(),
		"asset":     job.Asset,
		"price":     job.Price.String(),
		"timestamp": job.Timestamp,
	}).Info("Price published")
}
