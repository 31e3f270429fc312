// Package main loads portfolio fixtures into Postgres and optionally publishes their prices.
package main

import (
	"context"
	"flag"
	"time"

	"github.com/eq-rebalancer/internal/config"
	"github.com/eq-rebalancer/internal/fixtures"
	"github.com/eq-rebalancer/internal/logging"
	"github.com/eq-rebalancer/internal/queue"
	"github.com/eq-rebalancer/internal/storage"
)

func main() {
	var (
		file          = flag.String("file", "fixtures/demo.yaml", "Fixture file to load")
		publishPrices = flag.Bool("publish-prices", false, "Publish the fixture prices to the queue after seeding")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.GetGlobalLogger().WithError(err).Fatal("Failed to load config")
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithComponent("seed")

	fixture, err := fixtures.LoadFile(*file)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load fixtures")
	}

	ctx, cancel := context.WithTimeout(logging.WithLogger(context.Background(), logger), 2*time.Minute)
	defer cancel()

	postgres, err := storage.ConnectPostgres(ctx, &cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	created, err := fixture.Apply(ctx, storage.NewPortfolioRepository(postgres))
	if err != nil {
		logger.WithError(err).Fatal("Failed to seed portfolios")
	}
	for _, p := range created {
		logger.WithFields(map[string]interface{}{
			"portfolioId": p.ID,
			"name":        p.Name,
			"positions":   len(p.Positions),
			"strategies":  len(p.Strategies),
		}).Info("Portfolio created")
	}

	if !*publishPrices || len(fixture.Prices) == 0 {
		return
	}

	redis, err := storage.ConnectRedis(ctx, &cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	q, err := queue.NewStreamQueueFromConfig(redis.Client(), &cfg.Queue, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create stream queue")
	}

	jobs, err := fixture.PriceJobs()
	if err != nil {
		logger.WithError(err).Fatal("Invalid fixture prices")
	}
	for _, job := range jobs {
		id, err := q.Publish(ctx, job)
		if err != nil {
			logger.WithError(err).Fatal("Failed to publish price")
		}
		logger.WithFields(map[string]interface{}{
			"jobId": id,
			"asset": job.Asset,
			"price": job.Price.String(),
		}).Info("Price published")
	}
}
