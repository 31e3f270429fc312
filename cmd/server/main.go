// Package main provides the API server entry point for the rebalancer engine.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/eq-rebalancer/internal/api"
	"github.com/eq-rebalancer/internal/config"
	"github.com/eq-rebalancer/internal/logging"
	"github.com/eq-rebalancer/internal/metrics"
	"github.com/eq-rebalancer/internal/queue"
	"github.com/eq-rebalancer/internal/service"
	"github.com/eq-rebalancer/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.GetGlobalLogger().WithError(err).Fatal("Failed to load configuration")
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	// Initialize database connections
	logger.Info("Connecting to databases...")

	postgres, err := storage.ConnectPostgres(ctx, &cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	redis, err := storage.ConnectRedis(ctx, &cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	logger.Info("Database connections established")

	reg := metrics.NewRegistry()

	// Initialize repositories
	var prices service.PriceStore = storage.NewPriceEventRepository(postgres)
	if cfg.Cache.Enabled {
		prices, err = storage.NewCachedPriceStore(&storage.CachedPriceStoreConfig{
			Store:  storage.NewPriceEventRepository(postgres),
			Cache:  storage.NewLatestPriceCache(redis.Client(), cfg.Cache.LatestPriceTTL),
			Logger: logger,
			OnHit:  reg.CacheHits.Inc,
			OnMiss: reg.CacheMisses.Inc,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to create latest price cache")
		}
	}

	streamQueue, err := queue.NewStreamQueueFromConfig(redis.Client(), &cfg.Queue, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create stream queue")
	}
	// Created here too so stats report pending entries before the first worker starts
	if err := streamQueue.EnsureGroup(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to create consumer group")
	}

	// Reports are read-only; breaches found here are not alerted
	reports, err := service.NewRebalanceService(&service.RebalanceServiceConfig{
		Prices:     prices,
		Portfolios: storage.NewPortfolioRepository(postgres),
		Alerts:     service.DiscardAlerts{},
		Metrics:    reg,
		Logger:     logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create rebalance service")
	}

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		IngestRPS:       cfg.RateLimit.IngestRPS,
		IngestBurst:     cfg.RateLimit.IngestBurst,
	}

	server, err := api.NewServer(serverConfig, &api.Dependencies{
		Queue:  streamQueue,
		Prices: prices,
		Drift:  reports,
		Checks: map[string]api.Pinger{
			"postgres": postgres,
			"redis":    redis,
		},
		Metrics: reg,
		Logger:  logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create API server")
	}

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()

	logger.Info("Shutting down server...")
	if err := server.Shutdown(context.Background()); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
