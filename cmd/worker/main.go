// Package main provides the price worker entry point for the rebalancer engine.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/eq-rebalancer/internal/alert"
	"github.com/eq-rebalancer/internal/circuitbreaker"
	"github.com/eq-rebalancer/internal/config"
	"github.com/eq-rebalancer/internal/logging"
	"github.com/eq-rebalancer/internal/metrics"
	"github.com/eq-rebalancer/internal/queue"
	"github.com/eq-rebalancer/internal/scheduler"
	"github.com/eq-rebalancer/internal/service"
	"github.com/eq-rebalancer/internal/storage"
	"github.com/eq-rebalancer/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.GetGlobalLogger().WithError(err).Fatal("Failed to load configuration")
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithComponent("worker")
	logger.WithFields(map[string]interface{}{
		"stream":      cfg.Queue.Stream,
		"group":       cfg.Queue.Group,
		"consumer":    cfg.Queue.Consumer,
		"concurrency": cfg.Worker.Concurrency,
	}).Info("Rebalancer worker starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	// Connect to Postgres
	postgres, err := storage.ConnectPostgres(ctx, &cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	// Connect to Redis
	redis, err := storage.ConnectRedis(ctx, &cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	// Connect to ClickHouse only when alerts are archived there
	var clickhouse *storage.ClickHouseDB
	if cfg.Alert.HasSink("clickhouse") {
		clickhouse, err = storage.ConnectClickHouse(ctx, &cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer clickhouse.Close()
	}

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
	portfolios := storage.NewPortfolioRepository(postgres)

	// Initialize the queue
	streamQueue, err := queue.NewStreamQueueFromConfig(redis.Client(), &cfg.Queue, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create stream queue")
	}
	if err := streamQueue.EnsureGroup(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to create consumer group")
	}

	// Initialize alert sinks
	sinks, err := buildSinks(cfg, redis, clickhouse, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create alert sinks")
	}
	emitter, err := alert.NewEmitter(&alert.EmitterConfig{
		Sinks:      sinks,
		BufferSize: cfg.Alert.BufferSize,
		Timeout:    cfg.Alert.Timeout,
		Metrics:    reg,
		Logger:     logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create alert emitter")
	}
	if err := emitter.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start alert emitter")
	}

	// Initialize services
	rebalance, err := service.NewRebalanceService(&service.RebalanceServiceConfig{
		Prices:     prices,
		Portfolios: portfolios,
		Alerts:     emitter,
		Metrics:    reg,
		Logger:     logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create rebalance service")
	}

	priceWorker, err := worker.NewPriceWorker(&worker.PriceWorkerConfig{
		Source:          streamQueue,
		Processor:       rebalance,
		Concurrency:     cfg.Worker.Concurrency,
		JobTimeout:      cfg.Queue.JobTimeout,
		ReclaimInterval: cfg.Queue.ReclaimInterval,
		Metrics:         reg,
		Logger:          logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create price worker")
	}

	// Periodic drift sweep
	var sched *scheduler.Scheduler
	if cfg.Sweep.Schedule != "" {
		if err := scheduler.ValidateSchedule(cfg.Sweep.Schedule); err != nil {
			logger.WithError(err).Fatal("Invalid SWEEP_SCHEDULE")
		}
		sched = scheduler.New(logger, 0)
		if err := sched.AddJob(cfg.Sweep.Schedule, service.NewSweepService(rebalance)); err != nil {
			logger.WithError(err).Fatal("Failed to schedule drift sweep")
		}
		sched.Start()
	}

	// Metrics endpoint
	metricsServer := reg.NewServer(cfg.Metrics.Addr)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()

	if err := priceWorker.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start price worker")
	}
	logger.Info("Worker started successfully")

	<-ctx.Done()
	logger.Info("Shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.JobTimeout+10*time.Second)
	defer cancel()

	// Stop consuming first so in-flight jobs can still publish alerts
	if err := priceWorker.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Price worker did not stop cleanly")
	}
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Error("Scheduler did not stop cleanly")
		}
	}
	if err := emitter.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Alert emitter did not drain")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Metrics server shutdown failed")
	}

	logger.Info("Worker exited")
}

// buildSinks creates the alert sinks enabled by ALERT_SINKS
func buildSinks(cfg *config.Config, redis *storage.RedisCache, clickhouse *storage.ClickHouseDB, logger *logging.Logger) ([]alert.Sink, error) {
	var sinks []alert.Sink
	for _, name := range cfg.Alert.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, alert.NewLogSink(logger))
		case "webhook":
			webhook, err := alert.NewWebhookSink(&alert.WebhookSinkConfig{
				URL:     cfg.Alert.WebhookURL,
				Timeout: cfg.Alert.WebhookTimeout,
				Breaker: circuitbreaker.DefaultConfig("alert-webhook"),
			})
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, webhook)
		case "redis":
			sinks = append(sinks, alert.NewRedisSink(redis.Client(), cfg.Alert.RedisChannel))
		case "clickhouse":
			archive, err := alert.NewClickHouseSink(clickhouse.Conn())
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, archive)
		}
	}
	return sinks, nil
}
