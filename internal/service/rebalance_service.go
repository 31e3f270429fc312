package service

import (
	"context"
	"fmt"
	"time"

	"github.com/eq-rebalancer/internal/alert"
	"github.com/eq-rebalancer/internal/errors"
	"github.com/eq-rebalancer/internal/logging"
	"github.com/eq-rebalancer/internal/metrics"
	"github.com/eq-rebalancer/internal/models"
	"github.com/eq-rebalancer/internal/queue"
	"github.com/eq-rebalancer/internal/types"
	"github.com/shopspring/decimal"
)

// RebalanceService runs the per-job pipeline: persist the price, find the
// exposed portfolios, evaluate their drift and forward breaches.
type RebalanceService struct {
	prices     PriceStore
	portfolios PortfolioStore
	evaluator  *DriftEvaluator
	alerts     AlertPublisher
	metrics    *metrics.Registry
	logger     *logging.Logger
	now        func() time.Time
}

// RebalanceServiceConfig holds configuration for RebalanceService
type RebalanceServiceConfig struct {
	Prices     PriceStore
	Portfolios PortfolioStore
	Alerts     AlertPublisher
	Metrics    *metrics.Registry
	Logger     *logging.Logger
}

// JobSummary describes what processing one job did
type JobSummary struct {
	Asset     string
	Price     decimal.Decimal
	Inserted  bool
	Evaluated int
	Breaches  int
}

// NewRebalanceService creates a new rebalance service
func NewRebalanceService(cfg *RebalanceServiceConfig) (*RebalanceService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Prices == nil {
		return nil, fmt.Errorf("price store cannot be nil")
	}
	if cfg.Portfolios == nil {
		return nil, fmt.Errorf("portfolio store cannot be nil")
	}
	if cfg.Alerts == nil {
		return nil, fmt.Errorf("alert publisher cannot be nil")
	}

	reg := cfg.Metrics
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &RebalanceService{
		prices:     cfg.Prices,
		portfolios: cfg.Portfolios,
		evaluator:  NewDriftEvaluator(NewValuationCalculator(cfg.Portfolios, cfg.Prices), logger),
		alerts:     cfg.Alerts,
		metrics:    reg,
		logger:     logger.WithComponent("rebalance-service"),
		now:        time.Now,
	}, nil
}

// Evaluator returns the drift evaluator used by the service
func (s *RebalanceService) Evaluator() *DriftEvaluator {
	return s.evaluator
}

// Process handles one delivery from the price queue. Malformed jobs fail permanently;
// store failures are retryable and the whole job is repeated on redelivery.
func (s *RebalanceService) Process(ctx context.Context, d *queue.Delivery) error {
	if d.DecodeErr != nil {
		return d.DecodeErr
	}
	if d.Job == nil {
		return errors.NewMalformedJobError("payload", "is empty")
	}

	_, err := s.ProcessJob(ctx, d.Job, d.ID)
	return err
}

// ProcessJob validates and applies a price job. jobID is recorded on the stored event.
func (s *RebalanceService) ProcessJob(ctx context.Context, job *queue.PriceJob, jobID string) (*JobSummary, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	logger := s.logger.WithFields(map[string]interface{}{
		"jobId": jobID,
		"asset": job.Asset,
	})

	event := job.ToPriceEvent(jobID)
	inserted, err := s.prices.InsertPriceEvent(ctx, event)
	if err != nil {
		// Rejections and cache failures from the store keep their own category
		if _, ok := err.(*errors.CategorizedError); ok {
			return nil, err
		}
		return nil, errors.NewDatabaseError("insert price event", err)
	}
	if !inserted {
		s.metrics.DuplicatePriceEvents.Inc()
		logger.WithField("eventId", event.ID).Debug("Price event already stored, re-evaluating")
	}

	portfolios, err := s.portfolios.FindPortfoliosWithAssetExposure(ctx, job.Asset)
	if err != nil {
		return nil, errors.NewDatabaseError("find exposed portfolios", err)
	}

	summary := &JobSummary{Asset: job.Asset, Price: job.Price, Inserted: inserted}
	if len(portfolios) == 0 {
		return summary, nil
	}

	// A newer event may already be stored; weights always use the latest price
	latest, err := s.prices.FindLatestPrice(ctx, job.Asset)
	if err != nil {
		return nil, errors.NewDatabaseError("find latest price", err)
	}
	if latest == nil {
		latest = event
	}
	summary.Price = latest.Price

	for _, portfolio := range portfolios {
		result, err := s.evaluator.Evaluate(ctx, portfolio, job.Asset, latest.Price)
		if err != nil {
			return nil, err
		}
		if s.record(result, latest, types.TriggerPriceEvent) {
			summary.Breaches++
		}
		if !result.Skipped {
			summary.Evaluated++
		}
	}

	logger.WithFields(map[string]interface{}{
		"portfolios": summary.Evaluated,
		"breaches":   summary.Breaches,
		"duplicate":  !inserted,
	}).Debug("Price job evaluated")

	return summary, nil
}

// record updates metrics for result and emits an alert on breach. Reports whether it breached.
func (s *RebalanceService) record(result *DriftResult, price *models.PriceEvent, trigger types.EvaluationTrigger) bool {
	if result.Skipped {
		return false
	}

	s.metrics.PortfoliosEvaluated.WithLabelValues(string(trigger)).Inc()
	if result.Degenerate {
		s.metrics.DegenerateValuations.Inc()
		s.logger.WithFields(map[string]interface{}{
			"portfolioId": result.PortfolioID,
			"totalValue":  result.TotalValue.String(),
		}).Debug("Portfolio has no positive valuation, weight reported as zero")
	}
	if !result.Breached {
		return false
	}

	s.metrics.DriftBreaches.WithLabelValues(result.Asset).Inc()
	s.alerts.Emit(alert.Alert{
		PortfolioID:    result.PortfolioID,
		Asset:          result.Asset,
		Drift:          result.Drift,
		Threshold:      result.Threshold,
		CurrentWeight:  result.CurrentWeight,
		TargetWeight:   result.TargetWeight,
		Price:          price.Price,
		PriceTimestamp: price.Timestamp,
		Trigger:        trigger,
		DetectedAt:     s.now().UTC(),
	})
	return true
}
