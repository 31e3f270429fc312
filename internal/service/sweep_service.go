package service

import (
	"context"
	"fmt"
	"time"

	"github.com/eq-rebalancer/internal/errors"
	"github.com/eq-rebalancer/internal/logging"
	"github.com/eq-rebalancer/internal/models"
	"github.com/eq-rebalancer/internal/types"
)

// SweepService periodically re-evaluates every portfolio with strategies, so position or
// strategy changes surface as alerts without waiting for a new price event.
type SweepService struct {
	rebalance *RebalanceService
	logger    *logging.Logger
}

// SweepSummary describes one sweep run
type SweepSummary struct {
	Portfolios int
	Evaluated  int
	Breaches   int
	Failed     int
	Duration   time.Duration
}

// NewSweepService creates a sweep service over the rebalance pipeline
func NewSweepService(rebalance *RebalanceService) *SweepService {
	return &SweepService{
		rebalance: rebalance,
		logger:    rebalance.logger.WithField("job", "drift-sweep"),
	}
}

// Name returns the scheduled job name
func (s *SweepService) Name() string {
	return "drift-sweep"
}

// Run performs one sweep; it satisfies scheduler.Job
func (s *SweepService) Run(ctx context.Context) error {
	_, err := s.Sweep(ctx)
	return err
}

// Sweep evaluates every portfolio. A failing portfolio is logged and the sweep continues.
func (s *SweepService) Sweep(ctx context.Context) (*SweepSummary, error) {
	start := time.Now()
	reg := s.rebalance.metrics

	ids, err := s.rebalance.portfolios.ListPortfolioIDs(ctx)
	if err != nil {
		reg.SweepRuns.WithLabelValues("failed").Inc()
		return nil, errors.NewDatabaseError("list portfolios", err)
	}

	summary := &SweepSummary{Portfolios: len(ids)}
	for _, id := range ids {
		if ctx.Err() != nil {
			reg.SweepRuns.WithLabelValues("cancelled").Inc()
			return summary, ctx.Err()
		}

		report, err := s.rebalance.buildReport(ctx, id)
		if err != nil {
			if errors.Categorize(err).Category == errors.CategoryNotFound {
				continue
			}
			summary.Failed++
			s.logger.WithError(err).WithField("portfolioId", id).Warn("Sweep failed to evaluate portfolio")
			continue
		}

		for _, result := range report.Results {
			price := report.PriceOf(result.Asset)
			if price == nil {
				price = &models.PriceEvent{Asset: result.Asset}
			}
			if s.rebalance.record(result, price, types.TriggerSweep) {
				summary.Breaches++
			}
			summary.Evaluated++
		}
	}
	summary.Duration = time.Since(start)

	s.logger.WithFields(map[string]interface{}{
		"portfolios": summary.Portfolios,
		"evaluated":  summary.Evaluated,
		"breaches":   summary.Breaches,
		"failed":     summary.Failed,
		"duration":   summary.Duration.String(),
	}).Info("Drift sweep finished")

	if summary.Failed > 0 {
		reg.SweepRuns.WithLabelValues("partial").Inc()
		return summary, fmt.Errorf("sweep failed for %d of %d portfolios", summary.Failed, summary.Portfolios)
	}
	reg.SweepRuns.WithLabelValues("completed").Inc()
	return summary, nil
}
