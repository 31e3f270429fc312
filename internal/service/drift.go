package service

import (
	"context"

	"github.com/eq-rebalancer/internal/logging"
	"github.com/eq-rebalancer/internal/models"
	"github.com/shopspring/decimal"
)

// DriftResult is the outcome of evaluating one asset of one portfolio
type DriftResult struct {
	PortfolioID   string          `json:"portfolioId"`
	Asset         string          `json:"asset"`
	TotalValue    decimal.Decimal `json:"totalValue"`
	CurrentWeight decimal.Decimal `json:"currentWeight"`
	TargetWeight  decimal.Decimal `json:"targetWeight"`
	Drift         decimal.Decimal `json:"drift"`
	Threshold     decimal.Decimal `json:"threshold"`
	Breached      bool            `json:"breached"`
	// Degenerate is set when the portfolio's total value is not positive; the weight is reported as zero
	Degenerate bool `json:"degenerate"`
	// Skipped is set when the portfolio has no strategy for the asset
	Skipped bool `json:"skipped"`
}

// DriftEvaluator compares an asset's current weight against its target weight
type DriftEvaluator struct {
	valuation *ValuationCalculator
	logger    *logging.Logger
}

// NewDriftEvaluator creates a drift evaluator
func NewDriftEvaluator(valuation *ValuationCalculator, logger *logging.Logger) *DriftEvaluator {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &DriftEvaluator{
		valuation: valuation,
		logger:    logger.WithComponent("drift-evaluator"),
	}
}

// Evaluate values the portfolio from the latest prices and computes the drift of asset at price
func (e *DriftEvaluator) Evaluate(ctx context.Context, portfolio *models.Portfolio, asset string, price decimal.Decimal) (*DriftResult, error) {
	strategy := e.strategyFor(portfolio, asset)
	if strategy == nil {
		return skipped(portfolio, asset), nil
	}

	total, err := e.valuation.Valuate(ctx, portfolio.ID)
	if err != nil {
		return nil, err
	}

	return evaluateAt(portfolio, strategy, price, total), nil
}

// EvaluateAtTotal computes the drift of asset against an already known total value
func (e *DriftEvaluator) EvaluateAtTotal(portfolio *models.Portfolio, asset string, price, total decimal.Decimal) *DriftResult {
	strategy := e.strategyFor(portfolio, asset)
	if strategy == nil {
		return skipped(portfolio, asset)
	}
	return evaluateAt(portfolio, strategy, price, total)
}

func (e *DriftEvaluator) strategyFor(portfolio *models.Portfolio, asset string) *models.Strategy {
	strategy, matches := portfolio.StrategyFor(asset)
	if matches > 1 {
		e.logger.WithFields(map[string]interface{}{
			"portfolioId": portfolio.ID,
			"asset":       asset,
			"strategies":  matches,
			"strategyId":  strategy.ID,
		}).Warn("Multiple strategies for asset, using the most recently updated")
	}
	return strategy
}

func skipped(portfolio *models.Portfolio, asset string) *DriftResult {
	return &DriftResult{
		PortfolioID: portfolio.ID,
		Asset:       asset,
		Threshold:   portfolio.Threshold,
		Skipped:     true,
	}
}

func evaluateAt(portfolio *models.Portfolio, strategy *models.Strategy, price, total decimal.Decimal) *DriftResult {
	quantity, held := portfolio.HoldingOf(strategy.Asset)
	current, degenerate := currentWeight(quantity, held, price, total)
	drift := strategy.TargetWeight.Sub(current).Abs()

	return &DriftResult{
		PortfolioID:   portfolio.ID,
		Asset:         strategy.Asset,
		TotalValue:    total,
		CurrentWeight: current,
		TargetWeight:  strategy.TargetWeight,
		Drift:         drift,
		Threshold:     portfolio.Threshold,
		Breached:      drift.GreaterThan(portfolio.Threshold),
		Degenerate:    degenerate,
	}
}

// currentWeight is quantity*price/total. A non-positive total never divides and yields zero.
func currentWeight(quantity decimal.Decimal, held bool, price, total decimal.Decimal) (weight decimal.Decimal, degenerate bool) {
	if !total.IsPositive() {
		return decimal.Zero, true
	}
	if !held {
		return decimal.Zero, false
	}
	return quantity.Mul(price).Div(total), false
}
