package service

import (
	"context"
	"sort"
	"time"

	"github.com/eq-rebalancer/internal/errors"
	"github.com/eq-rebalancer/internal/models"
	"github.com/eq-rebalancer/internal/types"
	"github.com/shopspring/decimal"
)

// DriftReport is the drift of every strategy asset of a portfolio at the latest prices
type DriftReport struct {
	PortfolioID string          `json:"portfolioId"`
	TotalValue  decimal.Decimal `json:"totalValue"`
	Threshold   decimal.Decimal `json:"threshold"`
	Degenerate  bool            `json:"degenerate"`
	Breached    bool            `json:"breached"`
	Results     []*DriftResult  `json:"results"`
	GeneratedAt time.Time       `json:"generatedAt"`

	// prices holds the latest events the report was computed from
	prices map[string]*models.PriceEvent
}

// PriceOf returns the latest price event the report used for asset, or nil
func (r *DriftReport) PriceOf(asset string) *models.PriceEvent {
	return r.prices[asset]
}

// Report evaluates every strategy of the portfolio against one snapshot of latest prices.
// Breaches are reported, never alerted.
func (s *RebalanceService) Report(ctx context.Context, portfolioID string) (*DriftReport, error) {
	report, err := s.buildReport(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	for _, result := range report.Results {
		if !result.Skipped {
			s.metrics.PortfoliosEvaluated.WithLabelValues(string(types.TriggerOnDemand)).Inc()
		}
	}
	return report, nil
}

func (s *RebalanceService) buildReport(ctx context.Context, portfolioID string) (*DriftReport, error) {
	portfolio, err := s.portfolios.FindPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, errors.NewDatabaseError("find portfolio", err)
	}
	if portfolio == nil {
		return nil, errors.NewNotFoundError("portfolio", portfolioID)
	}

	assets := strategyAssets(portfolio)
	prices, err := s.prices.FindLatestPrices(ctx, unionAssets(portfolio.Assets(), assets))
	if err != nil {
		return nil, errors.NewDatabaseError("find latest prices", err)
	}

	total := sumPositions(portfolio.Positions, prices)
	report := &DriftReport{
		PortfolioID: portfolio.ID,
		TotalValue:  total,
		Threshold:   portfolio.Threshold,
		Degenerate:  !total.IsPositive(),
		Results:     make([]*DriftResult, 0, len(assets)),
		GeneratedAt: s.now().UTC(),
		prices:      prices,
	}

	for _, asset := range assets {
		price := decimal.Zero
		if latest, ok := prices[asset]; ok {
			price = latest.Price
		}
		result := s.evaluator.EvaluateAtTotal(portfolio, asset, price, total)
		report.Breached = report.Breached || result.Breached
		report.Results = append(report.Results, result)
	}

	return report, nil
}

// strategyAssets returns the distinct strategy assets of a portfolio in sorted order
func strategyAssets(portfolio *models.Portfolio) []string {
	seen := make(map[string]struct{}, len(portfolio.Strategies))
	assets := make([]string, 0, len(portfolio.Strategies))
	for _, s := range portfolio.Strategies {
		if _, ok := seen[s.Asset]; ok {
			continue
		}
		seen[s.Asset] = struct{}{}
		assets = append(assets, s.Asset)
	}
	sort.Strings(assets)
	return assets
}

func unionAssets(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, asset := range list {
			if _, ok := seen[asset]; ok {
				continue
			}
			seen[asset] = struct{}{}
			out = append(out, asset)
		}
	}
	return out
}
