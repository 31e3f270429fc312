package service

import (
	"context"

	"github.com/eq-rebalancer/internal/errors"
	"github.com/eq-rebalancer/internal/models"
	"github.com/shopspring/decimal"
)

// ValuationCalculator computes the market value of a portfolio from the latest stored prices
type ValuationCalculator struct {
	portfolios PortfolioStore
	prices     PriceStore
}

// NewValuationCalculator creates a valuation calculator
func NewValuationCalculator(portfolios PortfolioStore, prices PriceStore) *ValuationCalculator {
	return &ValuationCalculator{
		portfolios: portfolios,
		prices:     prices,
	}
}

// Valuate loads the portfolio and returns its total value.
// A missing portfolio or one without positions is worth zero.
func (c *ValuationCalculator) Valuate(ctx context.Context, portfolioID string) (decimal.Decimal, error) {
	portfolio, err := c.portfolios.FindPortfolio(ctx, portfolioID)
	if err != nil {
		return decimal.Zero, errors.NewDatabaseError("find portfolio", err)
	}
	if portfolio == nil {
		return decimal.Zero, nil
	}
	return c.ValuatePortfolio(ctx, portfolio)
}

// ValuatePortfolio values positions the caller already holds: the sum of quantity times
// the asset's latest price. Assets that were never priced contribute zero.
func (c *ValuationCalculator) ValuatePortfolio(ctx context.Context, portfolio *models.Portfolio) (decimal.Decimal, error) {
	if portfolio == nil || len(portfolio.Positions) == 0 {
		return decimal.Zero, nil
	}

	prices, err := c.prices.FindLatestPrices(ctx, portfolio.Assets())
	if err != nil {
		return decimal.Zero, errors.NewDatabaseError("find latest prices", err)
	}

	return sumPositions(portfolio.Positions, prices), nil
}

func sumPositions(positions []models.Position, prices map[string]*models.PriceEvent) decimal.Decimal {
	total := decimal.Zero
	for _, pos := range positions {
		latest, ok := prices[pos.Asset]
		if !ok || latest == nil {
			continue
		}
		total = total.Add(pos.Quantity.Mul(latest.Price))
	}
	return total
}
