package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultThreshold is the drift tolerance given to portfolios created without one
var DefaultThreshold = decimal.RequireFromString("0.05")

// Portfolio represents a client's holdings together with its target allocation
type Portfolio struct {
	ID         string          `json:"id" db:"id"`
	Name       string          `json:"name" db:"name"`
	ClientID   string          `json:"clientId" db:"client_id"`
	Threshold  decimal.Decimal `json:"threshold" db:"threshold"`
	Positions  []Position      `json:"positions"`
	Strategies []Strategy      `json:"strategies"`
	CreatedAt  time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time       `json:"updatedAt" db:"updated_at"`
}

// Position is a signed quantity of one asset held by a portfolio
type Position struct {
	ID          string          `json:"id" db:"id"`
	PortfolioID string          `json:"portfolioId" db:"portfolio_id"`
	Asset       string          `json:"asset" db:"asset"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
}

// Strategy is the target weight of one asset within a portfolio
type Strategy struct {
	ID           string          `json:"id" db:"id"`
	PortfolioID  string          `json:"portfolioId" db:"portfolio_id"`
	Asset        string          `json:"asset" db:"asset"`
	TargetWeight decimal.Decimal `json:"targetWeight" db:"target_weight"`
	UpdatedAt    time.Time       `json:"updatedAt" db:"updated_at"`
}

// HoldingOf returns the total quantity held in asset across all positions.
// ok is false when the portfolio has no position in the asset.
func (p *Portfolio) HoldingOf(asset string) (quantity decimal.Decimal, ok bool) {
	quantity = decimal.Zero
	for _, pos := range p.Positions {
		if pos.Asset == asset {
			quantity = quantity.Add(pos.Quantity)
			ok = true
		}
	}
	return quantity, ok
}

// StrategyFor returns the strategy for asset and the number of strategies matching it.
// When several match, the most recently updated one is returned.
func (p *Portfolio) StrategyFor(asset string) (*Strategy, int) {
	var (
		best    *Strategy
		matches int
	)
	for i := range p.Strategies {
		s := &p.Strategies[i]
		if s.Asset != asset {
			continue
		}
		matches++
		if best == nil || s.UpdatedAt.After(best.UpdatedAt) {
			best = s
		}
	}
	return best, matches
}

// Assets returns the distinct assets the portfolio holds positions in
func (p *Portfolio) Assets() []string {
	seen := make(map[string]struct{}, len(p.Positions))
	assets := make([]string, 0, len(p.Positions))
	for _, pos := range p.Positions {
		if _, ok := seen[pos.Asset]; ok {
			continue
		}
		seen[pos.Asset] = struct{}{}
		assets = append(assets, pos.Asset)
	}
	return assets
}
