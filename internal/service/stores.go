package service

import (
	"context"

	"github.com/eq-rebalancer/internal/alert"
	"github.com/eq-rebalancer/internal/models"
)

// Store interfaces for dependency injection

// PriceStore reads and writes price events
type PriceStore interface {
	InsertPriceEvent(ctx context.Context, event *models.PriceEvent) (bool, error)
	FindLatestPrice(ctx context.Context, asset string) (*models.PriceEvent, error)
	FindLatestPrices(ctx context.Context, assets []string) (map[string]*models.PriceEvent, error)
}

// PortfolioStore reads portfolios together with their positions and strategies
type PortfolioStore interface {
	FindPortfolio(ctx context.Context, id string) (*models.Portfolio, error)
	FindPortfoliosWithAssetExposure(ctx context.Context, asset string) ([]*models.Portfolio, error)
	ListPortfolioIDs(ctx context.Context) ([]string, error)
}

// AlertPublisher accepts drift alerts for asynchronous delivery
type AlertPublisher interface {
	Emit(alert alert.Alert) bool
}

// DiscardAlerts accepts and drops every alert. It serves processes that only build reports.
type DiscardAlerts struct{}

// Emit implements AlertPublisher
func (DiscardAlerts) Emit(alert.Alert) bool { return true }
