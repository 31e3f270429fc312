// Package fixtures loads portfolios and prices from YAML files for seeding environments.
package fixtures

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/eq-rebalancer/internal/models"
	"github.com/eq-rebalancer/internal/queue"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// File is the root of a fixture file
type File struct {
	Portfolios []Portfolio `yaml:"portfolios"`
	Prices     []Price     `yaml:"prices"`
}

// Portfolio describes one portfolio to create
type Portfolio struct {
	Name      string `yaml:"name"`
	ClientID  string `yaml:"clientId"`
	Threshold string `yaml:"threshold,omitempty"`
	Positions []struct {
		Asset    string `yaml:"asset"`
		Quantity string `yaml:"quantity"`
	} `yaml:"positions"`
	// Strategies maps asset to target weight
	Strategies map[string]string `yaml:"strategies"`
}

// Price is one price update to publish
type Price struct {
	Asset     string `yaml:"asset"`
	Price     string `yaml:"price"`
	Timestamp int64  `yaml:"timestamp"`
	Source    string `yaml:"source,omitempty"`
}

// PortfolioWriter creates portfolios and their holdings
type PortfolioWriter interface {
	CreatePortfolio(ctx context.Context, portfolio *models.Portfolio) error
	AddPosition(ctx context.Context, position *models.Position) error
	UpsertStrategy(ctx context.Context, strategy *models.Strategy) error
}

// LoadFile reads and validates the fixture file at path
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path) // #nosec G304 - path is an operator-supplied CLI argument
	if err != nil {
		return nil, fmt.Errorf("failed to open fixtures: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load decodes and validates fixtures from r
func Load(r io.Reader) (*File, error) {
	var file File
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode fixtures: %w", err)
	}

	for i := range file.Portfolios {
		if _, err := file.Portfolios[i].toModel(); err != nil {
			return nil, fmt.Errorf("portfolio %d (%s): %w", i, file.Portfolios[i].Name, err)
		}
	}
	for i, p := range file.Prices {
		job, err := p.toJob()
		if err != nil {
			return nil, fmt.Errorf("price %d: %w", i, err)
		}
		if err := job.Validate(); err != nil {
			return nil, fmt.Errorf("price %d: %w", i, err)
		}
	}

	return &file, nil
}

// toModel converts the fixture into a portfolio with positions and strategies
func (p Portfolio) toModel() (*models.Portfolio, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("name is required")
	}

	portfolio := &models.Portfolio{Name: p.Name, ClientID: p.ClientID}
	if p.Threshold != "" {
		threshold, err := decimal.NewFromString(p.Threshold)
		if err != nil {
			return nil, fmt.Errorf("invalid threshold %q: %w", p.Threshold, err)
		}
		if !threshold.IsPositive() {
			return nil, fmt.Errorf("threshold must be positive")
		}
		portfolio.Threshold = threshold
	}

	for _, pos := range p.Positions {
		qty, err := decimal.NewFromString(pos.Quantity)
		if err != nil {
			return nil, fmt.Errorf("invalid quantity for %s: %w", pos.Asset, err)
		}
		portfolio.Positions = append(portfolio.Positions, models.Position{Asset: pos.Asset, Quantity: qty})
	}

	for asset, raw := range p.Strategies {
		weight, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid target weight for %s: %w", asset, err)
		}
		if weight.IsNegative() || weight.GreaterThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("target weight for %s must be within [0, 1]", asset)
		}
		portfolio.Strategies = append(portfolio.Strategies, models.Strategy{Asset: asset, TargetWeight: weight})
	}

	return portfolio, nil
}

func (p Price) toJob() (*queue.PriceJob, error) {
	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		return nil, fmt.Errorf("invalid price %q: %w", p.Price, err)
	}
	return &queue.PriceJob{Asset: p.Asset, Price: price, Timestamp: p.Timestamp, Source: p.Source}, nil
}

// Apply creates every portfolio in the file and returns the created portfolios
func (f *File) Apply(ctx context.Context, w PortfolioWriter) ([]*models.Portfolio, error) {
	created := make([]*models.Portfolio, 0, len(f.Portfolios))
	for _, fixture := range f.Portfolios {
		portfolio, err := fixture.toModel()
		if err != nil {
			return created, err
		}

		if err := w.CreatePortfolio(ctx, portfolio); err != nil {
			return created, err
		}
		for i := range portfolio.Positions {
			portfolio.Positions[i].PortfolioID = portfolio.ID
			if err := w.AddPosition(ctx, &portfolio.Positions[i]); err != nil {
				return created, err
			}
		}
		for i := range portfolio.Strategies {
			portfolio.Strategies[i].PortfolioID = portfolio.ID
			if err := w.UpsertStrategy(ctx, &portfolio.Strategies[i]); err != nil {
				return created, err
			}
		}
		created = append(created, portfolio)
	}
	return created, nil
}

// PriceJobs returns the price updates of the file as queue jobs
func (f *File) PriceJobs() ([]*queue.PriceJob, error) {
	jobs := make([]*queue.PriceJob, 0, len(f.Prices))
	for _, p := range f.Prices {
		job, err := p.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
