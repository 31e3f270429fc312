package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eq-rebalancer/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PortfolioRepository reads portfolios with their positions and strategies.
// The write methods back seeding and tests; the management API owns them in production.
type PortfolioRepository struct {
	db *PostgresDB
}

// NewPortfolioRepository creates a new portfolio repository
func NewPortfolioRepository(db *PostgresDB) *PortfolioRepository {
	return &PortfolioRepository{db: db}
}

// CreatePortfolio inserts a portfolio. A zero threshold is replaced by models.DefaultThreshold.
func (r *PortfolioRepository) CreatePortfolio(ctx context.Context, portfolio *models.Portfolio) error {
	if portfolio.ID == "" {
		portfolio.ID = uuid.New().String()
	}
	if portfolio.Threshold.IsZero() {
		portfolio.Threshold = models.DefaultThreshold
	}

	now := time.Now().UTC()
	portfolio.CreatedAt = now
	portfolio.UpdatedAt = now

	query := `
		INSERT INTO portfolios (id, name, client_id, threshold, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		portfolio.ID,
		portfolio.Name,
		portfolio.ClientID,
		portfolio.Threshold,
		portfolio.CreatedAt,
		portfolio.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create portfolio: %w", err)
	}

	return nil
}

// AddPosition inserts a position into an existing portfolio
func (r *PortfolioRepository) AddPosition(ctx context.Context, position *models.Position) error {
	if position.ID == "" {
		position.ID = uuid.New().String()
	}
	position.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO positions (id, portfolio_id, asset, quantity, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		position.ID,
		position.PortfolioID,
		position.Asset,
		position.Quantity,
		position.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add position: %w", err)
	}

	return nil
}

// UpsertStrategy atomically creates or replaces the strategy for (portfolio, asset)
func (r *PortfolioRepository) UpsertStrategy(ctx context.Context, strategy *models.Strategy) error {
	if strategy.ID == "" {
		strategy.ID = uuid.New().String()
	}

	query := `
		INSERT INTO strategies (id, portfolio_id, asset, target_weight, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (portfolio_id, asset) DO UPDATE SET
			target_weight = EXCLUDED.target_weight,
			updated_at = EXCLUDED.updated_at
		RETURNING id, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		strategy.ID,
		strategy.PortfolioID,
		strategy.Asset,
		strategy.TargetWeight,
	).Scan(&strategy.ID, &strategy.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert strategy: %w", err)
	}

	return nil
}

// FindPortfolio loads a portfolio with its positions and strategies.
// Returns nil, nil when no portfolio has the id.
func (r *PortfolioRepository) FindPortfolio(ctx context.Context, id string) (*models.Portfolio, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	query := `
		SELECT id, name, client_id, threshold, created_at, updated_at
		FROM portfolios
		WHERE id = $1
	`

	var portfolio models.Portfolio
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&portfolio.ID,
		&portfolio.Name,
		&portfolio.ClientID,
		&portfolio.Threshold,
		&portfolio.CreatedAt,
		&portfolio.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get portfolio: %w", err)
	}

	portfolios := []*models.Portfolio{&portfolio}
	if err := r.attachHoldings(ctx, portfolios); err != nil {
		return nil, err
	}

	return &portfolio, nil
}

// FindPortfoliosWithAssetExposure returns every portfolio that holds at least one position
// and has a strategy on asset, each loaded with all of its positions and strategies.
func (r *PortfolioRepository) FindPortfoliosWithAssetExposure(ctx context.Context, asset string) ([]*models.Portfolio, error) {
	query := `
		SELECT p.id, p.name, p.client_id, p.threshold, p.created_at, p.updated_at
		FROM portfolios p
		WHERE EXISTS (SELECT 1 FROM strategies s WHERE s.portfolio_id = p.id AND s.asset = $1)
		  AND EXISTS (SELECT 1 FROM positions pos WHERE pos.portfolio_id = p.id)
		ORDER BY p.id
	`

	rows, err := r.db.Pool().Query(ctx, query, asset)
	if err != nil {
		return nil, fmt.Errorf("failed to find exposed portfolios: %w", err)
	}
	defer rows.Close()

	var portfolios []*models.Portfolio
	for rows.Next() {
		var p models.Portfolio
		if err := rows.Scan(&p.ID, &p.Name, &p.ClientID, &p.Threshold, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio: %w", err)
		}
		portfolios = append(portfolios, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating portfolios: %w", err)
	}

	if err := r.attachHoldings(ctx, portfolios); err != nil {
		return nil, err
	}

	return portfolios, nil
}

// ListPortfolioIDs returns the ids of every portfolio that has at least one strategy
func (r *PortfolioRepository) ListPortfolioIDs(ctx context.Context) ([]string, error) {
	query := `
		SELECT DISTINCT portfolio_id::text
		FROM strategies
		ORDER BY 1
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list portfolios: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// attachHoldings loads positions and strategies for the given portfolios in two queries
func (r *PortfolioRepository) attachHoldings(ctx context.Context, portfolios []*models.Portfolio) error {
	if len(portfolios) == 0 {
		return nil
	}

	ids := make([]string, len(portfolios))
	byID := make(map[string]*models.Portfolio, len(portfolios))
	for i, p := range portfolios {
		ids[i] = p.ID
		byID[p.ID] = p
		p.Positions = []models.Position{}
		p.Strategies = []models.Strategy{}
	}

	posRows, err := r.db.Pool().Query(ctx, `
		SELECT id, portfolio_id, asset, quantity, created_at
		FROM positions
		WHERE portfolio_id = ANY($1::uuid[])
		ORDER BY created_at, id
	`, ids)
	if err != nil {
		return fmt.Errorf("failed to load positions: %w", err)
	}
	defer posRows.Close()

	for posRows.Next() {
		var pos models.Position
		if err := posRows.Scan(&pos.ID, &pos.PortfolioID, &pos.Asset, &pos.Quantity, &pos.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan position: %w", err)
		}
		if p, ok := byID[pos.PortfolioID]; ok {
			p.Positions = append(p.Positions, pos)
		}
	}
	if err := posRows.Err(); err != nil {
		return fmt.Errorf("error iterating positions: %w", err)
	}
	posRows.Close()

	stratRows, err := r.db.Pool().Query(ctx, `
		SELECT id, portfolio_id, asset, target_weight, updated_at
		FROM strategies
		WHERE portfolio_id = ANY($1::uuid[])
		ORDER BY asset, updated_at DESC
	`, ids)
	if err != nil {
		return fmt.Errorf("failed to load strategies: %w", err)
	}
	defer stratRows.Close()

	for stratRows.Next() {
		var s models.Strategy
		if err := stratRows.Scan(&s.ID, &s.PortfolioID, &s.Asset, &s.TargetWeight, &s.UpdatedAt); err != nil {
			return fmt.Errorf("failed to scan strategy: %w", err)
		}
		if p, ok := byID[s.PortfolioID]; ok {
			p.Strategies = append(p.Strategies, s)
		}
	}
	if err := stratRows.Err(); err != nil {
		return fmt.Errorf("error iterating strategies: %w", err)
	}

	return nil
}
