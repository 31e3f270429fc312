package storage

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/eq-rebalancer/internal/errors"
	"github.com/eq-rebalancer/internal/models"
	"github.com/eq-rebalancer/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PriceEventRepository persists immutable price observations
type PriceEventRepository struct {
	db *PostgresDB
}

// NewPriceEventRepository creates a new price event repository
func NewPriceEventRepository(db *PostgresDB) *PriceEventRepository {
	return &PriceEventRepository{db: db}
}

const priceEventColumns = `id, asset, price, ts, source, job_id, created_at`

// InsertPriceEvent stores a price event. The insert is idempotent on (asset, ts, source):
// when the event already exists the stored row is loaded into event and inserted is false.
func (r *PriceEventRepository) InsertPriceEvent(ctx context.Context, event *models.PriceEvent) (inserted bool, err error) {
	if event.Source == "" {
		event.Source = types.DefaultPriceSource
	}

	query := `
		INSERT INTO price_events (asset, price, ts, source, job_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (asset, ts, source) DO NOTHING
		RETURNING id, created_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		event.Asset,
		event.Price,
		event.Timestamp,
		event.Source,
		event.JobID,
	).Scan(&event.ID, &event.CreatedAt)

	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if rejected := rejectedByColumn(err); rejected != nil {
			return false, rejected
		}
		return false, fmt.Errorf("failed to insert price event: %w", err)
	}

	// Duplicate delivery; hand back the row that won
	existing := `
		SELECT ` + priceEventColumns + `
		FROM price_events
		WHERE asset = $1 AND ts = $2 AND source = $3
	`
	if err := scanPriceEvent(r.db.Pool().QueryRow(ctx, existing, event.Asset, event.Timestamp, event.Source), event); err != nil {
		return false, fmt.Errorf("failed to load existing price event: %w", err)
	}

	return false, nil
}

// FindLatestPrice returns the event with the greatest timestamp for asset, ties broken by id.
// Returns nil, nil when the asset has never been priced.
func (r *PriceEventRepository) FindLatestPrice(ctx context.Context, asset string) (*models.PriceEvent, error) {
	query := `
		SELECT ` + priceEventColumns + `
		FROM price_events
		WHERE asset = $1
		ORDER BY ts DESC, id DESC
		LIMIT 1
	`

	var event models.PriceEvent
	err := scanPriceEvent(r.db.Pool().QueryRow(ctx, query, asset), &event)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find latest price: %w", err)
	}

	return &event, nil
}

// FindLatestPrices returns the latest event for each of the given assets.
// Assets without any event are absent from the result.
func (r *PriceEventRepository) FindLatestPrices(ctx context.Context, assets []string) (map[string]*models.PriceEvent, error) {
	result := make(map[string]*models.PriceEvent, len(assets))
	if len(assets) == 0 {
		return result, nil
	}

	query := `
		SELECT DISTINCT ON (asset) ` + priceEventColumns + `
		FROM price_events
		WHERE asset = ANY($1)
		ORDER BY asset, ts DESC, id DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, assets)
	if err != nil {
		return nil, fmt.Errorf("failed to find latest prices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var event models.PriceEvent
		if err := scanPriceEvent(rows, &event); err != nil {
			return nil, fmt.Errorf("failed to scan price event: %w", err)
		}
		result[event.Asset] = &event
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating price events: %w", err)
	}

	return result, nil
}

func scanPriceEvent(row pgx.Row, event *models.PriceEvent) error {
	return row.Scan(
		&event.ID,
		&event.Asset,
		&event.Price,
		&event.Timestamp,
		&event.Source,
		&event.JobID,
		&event.CreatedAt,
	)
}

// SQLSTATEs raised for values the price_events columns can never hold
const (
	sqlStateNumericOutOfRange = "22003"
	sqlStateDatetimeOverflow  = "22008"
	sqlStateCheckViolation    = "23514"
)

// rejectedByColumn turns a value the schema refuses into a permanent error
func rejectedByColumn(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil
	}

	switch pgErr.Code {
	case sqlStateNumericOutOfRange, sqlStateCheckViolation:
		return apperrors.NewMalformedJobError("price", "cannot be stored: "+pgErr.Message)
	case sqlStateDatetimeOverflow:
		return apperrors.NewMalformedJobError("timestamp", "cannot be stored: "+pgErr.Message)
	default:
		return nil
	}
}
