package storage

import (
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/eq-rebalancer/internal/errors"
	"github.com/eq-rebalancer/internal/models"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRejectedByColumn(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantField string
	}{
		{"numeric overflow", &pgconn.PgError{Code: "22003", Message: "numeric field overflow"}, "price"},
		{"check violation", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23514", Message: "price_positive"}), "price"},
		{"timestamp overflow", &pgconn.PgError{Code: "22008", Message: "timestamp out of range"}, "timestamp"},
		{"unique violation", &pgconn.PgError{Code: "23505"}, ""},
		{"connection error", fmt.Errorf("connection refused"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rejectedByColumn(tt.err)
			if tt.wantField == "" {
				assert.Nil(t, got)
				return
			}
			require.Error(t, got)
			assert.True(t, apperrors.IsPermanent(got))
			assert.Equal(t, tt.wantField, apperrors.Categorize(got).Details["field"])
		})
	}
}

func TestPriceEventRepository_LatestByTimestamp(t *testing.T) {
	db := setupTestPostgres(t)
	repo := NewPriceEventRepository(db)
	ctx := testContext(t)

	for _, step := range []struct {
		ts   int64
		want string
	}{
		{5, "5"}, {3, "5"}, {9, "9"}, {1, "9"},
	} {
		inserted, err := repo.InsertPriceEvent(ctx, priceAt("BTC", step.ts, decimal.NewFromInt(step.ts).String()))
		require.NoError(t, err)
		assert.True(t, inserted)

		latest, err := repo.FindLatestPrice(ctx, "BTC")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, step.want, latest.Price.String())
	}

	none, err := repo.FindLatestPrice(ctx, "NOPE")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestPriceEventRepository_Idempotent(t *testing.T) {
	db := setupTestPostgres(t)
	repo := NewPriceEventRepository(db)
	ctx := testContext(t)

	first := priceAt("ETH", 1000, "2500.5")
	inserted, err := repo.InsertPriceEvent(ctx, first)
	require.NoError(t, err)
	require.True(t, inserted)

	dup := priceAt("ETH", 1000, "2500.5")
	inserted, err = repo.InsertPriceEvent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, dup.ID)

	var count int
	require.NoError(t, db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM price_events WHERE asset = 'ETH'`).Scan(&count))
	assert.Equal(t, 1, count)

	// Same instant from another source is a distinct observation
	other := priceAt("ETH", 1000, "2501")
	other.Source = "api"
	inserted, err = repo.InsertPriceEvent(ctx, other)
	require.NoError(t, err)
	assert.True(t, inserted)

	latest, err := repo.FindLatestPrice(ctx, "ETH")
	require.NoError(t, err)
	assert.Equal(t, other.ID, latest.ID, "equal timestamps resolve to the later insert")
}

func TestPriceEventRepository_FindLatestPrices(t *testing.T) {
	db := setupTestPostgres(t)
	repo := NewPriceEventRepository(db)
	ctx := testContext(t)

	for _, e := range []*models.PriceEvent{
		priceAt("BTC", 1, "100"),
		priceAt("BTC", 2, "110"),
		priceAt("ETH", 2, "10"),
		priceAt("ETH", 1, "9"),
	} {
		_, err := repo.InsertPriceEvent(ctx, e)
		require.NoError(t, err)
	}

	prices, err := repo.FindLatestPrices(ctx, []string{"BTC", "ETH", "SOL"})
	require.NoError(t, err)
	require.Len(t, prices, 2)
	assert.Equal(t, "110", prices["BTC"].Price.String())
	assert.Equal(t, "10", prices["ETH"].Price.String())
}

func seedPortfolio(t *testing.T, repo *PortfolioRepository, positions map[string]string, strategies map[string]string) *models.Portfolio {
	t.Helper()
	ctx := testContext(t)

	p := &models.Portfolio{Name: "test", ClientID: "client-1"}
	require.NoError(t, repo.CreatePortfolio(ctx, p))

	for asset, qty := range positions {
		require.NoError(t, repo.AddPosition(ctx, &models.Position{
			PortfolioID: p.ID,
			Asset:       asset,
			Quantity:    decimal.RequireFromString(qty),
		}))
	}
	for asset, target := range strategies {
		require.NoError(t, repo.UpsertStrategy(ctx, &models.Strategy{
			PortfolioID:  p.ID,
			Asset:        asset,
			TargetWeight: decimal.RequireFromString(target),
		}))
	}
	return p
}

func TestPortfolioRepository_FindPortfolio(t *testing.T) {
	db := setupTestPostgres(t)
	repo := NewPortfolioRepository(db)
	ctx := testContext(t)

	created := seedPortfolio(t, repo, map[string]string{"BTC": "1.5"}, map[string]string{"BTC": "0.5"})
	assert.True(t, created.Threshold.Equal(models.DefaultThreshold))

	got, err := repo.FindPortfolio(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "client-1", got.ClientID)
	assert.True(t, got.Threshold.Equal(decimal.RequireFromString("0.05")))
	require.Len(t, got.Positions, 1)
	assert.True(t, got.Positions[0].Quantity.Equal(decimal.RequireFromString("1.5")))
	require.Len(t, got.Strategies, 1)

	missing, err := repo.FindPortfolio(ctx, "00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	assert.Nil(t, missing)

	invalid, err := repo.FindPortfolio(ctx, "not-a-uuid")
	require.NoError(t, err)
	assert.Nil(t, invalid)
}

func TestPortfolioRepository_FindPortfoliosWithAssetExposure(t *testing.T) {
	db := setupTestPostgres(t)
	repo := NewPortfolioRepository(db)
	ctx := testContext(t)

	exposed := seedPortfolio(t, repo, map[string]string{"BTC": "1", "ETH": "2"}, map[string]string{"BTC": "0.5"})
	// Strategy on BTC without holding BTC still counts; weight is 0
	noBTC := seedPortfolio(t, repo, map[string]string{"ETH": "1"}, map[string]string{"BTC": "0.2"})
	seedPortfolio(t, repo, map[string]string{"BTC": "1"}, map[string]string{"ETH": "1"})
	seedPortfolio(t, repo, nil, map[string]string{"BTC": "1"})

	portfolios, err := repo.FindPortfoliosWithAssetExposure(ctx, "BTC")
	require.NoError(t, err)

	ids := make([]string, 0, len(portfolios))
	for _, p := range portfolios {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []string{exposed.ID, noBTC.ID}, ids)

	for _, p := range portfolios {
		if p.ID == exposed.ID {
			assert.Len(t, p.Positions, 2, "all positions are loaded, not only the triggering asset")
		}
	}
}

func TestPortfolioRepository_UpsertStrategyConcurrent(t *testing.T) {
	db := setupTestPostgres(t)
	repo := NewPortfolioRepository(db)
	ctx := testContext(t)

	p := seedPortfolio(t, repo, map[string]string{"BTC": "1"}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := repo.UpsertStrategy(ctx, &models.Strategy{
				PortfolioID:  p.ID,
				Asset:        "BTC",
				TargetWeight: decimal.NewFromFloat(float64(i) / 10),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := repo.FindPortfolio(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, got.Strategies, 1)

	ids, err := repo.ListPortfolioIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{p.ID}, ids)
}

func TestPortfolioRepository_UpsertStrategyReplaces(t *testing.T) {
	db := setupTestPostgres(t)
	repo := NewPortfolioRepository(db)
	ctx := testContext(t)

	p := seedPortfolio(t, repo, nil, map[string]string{"BTC": "0.5"})
	time.Sleep(5 * time.Millisecond)

	s := &models.Strategy{PortfolioID: p.ID, Asset: "BTC", TargetWeight: decimal.RequireFromString("0.7")}
	require.NoError(t, repo.UpsertStrategy(ctx, s))

	got, err := repo.FindPortfolio(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got.Strategies, 1)
	assert.True(t, got.Strategies[0].TargetWeight.Equal(decimal.RequireFromString("0.7")))
	assert.Equal(t, got.Strategies[0].ID, s.ID)
}
