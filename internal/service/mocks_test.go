package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/eq-rebalancer/internal/alert"
	"github.com/eq-rebalancer/internal/models"
	"github.com/shopspring/decimal"
)

// Mock stores for testing

type mockPriceStore struct {
	mu        sync.Mutex
	events    []*models.PriceEvent
	nextID    int64
	insertErr error
	findErr   error
}

func newMockPriceStore() *mockPriceStore {
	return &mockPriceStore{}
}

func (m *mockPriceStore) InsertPriceEvent(ctx context.Context, event *models.PriceEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.insertErr != nil {
		return false, m.insertErr
	}
	for _, e := range m.events {
		if e.Asset == event.Asset && e.Timestamp.Equal(event.Timestamp) && e.Source == event.Source {
			*event = *e
			return false, nil
		}
	}
	m.nextID++
	event.ID = m.nextID
	stored := *event
	m.events = append(m.events, &stored)
	return true, nil
}

func (m *mockPriceStore) latest(asset string) *models.PriceEvent {
	var latest *models.PriceEvent
	for _, e := range m.events {
		if e.Asset == asset && e.Newer(latest) {
			latest = e
		}
	}
	return latest
}

func (m *mockPriceStore) FindLatestPrice(ctx context.Context, asset string) (*models.PriceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.findErr != nil {
		return nil, m.findErr
	}
	if e := m.latest(asset); e != nil {
		out := *e
		return &out, nil
	}
	return nil, nil
}

func (m *mockPriceStore) FindLatestPrices(ctx context.Context, assets []string) (map[string]*models.PriceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.findErr != nil {
		return nil, m.findErr
	}
	result := make(map[string]*models.PriceEvent)
	for _, asset := range assets {
		if e := m.latest(asset); e != nil {
			out := *e
			result[asset] = &out
		}
	}
	return result, nil
}

// seed stores a price directly, bypassing the pipeline
func (m *mockPriceStore) seed(asset string, tsMillis int64, price string) {
	_, _ = m.InsertPriceEvent(context.Background(), &models.PriceEvent{
		Asset:     asset,
		Price:     decimal.RequireFromString(price),
		Timestamp: time.UnixMilli(tsMillis).UTC(),
		Source:    "queue",
	})
}

func (m *mockPriceStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

type mockPortfolioStore struct {
	mu         sync.Mutex
	portfolios map[string]*models.Portfolio
	findErr    error
	exposure   map[string]int
}

func newMockPortfolioStore(portfolios ...*models.Portfolio) *mockPortfolioStore {
	m := &mockPortfolioStore{
		portfolios: make(map[string]*models.Portfolio),
		exposure:   make(map[string]int),
	}
	for _, p := range portfolios {
		m.portfolios[p.ID] = p
	}
	return m
}

func (m *mockPortfolioStore) FindPortfolio(ctx context.Context, id string) (*models.Portfolio, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.portfolios[id], nil
}

func (m *mockPortfolioStore) FindPortfoliosWithAssetExposure(ctx context.Context, asset string) ([]*models.Portfolio, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.findErr != nil {
		return nil, m.findErr
	}
	m.exposure[asset]++

	var result []*models.Portfolio
	for _, p := range m.portfolios {
		if s, _ := p.StrategyFor(asset); s != nil && len(p.Positions) > 0 {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *mockPortfolioStore) ListPortfolioIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.findErr != nil {
		return nil, m.findErr
	}
	var ids []string
	for id, p := range m.portfolios {
		if len(p.Strategies) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type mockAlerts struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (m *mockAlerts) Emit(a alert.Alert) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return true
}

func (m *mockAlerts) all() []alert.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]alert.Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// portfolio builds a test portfolio; positions and strategies map asset -> decimal string
func portfolio(id string, positions map[string]string, strategies map[string]string) *models.Portfolio {
	p := &models.Portfolio{
		ID:        id,
		Name:      id,
		ClientID:  "client",
		Threshold: models.DefaultThreshold,
	}
	for asset, qty := range positions {
		p.Positions = append(p.Positions, models.Position{
			ID:          id + "-pos-" + asset,
			PortfolioID: id,
			Asset:       asset,
			Quantity:    decimal.RequireFromString(qty),
		})
	}
	for asset, target := range strategies {
		p.Strategies = append(p.Strategies, models.Strategy{
			ID:           id + "-strat-" + asset,
			PortfolioID:  id,
			Asset:        asset,
			TargetWeight: decimal.RequireFromString(target),
		})
	}
	return p
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
