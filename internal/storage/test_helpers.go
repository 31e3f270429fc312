package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/eq-rebalancer/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// testPostgresConfig returns the integration database settings, overridable through TEST_POSTGRES_* variables
func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           testEnv("TEST_POSTGRES_HOST", "localhost"),
		Port:           testEnv("TEST_POSTGRES_PORT", "5432"),
		Database:       testEnv("TEST_POSTGRES_DB", "rebalancer_test"),
		User:           testEnv("TEST_POSTGRES_USER", "rebalancer"),
		Password:       testEnv("TEST_POSTGRES_PASSWORD", "rebalancer_dev_password"),
		MaxConnections: 10,
	}
}

// setupTestPostgres connects to the integration database, applies migrations and
// empties the tables. The test is skipped when Postgres is unreachable.
func setupTestPostgres(t *testing.T) *PostgresDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()

	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(cfg.URL(), "../../migrations/postgres"); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	ctx := testContext(t)
	if _, err := db.Pool().Exec(ctx, `TRUNCATE price_events, strategies, positions, portfolios RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}

	return db
}
