package storage

import (
	"testing"
)

func TestNewPostgresDB(t *testing.T) {
	db := setupTestPostgres(t)

	ctx := testContext(t)
	if err := db.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}

	if db.Pool() == nil {
		t.Error("Pool() returned nil")
	}
}

func TestMigrationVersion(t *testing.T) {
	setupTestPostgres(t)

	version, dirty, err := MigrationVersion(testPostgresConfig().URL(), "../../migrations/postgres")
	if err != nil {
		t.Fatalf("MigrationVersion() error = %v", err)
	}
	if dirty {
		t.Error("migration state is dirty")
	}
	if version < 1 {
		t.Errorf("version = %d, want >= 1", version)
	}
}
