package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// openTestDB opens a database for tests.
// When TEST_DATABASE_URL is set it connects to PostgreSQL; otherwise it
// opens a fresh in-memory SQLite instance on a single connection.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		db, err := Open(DriverPostgres, dsn, MaxOpenConns(2), MaxIdleConns(1))
		require.NoError(t, err, "open postgres test db")

		// Clean before AND after to ensure test isolation.
		cleanupPostgresDB(db)
		t.Cleanup(func() {
			cleanupPostgresDB(db)
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		})
		return db
	}
	db, err := Open(DriverSQLite, ":memory:")
	require.NoError(t, err, "open in-memory sqlite")
	return db
}

func cleanupPostgresDB(db *gorm.DB) {
	for _, tbl := range []string{"queue_states", "jobs"} {
		db.Exec("DELETE FROM " + tbl)
	}
}

// newTestStorage creates a fresh, migrated broker for each test.
func newTestStorage(t *testing.T, opts ...StorageOption) *GormStorage {
	t.Helper()
	s := NewGormStorage(openTestDB(t), opts...)
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")
	return s
}
