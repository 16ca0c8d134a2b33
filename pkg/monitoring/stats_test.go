package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/taxsync/pkg/core"
	"github.com/jdziat/taxsync/pkg/storage"
)

func setupTestStatsDB(t *testing.T) *GormStatsStorage {
	t.Helper()
	db, err := storage.Open(storage.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	s := NewGormStatsStorage(db)
	require.NoError(t, s.MigrateStats(context.Background()))
	return s
}

func TestGormStatsStorage_UpsertAndQuery(t *testing.T) {
	s := setupTestStatsDB(t)
	ctx := context.Background()
	ts := time.Now().Truncate(time.Minute)

	require.NoError(t, s.UpsertStatCounters(ctx, core.QueueTaxRateUpdate, ts, StatCounters{Completed: 5, Failed: 2, Retried: 1, BusyMillis: 500}))
	require.NoError(t, s.UpsertStatCounters(ctx, core.QueueTaxRateUpdate, ts.Add(20*time.Second), StatCounters{Completed: 3, Failed: 1, BusyMillis: 300}))
	require.NoError(t, s.SnapshotQueueDepth(ctx, core.QueueTaxRateUpdate, ts, 10, 3))

	stats, err := s.GetStatsHistory(ctx, "", ts.Add(-time.Minute), ts.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stats, 1)

	assert.Equal(t, core.QueueTaxRateUpdate, stats[0].Queue)
	assert.Equal(t, int64(8), stats[0].Completed)
	assert.Equal(t, int64(3), stats[0].Failed)
	assert.Equal(t, int64(1), stats[0].Retried)
	assert.Equal(t, int64(800), stats[0].BusyMillis)
	assert.Equal(t, int64(10), stats[0].Pending)
	assert.Equal(t, int64(3), stats[0].Running)
}

func TestGormStatsStorage_QueryByQueueAndPrune(t *testing.T) {
	s := setupTestStatsDB(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Minute)
	old := now.Add(-48 * time.Hour)

	require.NoError(t, s.UpsertStatCounters(ctx, core.QueueTaxRateUpdate, now, StatCounters{Completed: 1}))
	require.NoError(t, s.UpsertStatCounters(ctx, core.QueueEmailNotifications, now, StatCounters{Completed: 4}))
	require.NoError(t, s.UpsertStatCounters(ctx, core.QueueTaxRateUpdate, old, StatCounters{Completed: 9}))

	stats, err := s.GetStatsHistory(ctx, core.QueueEmailNotifications, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(4), stats[0].Completed)

	all, err := s.GetStatsHistory(ctx, core.QueueTaxRateUpdate, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].Timestamp.Before(all[1].Timestamp))

	pruned, err := s.PruneStats(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	all, err = s.GetStatsHistory(ctx, "", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGormStatsStorage_QueryError(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		DisableAutomaticPing: true,
		Logger:               logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	s := NewGormStatsStorage(db)

	mock.ExpectQuery(`SELECT \* FROM "job_stats"`).WillReturnError(errors.New("connection reset by peer"))
	_, err = s.GetStatsHistory(context.Background(), core.QueueTaxRateUpdate, time.Time{}, time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}
