package monitoring

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"

	"github.com/jdziat/taxsync/pkg/core"
)

// JobStat stores per-queue statistics bucketed by minute.
type JobStat struct {
	ID         uint           `gorm:"primaryKey" json:"-"`
	Queue      core.QueueName `gorm:"index:idx_job_stats_queue_ts;size:64;not null" json:"queue"`
	Timestamp  time.Time      `gorm:"index:idx_job_stats_queue_ts;not null" json:"timestamp"`
	Pending    int64          `gorm:"default:0" json:"pending"`
	Running    int64          `gorm:"default:0" json:"running"`
	Completed  int64          `gorm:"default:0" json:"completed"`
	Failed     int64          `gorm:"default:0" json:"failed"`
	Retried    int64          `gorm:"default:0" json:"retried"`
	// BusyMillis is the summed processing time of the completed jobs.
	BusyMillis int64          `gorm:"default:0" json:"busyMillis"`
}

func (JobStat) TableName() string { return "job_stats" }

// StatsStorage persists per-minute queue statistics.
type StatsStorage interface {
	MigrateStats(ctx context.Context) error
	UpsertStatCounters(ctx context.Context, queue core.QueueName, ts time.Time, c StatCounters) error
	SnapshotQueueDepth(ctx context.Context, queue core.QueueName, ts time.Time, pending, running int64) error
	GetStatsHistory(ctx context.Context, queue core.QueueName, since, until time.Time) ([]JobStat, error)
	PruneStats(ctx context.Context, before time.Time) (int64, error)
}

// GormStatsStorage implements StatsStorage using GORM.
type GormStatsStorage struct {
	db *gorm.DB
}

// NewGormStatsStorage creates a GORM-backed stats storage.
func NewGormStatsStorage(db *gorm.DB) *GormStatsStorage {
	return &GormStatsStorage{db: db}
}

func (s *GormStatsStorage) MigrateStats(ctx context.Context) error {
	return errors.Wrap(s.db.WithContext(ctx).AutoMigrate(&JobStat{}), "migrate job stats")
}

// bucket returns the row for queue and minute, creating it when missing.
func (s *GormStatsStorage) bucket(tx *gorm.DB, queue core.QueueName, ts time.Time) (*JobStat, bool, error) {
	var existing JobStat
	err := tx.Where("queue = ? AND timestamp = ?", queue, ts).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &JobStat{Queue: queue, Timestamp: ts}, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &existing, true, nil
}

func (s *GormStatsStorage) UpsertStatCounters(ctx context.Context, queue core.QueueName, ts time.Time, c StatCounters) error {
	ts = ts.UTC().Truncate(time.Minute)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, found, err := s.bucket(tx, queue, ts)
		if err != nil {
			return err
		}
		if !found {
			row.Completed, row.Failed, row.Retried, row.BusyMillis = c.Completed, c.Failed, c.Retried, c.BusyMillis
			return tx.Create(row).Error
		}
		return tx.Model(row).Updates(map[string]any{
			"completed":   gorm.Expr("completed + ?", c.Completed),
			"failed":      gorm.Expr("failed + ?", c.Failed),
			"retried":     gorm.Expr("retried + ?", c.Retried),
			"busy_millis": gorm.Expr("busy_millis + ?", c.BusyMillis),
		}).Error
	})
}

func (s *GormStatsStorage) SnapshotQueueDepth(ctx context.Context, queue core.QueueName, ts time.Time, pending, running int64) error {
	ts = ts.UTC().Truncate(time.Minute)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, found, err := s.bucket(tx, queue, ts)
		if err != nil {
			return err
		}
		if !found {
			row.Pending, row.Running = pending, running
			return tx.Create(row).Error
		}
		return tx.Model(row).Updates(map[string]any{
			"pending": pending,
			"running": running,
		}).Error
	})
}

func (s *GormStatsStorage) GetStatsHistory(ctx context.Context, queue core.QueueName, since, until time.Time) ([]JobStat, error) {
	var stats []JobStat
	q := s.db.WithContext(ctx).Order("timestamp ASC")

	if queue != "" {
		q = q.Where("queue = ?", queue)
	}
	if !since.IsZero() {
		q = q.Where("timestamp >= ?", since.UTC())
	}
	if !until.IsZero() {
		q = q.Where("timestamp <= ?", until.UTC())
	}

	return stats, q.Find(&stats).Error
}

func (s *GormStatsStorage) PruneStats(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("timestamp < ?", before.UTC()).Delete(&JobStat{})
	return result.RowsAffected, result.Error
}
