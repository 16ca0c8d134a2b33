package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/taxsync/pkg/core"
	"github.com/jdziat/taxsync/pkg/security"
)

// DefaultLockDuration is how long a dequeued job stays locked without a heartbeat.
const DefaultLockDuration = 5 * time.Minute

// GormStorage implements core.Storage using GORM.
type GormStorage struct {
	db           *gorm.DB
	lockDuration time.Duration
}

// StorageOption configures a GormStorage.
type StorageOption func(*GormStorage)

// WithLockDuration overrides the lock window applied on dequeue and heartbeat.
func WithLockDuration(d time.Duration) StorageOption {
	return func(s *GormStorage) {
		if d > 0 {
			s.lockDuration = d
		}
	}
}

// NewGormStorage creates a new GORM-backed broker.
func NewGormStorage(db *gorm.DB, opts ...StorageOption) *GormStorage {
	s := &GormStorage{db: db, lockDuration: DefaultLockDuration}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying connection.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

func (s *GormStorage) isPostgres() bool {
	return s.db != nil && s.db.Dialector != nil && s.db.Dialector.Name() == "postgres"
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return classify(s.db.WithContext(ctx).AutoMigrate(&core.Job{}, &core.QueueState{}), "migrate broker")
}

// Ping checks that the broker database is reachable.
func (s *GormStorage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return classify(err, "ping broker")
	}
	return classify(sqlDB.PingContext(ctx), "ping broker")
}

// Close releases the connection pool.
func (s *GormStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func prepareJob(job *core.Job) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.StatusPending
	}
	if job.Priority == 0 {
		job.Priority = core.PriorityNormal
	}
}

// Enqueue adds a job to the queue.
func (s *GormStorage) Enqueue(ctx context.Context, job *core.Job) error {
	prepareJob(job)
	return classify(s.db.WithContext(ctx).Create(job).Error, "enqueue job")
}

// EnqueueUnique adds a job only if no job with the same unique key exists in pending/running state.
func (s *GormStorage) EnqueueUnique(ctx context.Context, job *core.Job, uniqueKey string) error {
	prepareJob(job)
	job.UniqueKey = uniqueKey

	return classify(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&core.Job{}).
			Where("unique_key = ?", uniqueKey).
			Where("status IN ?", []core.JobStatus{core.StatusPending, core.StatusRunning}).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return core.ErrDuplicateJob
		}
		return tx.Create(job).Error
	}), "enqueue unique job")
}

// Dequeue fetches and locks the next available job from the given queues,
// skipping paused queues. Jobs are ordered by priority, then age.
func (s *GormStorage) Dequeue(ctx context.Context, queues []core.QueueName, workerID string) (*core.Job, error) {
	if len(queues) == 0 {
		return nil, nil
	}

	var claimed *core.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var paused []core.QueueName
		if err := tx.Model(&core.QueueState{}).
			Where("queue IN ? AND paused = ?", queues, true).
			Pluck("queue", &paused).Error; err != nil {
			return err
		}
		active := activeQueues(queues, paused)
		if len(active) == 0 {
			return nil
		}

		now := time.Now()
		q := tx.
			Where("queue IN ?", active).
			Where("status = ?", core.StatusPending).
			Where("(run_at IS NULL OR run_at <= ?)", now).
			Where("(locked_until IS NULL OR locked_until < ?)", now).
			Order("priority DESC, created_at ASC")
		if s.isPostgres() {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var job core.Job
		if err := q.First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		lockUntil := now.Add(s.lockDuration)
		result := tx.Model(&core.Job{}).
			Where("id = ? AND status = ?", job.ID, core.StatusPending).
			Updates(map[string]any{
				"status":       core.StatusRunning,
				"locked_by":    workerID,
				"locked_until": lockUntil,
				"started_at":   now,
				"attempt":      gorm.Expr("attempt + 1"),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Claimed by another worker between select and update.
			return nil
		}

		job.Status = core.StatusRunning
		job.LockedBy = workerID
		job.LockedUntil = &lockUntil
		job.StartedAt = &now
		job.Attempt++
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, classify(err, "dequeue job")
	}
	return claimed, nil
}

func activeQueues(queues, paused []core.QueueName) []core.QueueName {
	if len(paused) == 0 {
		return queues
	}
	skip := make(map[core.QueueName]struct{}, len(paused))
	for _, p := range paused {
		skip[p] = struct{}{}
	}
	active := make([]core.QueueName, 0, len(queues))
	for _, q := range queues {
		if _, ok := skip[q]; !ok {
			active = append(active, q)
		}
	}
	return active
}

// Complete marks a job as successfully completed and stores its result.
// Validates that the worker owns the job before completing.
func (s *GormStorage) Complete(ctx context.Context, jobID string, workerID string, result []byte) error {
	now := time.Now()
	res := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ?", jobID, workerID).
		Updates(map[string]any{
			"status":       core.StatusCompleted,
			"completed_at": now,
			"locked_by":    "",
			"locked_until": nil,
			"result":       result,
		})

	if res.Error != nil {
		return classify(res.Error, "complete job")
	}
	if res.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// Fail marks a job as failed, optionally scheduling a retry.
// Validates that the worker owns the job before failing.
// Error messages are sanitized before storage.
func (s *GormStorage) Fail(ctx context.Context, jobID string, workerID string, errMsg string, retryAt *time.Time) error {
	updates := map[string]any{
		"last_error":   security.SanitizeErrorMessage(errMsg),
		"locked_by":    "",
		"locked_until": nil,
	}

	if retryAt != nil {
		updates["status"] = core.StatusPending
		updates["run_at"] = retryAt
	} else {
		updates["status"] = core.StatusFailed
		updates["completed_at"] = time.Now()
	}

	res := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ?", jobID, workerID).
		Updates(updates)

	if res.Error != nil {
		return classify(res.Error, "fail job")
	}
	if res.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// Heartbeat extends the lock on a running job.
func (s *GormStorage) Heartbeat(ctx context.Context, jobID string, workerID string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ?", jobID, workerID).
		Updates(map[string]any{
			"locked_until":      now.Add(s.lockDuration),
			"last_heartbeat_at": now,
		})
	if res.Error != nil {
		return classify(res.Error, "heartbeat")
	}
	if res.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// ReleaseStaleLocks returns running jobs whose lock expired more than
// staleDuration ago to the pending state.
func (s *GormStorage) ReleaseStaleLocks(ctx context.Context, staleDuration time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleDuration)
	res := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("status = ?", core.StatusRunning).
		Where("locked_until < ?", cutoff).
		Updates(map[string]any{
			"status":       core.StatusPending,
			"locked_by":    "",
			"locked_until": nil,
		})
	return res.RowsAffected, classify(res.Error, "release stale locks")
}

// GetJob retrieves a job by ID.
func (s *GormStorage) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(core.ErrJobNotFound, "job %s", jobID)
	}
	if err != nil {
		return nil, classify(err, "get job")
	}
	return &job, nil
}

// GetJobsByStatus lists jobs of a queue in a status, newest first.
func (s *GormStorage) GetJobsByStatus(ctx context.Context, queue core.QueueName, status core.JobStatus, limit int) ([]*core.Job, error) {
	var jobs []*core.Job
	q := s.db.WithContext(ctx).
		Where("queue = ? AND status = ?", queue, status).
		Order("updated_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&jobs).Error
	return jobs, classify(err, "list jobs")
}

// CountByStatus returns point-in-time job counts for a queue.
func (s *GormStorage) CountByStatus(ctx context.Context, queue core.QueueName) (core.QueueCounts, error) {
	type row struct {
		Status core.JobStatus
		Count  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Select("status, count(*) as count").
		Where("queue = ?", queue).
		Group("status").
		Find(&rows).Error
	if err != nil {
		return core.QueueCounts{}, classify(err, "count jobs")
	}

	var counts core.QueueCounts
	for _, r := range rows {
		switch r.Status {
		case core.StatusPending:
			counts.Pending = r.Count
		case core.StatusRunning:
			counts.Running = r.Count
		case core.StatusCompleted:
			counts.Completed = r.Count
		case core.StatusFailed:
			counts.Failed = r.Count
		}
	}
	return counts, nil
}

// RetryFailed moves every failed job of a queue back to pending with a
// fresh attempt budget. Payload and priority are untouched.
func (s *GormStorage) RetryFailed(ctx context.Context, queue core.QueueName) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("queue = ? AND status = ?", queue, core.StatusFailed).
		Updates(map[string]any{
			"status":       core.StatusPending,
			"attempt":      0,
			"run_at":       nil,
			"completed_at": nil,
		})
	return res.RowsAffected, classify(res.Error, "retry failed jobs")
}
