package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/taxsync/pkg/core"
)

// PauseQueue marks a queue as paused. Pausing a paused queue is a no-op.
func (s *GormStorage) PauseQueue(ctx context.Context, queue core.QueueName) error {
	now := time.Now()
	state := core.QueueState{Queue: queue, Paused: true, PausedAt: &now}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "queue"}},
		DoUpdates: clause.AssignmentColumns([]string{"paused", "paused_at", "updated_at"}),
	}).Create(&state).Error
	return classify(err, "pause queue")
}

// UnpauseQueue clears the pause flag. Resuming an active queue is a no-op.
func (s *GormStorage) UnpauseQueue(ctx context.Context, queue core.QueueName) error {
	err := s.db.WithContext(ctx).
		Model(&core.QueueState{}).
		Where("queue = ?", queue).
		Updates(map[string]any{"paused": false, "paused_at": nil}).Error
	return classify(err, "resume queue")
}

// IsQueuePaused reports whether a queue is paused.
func (s *GormStorage) IsQueuePaused(ctx context.Context, queue core.QueueName) (bool, error) {
	var state core.QueueState
	err := s.db.WithContext(ctx).First(&state, "queue = ?", queue).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, classify(err, "get queue state")
	}
	return state.Paused, nil
}

// GetPausedQueues lists all paused queues.
func (s *GormStorage) GetPausedQueues(ctx context.Context) ([]core.QueueName, error) {
	var queues []core.QueueName
	err := s.db.WithContext(ctx).
		Model(&core.QueueState{}).
		Where("paused = ?", true).
		Order("queue").
		Pluck("queue", &queues).Error
	return queues, classify(err, "list paused queues")
}
