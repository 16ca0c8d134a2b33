package core

import "time"

// QueueState tracks the pause state of a queue.
type QueueState struct {
	Queue     QueueName `gorm:"primaryKey;size:64"`
	Paused    bool      `gorm:"default:false"`
	PausedAt  *time.Time
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// QueueCounts is a point-in-time breakdown of a queue by job status.
type QueueCounts struct {
	Pending   int64
	Running   int64
	Completed int64
	Failed    int64
}
