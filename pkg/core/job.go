package core

import (
	"time"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	// StatusPending is a job waiting to be picked up (including delayed retries).
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further processing will happen for the status.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job represents a unit of work persisted in the broker.
type Job struct {
	ID              string     `gorm:"primaryKey;size:36"`
	Queue           QueueName  `gorm:"index;size:64;not null"`
	Payload         []byte     `gorm:"type:bytes"`
	Priority        Priority   `gorm:"index;default:5"`
	Status          JobStatus  `gorm:"index;size:20;default:'pending'"`
	Attempt         int        `gorm:"default:0"`
	MaxRetries      int        `gorm:"default:3"`
	LastError       string     `gorm:"type:text"`
	RunAt           *time.Time `gorm:"index"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time  `gorm:"autoCreateTime;index"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime"`
	LockedBy        string     `gorm:"size:255"`
	LockedUntil     *time.Time `gorm:"index"`
	LastHeartbeatAt *time.Time
	UniqueKey       string     `gorm:"index;size:255"`

	// Metadata supplied by the caller.
	CreatedBy  string `gorm:"size:255"`
	BusinessID string `gorm:"index;size:255"`

	Result []byte `gorm:"type:bytes"`
}
