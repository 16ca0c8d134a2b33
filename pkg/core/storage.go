package core

import (
	"context"
	"time"
)

// Storage defines the broker: the durable persistence layer for jobs.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Ping checks broker connectivity.
	Ping(ctx context.Context) error

	// Job lifecycle
	Enqueue(ctx context.Context, job *Job) error
	EnqueueUnique(ctx context.Context, job *Job, uniqueKey string) error
	Dequeue(ctx context.Context, queues []QueueName, workerID string) (*Job, error)
	Complete(ctx context.Context, jobID string, workerID string, result []byte) error
	Fail(ctx context.Context, jobID string, workerID string, errMsg string, retryAt *time.Time) error

	// Locking
	Heartbeat(ctx context.Context, jobID string, workerID string) error
	ReleaseStaleLocks(ctx context.Context, staleDuration time.Duration) (int64, error)

	// Queries
	GetJob(ctx context.Context, jobID string) (*Job, error)
	GetJobsByStatus(ctx context.Context, queue QueueName, status JobStatus, limit int) ([]*Job, error)
	CountByStatus(ctx context.Context, queue QueueName) (QueueCounts, error)

	// Recovery
	RetryFailed(ctx context.Context, queue QueueName) (int64, error)

	// Queue pause operations
	PauseQueue(ctx context.Context, queue QueueName) error
	UnpauseQueue(ctx context.Context, queue QueueName) error
	IsQueuePaused(ctx context.Context, queue QueueName) (bool, error)
	GetPausedQueues(ctx context.Context) ([]QueueName, error)
}
