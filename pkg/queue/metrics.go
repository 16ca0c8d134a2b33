package queue

import (
	"context"

	"github.com/jdziat/taxsync/pkg/core"
	"github.com/jdziat/taxsync/pkg/security"
)

// Metrics is a point-in-time snapshot of a queue.
type Metrics struct {
	Queue        core.QueueName `json:"queue"`
	Waiting      int64          `json:"waiting"`
	Active       int64          `json:"active"`
	Completed    int64          `json:"completed"`
	Failed       int64          `json:"failed"`
	Processed    int64          `json:"processed"`
	Paused       bool           `json:"paused"`
	Draining     bool           `json:"draining"`
	HasProcessor bool           `json:"hasProcessor"`
}

// GetQueueMetrics returns counts by status for one queue.
func (q *Queue) GetQueueMetrics(ctx context.Context, name core.QueueName) (*Metrics, error) {
	if err := security.ValidateQueueName(name); err != nil {
		return nil, err
	}
	counts, err := q.storage.CountByStatus(ctx, name)
	if err != nil {
		return nil, err
	}
	paused, err := q.storage.IsQueuePaused(ctx, name)
	if err != nil {
		return nil, err
	}
	_, hasProcessor := q.Processor(name)

	return &Metrics{
		Queue:        name,
		Waiting:      counts.Pending,
		Active:       counts.Running,
		Completed:    counts.Completed,
		Failed:       counts.Failed,
		Processed:    counts.Completed + counts.Failed,
		Paused:       paused,
		Draining:     q.IsDraining(name),
		HasProcessor: hasProcessor,
	}, nil
}

// GetAllQueueMetrics returns metrics for every known queue.
func (q *Queue) GetAllQueueMetrics(ctx context.Context) ([]*Metrics, error) {
	out := make([]*Metrics, 0, len(core.KnownQueues))
	for _, name := range core.KnownQueues {
		m, err := q.GetQueueMetrics(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
