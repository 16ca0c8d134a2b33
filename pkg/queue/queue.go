package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jdziat/taxsync/pkg/core"
	"github.com/jdziat/taxsync/pkg/internal/handler"
	"github.com/jdziat/taxsync/pkg/security"
)

// Queue manages processor registration, enqueueing and queue administration
// over the named queues.
type Queue struct {
	storage        core.Storage
	logger         *zap.SugaredLogger
	enqueueTimeout time.Duration
	drainPoll      time.Duration

	mu         sync.RWMutex
	processors map[core.QueueName]*handler.Handler
	recurring  map[string]*RecurringJob
	draining   map[core.QueueName]bool

	hooks   hookSet
	subs    []*subscription
	dropped atomic.Int64
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) QueueOption {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithEnqueueTimeout bounds broker writes made by AddJob.
func WithEnqueueTimeout(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.enqueueTimeout = d
		}
	}
}

// WithDrainPollInterval sets how often DrainQueue re-checks queue depth.
func WithDrainPollInterval(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.drainPoll = d
		}
	}
}

// New creates a new Queue with the given broker.
func New(s core.Storage, opts ...QueueOption) *Queue {
	q := &Queue{
		storage:        s,
		logger:         zap.NewNop().Sugar(),
		enqueueTimeout: DefaultEnqueueTimeout,
		drainPoll:      250 * time.Millisecond,
		processors:     make(map[core.QueueName]*handler.Handler),
		recurring:      make(map[string]*RecurringJob),
		draining:       make(map[core.QueueName]bool),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "queue")
	return q
}

// Storage returns the underlying broker.
func (q *Queue) Storage() core.Storage {
	return q.storage
}

// Ping checks broker connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	return q.storage.Ping(ctx)
}

// RegisterProcessor installs the processor for a queue. A queue has at most
// one processor; registering again replaces it.
//
// The function must have signature func(ctx context.Context, payload T) error
// or func(ctx context.Context, payload T) (R, error). R is stored as the job result.
func (q *Queue) RegisterProcessor(name core.QueueName, fn any) error {
	if err := security.ValidateQueueName(name); err != nil {
		return err
	}
	h, err := handler.NewHandler(fn)
	if err != nil {
		return errors.Wrapf(err, "processor for %s", name)
	}

	q.mu.Lock()
	_, replaced := q.processors[name]
	q.processors[name] = h
	q.mu.Unlock()

	if replaced {
		q.logger.Warnw("processor replaced", "queue", name)
	}
	return nil
}

// Processor returns the processor registered for a queue.
func (q *Queue) Processor(name core.QueueName) (*handler.Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.processors[name]
	return h, ok
}

// ProcessedQueues lists queues with a registered processor in a stable order.
func (q *Queue) ProcessedQueues() []core.QueueName {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var out []core.QueueName
	for _, name := range core.KnownQueues {
		if _, ok := q.processors[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// AddJob validates and persists a job on the named queue.
//
// The broker write runs under its own timeout, independent of how long the
// job will later take to process. A write that times out is reported as
// core.ErrBrokerUnavailable.
func (q *Queue) AddJob(ctx context.Context, name core.QueueName, payload any, opts ...Option) (*core.Job, error) {
	if err := security.ValidateQueueName(name); err != nil {
		return nil, err
	}
	if q.IsDraining(name) {
		return nil, errors.Wrapf(core.ErrQueueDraining, "queue %s", name)
	}

	options := NewOptions()
	for _, opt := range opts {
		opt.Apply(options)
	}

	data, err := encodePayload(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}
	if len(data) > security.MaxPayloadSize {
		return nil, core.ErrPayloadTooLarge
	}

	job := &core.Job{
		ID:         uuid.New().String(),
		Queue:      name,
		Payload:    data,
		Priority:   options.Priority,
		MaxRetries: security.ClampRetries(options.MaxRetries),
		Status:     core.StatusPending,
		CreatedBy:  options.CreatedBy,
		BusinessID: options.BusinessID,
	}
	if options.Delay > 0 {
		runAt := time.Now().Add(options.Delay)
		job.RunAt = &runAt
	}
	if options.RunAt != nil {
		job.RunAt = options.RunAt
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, q.enqueueTimeout)
	defer cancel()

	if options.UniqueKey != "" {
		if err := security.ValidateUniqueKey(options.UniqueKey); err != nil {
			return nil, err
		}
		err = q.storage.EnqueueUnique(enqueueCtx, job, options.UniqueKey)
	} else {
		err = q.storage.Enqueue(enqueueCtx, job)
	}
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = errors.Mark(err, core.ErrBrokerUnavailable)
		}
		return nil, errors.Wrapf(err, "add job to %s", name)
	}

	q.logger.Debugw("job added", "job_id", job.ID, "queue", name, "priority", job.Priority.String())
	return job, nil
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("null"), nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(payload)
	}
}

// GetJob returns a job by ID.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	return q.storage.GetJob(ctx, jobID)
}

// GetFailedJobs lists jobs that exhausted their retries, newest first.
func (q *Queue) GetFailedJobs(ctx context.Context, name core.QueueName, limit int) ([]*core.Job, error) {
	if err := security.ValidateQueueName(name); err != nil {
		return nil, err
	}
	return q.storage.GetJobsByStatus(ctx, name, core.StatusFailed, limit)
}

// RetryFailedJobs re-enqueues every failed job of a queue and returns how many were moved.
func (q *Queue) RetryFailedJobs(ctx context.Context, name core.QueueName) (int, error) {
	if err := security.ValidateQueueName(name); err != nil {
		return 0, err
	}
	n, err := q.storage.RetryFailed(ctx, name)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Infow("failed jobs re-enqueued", "queue", name, "count", n)
	}
	return int(n), nil
}

// --- Queue administration ---

// PauseQueue stops workers from picking up new jobs. In-flight jobs finish.
func (q *Queue) PauseQueue(ctx context.Context, name core.QueueName) error {
	if err := security.ValidateQueueName(name); err != nil {
		return err
	}
	if err := q.storage.PauseQueue(ctx, name); err != nil {
		return err
	}
	q.logger.Infow("queue paused", "queue", name)
	q.Publish(ctx, &core.QueuePaused{Queue: name, Timestamp: time.Now()})
	return nil
}

// ResumeQueue resumes a paused queue.
func (q *Queue) ResumeQueue(ctx context.Context, name core.QueueName) error {
	if err := security.ValidateQueueName(name); err != nil {
		return err
	}
	if err := q.storage.UnpauseQueue(ctx, name); err != nil {
		return err
	}
	q.logger.Infow("queue resumed", "queue", name)
	q.Publish(ctx, &core.QueueResumed{Queue: name, Timestamp: time.Now()})
	return nil
}

// IsQueuePaused checks if a queue is paused.
func (q *Queue) IsQueuePaused(ctx context.Context, name core.QueueName) (bool, error) {
	if err := security.ValidateQueueName(name); err != nil {
		return false, err
	}
	return q.storage.IsQueuePaused(ctx, name)
}

// IsDraining reports whether a drain is in progress for the queue.
func (q *Queue) IsDraining(name core.QueueName) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.draining[name]
}

func (q *Queue) setDraining(name core.QueueName, v bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if v {
		q.draining[name] = true
	} else {
		delete(q.draining, name)
	}
}

// DrainQueue rejects new jobs on the queue and blocks until it has no
// waiting or active jobs. Workers keep processing throughout. Once drained,
// the queue accepts jobs again. A paused queue only drains after it is resumed.
func (q *Queue) DrainQueue(ctx context.Context, name core.QueueName) error {
	if err := security.ValidateQueueName(name); err != nil {
		return err
	}

	q.setDraining(name, true)
	defer q.setDraining(name, false)

	start := time.Now()
	q.logger.Infow("draining queue", "queue", name)

	ticker := time.NewTicker(q.drainPoll)
	defer ticker.Stop()

	for {
		counts, err := q.storage.CountByStatus(ctx, name)
		if err != nil {
			return errors.Wrapf(err, "drain %s", name)
		}
		if counts.Pending+counts.Running == 0 {
			elapsed := time.Since(start)
			q.logger.Infow("queue drained", "queue", name, "duration", elapsed)
			q.Publish(ctx, &core.QueueDrained{Queue: name, Duration: elapsed, Timestamp: time.Now()})
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "drain %s: %d waiting, %d active", name, counts.Pending, counts.Running)
		case <-ticker.C:
		}
	}
}
