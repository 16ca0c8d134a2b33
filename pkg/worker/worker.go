package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jdziat/taxsync/pkg/core"
	"github.com/jdziat/taxsync/pkg/internal/handler"
	"github.com/jdziat/taxsync/pkg/jobctx"
	"github.com/jdziat/taxsync/pkg/queue"
	"github.com/jdziat/taxsync/pkg/retry"
)

// Worker processes jobs from the queue.
type Worker struct {
	queue  *queue.Queue
	config WorkerConfig
	logger *zap.SugaredLogger
	wg     sync.WaitGroup
	active atomic.Int64
}

// NewWorker creates a new worker for the given queue.
func NewWorker(q *queue.Queue, opts ...WorkerOption) *Worker {
	config := defaultConfig()
	config.WorkerID = uuid.New().String()

	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Worker{
		queue:  q,
		config: config,
		logger: logger.With("component", "worker", "worker_id", config.WorkerID),
	}
}

// ID returns the worker id used for job locks.
func (w *Worker) ID() string {
	return w.config.WorkerID
}

// ActiveJobs returns the number of jobs currently being processed.
func (w *Worker) ActiveJobs() int64 {
	return w.active.Load()
}

// queues resolves which queues to poll. Without explicit configuration every
// queue with a registered processor is polled at DefaultConcurrency.
func (w *Worker) queues() map[core.QueueName]int {
	if len(w.config.Queues) > 0 {
		return w.config.Queues
	}
	out := make(map[core.QueueName]int)
	for _, name := range w.queue.ProcessedQueues() {
		out[name] = DefaultConcurrency
	}
	return out
}

// Start begins processing jobs. Blocks until ctx is cancelled and every
// in-flight job has finished. In-flight jobs are not cancelled by ctx.
func (w *Worker) Start(ctx context.Context) error {
	queues := w.queues()
	if len(queues) == 0 {
		w.logger.Warn("no queues to process")
	}

	var loops sync.WaitGroup

	if w.config.EnableScheduler {
		loops.Add(1)
		go func() {
			defer loops.Done()
			w.runScheduler(ctx)
		}()
	}
	if w.config.StaleLockInterval > 0 {
		loops.Add(1)
		go func() {
			defer loops.Done()
			w.runStaleLockRelease(ctx)
		}()
	}

	for name, concurrency := range queues {
		loops.Add(1)
		go func(name core.QueueName, concurrency int) {
			defer loops.Done()
			w.pollQueue(ctx, name, concurrency)
		}(name, concurrency)
	}

	w.logger.Infow("worker started", "queues", len(queues), "scheduler", w.config.EnableScheduler)

	<-ctx.Done()
	loops.Wait()
	w.wg.Wait()

	w.logger.Info("worker stopped")
	return ctx.Err()
}

// pollQueue claims jobs for one queue while free slots remain.
func (w *Worker) pollQueue(ctx context.Context, name core.QueueName, concurrency int) {
	slots := make(chan struct{}, concurrency)
	runCtx := context.WithoutCancel(ctx)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case slots <- struct{}{}:
		}

		job, err := w.dequeueWithRetry(ctx, name)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			w.logger.Errorw("failed to dequeue after retries", "queue", name, "error", err)
		}
		if job == nil {
			<-slots
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}

		w.wg.Add(1)
		w.active.Add(1)
		go func(job *core.Job) {
			defer func() {
				w.active.Add(-1)
				<-slots
				w.wg.Done()
			}()
			w.processJob(runCtx, job)
		}(job)
	}
}

// dequeueWithRetry attempts to dequeue a job with exponential backoff on failure.
func (w *Worker) dequeueWithRetry(ctx context.Context, name core.QueueName) (*core.Job, error) {
	var job *core.Job
	err := retry.Do(ctx, w.config.DequeueRetry, func(ctx context.Context) error {
		var dequeueErr error
		job, dequeueErr = w.queue.Storage().Dequeue(ctx, []core.QueueName{name}, w.config.WorkerID)
		return dequeueErr
	})
	return job, err
}

func (w *Worker) processJob(ctx context.Context, job *core.Job) {
	startTime := time.Now()
	log := w.logger.With("job_id", job.ID, "queue", job.Queue, "attempt", job.Attempt)

	h, ok := w.queue.Processor(job.Queue)
	if !ok {
		log.Error("no processor for queue")
		w.handleError(ctx, job, core.NoRetry(errors.Newf("no processor for %s", job.Queue)))
		return
	}

	w.queue.Publish(ctx, &core.JobStarted{Job: job, Timestamp: startTime})

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job)

	result, err := w.executeHandler(ctx, job, h)

	cancelHeartbeat()

	if err != nil {
		log.Warnw("job failed", "error", err)
		w.handleError(ctx, job, err)
		return
	}

	if completeErr := w.completeWithRetry(ctx, job.ID, result); completeErr != nil {
		log.Errorw("failed to complete job after retries", "error", completeErr)
		return
	}
	job.Status = core.StatusCompleted
	job.Result = result

	log.Debugw("job completed", "duration", time.Since(startTime))
	w.queue.Publish(ctx, &core.JobCompleted{Job: job, Duration: time.Since(startTime), Timestamp: time.Now()})
}

// completeWithRetry marks a job complete with retry on transient failures.
func (w *Worker) completeWithRetry(ctx context.Context, jobID string, result []byte) error {
	return retry.Do(ctx, w.config.StorageRetry, func(ctx context.Context) error {
		return w.queue.Storage().Complete(ctx, jobID, w.config.WorkerID, result)
	})
}

// runHeartbeat periodically extends the job lock during execution.
func (w *Worker) runHeartbeat(ctx context.Context, job *core.Job) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := retry.Do(ctx, w.config.StorageRetry, func(ctx context.Context) error {
				return w.queue.Storage().Heartbeat(ctx, job.ID, w.config.WorkerID)
			})
			if err != nil && ctx.Err() == nil {
				w.logger.Warnw("heartbeat failed after retries", "job_id", job.ID, "error", err)
			}
		}
	}
}

func (w *Worker) executeHandler(ctx context.Context, job *core.Job, h *handler.Handler) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic: %v", r)
		}
	}()
	return h.Execute(jobctx.WithJob(ctx, job), job.Payload)
}

func (w *Worker) handleError(ctx context.Context, job *core.Job, err error) {
	var noRetry *core.NoRetryError
	if errors.As(err, &noRetry) {
		w.fail(ctx, job, err)
		return
	}

	if job.Attempt > job.MaxRetries {
		w.fail(ctx, job, err)
		return
	}

	retryAt := time.Now().Add(retry.Exponential(w.config.RetryBackoffBase, w.config.RetryBackoffMax, job.Attempt-1))
	var retryAfter *core.RetryAfterError
	if errors.As(err, &retryAfter) {
		retryAt = time.Now().Add(retryAfter.Delay)
	}

	if failErr := w.failWithRetry(ctx, job.ID, err.Error(), &retryAt); failErr != nil {
		return
	}
	job.Status = core.StatusPending
	job.RunAt = &retryAt
	w.queue.Publish(ctx, &core.JobRetrying{Job: job, Attempt: job.Attempt, Error: err, NextRunAt: retryAt, Timestamp: time.Now()})
}

func (w *Worker) fail(ctx context.Context, job *core.Job, err error) {
	if failErr := w.failWithRetry(ctx, job.ID, err.Error(), nil); failErr != nil {
		return
	}
	job.Status = core.StatusFailed
	w.logger.Errorw("job failed permanently", "job_id", job.ID, "queue", job.Queue, "attempts", job.Attempt, "error", err)
	w.queue.Publish(ctx, &core.JobFailed{Job: job, Error: err, Timestamp: time.Now()})
}

// failWithRetry marks a job as failed with retry on transient storage failures.
func (w *Worker) failWithRetry(ctx context.Context, jobID string, errMsg string, retryAt *time.Time) error {
	err := retry.Do(ctx, w.config.StorageRetry, func(ctx context.Context) error {
		return w.queue.Storage().Fail(ctx, jobID, w.config.WorkerID, errMsg, retryAt)
	})
	if err != nil {
		w.logger.Errorw("failed to mark job as failed after retries", "job_id", jobID, "error", err)
	}
	return err
}

// runScheduler enqueues a fresh job for every recurring definition that is due.
func (w *Worker) runScheduler(ctx context.Context) {
	ticker := time.NewTicker(w.config.SchedulerInterval)
	defer ticker.Stop()

	enqueueRetry := w.config.StorageRetry
	enqueueRetry.Retryable = core.IsRetryable

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, rj := range w.queue.DueRecurringJobs(now) {
				var job *core.Job
				err := retry.Do(ctx, enqueueRetry, func(ctx context.Context) error {
					var addErr error
					job, addErr = w.queue.AddJob(ctx, rj.Queue, rj.Payload, rj.Options...)
					return addErr
				})
				if err != nil {
					w.logger.Errorw("failed to enqueue recurring job", "recurring_id", rj.ID, "queue", rj.Queue, "error", err)
					continue
				}
				w.logger.Infow("recurring job enqueued", "recurring_id", rj.ID, "job_id", job.ID, "next_run", rj.NextRun)
			}
		}
	}
}

// runStaleLockRelease returns jobs abandoned by crashed workers to waiting.
func (w *Worker) runStaleLockRelease(ctx context.Context) {
	ticker := time.NewTicker(w.config.StaleLockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.queue.Storage().ReleaseStaleLocks(ctx, w.config.StaleLockAge)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warnw("release stale locks", "error", err)
				}
				continue
			}
			if n > 0 {
				w.logger.Infow("released stale locks", "count", n)
			}
		}
	}
}

func (w *Worker) String() string {
	return fmt.Sprintf("worker(%s)", w.config.WorkerID)
}
