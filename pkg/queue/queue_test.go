package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/taxsync/pkg/core"
	"github.com/jdziat/taxsync/pkg/schedule"
	"github.com/jdziat/taxsync/pkg/security"
	"github.com/jdziat/taxsync/pkg/storage"
)

func newTestBroker(t *testing.T) *storage.GormStorage {
	t.Helper()
	db, err := storage.Open(storage.DriverSQLite, ":memory:")
	require.NoError(t, err)
	s := storage.NewGormStorage(db)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestQueue(t *testing.T, opts ...QueueOption) (*Queue, *storage.GormStorage) {
	t.Helper()
	s := newTestBroker(t)
	opts = append([]QueueOption{WithDrainPollInterval(10 * time.Millisecond)}, opts...)
	return New(s, opts...), s
}

// slowStorage blocks every enqueue until the context is done.
type slowStorage struct {
	core.Storage
}

func (s *slowStorage) Enqueue(ctx context.Context, job *core.Job) error {
	<-ctx.Done()
	return ctx.Err()
}

type updatePayload struct {
	States []string `json:"states"`
}

func TestAddJob_PersistsWithDefaults(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()

	job, err := q.AddJob(ctx, core.QueueTaxRateUpdate, updatePayload{States: []string{"CA"}},
		WithCreatedBy("user-1"), WithBusinessID("biz-1"))
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	stored, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.QueueTaxRateUpdate, stored.Queue)
	assert.Equal(t, core.PriorityNormal, stored.Priority)
	assert.Equal(t, DefaultJobRetries, stored.MaxRetries)
	assert.Equal(t, core.StatusPending, stored.Status)
	assert.Equal(t, "user-1", stored.CreatedBy)
	assert.Equal(t, "biz-1", stored.BusinessID)
	assert.JSONEq(t, `{"states":["CA"]}`, string(stored.Payload))
}

func TestAddJob_RejectsUnknownQueue(t *testing.T) {
	q, s := newTestQueue(t)

	_, err := q.AddJob(context.Background(), "tax-rate-updates", updatePayload{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrUnknownQueue))

	counts, err := s.CountByStatus(context.Background(), "tax-rate-updates")
	require.NoError(t, err)
	assert.Zero(t, counts.Pending)
}

func TestAddJob_RejectsOversizedPayload(t *testing.T) {
	q, _ := newTestQueue(t)
	big := json.RawMessage(`"` + string(make([]byte, security.MaxPayloadSize)) + `"`)

	_, err := q.AddJob(context.Background(), core.QueueReportGeneration, big)
	assert.True(t, errors.Is(err, core.ErrPayloadTooLarge))
}

func TestAddJob_RawMessagePassesThrough(t *testing.T) {
	q, s := newTestQueue(t)
	raw := json.RawMessage(`{"states":["TX","NY"]}`)

	job, err := q.AddJob(context.Background(), core.QueueTaxRateUpdate, raw)
	require.NoError(t, err)

	stored, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(stored.Payload))
}

func TestAddJob_DelaySetsRunAt(t *testing.T) {
	q, _ := newTestQueue(t)
	before := time.Now()

	job, err := q.AddJob(context.Background(), core.QueueEmailNotifications, nil, WithDelay(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, job.RunAt)
	assert.True(t, job.RunAt.After(before.Add(59*time.Minute)))
}

func TestAddJob_UniqueKeyDeduplicates(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.AddJob(ctx, core.QueuePOSSync, nil, WithUniqueKey("sync-biz-1"))
	require.NoError(t, err)

	_, err = q.AddJob(ctx, core.QueuePOSSync, nil, WithUniqueKey("sync-biz-1"))
	assert.True(t, errors.Is(err, core.ErrDuplicateJob))
}

func TestAddJob_EnqueueTimeoutIsBrokerUnavailable(t *testing.T) {
	s := newTestBroker(t)
	q := New(&slowStorage{Storage: s}, WithEnqueueTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := q.AddJob(context.Background(), core.QueueTaxCalculation, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, errors.Is(err, core.ErrBrokerUnavailable))
	assert.True(t, core.IsRetryable(err))
}

func TestAddJob_CallerCancellationIsNotBrokerUnavailable(t *testing.T) {
	s := newTestBroker(t)
	q := New(&slowStorage{Storage: s}, WithEnqueueTimeout(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.AddJob(ctx, core.QueueTaxCalculation, nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, core.ErrBrokerUnavailable))
}

func TestAddJob_ClosedBrokerIsBrokerUnavailable(t *testing.T) {
	q, s := newTestQueue(t)
	require.NoError(t, s.Close())

	_, err := q.AddJob(context.Background(), core.QueueTaxRateUpdate, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrBrokerUnavailable))
}

func TestCriticalJobDequeuedBeforeWaitingNormal(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()

	normal, err := q.AddJob(ctx, core.QueueTaxRateUpdate, updatePayload{States: []string{"NY"}})
	require.NoError(t, err)
	critical, err := q.AddJob(ctx, core.QueueTaxRateUpdate, updatePayload{States: []string{"CA"}},
		WithPriority(core.PriorityCritical))
	require.NoError(t, err)

	first, err := s.Dequeue(ctx, []core.QueueName{core.QueueTaxRateUpdate}, "w1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, critical.ID, first.ID)

	second, err := s.Dequeue(ctx, []core.QueueName{core.QueueTaxRateUpdate}, "w1")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, normal.ID, second.ID)
}

func TestRegisterProcessor_LastRegistrationWins(t *testing.T) {
	q, _ := newTestQueue(t)

	require.NoError(t, q.RegisterProcessor(core.QueueAuditProcessing, func(ctx context.Context, p updatePayload) error {
		return errors.New("first")
	}))
	require.NoError(t, q.RegisterProcessor(core.QueueAuditProcessing, func(ctx context.Context, p updatePayload) (string, error) {
		return "second", nil
	}))

	h, ok := q.Processor(core.QueueAuditProcessing)
	require.True(t, ok)
	out, err := h.Execute(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, `"second"`, string(out))
	assert.Equal(t, []core.QueueName{core.QueueAuditProcessing}, q.ProcessedQueues())
}

func TestRegisterProcessor_Validation(t *testing.T) {
	q, _ := newTestQueue(t)

	err := q.RegisterProcessor("nope", func(ctx context.Context, p updatePayload) error { return nil })
	assert.True(t, errors.Is(err, core.ErrUnknownQueue))

	err = q.RegisterProcessor(core.QueuePOSSync, "not a function")
	assert.Error(t, err)
}

func TestPauseResume_EmitsEventsAndPersists(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	events := q.Events()
	defer q.Unsubscribe(events)

	require.NoError(t, q.PauseQueue(ctx, core.QueuePOSSync))
	paused, err := q.IsQueuePaused(ctx, core.QueuePOSSync)
	require.NoError(t, err)
	assert.True(t, paused)

	e := <-events
	p, ok := e.(*core.QueuePaused)
	require.True(t, ok)
	assert.Equal(t, core.QueuePOSSync, p.Queue)

	require.NoError(t, q.ResumeQueue(ctx, core.QueuePOSSync))
	paused, err = q.IsQueuePaused(ctx, core.QueuePOSSync)
	require.NoError(t, err)
	assert.False(t, paused)

	_, ok = (<-events).(*core.QueueResumed)
	assert.True(t, ok)
}

func TestPausedQueue_IsNotDequeued(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()

	_, err := q.AddJob(ctx, core.QueueComplianceMonitoring, nil)
	require.NoError(t, err)
	require.NoError(t, q.PauseQueue(ctx, core.QueueComplianceMonitoring))

	job, err := s.Dequeue(ctx, []core.QueueName{core.QueueComplianceMonitoring}, "w1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDrainQueue_RejectsNewJobsUntilEmpty(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()

	job, err := q.AddJob(ctx, core.QueueReportGeneration, nil)
	require.NoError(t, err)

	events := q.Events()
	defer q.Unsubscribe(events)

	done := make(chan error, 1)
	go func() { done <- q.DrainQueue(ctx, core.QueueReportGeneration) }()

	require.Eventually(t, func() bool { return q.IsDraining(core.QueueReportGeneration) },
		time.Second, 5*time.Millisecond)

	_, err = q.AddJob(ctx, core.QueueReportGeneration, nil)
	assert.True(t, errors.Is(err, core.ErrQueueDraining))

	// Other queues keep accepting.
	_, err = q.AddJob(ctx, core.QueueAuditProcessing, nil)
	assert.NoError(t, err)

	claimed, err := s.Dequeue(ctx, []core.QueueName{core.QueueReportGeneration}, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)

	select {
	case <-done:
		t.Fatal("drain returned while a job was still active")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, s.Complete(ctx, claimed.ID, "w1", nil))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not finish")
	}

	assert.False(t, q.IsDraining(core.QueueReportGeneration))
	_, ok := (<-events).(*core.QueueDrained)
	assert.True(t, ok)

	_, err = q.AddJob(ctx, core.QueueReportGeneration, nil)
	assert.NoError(t, err, "queue accepts jobs again once drained")
}

func TestDrainQueue_ContextCancelled(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.AddJob(context.Background(), core.QueueReportGeneration, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = q.DrainQueue(ctx, core.QueueReportGeneration)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, q.IsDraining(core.QueueReportGeneration))
}

func TestRetryFailedJobs_RequeuesAndCounts(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		job, err := q.AddJob(ctx, core.QueueEmailNotifications, map[string]int{"n": i},
			WithPriority(core.PriorityHigh))
		require.NoError(t, err)
		claimed, err := s.Dequeue(ctx, []core.QueueName{core.QueueEmailNotifications}, "w1")
		require.NoError(t, err)
		require.Equal(t, job.ID, claimed.ID)
		require.NoError(t, s.Fail(ctx, claimed.ID, "w1", "smtp down", nil))
	}

	failed, err := q.GetFailedJobs(ctx, core.QueueEmailNotifications, 10)
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	n, err := q.RetryFailedJobs(ctx, core.QueueEmailNotifications)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	m, err := q.GetQueueMetrics(ctx, core.QueueEmailNotifications)
	require.NoError(t, err)
	assert.EqualValues(t, 2, m.Waiting)
	assert.EqualValues(t, 0, m.Failed)

	requeued, err := s.GetJobsByStatus(ctx, core.QueueEmailNotifications, core.StatusPending, 10)
	require.NoError(t, err)
	for _, j := range requeued {
		assert.Equal(t, core.PriorityHigh, j.Priority)
	}
}

func TestGetQueueMetrics_PointInTime(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()

	m, err := q.GetQueueMetrics(ctx, core.QueueTaxRateUpdate)
	require.NoError(t, err)
	assert.Zero(t, m.Waiting+m.Active)

	_, err = q.AddJob(ctx, core.QueueTaxRateUpdate, updatePayload{States: []string{"CA"}},
		WithPriority(core.PriorityCritical))
	require.NoError(t, err)

	m, err = q.GetQueueMetrics(ctx, core.QueueTaxRateUpdate)
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.Waiting+m.Active)

	claimed, err := s.Dequeue(ctx, []core.QueueName{core.QueueTaxRateUpdate}, "w1")
	require.NoError(t, err)
	m, err = q.GetQueueMetrics(ctx, core.QueueTaxRateUpdate)
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.Active)
	assert.EqualValues(t, 0, m.Waiting)

	require.NoError(t, s.Complete(ctx, claimed.ID, "w1", nil))
	m, err = q.GetQueueMetrics(ctx, core.QueueTaxRateUpdate)
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.Completed)
	assert.EqualValues(t, 1, m.Processed)
	assert.False(t, m.Paused)
	assert.False(t, m.HasProcessor)

	all, err := q.GetAllQueueMetrics(ctx)
	require.NoError(t, err)
	assert.Len(t, all, len(core.KnownQueues))
}

func TestRecurringJobs_ScheduleReplaceRemove(t *testing.T) {
	q, _ := newTestQueue(t)

	require.NoError(t, q.ScheduleRecurringJob("builtin-daily", core.QueueTaxRateUpdate,
		schedule.Cron("0 2 * * *"), updatePayload{}))
	require.NoError(t, q.ScheduleRecurringJob("builtin-daily", core.QueueTaxRateUpdate,
		schedule.Cron("0 3 * * *"), updatePayload{}))
	require.NoError(t, q.ScheduleRecurringJob("another", core.QueueAuditProcessing,
		schedule.Every(time.Hour), nil))

	list := q.RecurringJobs()
	require.Len(t, list, 2)
	assert.Equal(t, "another", list[0].ID)
	assert.Equal(t, "builtin-daily", list[1].ID)
	assert.Equal(t, 3, list[1].NextRun.Hour())

	assert.True(t, q.RemoveRecurringJob("another"))
	assert.False(t, q.RemoveRecurringJob("another"))
	assert.Len(t, q.RecurringJobs(), 1)
}

func TestScheduleRecurringJob_Validation(t *testing.T) {
	q, _ := newTestQueue(t)

	assert.Error(t, q.ScheduleRecurringJob("", core.QueueTaxRateUpdate, schedule.Every(time.Minute), nil))
	assert.Error(t, q.ScheduleRecurringJob("x", core.QueueTaxRateUpdate, nil, nil))
	err := q.ScheduleRecurringJob("x", "bogus", schedule.Every(time.Minute), nil)
	assert.True(t, errors.Is(err, core.ErrUnknownQueue))
}

func TestDueRecurringJobs_AdvancesNextRun(t *testing.T) {
	q, _ := newTestQueue(t)
	require.NoError(t, q.ScheduleRecurringJob("tick", core.QueueTaxRateUpdate, schedule.Every(time.Minute), nil))

	assert.Empty(t, q.DueRecurringJobs(time.Now()))

	later := time.Now().Add(2 * time.Minute)
	due := q.DueRecurringJobs(later)
	require.Len(t, due, 1)
	assert.Equal(t, "tick", due[0].ID)
	require.NotNil(t, due[0].LastRun)

	rj, ok := q.RecurringJob("tick")
	require.True(t, ok)
	assert.True(t, rj.NextRun.After(later))
	assert.Empty(t, q.DueRecurringJobs(later))
}

func TestHooks_CalledInOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	var mu sync.Mutex
	var calls []string

	q.OnJobStart(func(ctx context.Context, j *core.Job) {
		mu.Lock()
		calls = append(calls, "start")
		mu.Unlock()
	})
	q.OnJobComplete(func(ctx context.Context, j *core.Job) {
		mu.Lock()
		calls = append(calls, "complete")
		mu.Unlock()
	})
	q.OnJobFail(func(ctx context.Context, j *core.Job, err error) {
		mu.Lock()
		calls = append(calls, "fail")
		mu.Unlock()
	})
	q.OnRetry(func(ctx context.Context, j *core.Job, attempt int, err error) {
		mu.Lock()
		calls = append(calls, "retry")
		mu.Unlock()
	})

	ctx := context.Background()
	job := &core.Job{ID: "j1", Queue: core.QueueTaxRateUpdate}
	events := q.Events()
	defer q.Unsubscribe(events)

	q.Publish(ctx, &core.JobStarted{Job: job})
	q.Publish(ctx, &core.JobRetrying{Job: job, Attempt: 1, Error: errors.New("x")})
	q.Publish(ctx, &core.JobFailed{Job: job, Error: errors.New("x")})
	q.Publish(ctx, &core.JobCompleted{Job: job})
	q.Publish(ctx, &core.QueuePaused{Queue: core.QueueTaxRateUpdate})

	assert.Equal(t, []string{"start", "retry", "fail", "complete"}, calls)
	assert.Len(t, events, 5)
}

func TestEvents_FilteredByQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	updates := q.Events(core.QueueTaxRateUpdate)
	defer q.Unsubscribe(updates)

	q.Emit(&core.JobStarted{Job: &core.Job{Queue: core.QueueEmailNotifications}})
	q.Emit(&core.QueueDrained{Queue: core.QueueTaxRateUpdate})
	q.Emit(&core.JobCompleted{Job: &core.Job{Queue: core.QueueTaxRateUpdate}})

	require.Len(t, updates, 2)
	e := <-updates
	assert.IsType(t, &core.QueueDrained{}, e)
	assert.Equal(t, core.QueueTaxRateUpdate, (<-updates).EventQueue())
}

func TestEmit_DoesNotBlockOnFullSubscriber(t *testing.T) {
	q, _ := newTestQueue(t)
	ch := q.Events()

	for i := 0; i < 150; i++ {
		q.Emit(&core.QueuePaused{Queue: core.QueuePOSSync})
	}
	assert.Len(t, ch, 100)

	assert.Equal(t, int64(50), q.DroppedEvents())

	q.Unsubscribe(ch)
	q.Emit(&core.QueuePaused{Queue: core.QueuePOSSync})
	assert.Len(t, ch, 100)
	assert.Equal(t, int64(50), q.DroppedEvents())
}

func TestUnsubscribe_NoDeliveryAfterReturn(t *testing.T) {
	q, _ := newTestQueue(t)
	ch := q.Events()

	var emitted atomic.Int64
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					q.Emit(&core.QueuePaused{Queue: core.QueuePOSSync})
					emitted.Add(1)
				}
			}
		}()
	}
	defer func() {
		close(stop)
		wg.Wait()
	}()

	<-ch
	q.Unsubscribe(ch)
	for len(ch) > 0 {
		<-ch
	}

	mark := emitted.Load()
	require.Eventually(t, func() bool { return emitted.Load() > mark+1000 }, 2*time.Second, time.Millisecond)
	assert.Zero(t, len(ch))
}
