package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/taxsync/pkg/core"
	"github.com/jdziat/taxsync/pkg/queue"
	"github.com/jdziat/taxsync/pkg/rateupdate"
	"github.com/jdziat/taxsync/pkg/retry"
	"github.com/jdziat/taxsync/pkg/storage"
	"github.com/jdziat/taxsync/pkg/worker"
)

func newTestQueue(t *testing.T) (*queue.Queue, *storage.GormStorage) {
	t.Helper()
	db, err := storage.Open(storage.DriverSQLite, ":memory:")
	require.NoError(t, err)
	s := storage.NewGormStorage(db)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return queue.New(s), s
}

func recurringIDs(q *queue.Queue) []string {
	var ids []string
	for _, rj := range q.RecurringJobs() {
		ids = append(ids, rj.ID)
	}
	return ids
}

func priorityOf(rj queue.RecurringJob) core.Priority {
	o := queue.NewOptions()
	for _, opt := range rj.Options {
		opt.Apply(o)
	}
	return o.Priority
}

func runWorker(t *testing.T, q *queue.Queue) {
	t.Helper()
	w := worker.NewWorker(q,
		worker.WorkerQueue(core.QueueTaxRateUpdate, worker.Concurrency(1)),
		worker.WithPollInterval(5*time.Millisecond),
		worker.WithStaleLockRelease(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestStart_RegistersBuiltins(t *testing.T) {
	q, _ := newTestQueue(t)
	s := New(q, DefaultConfig())
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateStandard, s.State())
	assert.Equal(t, []string{DailyID, MonthlyID, QuarterlyID, WeeklyID}, recurringIDs(q))

	rj, ok := q.RecurringJob(QuarterlyID)
	require.True(t, ok)
	assert.Equal(t, core.QueueTaxRateUpdate, rj.Queue)
	assert.Equal(t, core.PriorityHigh, priorityOf(rj))
	payload, ok := rj.Payload.(rateupdate.Payload)
	require.True(t, ok)
	assert.True(t, payload.Force)
	assert.Equal(t, rateupdate.TriggerScheduled, payload.Trigger)
	assert.Equal(t, QuarterlyID, payload.ScheduleID)

	require.NoError(t, s.Start(context.Background()))
	assert.Len(t, q.RecurringJobs(), 4)
}

func TestStart_HonorsToggles(t *testing.T) {
	q, _ := newTestQueue(t)
	s := New(q, Config{Daily: true, Quarterly: true})
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{DailyID, QuarterlyID}, recurringIDs(q))
}

func TestStart_InitialUpdateOnBoot(t *testing.T) {
	q, store := newTestQueue(t)
	s := New(q, Config{InitialUpdateOnBoot: true, TrackedStates: []string{"CA"}})
	require.NoError(t, s.Start(context.Background()))

	jobs, err := store.GetJobsByStatus(context.Background(), core.QueueTaxRateUpdate, core.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, core.PriorityHigh, jobs[0].Priority)
	assert.Contains(t, string(jobs[0].Payload), `"trigger":"boot"`)
}

func TestEmergencyMode_RequiresRunning(t *testing.T) {
	q, _ := newTestQueue(t)
	s := New(q, DefaultConfig())

	err := s.EnableEmergencyMode(context.Background())
	assert.True(t, errors.Is(err, core.ErrSchedulerNotRunning))
	assert.Empty(t, q.RecurringJobs())
}

func TestEmergencyMode_EnableDisableRestoresSchedules(t *testing.T) {
	q, _ := newTestQueue(t)
	s := New(q, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	custom, err := s.ScheduleCustomUpdate("30 6 * * 1-5", "weekday mornings")
	require.NoError(t, err)
	before := recurringIDs(q)

	require.NoError(t, s.EnableEmergencyMode(ctx))
	require.NoError(t, s.EnableEmergencyMode(ctx))
	assert.Equal(t, StateEmergency, s.State())
	rj, ok := q.RecurringJob(EmergencyID)
	require.True(t, ok)
	assert.Equal(t, core.PriorityHigh, priorityOf(rj))
	assert.Len(t, q.RecurringJobs(), len(before)+1)

	require.NoError(t, s.DisableEmergencyMode(ctx))
	assert.Equal(t, StateStandard, s.State())
	assert.Equal(t, before, recurringIDs(q))
	assert.Contains(t, recurringIDs(q), custom)

	require.NoError(t, s.DisableEmergencyMode(ctx))
	assert.Equal(t, before, recurringIDs(q))
}

func TestScheduleCustomUpdate_InvalidCron(t *testing.T) {
	q, _ := newTestQueue(t)
	s := New(q, DefaultConfig())
	require.NoError(t, s.Start(context.Background()))
	before := s.GetScheduleStatus()

	for _, expr := range []string{"", "not a cron", "61 * * * *", "* * * *"} {
		id, err := s.ScheduleCustomUpdate(expr, "bad")
		assert.True(t, errors.Is(err, core.ErrInvalidCronExpression), expr)
		assert.Empty(t, id)
	}
	assert.Equal(t, before, s.GetScheduleStatus())
	assert.Len(t, q.RecurringJobs(), 4)
}

func TestRemoveCustomSchedule(t *testing.T) {
	q, _ := newTestQueue(t)
	s := New(q, DefaultConfig())
	require.NoError(t, s.Start(context.Background()))

	id, err := s.ScheduleCustomUpdate("0 12 * * *", "noon")
	require.NoError(t, err)
	assert.Regexp(t, `^custom-[0-9a-f-]{36}$`, id)
	_, ok := q.RecurringJob(id)
	require.True(t, ok)

	removed, err := s.RemoveCustomSchedule(DailyID)
	require.NoError(t, err)
	assert.False(t, removed)
	_, ok = q.RecurringJob(DailyID)
	assert.True(t, ok)

	removed, err = s.RemoveCustomSchedule(EmergencyID)
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = s.RemoveCustomSchedule(id)
	require.NoError(t, err)
	assert.True(t, removed)
	_, ok = q.RecurringJob(id)
	assert.False(t, ok)

	_, err = s.RemoveCustomSchedule(id)
	assert.True(t, errors.Is(err, core.ErrScheduleNotFound))
}

func TestStopKeepsCustomSchedules(t *testing.T) {
	q, _ := newTestQueue(t)
	s := New(q, Config{Daily: true})
	ctx := context.Background()

	id, err := s.ScheduleCustomUpdate("15 1 * * *", "early")
	require.NoError(t, err)
	_, ok := q.RecurringJob(id)
	assert.False(t, ok, "idle scheduler registers on start")

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.EnableEmergencyMode(ctx))
	assert.Len(t, q.RecurringJobs(), 3)

	s.Stop()
	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, q.RecurringJobs())

	require.NoError(t, s.Start(ctx))
	assert.Equal(t, []string{DailyID, id}, recurringIDs(q))
}

func TestGetScheduleStatus(t *testing.T) {
	q, _ := newTestQueue(t)
	now := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	s := New(q, Config{Daily: true, Weekly: true}, WithClock(func() time.Time { return now }))

	st := s.GetScheduleStatus()
	assert.Equal(t, StateIdle, st.State)
	assert.False(t, st.Emergency)
	require.Len(t, st.Entries, 3)

	daily := st.Entries[0]
	assert.Equal(t, DailyID, daily.ID)
	assert.Equal(t, DailyCron, daily.Cron)
	assert.False(t, daily.Active)
	require.NotNil(t, daily.NextRun)
	assert.Equal(t, time.Date(2026, 10, 20, 2, 0, 0, 0, time.UTC), *daily.NextRun)

	em := st.Entries[2]
	assert.Equal(t, KindEmergency, em.Kind)
	assert.False(t, em.Active)
	assert.Nil(t, em.NextRun)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.EnableEmergencyMode(context.Background()))
	st = s.GetScheduleStatus()
	assert.Equal(t, StateEmergency, st.State)
	assert.True(t, st.Emergency)
	for _, e := range st.Entries {
		assert.True(t, e.Active, e.ID)
		assert.NotNil(t, e.NextRun, e.ID)
	}
}

func TestManualUpdate_WaitsForResult(t *testing.T) {
	q, store := newTestQueue(t)
	var seen atomic.Value
	require.NoError(t, q.RegisterProcessor(core.QueueTaxRateUpdate, func(ctx context.Context, p rateupdate.Payload) (*rateupdate.Summary, error) {
		seen.Store(p)
		return &rateupdate.Summary{
			Outcome:        rateupdate.OutcomePartial,
			States:         p.States,
			UpdatedRates:   3,
			UnchangedRates: 1,
			Errors:         []string{"TX: upstream 503"},
		}, nil
	}))
	runWorker(t, q)

	s := New(q, DefaultConfig(), WithPollInterval(5*time.Millisecond))
	sum, err := s.ManualUpdate(context.Background(), ManualUpdateRequest{States: []string{"CA", "TX"}, Force: true, RequestedBy: "ops"})
	require.NoError(t, err)
	assert.Equal(t, rateupdate.OutcomePartial, sum.Outcome)
	assert.Equal(t, 3, sum.UpdatedRates)
	assert.Equal(t, []string{"TX: upstream 503"}, sum.Errors)
	require.NotEmpty(t, sum.JobID)

	p := seen.Load().(rateupdate.Payload)
	assert.Equal(t, rateupdate.TriggerManual, p.Trigger)
	assert.True(t, p.Force)

	job, err := store.GetJob(context.Background(), sum.JobID)
	require.NoError(t, err)
	assert.Equal(t, core.PriorityCritical, job.Priority)
	assert.Equal(t, "ops", job.CreatedBy)
}

func TestManualUpdate_FailedJob(t *testing.T) {
	q, _ := newTestQueue(t)
	require.NoError(t, q.RegisterProcessor(core.QueueTaxRateUpdate, func(ctx context.Context, p rateupdate.Payload) error {
		return core.NoRetry(errors.New("source rejected request"))
	}))
	runWorker(t, q)

	s := New(q, DefaultConfig(), WithPollInterval(5*time.Millisecond))
	sum, err := s.ManualUpdate(context.Background(), ManualUpdateRequest{})
	require.NoError(t, err)
	assert.Equal(t, rateupdate.OutcomeFailure, sum.Outcome)
	require.Len(t, sum.Errors, 1)
	assert.Contains(t, sum.Errors[0], "source rejected request")
}

func TestManualUpdate_Timeout(t *testing.T) {
	q, _ := newTestQueue(t)
	s := New(q, DefaultConfig(), WithPollInterval(5*time.Millisecond), WithManualUpdateTimeout(50*time.Millisecond))

	sum, err := s.ManualUpdate(context.Background(), ManualUpdateRequest{States: []string{"NY"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	require.NotNil(t, sum)
	assert.NotEmpty(t, sum.JobID)
}

func TestManualUpdate_InvalidState(t *testing.T) {
	q, store := newTestQueue(t)
	s := New(q, DefaultConfig())

	_, err := s.ManualUpdate(context.Background(), ManualUpdateRequest{States: []string{"Texas"}})
	require.Error(t, err)
	counts, err := store.CountByStatus(context.Background(), core.QueueTaxRateUpdate)
	require.NoError(t, err)
	assert.Zero(t, counts.Pending)
}

// flakyQueue fails the first n enqueues with a broker outage.
type flakyQueue struct {
	*queue.Queue
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyQueue) AddJob(ctx context.Context, name core.QueueName, payload any, opts ...queue.Option) (*core.Job, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, errors.Wrap(core.ErrBrokerUnavailable, "connection refused")
	}
	return f.Queue.AddJob(ctx, name, payload, opts...)
}

func TestManualUpdate_RetriesBrokerOutage(t *testing.T) {
	q, _ := newTestQueue(t)
	require.NoError(t, q.RegisterProcessor(core.QueueTaxRateUpdate, func(ctx context.Context, p rateupdate.Payload) error {
		return nil
	}))
	runWorker(t, q)

	fq := &flakyQueue{Queue: q}
	fq.failures.Store(2)
	fast := retry.Config{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffMultiplier: 2,
		Retryable: func(err error) bool { return errors.Is(err, core.ErrBrokerUnavailable) }}
	s := New(fq, DefaultConfig(), WithPollInterval(5*time.Millisecond), WithEnqueueRetry(fast))

	sum, err := s.ManualUpdate(context.Background(), ManualUpdateRequest{})
	require.NoError(t, err)
	assert.Equal(t, rateupdate.OutcomeSuccess, sum.Outcome)
	assert.Equal(t, int32(3), fq.calls.Load())
}

func TestManualUpdate_BrokerOutageExhausted(t *testing.T) {
	q, _ := newTestQueue(t)
	fq := &flakyQueue{Queue: q}
	fq.failures.Store(100)
	fast := retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}
	s := New(fq, DefaultConfig(), WithEnqueueRetry(fast))

	_, err := s.ManualUpdate(context.Background(), ManualUpdateRequest{})
	assert.True(t, errors.Is(err, core.ErrBrokerUnavailable))
	assert.Equal(t, int32(3), fq.calls.Load())
}
