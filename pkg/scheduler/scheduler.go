package scheduler

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jdziat/taxsync/pkg/core"
	"github.com/jdziat/taxsync/pkg/queue"
	"github.com/jdziat/taxsync/pkg/rateupdate"
	"github.com/jdziat/taxsync/pkg/retry"
	"github.com/jdziat/taxsync/pkg/schedule"
	"github.com/jdziat/taxsync/pkg/security"
)

// State is the scheduler lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateStandard  State = "running-standard"
	StateEmergency State = "running-emergency"
)

// Kind classifies schedule entries.
type Kind string

const (
	KindBuiltin   Kind = "builtin"
	KindEmergency Kind = "emergency"
	KindCustom    Kind = "custom"
)

// Built-in schedule ids.
const (
	DailyID     = "builtin-daily"
	WeeklyID    = "builtin-weekly"
	MonthlyID   = "builtin-monthly"
	QuarterlyID = "builtin-quarterly"
	EmergencyID = "emergency-hourly"

	customPrefix = "custom-"
)

// Built-in cron expressions.
const (
	DailyCron     = "0 2 * * *"
	WeeklyCron    = "0 3 * * 0"
	MonthlyCron   = "0 4 1 * *"
	QuarterlyCron = "0 5 1 1,4,7,10 *"
	EmergencyCron = "0 * * * *"
)

// UpdateSummary is the outcome of a manual update.
type UpdateSummary = rateupdate.Summary

// JobQueue is the part of the queue the scheduler drives.
type JobQueue interface {
	AddJob(ctx context.Context, name core.QueueName, payload any, opts ...queue.Option) (*core.Job, error)
	GetJob(ctx context.Context, jobID string) (*core.Job, error)
	ScheduleRecurringJob(id string, name core.QueueName, sched schedule.Schedule, payload any, opts ...queue.Option) error
	RemoveRecurringJob(id string) bool
	RecurringJob(id string) (queue.RecurringJob, bool)
}

// ManualUpdateRequest asks for an immediate update.
type ManualUpdateRequest struct {
	States       []string `json:"states,omitempty"`
	Jurisdiction string   `json:"jurisdiction,omitempty"`
	Force        bool     `json:"force,omitempty"`
	RequestedBy  string   `json:"requestedBy,omitempty"`
	BusinessID   string   `json:"businessId,omitempty"`
}

// Entry describes one schedule in GetScheduleStatus.
type Entry struct {
	ID          string        `json:"id"`
	Kind        Kind          `json:"kind"`
	Cron        string        `json:"cron"`
	Description string        `json:"description"`
	Priority    core.Priority `json:"priority"`
	Active      bool          `json:"active"`
	NextRun     *time.Time    `json:"nextRun,omitempty"`
	LastRun     *time.Time    `json:"lastRun,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Status is returned by GetScheduleStatus.
type Status struct {
	State     State   `json:"state"`
	Emergency bool    `json:"emergency"`
	Entries   []Entry `json:"entries"`
}

type definition struct {
	id          string
	kind        Kind
	sched       *schedule.CronSchedule
	description string
	priority    core.Priority
	force       bool
	createdAt   time.Time
}

// Scheduler registers rate update schedules as recurring jobs on the
// tax-rate-update queue and runs manual updates.
type Scheduler struct {
	queue         JobQueue
	cfg           Config
	logger        *zap.SugaredLogger
	manualTimeout time.Duration
	pollInterval  time.Duration
	enqueueRetry  retry.Config
	now           func() time.Time

	mu     sync.Mutex
	state  State
	custom map[string]*definition
}

// New creates an idle Scheduler.
func New(q JobQueue, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:         q,
		cfg:           cfg,
		logger:        zap.NewNop().Sugar(),
		manualTimeout: DefaultManualUpdateTimeout,
		pollInterval:  DefaultPollInterval,
		enqueueRetry:  defaultEnqueueRetry(),
		now:           time.Now,
		state:         StateIdle,
		custom:        make(map[string]*definition),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s
}

func (s *Scheduler) builtins() []*definition {
	all := []struct {
		on bool
		d  *definition
	}{
		{s.cfg.Daily, &definition{id: DailyID, kind: KindBuiltin, sched: schedule.Cron(DailyCron), description: "Daily rate update", priority: core.PriorityNormal}},
		{s.cfg.Weekly, &definition{id: WeeklyID, kind: KindBuiltin, sched: schedule.Cron(WeeklyCron), description: "Weekly rate update", priority: core.PriorityNormal}},
		{s.cfg.Monthly, &definition{id: MonthlyID, kind: KindBuiltin, sched: schedule.Cron(MonthlyCron), description: "Monthly full refresh", priority: core.PriorityNormal, force: true}},
		{s.cfg.Quarterly, &definition{id: QuarterlyID, kind: KindBuiltin, sched: schedule.Cron(QuarterlyCron), description: "Quarterly full refresh", priority: core.PriorityHigh, force: true}},
	}
	out := make([]*definition, 0, len(all))
	for _, b := range all {
		if b.on {
			out = append(out, b.d)
		}
	}
	return out
}

func emergency() *definition {
	return &definition{
		id:          EmergencyID,
		kind:        KindEmergency,
		sched:       schedule.Cron(EmergencyCron),
		description: "Emergency hourly rate update",
		priority:    core.PriorityHigh,
	}
}

func (s *Scheduler) register(d *definition) error {
	trigger := rateupdate.TriggerScheduled
	switch d.kind {
	case KindEmergency:
		trigger = rateupdate.TriggerEmergency
	case KindCustom:
		trigger = rateupdate.TriggerCustom
	}
	payload := rateupdate.Payload{
		States:     s.cfg.TrackedStates,
		Force:      d.force,
		Trigger:    trigger,
		ScheduleID: d.id,
	}
	return s.queue.ScheduleRecurringJob(d.id, core.QueueTaxRateUpdate, d.sched, payload,
		queue.WithPriority(d.priority),
		queue.WithCreatedBy("scheduler"))
}

// Start registers the enabled built-in schedules and any custom schedules,
// and optionally enqueues a boot update. Starting a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil
	}
	defs := s.builtins()
	for _, d := range s.custom {
		defs = append(defs, d)
	}
	for _, d := range defs {
		if err := s.register(d); err != nil {
			for _, prev := range defs {
				s.queue.RemoveRecurringJob(prev.id)
			}
			s.mu.Unlock()
			return errors.Wrapf(err, "register schedule %s", d.id)
		}
	}
	s.state = StateStandard
	s.mu.Unlock()

	s.logger.Infow("scheduler started", "schedules", len(defs))

	if s.cfg.InitialUpdateOnBoot {
		job, err := s.queue.AddJob(ctx, core.QueueTaxRateUpdate,
			rateupdate.Payload{States: s.cfg.TrackedStates, Trigger: rateupdate.TriggerBoot},
			queue.WithPriority(core.PriorityHigh),
			queue.WithUniqueKey("boot-update"),
			queue.WithCreatedBy("scheduler"))
		switch {
		case errors.Is(err, core.ErrDuplicateJob):
		case err != nil:
			s.logger.Warnw("initial update not enqueued", "error", err)
		default:
			s.logger.Infow("initial update enqueued", "job_id", job.ID)
		}
	}
	return nil
}

// Stop removes every registered schedule. Custom schedules are kept and
// registered again by the next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle {
		return
	}
	for _, d := range s.builtins() {
		s.queue.RemoveRecurringJob(d.id)
	}
	s.queue.RemoveRecurringJob(EmergencyID)
	for id := range s.custom {
		s.queue.RemoveRecurringJob(id)
	}
	s.state = StateIdle
	s.logger.Info("scheduler stopped")
}

// State returns the lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EnableEmergencyMode adds the hourly high-priority schedule. It is
// idempotent and fails with core.ErrSchedulerNotRunning when idle.
func (s *Scheduler) EnableEmergencyMode(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateIdle:
		return core.ErrSchedulerNotRunning
	case StateEmergency:
		return nil
	}
	if err := s.register(emergency()); err != nil {
		return errors.Wrap(err, "register emergency schedule")
	}
	s.state = StateEmergency
	s.logger.Warn("emergency mode enabled")
	return nil
}

// DisableEmergencyMode removes only the emergency schedule, restoring the
// standard set. It is a no-op unless emergency mode is on.
func (s *Scheduler) DisableEmergencyMode(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEmergency {
		return nil
	}
	s.queue.RemoveRecurringJob(EmergencyID)
	s.state = StateStandard
	s.logger.Info("emergency mode disabled")
	return nil
}

// ScheduleCustomUpdate adds a custom update schedule and returns its task
// id. Invalid expressions fail with core.ErrInvalidCronExpression.
func (s *Scheduler) ScheduleCustomUpdate(expr, description string) (string, error) {
	sched, err := schedule.ParseCron(expr)
	if err != nil {
		return "", err
	}
	d := &definition{
		id:          customPrefix + uuid.New().String(),
		kind:        KindCustom,
		sched:       sched,
		description: description,
		priority:    core.PriorityNormal,
		createdAt:   s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		if err := s.register(d); err != nil {
			return "", errors.Wrap(err, "register custom schedule")
		}
	}
	s.custom[d.id] = d
	s.logger.Infow("custom schedule added", "task_id", d.id, "cron", sched.Expression())
	return d.id, nil
}

// RemoveCustomSchedule removes a custom schedule. Built-in and emergency
// schedules cannot be removed this way and return false with no error;
// unknown ids fail with core.ErrScheduleNotFound.
func (s *Scheduler) RemoveCustomSchedule(id string) (bool, error) {
	if isReserved(id) {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.custom[id]; !ok {
		return false, errors.Wrapf(core.ErrScheduleNotFound, "%q", id)
	}
	delete(s.custom, id)
	s.queue.RemoveRecurringJob(id)
	s.logger.Infow("custom schedule removed", "task_id", id)
	return true, nil
}

func isReserved(id string) bool {
	switch id {
	case DailyID, WeeklyID, MonthlyID, QuarterlyID, EmergencyID:
		return true
	}
	return false
}

// GetScheduleStatus reports the state and every known schedule with its
// next fire time.
func (s *Scheduler) GetScheduleStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{State: s.state, Emergency: s.state == StateEmergency}
	defs := s.builtins()
	defs = append(defs, emergency())
	custom := make([]*definition, 0, len(s.custom))
	for _, d := range s.custom {
		custom = append(custom, d)
	}
	sort.Slice(custom, func(i, j int) bool {
		if custom[i].createdAt.Equal(custom[j].createdAt) {
			return custom[i].id < custom[j].id
		}
		return custom[i].createdAt.Before(custom[j].createdAt)
	})
	defs = append(defs, custom...)

	now := s.now()
	for _, d := range defs {
		e := Entry{
			ID:          d.id,
			Kind:        d.kind,
			Cron:        d.sched.Expression(),
			Description: d.description,
			Priority:    d.priority,
			CreatedAt:   d.createdAt,
		}
		if rj, ok := s.queue.RecurringJob(d.id); ok {
			e.Active = true
			next := rj.NextRun
			e.NextRun = &next
			e.LastRun = rj.LastRun
		} else if d.kind != KindEmergency {
			next := d.sched.Next(now)
			e.NextRun = &next
		}
		st.Entries = append(st.Entries, e)
	}
	return st
}

// ManualUpdate enqueues a critical update and waits for it to finish.
// Broker outages while enqueueing are retried with backoff. A failed job
// yields a summary with OutcomeFailure rather than an error; errors are
// returned only when the job cannot be enqueued or waiting is cut short.
func (s *Scheduler) ManualUpdate(ctx context.Context, req ManualUpdateRequest) (*UpdateSummary, error) {
	for _, st := range req.States {
		if _, err := security.NormalizeState(st); err != nil {
			return nil, err
		}
	}
	payload := rateupdate.Payload{
		States:       req.States,
		Jurisdiction: req.Jurisdiction,
		Force:        req.Force,
		Trigger:      rateupdate.TriggerManual,
		RequestedBy:  req.RequestedBy,
	}
	opts := []queue.Option{queue.WithPriority(core.PriorityCritical)}
	if req.RequestedBy != "" {
		opts = append(opts, queue.WithCreatedBy(req.RequestedBy))
	}
	if req.BusinessID != "" {
		opts = append(opts, queue.WithBusinessID(req.BusinessID))
	}

	var job *core.Job
	err := retry.Do(ctx, s.enqueueRetry, func(ctx context.Context) error {
		var err error
		job, err = s.queue.AddJob(ctx, core.QueueTaxRateUpdate, payload, opts...)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "enqueue manual update")
	}
	log := s.logger.With("job_id", job.ID)
	log.Infow("manual update enqueued", "states", req.States, "force", req.Force)

	done, err := s.wait(ctx, job.ID)
	if err != nil {
		return &UpdateSummary{JobID: job.ID}, err
	}
	return summaryFromJob(done), nil
}

func (s *Scheduler) wait(ctx context.Context, jobID string) (*core.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.manualTimeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		job, err := s.queue.GetJob(ctx, jobID)
		if ctx.Err() != nil {
			return nil, errors.Wrapf(ctx.Err(), "wait for job %s", jobID)
		}
		if err != nil && !core.IsRetryable(err) {
			return nil, errors.Wrapf(err, "poll job %s", jobID)
		}
		if err == nil && job != nil && job.Status.IsTerminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "wait for job %s", jobID)
		case <-ticker.C:
		}
	}
}

func summaryFromJob(job *core.Job) *UpdateSummary {
	sum := &UpdateSummary{JobID: job.ID}
	if job.Status == core.StatusFailed {
		sum.Outcome = rateupdate.OutcomeFailure
		sum.Errors = []string{job.LastError}
		if job.StartedAt != nil {
			sum.StartedAt = *job.StartedAt
		}
		return sum
	}
	if len(job.Result) > 0 {
		if err := json.Unmarshal(job.Result, sum); err != nil {
			sum.Errors = append(sum.Errors, "result: "+err.Error())
		}
	}
	sum.JobID = job.ID
	if sum.Outcome == "" {
		sum.Outcome = rateupdate.OutcomeSuccess
	}
	return sum
}
