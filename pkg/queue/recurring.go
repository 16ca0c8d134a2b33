package queue

import (
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/jdziat/taxsync/pkg/core"
	"github.com/jdziat/taxsync/pkg/schedule"
	"github.com/jdziat/taxsync/pkg/security"
)

// RecurringJob holds a job definition that is enqueued on every schedule fire.
type RecurringJob struct {
	ID       string
	Queue    core.QueueName
	Schedule schedule.Schedule
	Payload  any
	Options  []Option
	NextRun  time.Time
	LastRun  *time.Time
}

// ScheduleRecurringJob registers (or replaces) a recurring job keyed by id.
// The worker scheduler loop enqueues a fresh job at each fire time.
func (q *Queue) ScheduleRecurringJob(id string, name core.QueueName, sched schedule.Schedule, payload any, opts ...Option) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("recurring job id is required")
	}
	if sched == nil {
		return errors.New("recurring job schedule is required")
	}
	if err := security.ValidateQueueName(name); err != nil {
		return err
	}

	rj := &RecurringJob{
		ID:       id,
		Queue:    name,
		Schedule: sched,
		Payload:  payload,
		Options:  opts,
		NextRun:  sched.Next(time.Now()),
	}

	q.mu.Lock()
	q.recurring[id] = rj
	q.mu.Unlock()

	q.logger.Infow("recurring job scheduled", "recurring_id", id, "queue", name, "next_run", rj.NextRun)
	return nil
}

// RemoveRecurringJob deregisters a recurring job. It reports whether one existed.
func (q *Queue) RemoveRecurringJob(id string) bool {
	q.mu.Lock()
	_, ok := q.recurring[id]
	delete(q.recurring, id)
	q.mu.Unlock()

	if ok {
		q.logger.Infow("recurring job removed", "recurring_id", id)
	}
	return ok
}

// RecurringJob returns a copy of one recurring definition.
func (q *Queue) RecurringJob(id string) (RecurringJob, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	rj, ok := q.recurring[id]
	if !ok {
		return RecurringJob{}, false
	}
	return *rj, true
}

// RecurringJobs returns copies of all recurring definitions sorted by id.
func (q *Queue) RecurringJobs() []RecurringJob {
	q.mu.RLock()
	out := make([]RecurringJob, 0, len(q.recurring))
	for _, rj := range q.recurring {
		out = append(out, *rj)
	}
	q.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DueRecurringJobs returns the definitions whose fire time has passed and
// advances each to its next fire time.
func (q *Queue) DueRecurringJobs(now time.Time) []RecurringJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []RecurringJob
	for _, rj := range q.recurring {
		if rj.NextRun.After(now) {
			continue
		}
		fired := now
		rj.LastRun = &fired
		rj.NextRun = rj.Schedule.Next(now)
		due = append(due, *rj)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due
}
