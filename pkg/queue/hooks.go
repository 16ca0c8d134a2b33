package queue

import (
	"context"
	"slices"

	"github.com/jdziat/taxsync/pkg/core"
)

// EventBuffer is the capacity of each Events subscription.
const EventBuffer = 100

type hookSet struct {
	start    []func(context.Context, *core.Job)
	complete []func(context.Context, *core.Job)
	fail     []func(context.Context, *core.Job, error)
	retry    []func(context.Context, *core.Job, int, error)
}

type subscription struct {
	ch     chan core.Event
	queues []core.QueueName
}

func (s *subscription) wants(e core.Event) bool {
	if len(s.queues) == 0 {
		return true
	}
	return slices.Contains(s.queues, e.EventQueue())
}

// OnJobStart registers a callback run before a processor is invoked.
func (q *Queue) OnJobStart(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.hooks.start = append(q.hooks.start, fn)
	q.mu.Unlock()
}

// OnJobComplete registers a callback run after a job is marked completed.
func (q *Queue) OnJobComplete(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.hooks.complete = append(q.hooks.complete, fn)
	q.mu.Unlock()
}

// OnJobFail registers a callback run when a job fails permanently.
func (q *Queue) OnJobFail(fn func(context.Context, *core.Job, error)) {
	q.mu.Lock()
	q.hooks.fail = append(q.hooks.fail, fn)
	q.mu.Unlock()
}

// OnRetry registers a callback run when a failed job is rescheduled.
func (q *Queue) OnRetry(fn func(context.Context, *core.Job, int, error)) {
	q.mu.Lock()
	q.hooks.retry = append(q.hooks.retry, fn)
	q.mu.Unlock()
}

// Events subscribes to queue events. With no names every queue is included.
// The caller must Unsubscribe when done.
func (q *Queue) Events(queues ...core.QueueName) <-chan core.Event {
	sub := &subscription{ch: make(chan core.Event, EventBuffer), queues: queues}
	q.mu.Lock()
	q.subs = append(q.subs, sub)
	q.mu.Unlock()
	return sub.ch
}

// Unsubscribe removes a subscription created by Events. The channel is not
// closed, and receives nothing further once Unsubscribe returns.
func (q *Queue) Unsubscribe(ch <-chan core.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subs = slices.DeleteFunc(q.subs, func(s *subscription) bool {
		return (<-chan core.Event)(s.ch) == ch
	})
}

// DroppedEvents counts events discarded because a subscriber was full.
func (q *Queue) DroppedEvents() int64 {
	return q.dropped.Load()
}

// Publish runs the hooks matching the event and then fans it out.
func (q *Queue) Publish(ctx context.Context, e core.Event) {
	q.mu.RLock()
	h := q.hooks
	q.mu.RUnlock()

	switch ev := e.(type) {
	case *core.JobStarted:
		for _, fn := range h.start {
			fn(ctx, ev.Job)
		}
	case *core.JobCompleted:
		for _, fn := range h.complete {
			fn(ctx, ev.Job)
		}
	case *core.JobFailed:
		for _, fn := range h.fail {
			fn(ctx, ev.Job, ev.Error)
		}
	case *core.JobRetrying:
		for _, fn := range h.retry {
			fn(ctx, ev.Job, ev.Attempt, ev.Error)
		}
	}
	q.Emit(e)
}

// Emit fans an event out to subscribers without running hooks. A full
// subscriber misses the event rather than block the emitter.
//
// Sends never block, so the read lock is held for the whole fan-out and
// Unsubscribe cannot return while a send to that subscriber is in progress.
func (q *Queue) Emit(e core.Event) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, s := range q.subs {
		if !s.wants(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			if n := q.dropped.Add(1); n&(n-1) == 0 {
				q.logger.Warnw("event subscriber full, dropping events", "dropped", n)
			}
		}
	}
}
