package core

import "time"

// Event is a job lifecycle or queue administration event.
type Event interface {
	// EventQueue is the queue the event concerns.
	EventQueue() QueueName
}

// JobStarted is emitted when a job starts processing.
type JobStarted struct {
	Job       *Job
	Timestamp time.Time
}

func (e *JobStarted) EventQueue() QueueName { return jobQueue(e.Job) }

// JobCompleted is emitted when a job completes successfully.
type JobCompleted struct {
	Job       *Job
	Duration  time.Duration
	Timestamp time.Time
}

func (e *JobCompleted) EventQueue() QueueName { return jobQueue(e.Job) }

// JobFailed is emitted when a job fails permanently.
type JobFailed struct {
	Job       *Job
	Error     error
	Timestamp time.Time
}

func (e *JobFailed) EventQueue() QueueName { return jobQueue(e.Job) }

// JobRetrying is emitted when a job is retried.
type JobRetrying struct {
	Job       *Job
	Attempt   int
	Error     error
	NextRunAt time.Time
	Timestamp time.Time
}

func (e *JobRetrying) EventQueue() QueueName { return jobQueue(e.Job) }

// QueuePaused is emitted when a queue is paused.
type QueuePaused struct {
	Queue     QueueName
	Timestamp time.Time
}

func (e *QueuePaused) EventQueue() QueueName { return e.Queue }

// QueueResumed is emitted when a paused queue is resumed.
type QueueResumed struct {
	Queue     QueueName
	Timestamp time.Time
}

func (e *QueueResumed) EventQueue() QueueName { return e.Queue }

// QueueDrained is emitted once a draining queue has no waiting or active jobs.
type QueueDrained struct {
	Queue     QueueName
	Duration  time.Duration
	Timestamp time.Time
}

func (e *QueueDrained) EventQueue() QueueName { return e.Queue }

func jobQueue(j *Job) QueueName {
	if j == nil {
		return ""
	}
	return j.Queue
}
