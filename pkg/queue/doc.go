// Package queue provides the Queue type for job orchestration.
//
// This package includes:
//   - Queue: processor registration, AddJob and queue administration
//     (pause, resume, drain, retry of failed jobs, metrics)
//   - Option: configuration for a single enqueue
//   - recurring job definitions fired by the worker scheduler loop
//   - hook registration and event subscription for monitoring
package queue
