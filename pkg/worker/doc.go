// Package worker provides the Worker type for job processing.
//
// A Worker polls every configured queue independently, runs the registered
// processor for each claimed job, extends job locks with heartbeats and
// applies the retry policy. With the scheduler enabled it also enqueues due
// recurring jobs, and a background loop returns jobs with stale locks to
// the waiting state.
package worker
