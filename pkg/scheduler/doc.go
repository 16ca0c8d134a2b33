// Package scheduler drives tax rate updates.
//
// Built-in daily, weekly, monthly and quarterly schedules, an hourly
// emergency schedule and custom cron schedules are registered as recurring
// jobs on the tax-rate-update queue; the worker's scheduler loop enqueues
// them. ManualUpdate enqueues a critical update and waits for its result.
package scheduler
