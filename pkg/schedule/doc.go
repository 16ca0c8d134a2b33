// Package schedule provides schedule implementations for recurring jobs.
//
// This package includes:
//   - Schedule interface for defining recurring fire times
//   - Every() for fixed-interval schedules
//   - ParseCron() and Cron() for five-field cron expressions
package schedule
