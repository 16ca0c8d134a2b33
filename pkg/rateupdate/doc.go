// Package rateupdate implements the processors behind rate synchronization.
//
// The Updater handles tax-rate-update jobs: it fetches each state's rates
// from the source, refreshes the rate cache, writes one audit entry per
// jurisdiction and publishes RateChanged messages. The Notifier turns those
// messages into email-notifications jobs, and the ComplianceChecker handles
// compliance-monitoring jobs.
package rateupdate
