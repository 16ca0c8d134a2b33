// Package monitoring aggregates health, metrics and reports across the
// broker, rate cache, audit logger and scheduler.
//
// Health is tri-state: the broker being unreachable is unhealthy, while a
// cache store outage, deferred audit writes, exceeded queue thresholds or
// high host memory are degraded. StatsCollector persists per-minute queue
// counters that Report aggregates over the last day.
package monitoring
