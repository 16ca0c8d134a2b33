package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jdziat/taxsync/pkg/core"
	"github.com/jdziat/taxsync/pkg/queue"
)

// StatCounters are the event-driven counts for one queue and minute.
type StatCounters struct {
	Completed int64
	Failed    int64
	Retried   int64
	// BusyMillis is the processing time of completed jobs.
	BusyMillis int64
}

func (c StatCounters) empty() bool {
	return c == StatCounters{}
}

type bucketKey struct {
	queue  core.QueueName
	minute time.Time
}

// StatsCollector turns queue events into per-minute JobStat rows and samples
// queue depth on every flush.
type StatsCollector struct {
	queue     *queue.Queue
	stats     StatsStorage
	retention time.Duration
	interval  time.Duration
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu      sync.Mutex
	pending map[bucketKey]*StatCounters

	ready     chan struct{}
	readyOnce sync.Once
}

// StatsCollectorOption configures the StatsCollector.
type StatsCollectorOption func(*StatsCollector)

// WithRetention sets how long stats rows are kept. Zero keeps them forever.
func WithRetention(d time.Duration) StatsCollectorOption {
	return func(sc *StatsCollector) {
		sc.retention = d
	}
}

// WithFlushInterval sets how often counters are flushed and depth sampled.
func WithFlushInterval(d time.Duration) StatsCollectorOption {
	return func(sc *StatsCollector) {
		if d > 0 {
			sc.interval = d
		}
	}
}

// WithCollectorLogger sets the logger.
func WithCollectorLogger(l *zap.SugaredLogger) StatsCollectorOption {
	return func(sc *StatsCollector) {
		if l != nil {
			sc.logger = l
		}
	}
}

func NewStatsCollector(q *queue.Queue, stats StatsStorage, opts ...StatsCollectorOption) *StatsCollector {
	sc := &StatsCollector{
		queue:     q,
		stats:     stats,
		retention: 7 * 24 * time.Hour,
		interval:  time.Minute,
		logger:    zap.NewNop().Sugar(),
		now:       time.Now,
		pending:   make(map[bucketKey]*StatCounters),
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sc)
	}
	sc.logger = sc.logger.With("component", "stats")
	return sc
}

// WaitReady blocks until Start has subscribed to queue events.
func (sc *StatsCollector) WaitReady() {
	<-sc.ready
}

// Start consumes queue events until ctx is done, flushing on every tick and
// once more on the way out.
func (sc *StatsCollector) Start(ctx context.Context) {
	events := sc.queue.Events()
	defer sc.queue.Unsubscribe(events)
	sc.readyOnce.Do(func() { close(sc.ready) })

	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			sc.Flush(flushCtx)
			cancel()
			return
		case e := <-events:
			sc.record(e)
		case <-ticker.C:
			sc.Flush(ctx)
			sc.Snapshot(ctx)
			sc.prune(ctx)
		}
	}
}

// record counts an event in the minute it happened.
func (sc *StatsCollector) record(e core.Event) {
	var (
		job *core.Job
		at  time.Time
		inc StatCounters
	)
	switch ev := e.(type) {
	case *core.JobCompleted:
		job, at = ev.Job, ev.Timestamp
		inc = StatCounters{Completed: 1, BusyMillis: ev.Duration.Milliseconds()}
	case *core.JobFailed:
		job, at = ev.Job, ev.Timestamp
		inc = StatCounters{Failed: 1}
	case *core.JobRetrying:
		job, at = ev.Job, ev.Timestamp
		inc = StatCounters{Retried: 1}
	default:
		return
	}
	if job == nil {
		return
	}
	if at.IsZero() {
		at = sc.now()
	}
	key := bucketKey{queue: job.Queue, minute: at.UTC().Truncate(time.Minute)}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	c, ok := sc.pending[key]
	if !ok {
		c = &StatCounters{}
		sc.pending[key] = c
	}
	c.Completed += inc.Completed
	c.Failed += inc.Failed
	c.Retried += inc.Retried
	c.BusyMillis += inc.BusyMillis
}

// Flush writes accumulated counters. Buckets that fail to persist are merged
// back and retried on the next flush.
func (sc *StatsCollector) Flush(ctx context.Context) {
	sc.mu.Lock()
	batch := sc.pending
	sc.pending = make(map[bucketKey]*StatCounters)
	sc.mu.Unlock()

	for key, c := range batch {
		if c.empty() {
			continue
		}
		if err := sc.stats.UpsertStatCounters(ctx, key.queue, key.minute, *c); err != nil {
			sc.logger.Warnw("flush queue stats", "queue", key.queue, "minute", key.minute, "error", err)
			sc.requeue(key, *c)
		}
	}
}

func (sc *StatsCollector) requeue(key bucketKey, c StatCounters) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	cur, ok := sc.pending[key]
	if !ok {
		sc.pending[key] = &c
		return
	}
	cur.Completed += c.Completed
	cur.Failed += c.Failed
	cur.Retried += c.Retried
	cur.BusyMillis += c.BusyMillis
}

// Snapshot records the current waiting and active depth of every queue with
// work in it.
func (sc *StatsCollector) Snapshot(ctx context.Context) {
	ts := sc.now().UTC().Truncate(time.Minute)
	broker := sc.queue.Storage()

	for _, name := range core.KnownQueues {
		counts, err := broker.CountByStatus(ctx, name)
		if err != nil {
			sc.logger.Debugw("snapshot queue depth", "queue", name, "error", err)
			continue
		}
		if counts.Pending == 0 && counts.Running == 0 {
			continue
		}
		if err := sc.stats.SnapshotQueueDepth(ctx, name, ts, counts.Pending, counts.Running); err != nil {
			sc.logger.Warnw("store queue depth", "queue", name, "error", err)
		}
	}
}

func (sc *StatsCollector) prune(ctx context.Context) {
	if sc.retention <= 0 {
		return
	}
	n, err := sc.stats.PruneStats(ctx, sc.now().Add(-sc.retention))
	if err != nil {
		sc.logger.Warnw("prune queue stats", "error", err)
		return
	}
	if n > 0 {
		sc.logger.Debugw("pruned queue stats", "count", n)
	}
}
