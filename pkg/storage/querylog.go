package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gorm.io/gorm/logger"
)

// queryLogger adapts gorm's logger interface to zap. Slow queries are
// warnings; failed queries are debug output since callers classify and log
// broker errors themselves.
type queryLogger struct {
	log   *zap.SugaredLogger
	level logger.LogLevel
	slow  time.Duration
}

func newQueryLogger(l *zap.SugaredLogger, slow time.Duration) *queryLogger {
	return &queryLogger{log: l.With("component", "broker"), level: logger.Warn, slow: slow}
}

func (q *queryLogger) LogMode(level logger.LogLevel) logger.Interface {
	c := *q
	c.level = level
	return &c
}

func (q *queryLogger) Info(_ context.Context, msg string, args ...any) {
	if q.level >= logger.Info {
		q.log.Infof(msg, args...)
	}
}

func (q *queryLogger) Warn(_ context.Context, msg string, args ...any) {
	if q.level >= logger.Warn {
		q.log.Warnf(msg, args...)
	}
}

func (q *queryLogger) Error(_ context.Context, msg string, args ...any) {
	if q.level >= logger.Error {
		q.log.Errorf(msg, args...)
	}
}

func (q *queryLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if q.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, logger.ErrRecordNotFound):
		sql, rows := fc()
		q.log.Debugw("broker query failed", "sql", sql, "rows", rows, "duration", elapsed, "error", err)
	case q.slow > 0 && elapsed > q.slow && q.level >= logger.Warn:
		sql, rows := fc()
		q.log.Warnw("slow broker query", "sql", sql, "rows", rows, "duration", elapsed)
	case q.level >= logger.Info:
		sql, rows := fc()
		q.log.Debugw("broker query", "sql", sql, "rows", rows, "duration", elapsed)
	}
}
