package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"github.com/jdziat/taxsync/pkg/core"
)

// Schedule computes the next fire time after a given instant.
type Schedule interface {
	Next(from time.Time) time.Time
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// everySchedule runs at fixed intervals.
type everySchedule struct {
	interval time.Duration
}

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return &everySchedule{interval: d}
}

func (s *everySchedule) Next(from time.Time) time.Time {
	return from.Add(s.interval)
}

func (s *everySchedule) String() string {
	return "@every " + s.interval.String()
}

// CronSchedule wraps a five-field cron expression.
type CronSchedule struct {
	expr     string
	schedule cron.Schedule
}

// ParseCron parses a five-field cron expression (minute hour dom month dow).
// Syntax errors are marked with core.ErrInvalidCronExpression.
func ParseCron(expr string) (*CronSchedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.Wrap(core.ErrInvalidCronExpression, "empty expression")
	}
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "parse %q", expr), core.ErrInvalidCronExpression)
	}
	return &CronSchedule{expr: expr, schedule: s}, nil
}

// Cron creates a schedule from a cron expression known to be valid.
// It panics on a syntax error; use ParseCron for caller input.
func Cron(expr string) *CronSchedule {
	s, err := ParseCron(expr)
	if err != nil {
		panic(fmt.Sprintf("invalid cron expression: %v", err))
	}
	return s
}

func (s *CronSchedule) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Expression returns the source expression.
func (s *CronSchedule) Expression() string {
	return s.expr
}

func (s *CronSchedule) String() string {
	return s.expr
}
