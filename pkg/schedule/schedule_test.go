package schedule

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/taxsync/pkg/core"
)

func TestEvery(t *testing.T) {
	s := Every(5 * time.Minute)
	now := time.Now()
	next := s.Next(now)

	assert.Equal(t, now.Add(5*time.Minute), next)
}

func TestEvery_MultipleNext(t *testing.T) {
	s := Every(time.Hour)
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	next1 := s.Next(start)
	next2 := s.Next(next1)

	assert.Equal(t, time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC), next1)
	assert.Equal(t, time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC), next2)
}

func TestCron_Daily(t *testing.T) {
	s := Cron("0 2 * * *")
	from := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2024, 1, 2, 2, 0, 0, 0, time.UTC), s.Next(from))
	assert.Equal(t, "0 2 * * *", s.Expression())
}

func TestCron_WeeklySunday(t *testing.T) {
	s := Cron("0 3 * * 0")
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) // Monday

	assert.Equal(t, time.Date(2024, 1, 7, 3, 0, 0, 0, time.UTC), s.Next(from))
}

func TestCron_Monthly(t *testing.T) {
	s := Cron("0 4 1 * *")
	from := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2024, 2, 1, 4, 0, 0, 0, time.UTC), s.Next(from))
}

func TestCron_Quarterly(t *testing.T) {
	s := Cron("0 5 1 1,4,7,10 *")
	from := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	next := s.Next(from)
	assert.Equal(t, time.Date(2024, 4, 1, 5, 0, 0, 0, time.UTC), next)
	assert.Equal(t, time.Date(2024, 7, 1, 5, 0, 0, 0, time.UTC), s.Next(next))
}

func TestCron_Hourly(t *testing.T) {
	s := Cron("0 * * * *")
	from := time.Date(2024, 1, 1, 10, 15, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC), s.Next(from))
}

func TestParseCron_InvalidExpressions(t *testing.T) {
	for _, expr := range []string{"", "invalid cron", "* * * *", "61 * * * *", "* * * * * *", "0 25 * * *"} {
		_, err := ParseCron(expr)
		require.Error(t, err, expr)
		assert.True(t, errors.Is(err, core.ErrInvalidCronExpression), "expected %q to be marked invalid", expr)
	}
}

func TestCron_InvalidExpression_Panics(t *testing.T) {
	assert.Panics(t, func() {
		Cron("invalid cron")
	})
}

func TestScheduleInterface(t *testing.T) {
	var _ Schedule = Every(time.Minute)
	var _ Schedule = Cron("* * * * *")
}
