package credits

import (
	"sync"
	"time"
)

// =============================================================================
// CLOCK - Injected time source
// =============================================================================

// All day and month boundaries in this package are UTC.

type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns the wall clock in UTC.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// ManualClock is a settable clock for tests and replays.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t.UTC()}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// =============================================================================
// TIME UTILITIES
// =============================================================================

const Day = 24 * time.Hour

func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func StartOfNextDay(t time.Time) time.Time { return StartOfDay(t).AddDate(0, 0, 1) }

func StartOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func StartOfNextMonth(t time.Time) time.Time { return StartOfMonth(t).AddDate(0, 1, 0) }

// EndOfMonth returns the last nanosecond of t's month.
func EndOfMonth(t time.Time) time.Time { return StartOfNextMonth(t).Add(-time.Nanosecond) }

// WholeDaysBetween counts complete 24h periods from `from` to `to`.
// Negative spans count as 0.
func WholeDaysBetween(from, to time.Time) int {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return int(d / Day)
}
