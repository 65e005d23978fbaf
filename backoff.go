package chatsync

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultReconnectSchedule is the reconnect delay per attempt: immediate,
// then 2s, 10s, 30s, and 60s for every attempt after that.
var DefaultReconnectSchedule = []time.Duration{
	0,
	2 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// ScheduleBackOff is a backoff.BackOff that walks a fixed schedule and
// repeats the last entry once the schedule is exhausted.
type ScheduleBackOff struct {
	Schedule []time.Duration
	attempt  int
}

var _ backoff.BackOff = (*ScheduleBackOff)(nil)

// NextBackOff returns the delay before the next attempt.
func (b *ScheduleBackOff) NextBackOff() time.Duration {
	schedule := b.Schedule
	if len(schedule) == 0 {
		schedule = DefaultReconnectSchedule
	}
	i := b.attempt
	if i >= len(schedule) {
		i = len(schedule) - 1
	}
	b.attempt++
	return schedule[i]
}

// Reset restarts the schedule at attempt 0.
func (b *ScheduleBackOff) Reset() { b.attempt = 0 }

// newReconnectBackOff bounds the schedule to maxAttempts tries. At least
// one retry is always allowed.
func newReconnectBackOff(schedule []time.Duration, maxAttempts int) backoff.BackOff {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return backoff.WithMaxRetries(&ScheduleBackOff{Schedule: schedule}, uint64(maxAttempts))
}

// ── Clock ────────────────────────────────────────────────

// Clock abstracts timers so reconnect scheduling can be driven by tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
