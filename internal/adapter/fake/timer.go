package fake

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var _ backoff.Timer = (*Timer)(nil)

// Clock is manual time for pollers and run records. It only moves when a
// Timer sleeps on it or a test calls Advance.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Timer is a backoff.Timer that fires immediately. Every requested sleep is
// recorded and, when a Clock is attached, added to it.
type Timer struct {
	mu     sync.Mutex
	clock  *Clock
	sleeps []time.Duration
	c      chan time.Time
}

func NewTimer(clock *Clock) *Timer {
	return &Timer{clock: clock, c: make(chan time.Time, 1)}
}

// Factory returns a constructor that always hands out this timer.
func (t *Timer) Factory() func() backoff.Timer {
	return func() backoff.Timer { return t }
}

func (t *Timer) Start(d time.Duration) {
	t.mu.Lock()
	t.sleeps = append(t.sleeps, d)
	t.mu.Unlock()

	now := time.Time{}
	if t.clock != nil {
		t.clock.Advance(d)
		now = t.clock.Now()
	}
	select {
	case t.c <- now:
	default:
	}
}

func (t *Timer) Stop() {}

func (t *Timer) C() <-chan time.Time {
	return t.c
}

// Sleeps returns every duration passed to Start.
func (t *Timer) Sleeps() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Duration, len(t.sleeps))
	copy(out, t.sleeps)
	return out
}
