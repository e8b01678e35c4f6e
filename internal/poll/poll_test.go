package poll_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"stagehand"
	"stagehand/internal/adapter/fake"
	"stagehand/internal/poll"
)

func newPoller() (*poll.Poller, *fake.Timer, *fake.Clock) {
	clock := fake.NewClock(time.Unix(0, 0))
	timer := fake.NewTimer(clock)
	return poll.New(poll.WithTimer(timer.Factory()), poll.WithClock(clock.Now)), timer, clock
}

func TestUntilReadyOnKthCall(t *testing.T) {
	for _, k := range []int{1, 2, 7} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			p, timer, _ := newPoller()
			calls := 0
			err := p.Until(context.Background(), "test", poll.Policy{Interval: 5 * time.Second, MaxAttempts: 10},
				func(context.Context) (bool, string, error) {
					calls++
					return calls == k, fmt.Sprintf("call %d", calls), nil
				})
			if err != nil {
				t.Fatalf("Until() error = %v", err)
			}
			if calls != k {
				t.Errorf("evaluations = %d, want %d", calls, k)
			}
			sleeps := timer.Sleeps()
			if len(sleeps) != k-1 {
				t.Fatalf("sleeps = %d, want %d", len(sleeps), k-1)
			}
			for i, d := range sleeps {
				if d != 5*time.Second {
					t.Errorf("sleep[%d] = %s, want 5s", i, d)
				}
			}
		})
	}
}

func TestUntilTimesOutAfterMaxAttempts(t *testing.T) {
	p, timer, _ := newPoller()
	calls := 0
	err := p.Until(context.Background(), "sync to be enabled", poll.Policy{Interval: 5 * time.Second, MaxAttempts: 4},
		func(context.Context) (bool, string, error) {
			calls++
			return false, fmt.Sprintf("pg=- (call %d)", calls), nil
		})

	var timeout *stagehand.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("Until() error = %v, want *TimeoutError", err)
	}
	if calls != 4 {
		t.Errorf("evaluations = %d, want 4", calls)
	}
	if got := len(timer.Sleeps()); got != 3 {
		t.Errorf("sleeps = %d, want 3", got)
	}
	if timeout.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", timeout.Attempts)
	}
	if timeout.Elapsed != 15*time.Second {
		t.Errorf("Elapsed = %s, want 15s", timeout.Elapsed)
	}
	if timeout.LastObserved != "pg=- (call 4)" {
		t.Errorf("LastObserved = %q", timeout.LastObserved)
	}
	if timeout.Operation != "sync to be enabled" {
		t.Errorf("Operation = %q", timeout.Operation)
	}
}

func TestUntilFatalStopsImmediately(t *testing.T) {
	p, timer, _ := newPoller()
	boom := errors.New("boom")
	calls := 0
	err := p.Until(context.Background(), "test", poll.Policy{Interval: time.Second, MaxAttempts: 10},
		func(context.Context) (bool, string, error) {
			calls++
			if calls == 2 {
				return false, "", boom
			}
			return false, "", nil
		})
	if !errors.Is(err, boom) {
		t.Fatalf("Until() error = %v, want boom", err)
	}
	if calls != 2 {
		t.Errorf("evaluations = %d, want 2", calls)
	}
	if got := len(timer.Sleeps()); got != 1 {
		t.Errorf("sleeps = %d, want 1", got)
	}
}

func TestUntilSingleAttempt(t *testing.T) {
	p, timer, _ := newPoller()
	err := p.Until(context.Background(), "test", poll.Policy{Interval: time.Second, MaxAttempts: 1},
		func(context.Context) (bool, string, error) { return false, "", nil })
	var timeout *stagehand.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("Until() error = %v, want *TimeoutError", err)
	}
	if got := len(timer.Sleeps()); got != 0 {
		t.Errorf("sleeps = %d, want 0", got)
	}
}

func TestUntilRejectsInvalidPolicy(t *testing.T) {
	p, _, _ := newPoller()
	called := false
	err := p.Until(context.Background(), "test", poll.Policy{Interval: time.Second},
		func(context.Context) (bool, string, error) {
			called = true
			return true, "", nil
		})
	if err == nil {
		t.Fatal("Until() error = nil, want policy error")
	}
	if called {
		t.Error("check was evaluated with an invalid policy")
	}
}

func TestUntilHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p, _, _ := newPoller()
	calls := 0
	err := p.Until(ctx, "test", poll.Policy{Interval: time.Second, MaxAttempts: 10},
		func(context.Context) (bool, string, error) {
			calls++
			cancel()
			return false, "", nil
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Until() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("evaluations = %d, want 1", calls)
	}
}

func TestPolicyBudget(t *testing.T) {
	p := poll.Policy{Interval: 5 * time.Second, MaxAttempts: 180}
	if got, want := p.Budget(), 895*time.Second; got != want {
		t.Errorf("Budget() = %s, want %s", got, want)
	}
}
