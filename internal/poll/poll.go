// Package poll waits for remote state to converge with a fixed interval and
// a bounded number of attempts. There is no exponential backoff and no
// jitter: every retry sleeps exactly Policy.Interval.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stagehand"

	"github.com/cenkalti/backoff/v4"
)

// DefaultInterval is the sleep between attempts used across call sites.
const DefaultInterval = 5 * time.Second

// Policy bounds a wait.
type Policy struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Budget is the longest a wait under this policy can sleep.
func (p Policy) Budget() time.Duration {
	if p.MaxAttempts < 1 {
		return 0
	}
	return p.Interval * time.Duration(p.MaxAttempts-1)
}

func (p Policy) validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.Interval < 0 {
		return fmt.Errorf("interval must not be negative, got %s", p.Interval)
	}
	return nil
}

// Check evaluates readiness once. It returns ready=true when the target
// state holds and a short description of what it observed. A non-nil error
// is fatal: polling stops and the error is returned without retrying.
type Check func(ctx context.Context) (ready bool, observed string, err error)

// Poller runs checks until they succeed, fail fatally or exhaust the policy.
type Poller struct {
	newTimer func() backoff.Timer
	now      func() time.Time
}

type Option func(*Poller)

// WithTimer replaces the timer used to sleep between attempts.
func WithTimer(f func() backoff.Timer) Option {
	return func(p *Poller) { p.newTimer = f }
}

// WithClock replaces the clock used to measure elapsed time.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

func New(opts ...Option) *Poller {
	p := &Poller{now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var errNotReady = errors.New("not ready")

// Until calls check until it reports ready. It sleeps policy.Interval after
// every not-ready result and gives up after policy.MaxAttempts evaluations
// with a *stagehand.TimeoutError naming operation.
func (p *Poller) Until(ctx context.Context, operation string, policy Policy, check Check) error {
	if err := policy.validate(); err != nil {
		return fmt.Errorf("wait for %s: %w", operation, err)
	}

	start := p.now()
	attempts := 0
	var last string

	op := func() error {
		attempts++
		ready, observed, err := check(ctx)
		if observed != "" {
			last = observed
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ready {
			return errNotReady
		}
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(policy.Interval), uint64(policy.MaxAttempts-1)),
		ctx,
	)
	var timer backoff.Timer
	if p.newTimer != nil {
		timer = p.newTimer()
	}

	err := backoff.RetryNotifyWithTimer(op, b, nil, timer)
	if errors.Is(err, errNotReady) {
		return &stagehand.TimeoutError{
			Operation:    operation,
			Attempts:     attempts,
			Elapsed:      p.now().Sub(start),
			LastObserved: last,
		}
	}
	return err
}

// Until polls with a default Poller.
func Until(ctx context.Context, operation string, policy Policy, check Check) error {
	return New().Until(ctx, operation, policy, check)
}
