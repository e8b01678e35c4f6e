// Package instance waits for instances to come up: VM running first, then
// no outstanding service problems inside the zone.
package instance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"stagehand"
	"stagehand/internal/catalog"
	"stagehand/internal/pipeline"
	"stagehand/internal/poll"
)

// DefaultMaxAttempts bounds instance waits to 5 minutes at the default interval.
const DefaultMaxAttempts = 60

// Waiter observes instance readiness.
type Waiter struct {
	vms      catalog.VMs
	health   HealthChecker
	resolver Resolver
	poller   *poll.Poller
	policy   poll.Policy
	progress func(string)
	log      *slog.Logger
}

type Option func(*Waiter)

func WithPoller(p *poll.Poller) Option {
	return func(w *Waiter) { w.poller = p }
}

func WithPolicy(p poll.Policy) Option {
	return func(w *Waiter) { w.policy = p }
}

// WithResolver sets the resolver DNS waits look names up with.
func WithResolver(r Resolver) Option {
	return func(w *Waiter) { w.resolver = r }
}

func WithProgress(fn func(string)) Option {
	return func(w *Waiter) { w.progress = fn }
}

func NewWaiter(vms catalog.VMs, health HealthChecker, opts ...Option) *Waiter {
	w := &Waiter{
		vms:    vms,
		health: health,
		poller: poll.New(),
		policy: poll.Policy{Interval: poll.DefaultInterval, MaxAttempts: DefaultMaxAttempts},
		log:    slog.With("component", "instance"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Waiter) report(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	w.log.Info(msg)
	if w.progress != nil {
		w.progress(msg)
	}
}

// WaitUp waits until the instance VM is running and reports no service
// problems. A service in maintenance ends the wait immediately. Lookup
// failures are retried until the attempt budget runs out.
func (w *Waiter) WaitUp(ctx context.Context, inst stagehand.Instance) error {
	w.report("Waiting for %s instance %s to come up", inst.Service, inst.UUID)

	running := false
	op := fmt.Sprintf("%s instance %s to come up", inst.Service, inst.UUID)
	return w.poller.Until(ctx, op, w.policy, func(ctx context.Context) (bool, string, error) {
		if !running {
			vm, err := w.vms.GetVM(ctx, inst.UUID)
			if err != nil {
				w.log.Debug("vm lookup failed", "instance", inst.UUID, "err", err)
				return false, "vm lookup failed: " + err.Error(), nil
			}
			if vm.State != stagehand.VMRunning {
				return false, "vm " + vm.State, nil
			}
			running = true
		}

		problems, err := w.health.Health(ctx, inst.Server, inst.UUID)
		if err != nil {
			w.log.Debug("health check failed", "instance", inst.UUID, "err", err)
			return false, "health check failed: " + err.Error(), nil
		}
		if len(problems) == 0 {
			return true, "running, healthy", nil
		}
		first := problems[0]
		if first.InMaintenance() {
			return false, first.Message, &stagehand.TerminalError{
				Reason: stagehand.ReasonMaintenance,
				Target: first.Service + " in " + inst.UUID,
				Detail: first.Message,
			}
		}
		return false, first.Message, nil
	})
}

// WaitNoErrors waits until `svcs -x` inside the instance is empty. Unlike
// WaitUp it does not look at the VM and fails on the first lookup error.
func (w *Waiter) WaitNoErrors(ctx context.Context, inst stagehand.Instance) error {
	w.report("Checking for service errors in instance %s", inst.UUID)

	op := fmt.Sprintf("service errors in %s to clear", inst.UUID)
	return w.poller.Until(ctx, op, w.policy, func(ctx context.Context) (bool, string, error) {
		problems, err := w.health.Health(ctx, inst.Server, inst.UUID)
		if err != nil {
			return false, "", err
		}
		if len(problems) == 0 {
			return true, "", nil
		}
		names := make([]string, len(problems))
		for i, p := range problems {
			names[i] = p.Service
		}
		return false, strings.Join(names, ", "), nil
	})
}

// WaitAllUp waits for every instance in parallel, at most limit at a time.
func (w *Waiter) WaitAllUp(ctx context.Context, insts []stagehand.Instance, limit int) error {
	_, err := pipeline.Batch(ctx, limit, insts, func(ctx context.Context, inst stagehand.Instance) (struct{}, error) {
		return struct{}{}, w.WaitUp(ctx, inst)
	})
	return err
}
