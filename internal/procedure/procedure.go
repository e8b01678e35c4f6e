// Package procedure assembles the upgrade pipelines: shard, ensemble and
// stateless service upgrades built from the shard machine, the ensemble
// monitor, the temporary instance manager and the reprovisioner.
package procedure

import (
	"context"
	"errors"

	"stagehand/internal/catalog"
	"stagehand/internal/ensemble"
	"stagehand/internal/instance"
	"stagehand/internal/lock"
	"stagehand/internal/pipeline"
	"stagehand/internal/poll"
	"stagehand/internal/preflight"
	"stagehand/internal/remote"
	"stagehand/internal/reprovision"
	"stagehand/internal/shard"
)

// Policies are the wait budgets of each kind of readiness check.
type Policies struct {
	Shard         poll.Policy
	Ensemble      poll.Policy
	InstanceBoot  poll.Policy
	ServiceErrors poll.Policy
}

// DefaultPolicies polls every 5 seconds for 15 minutes on shard roles and
// 5 minutes on everything else.
func DefaultPolicies() Policies {
	return Policies{
		Shard:         poll.Policy{Interval: poll.DefaultInterval, MaxAttempts: shard.DefaultMaxAttempts},
		Ensemble:      poll.Policy{Interval: poll.DefaultInterval, MaxAttempts: ensemble.DefaultMaxAttempts},
		InstanceBoot:  poll.Policy{Interval: poll.DefaultInterval, MaxAttempts: instance.DefaultMaxAttempts},
		ServiceErrors: poll.Policy{Interval: poll.DefaultInterval, MaxAttempts: instance.DefaultMaxAttempts},
	}
}

// orDefault fills unset policies from DefaultPolicies.
func (p Policies) orDefault() Policies {
	def := DefaultPolicies()
	fill := func(got *poll.Policy, want poll.Policy) {
		if got.MaxAttempts == 0 {
			*got = want
		}
	}
	fill(&p.Shard, def.Shard)
	fill(&p.Ensemble, def.Ensemble)
	fill(&p.InstanceBoot, def.InstanceBoot)
	fill(&p.ServiceErrors, def.ServiceErrors)
	return p
}

// Catalog groups the control-plane clients of instance upgrades.
type Catalog struct {
	Registry catalog.Registry
	VMs      catalog.VMs
	Servers  catalog.Servers
}

// Deps are the collaborators shared by every procedure.
type Deps struct {
	Exec   remote.Executor
	Locks  lock.Store
	Runner *pipeline.Runner
	Poller *poll.Poller
	Policy Policies
	Fanout int
	// Clock runs before ensemble upgrades when set.
	Clock *preflight.ClockCheck
	// Prober probes ensemble members. Defaults to shelling out through Exec
	// on the local host.
	Prober ensemble.Prober
	// Resolver answers DNS lookups. Defaults to dig through Exec on the
	// local host.
	Resolver instance.Resolver
	// RollbackDir keeps the boot scripts replaced by upgrades.
	RollbackDir string
}

func (d Deps) poller() *poll.Poller {
	if d.Poller == nil {
		return poll.New()
	}
	return d.Poller
}

func (d Deps) fanout() int {
	if d.Fanout < 1 {
		return reprovision.DefaultFanout
	}
	return d.Fanout
}

func (d Deps) prober() ensemble.Prober {
	if d.Prober != nil {
		return d.Prober
	}
	return &ensemble.CommandProber{Exec: d.Exec, Host: remote.LocalHost}
}

func (d Deps) resolver() instance.Resolver {
	if d.Resolver != nil {
		return d.Resolver
	}
	return instance.DigResolver{Exec: d.Exec, Host: remote.LocalHost}
}

func (d Deps) reprovisioner() *reprovision.Reprovisioner {
	return reprovision.New(d.Exec, d.Locks,
		reprovision.WithFanout(d.fanout()),
		reprovision.WithRollbackDir(d.RollbackDir),
	)
}

func (d Deps) monitor(members []string, progress func(string)) *ensemble.Monitor {
	return ensemble.NewMonitor(d.prober(), members,
		ensemble.WithPoller(d.poller()),
		ensemble.WithPolicy(d.Policy.orDefault().Ensemble),
		ensemble.WithFanout(d.fanout()),
		ensemble.WithProgress(progress),
	)
}

// checkTools fails early when a server lacks a tool the procedure runs.
func checkTools[C pipeline.RunContext](d Deps, tools []string, hosts func(C) []string) pipeline.Step[C] {
	return pipeline.Step[C]{
		Name:  "check-tools",
		Title: "Check host tools",
		Run: func(ctx context.Context, c C) error {
			check := &preflight.ToolCheck{Exec: d.Exec, Tools: tools, Fanout: d.fanout()}
			return check.Run(ctx, hosts(c))
		},
	}
}

// checkLock is the first step of every procedure that reprovisions.
func checkLock[C pipeline.RunContext](locks lock.Store) pipeline.Step[C] {
	return pipeline.Step[C]{
		Name:  "check-lock",
		Title: "Check reprovision failure lock",
		Run: func(ctx context.Context, _ C) error {
			if locks == nil {
				return pipeline.Skipf("no lock store")
			}
			return lock.Check(ctx, locks)
		},
	}
}

func isSkip(err error) bool {
	return errors.Is(err, pipeline.ErrSkip)
}
