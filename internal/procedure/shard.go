package procedure

import (
	"context"
	"fmt"

	"stagehand"
	"stagehand/internal/catalog"
	"stagehand/internal/ensemble"
	"stagehand/internal/pipeline"
	"stagehand/internal/preflight"
	"stagehand/internal/shard"
)

// shardService is the service name shard members are registered under.
const shardService = "manatee"

// ShardUpgrade describes a shard upgrade.
type ShardUpgrade struct {
	Shard stagehand.Shard
	Image stagehand.Image
	// Ensemble lists the coordination ensemble member IPs used to find the
	// leader that status queries go through. LeaderIP overrides the lookup.
	Ensemble     []string
	LeaderIP     string
	EnsemblePort int
	// Legacy selects the JSON status command of older shard tooling.
	Legacy bool
	// VMs, when set, lets members already on Image be skipped.
	VMs    catalog.VMs
	DryRun bool
}

// ShardRun is the run context of a shard upgrade.
type ShardRun struct {
	pipeline.Context
	Req        ShardUpgrade
	LeaderAddr string
	Status     stagehand.ShardStatus
	// Reprovisioned lists members moved onto the new image.
	Reprovisioned []string

	machine *shard.Machine
}

// UpgradeShard moves every member of a shard onto a new image. The shard is
// disabled outermost replica first, reprovisioned, and enabled innermost
// first, with every role transition observed before the next.
func UpgradeShard(ctx context.Context, d Deps, req ShardUpgrade) (pipeline.Summary, error) {
	run := &ShardRun{Context: pipeline.Context{DryRun: req.DryRun}, Req: req}
	repro := d.reprovisioner()

	steps := []pipeline.Step[*ShardRun]{
		checkLock[*ShardRun](d.Locks),
		checkTools(d, preflight.ShardTools, func(*ShardRun) []string { return shardHosts(req.Shard) }),
		{Name: "find-leader", Title: "Find ensemble leader", Run: func(ctx context.Context, r *ShardRun) error {
			return findLeader(ctx, d, r)
		}},
		{Name: "shard-status", Title: "Read shard status", Run: func(ctx context.Context, r *ShardRun) error {
			r.machine = newMachine(d, r)
			r.Report("Reading shard status through %s", req.Shard.Primary)
			status, err := r.machine.Status(ctx)
			if err != nil {
				return err
			}
			r.Status = status
			r.Report("Shard status: %s", status)
			if len(status.Deposed) > 0 {
				return &stagehand.TerminalError{
					Reason: stagehand.ReasonDeposed,
					Target: "shard " + req.Shard.Primary.Instance,
					Detail: fmt.Sprintf("%d deposed member(s); rebuild them before upgrading", len(status.Deposed)),
				}
			}
			return nil
		}},
		{Name: "import-image", Title: "Import image on member servers", Run: func(ctx context.Context, r *ShardRun) error {
			return repro.ImportImage(ctx, &r.Context, shardHosts(req.Shard), req.Image)
		}},
		{Name: "disable-shard", Title: "Disable shard", Run: func(ctx context.Context, r *ShardRun) error {
			return r.Mutate("disable shard members async, sync, primary", func() error {
				return r.machine.DisableAll(ctx)
			})
		}},
		{Name: "reprovision-members", Title: "Reprovision members", Run: func(ctx context.Context, r *ShardRun) error {
			for _, m := range req.Shard.All() {
				if current := currentImage(ctx, req.VMs, m.Instance); current == req.Image.UUID {
					r.Report("Member %s already on image %s", m, req.Image.UUID)
					continue
				}
				inst := stagehand.Instance{UUID: m.Instance, Service: shardService, Server: m.Host}
				if err := repro.EnsureDelegateDataset(ctx, &r.Context, inst); err != nil && !isSkip(err) {
					return err
				}
				if err := repro.Reprovision(ctx, &r.Context, inst, req.Image); err != nil {
					return err
				}
				r.Reprovisioned = append(r.Reprovisioned, m.Instance)
			}
			return nil
		}},
		{Name: "enable-shard", Title: "Enable shard", Run: func(ctx context.Context, r *ShardRun) error {
			return r.Mutate("enable shard members primary, sync, async", func() error {
				return r.machine.EnableAll(ctx)
			})
		}},
	}
	return pipeline.Run(ctx, d.Runner, "upgrade-shard", run, steps...)
}

func shardHosts(s stagehand.Shard) []string {
	var hosts []string
	for _, m := range s.All() {
		hosts = append(hosts, m.Host)
	}
	return hosts
}

func findLeader(ctx context.Context, d Deps, r *ShardRun) error {
	req := r.Req
	if req.LeaderIP != "" {
		r.LeaderAddr = ensemble.LeaderAddr(req.LeaderIP, req.EnsemblePort)
		r.Report("Using ensemble leader override %s", r.LeaderAddr)
		return nil
	}
	if len(req.Ensemble) == 0 {
		return pipeline.Skipf("no ensemble members configured")
	}
	mon := d.monitor(req.Ensemble, r.Progress())
	leader, err := mon.RequireLeader(ctx)
	if err != nil {
		return err
	}
	r.LeaderAddr = ensemble.LeaderAddr(leader, req.EnsemblePort)
	r.Report("Ensemble leader is %s", r.LeaderAddr)
	return nil
}

func newMachine(d Deps, r *ShardRun) *shard.Machine {
	opts := []shard.Option{
		shard.WithPoller(d.poller()),
		shard.WithPolicy(d.Policy.orDefault().Shard),
		shard.WithProgress(r.Progress()),
	}
	if r.LeaderAddr != "" {
		opts = append(opts, shard.WithLeaderAddr(r.LeaderAddr))
	}
	if r.Req.Legacy {
		opts = append(opts, shard.WithLegacyStatus())
	}
	return shard.New(d.Exec, r.Req.Shard, opts...)
}

// currentImage returns the image of a VM, or "" when unknown.
func currentImage(ctx context.Context, vms catalog.VMs, uuid string) string {
	if vms == nil {
		return ""
	}
	vm, err := vms.GetVM(ctx, uuid)
	if err != nil {
		return ""
	}
	return vm.Image
}
