package procedure

import (
	"context"

	"stagehand"
	"stagehand/internal/catalog"
	"stagehand/internal/pipeline"
	"stagehand/internal/preflight"
)

// EnsembleNode is one coordination ensemble member: the instance to
// reprovision and the address it serves clients on.
type EnsembleNode struct {
	Instance stagehand.Instance
	Addr     string
}

// EnsembleUpgrade describes a rolling ensemble upgrade.
type EnsembleUpgrade struct {
	Nodes []EnsembleNode
	Image stagehand.Image
	// VMs, when set, lets members already on Image be skipped.
	VMs    catalog.VMs
	DryRun bool
}

// EnsembleRun is the run context of an ensemble upgrade.
type EnsembleRun struct {
	pipeline.Context
	Req    EnsembleUpgrade
	Leader string
	// Upgraded lists node addresses in the order they were reprovisioned.
	Upgraded []string
}

// UpgradeEnsemble reprovisions ensemble members one at a time, followers
// first and the leader last. After each member the whole ensemble must be
// live and converged again before the next one is touched.
func UpgradeEnsemble(ctx context.Context, d Deps, req EnsembleUpgrade) (pipeline.Summary, error) {
	run := &EnsembleRun{Context: pipeline.Context{DryRun: req.DryRun}, Req: req}
	repro := d.reprovisioner()

	addrs := make([]string, len(req.Nodes))
	hosts := make([]string, len(req.Nodes))
	for i, n := range req.Nodes {
		addrs[i] = n.Addr
		hosts[i] = n.Instance.Server
	}
	mon := d.monitor(addrs, run.Progress())

	steps := []pipeline.Step[*EnsembleRun]{
		checkLock[*EnsembleRun](d.Locks),
		checkTools(d, preflight.ReprovisionTools, func(*EnsembleRun) []string { return hosts }),
		{Name: "check-clocks", Title: "Check member clocks", Run: func(ctx context.Context, r *EnsembleRun) error {
			if d.Clock == nil {
				return pipeline.Skipf("clock check disabled")
			}
			r.Report("Checking clocks against %s", d.Clock.Server)
			_, err := d.Clock.Run(ctx, hosts)
			return err
		}},
		{Name: "check-quorum", Title: "Check ensemble quorum", Run: func(ctx context.Context, r *EnsembleRun) error {
			if err := mon.WaitHealthy(ctx); err != nil {
				return err
			}
			leader, err := mon.RequireUniqueLeader(ctx)
			if err != nil {
				return err
			}
			r.Leader = leader
			r.Report("Ensemble leader is %s", leader)
			return nil
		}},
		{Name: "import-image", Title: "Import image on member servers", Run: func(ctx context.Context, r *EnsembleRun) error {
			return repro.ImportImage(ctx, &r.Context, hosts, req.Image)
		}},
		{Name: "reprovision-members", Title: "Reprovision members", Run: func(ctx context.Context, r *EnsembleRun) error {
			for _, n := range upgradeOrder(req.Nodes, r.Leader) {
				if current := currentImage(ctx, req.VMs, n.Instance.UUID); current == req.Image.UUID {
					r.Report("Member %s already on image %s", n.Addr, req.Image.UUID)
					continue
				}
				if err := repro.Reprovision(ctx, &r.Context, n.Instance, req.Image); err != nil {
					return err
				}
				r.Upgraded = append(r.Upgraded, n.Addr)
				if r.DryRun {
					continue
				}
				if err := mon.WaitHealthy(ctx); err != nil {
					return err
				}
				if _, err := mon.WaitConverged(ctx); err != nil {
					return err
				}
			}
			if len(r.Upgraded) == 0 {
				return pipeline.Skipf("every member already on %s", req.Image.UUID)
			}
			return nil
		}},
		{Name: "verify-leader", Title: "Verify unique leader", Run: func(ctx context.Context, r *EnsembleRun) error {
			leader, err := mon.RequireUniqueLeader(ctx)
			if err != nil {
				return err
			}
			r.Leader = leader
			r.Report("Ensemble converged with leader %s", leader)
			return nil
		}},
	}
	return pipeline.Run(ctx, d.Runner, "upgrade-ensemble", run, steps...)
}

// upgradeOrder keeps the configured order but moves the leader to the end so
// leadership changes hands once.
func upgradeOrder(nodes []EnsembleNode, leader string) []EnsembleNode {
	out := make([]EnsembleNode, 0, len(nodes))
	var last []EnsembleNode
	for _, n := range nodes {
		if n.Addr == leader {
			last = append(last, n)
			continue
		}
		out = append(out, n)
	}
	return append(out, last...)
}
