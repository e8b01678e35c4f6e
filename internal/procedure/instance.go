package procedure

import (
	"context"
	"fmt"

	"stagehand"
	"stagehand/internal/catalog"
	"stagehand/internal/instance"
	"stagehand/internal/pipeline"
	"stagehand/internal/preflight"
	"stagehand/internal/svcctl"
	"stagehand/internal/tmpinst"
)

// InstanceUpgrade describes the upgrade of a stateless service.
type InstanceUpgrade struct {
	Service string
	Image   stagehand.Image
	// Server hosts the temporary instance of a service that is not highly
	// available. Empty means the server of its only instance.
	Server string
	// Domain is the DNS name the service registers under. When set, the
	// instance of a single-instance service is taken out of DNS before it
	// is reprovisioned and waited for in DNS after.
	Domain string
	DryRun bool
}

// InstanceRun is the run context of a service upgrade. On failure Tmp tells
// an operator whether a temporary instance was left behind.
type InstanceRun struct {
	pipeline.Context
	Req           InstanceUpgrade
	Tmp           tmpinst.State
	Reprovisioned []string
}

func bindTmp(r *InstanceRun) (*pipeline.Context, *tmpinst.State) { return &r.Context, &r.Tmp }

// UpgradeInstance moves every instance of a service onto a new image. A
// service with a single instance is kept available by a temporary instance
// that serves while the real one is reprovisioned.
func UpgradeInstance(ctx context.Context, d Deps, cat Catalog, req InstanceUpgrade) (pipeline.Summary, error) {
	run := &InstanceRun{Context: pipeline.Context{DryRun: req.DryRun}, Req: req}
	run.Tmp.Server = req.Server
	policies := d.Policy.orDefault()
	repro := d.reprovisioner()

	ctl := svcctl.Control{Exec: d.Exec}
	health := instance.SvcsHealth{Svc: ctl}
	waiter := instance.NewWaiter(cat.VMs, health,
		instance.WithPoller(d.poller()),
		instance.WithPolicy(policies.InstanceBoot),
		instance.WithProgress(run.Progress()),
		instance.WithResolver(d.resolver()),
	)
	errWaiter := instance.NewWaiter(cat.VMs, health,
		instance.WithPoller(d.poller()),
		instance.WithPolicy(policies.ServiceErrors),
		instance.WithProgress(run.Progress()),
	)
	tmp := tmpinst.NewManager(cat.Registry, cat.VMs, cat.Servers, d.Exec, waiter,
		tmpinst.WithErrorWaiter(errWaiter),
	)

	steps := []pipeline.Step[*InstanceRun]{
		checkLock[*InstanceRun](d.Locks),
		{Name: "get-service", Title: "Look up service", Run: func(ctx context.Context, r *InstanceRun) error {
			svc, err := cat.Registry.GetService(ctx, req.Service)
			if err != nil {
				return fmt.Errorf("get service %s: %w", req.Service, err)
			}
			r.Tmp.Service = svc
			return nil
		}},
		// The temporary instance is created from the service image, so the
		// service has to point at the new image first.
		{Name: "update-service-image", Title: "Update service image", Run: func(ctx context.Context, r *InstanceRun) error {
			if r.Tmp.Service.ImageUUID == req.Image.UUID {
				return pipeline.Skipf("service %s already on %s", req.Service, req.Image.UUID)
			}
			r.Report("Updating %s service image to %s", req.Service, req.Image)
			return r.Mutate("set "+req.Service+" image to "+req.Image.UUID, func() error {
				image := req.Image.UUID
				if err := cat.Registry.UpdateService(ctx, r.Tmp.Service.UUID, catalog.ServiceUpdate{ImageUUID: &image}); err != nil {
					return fmt.Errorf("update service %s: %w", req.Service, err)
				}
				r.Tmp.Service.ImageUUID = image
				return nil
			})
		}},
	}
	steps = append(steps, tmpinst.Setup(tmp, bindTmp)...)

	steps = append(steps,
		checkTools(d, preflight.ReprovisionTools, instanceHosts),
		pipeline.Step[*InstanceRun]{Name: "import-image", Title: "Import image on instance servers", Run: func(ctx context.Context, r *InstanceRun) error {
			return repro.ImportImage(ctx, &r.Context, instanceHosts(r), req.Image)
		}},
		pipeline.Step[*InstanceRun]{Name: "reprovision-instances", Title: "Reprovision instances", Run: func(ctx context.Context, r *InstanceRun) error {
			return reprovisionInstances(ctx, cat, repro, waiter, ctl, r)
		}},
	)
	steps = append(steps, tmpinst.Teardown(tmp, bindTmp)...)

	return pipeline.Run(ctx, d.Runner, "upgrade-"+req.Service, run, steps...)
}

func instanceHosts(r *InstanceRun) []string {
	hosts := make([]string, 0, len(r.Tmp.Instances))
	for _, inst := range r.Tmp.Instances {
		hosts = append(hosts, inst.Server)
	}
	return hosts
}

type reprovisioner interface {
	Reprovision(ctx context.Context, pc *pipeline.Context, inst stagehand.Instance, image stagehand.Image) error
	UpdateUserScript(ctx context.Context, pc *pipeline.Context, inst stagehand.Instance, svc stagehand.Service, current string) error
	SaveUserScript(pc *pipeline.Context, svc stagehand.Service, image stagehand.Image, current string) error
}

// reprovisionInstances upgrades instances one at a time, each observed up
// before the next goes down.
func reprovisionInstances(ctx context.Context, cat Catalog, repro reprovisioner, waiter *instance.Waiter, ctl svcctl.Control, r *InstanceRun) error {
	if len(r.Tmp.Instances) == 0 {
		insts, err := cat.Registry.ListInstances(ctx, catalog.InstanceFilter{ServiceUUID: r.Tmp.Service.UUID})
		if err != nil {
			return fmt.Errorf("list %s instances: %w", r.Req.Service, err)
		}
		r.Tmp.Instances = insts
	}
	deregister := len(r.Tmp.Instances) == 1 && r.Req.Domain != ""

	for _, inst := range r.Tmp.Instances {
		vm, err := cat.VMs.GetVM(ctx, inst.UUID)
		if err != nil {
			return fmt.Errorf("get vm %s: %w", inst.UUID, err)
		}
		if vm.Image == r.Req.Image.UUID {
			r.Report("Instance %s already on image %s", inst.UUID, r.Req.Image.UUID)
			continue
		}

		if err := repro.SaveUserScript(&r.Context, r.Tmp.Service, r.Req.Image, vm.UserScript); err != nil && !isSkip(err) {
			return err
		}
		if err := repro.UpdateUserScript(ctx, &r.Context, inst, r.Tmp.Service, vm.UserScript); err != nil && !isSkip(err) {
			return err
		}
		if deregister {
			r.Report("Disabling registrar on VM %s", inst.UUID)
			err := r.Mutate("take "+inst.UUID+" out of "+r.Req.Domain, func() error {
				if err := ctl.DisableRegistrar(ctx, inst.Server, inst.UUID); err != nil {
					return err
				}
				return waiter.WaitOutOfDNS(ctx, inst, r.Req.Domain)
			})
			if err != nil {
				return err
			}
		}
		if err := repro.Reprovision(ctx, &r.Context, inst, r.Req.Image); err != nil {
			return err
		}
		r.Reprovisioned = append(r.Reprovisioned, inst.UUID)
		if r.DryRun {
			continue
		}
		if err := waiter.WaitUp(ctx, inst); err != nil {
			return err
		}
		if deregister {
			if err := waiter.WaitInDNS(ctx, inst, r.Req.Domain); err != nil {
				return err
			}
		}
	}
	return nil
}
