// Package tmpinst keeps a service available while its only instance is
// upgraded: it provisions a throwaway instance of the same service, waits
// for it to serve, and removes it once the real instance is back.
//
// Every step is a no-op when the service is already highly available.
package tmpinst

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"stagehand"
	"stagehand/internal/catalog"
	"stagehand/internal/instance"
	"stagehand/internal/pipeline"
	"stagehand/internal/remote"

	"github.com/google/uuid"
)

const vmadm = "/usr/sbin/vmadm"

// State is the temporary-instance part of a run context.
type State struct {
	// Service is the service being upgraded. Set by the caller.
	Service stagehand.Service
	// Server hosts the temporary instance. Empty means the server of the
	// first existing instance.
	Server string

	// HA is set by CheckHA, or up front by a caller that already knows the
	// topology. When true every step returns without side effects.
	HA        bool
	Instances []stagehand.Instance

	Alias     string
	Instance  stagehand.Instance
	Stopped   bool
	Destroyed bool
}

// Pending reports whether a temporary instance exists that was not destroyed.
func (s *State) Pending() bool {
	return s.Alias != "" && !s.Destroyed
}

var errHA = fmt.Errorf("%w: service is highly available", pipeline.ErrSkip)

// Manager runs the temporary-instance steps.
type Manager struct {
	registry catalog.Registry
	vms      catalog.VMs
	servers  catalog.Servers
	exec     remote.Executor
	waiter   *instance.Waiter
	errs     *instance.Waiter
	suffix   func() string
	log      *slog.Logger
}

type Option func(*Manager)

// WithErrorWaiter waits for service errors to clear with w instead of the
// boot waiter, so the two waits can have different budgets.
func WithErrorWaiter(w *instance.Waiter) Option {
	return func(m *Manager) { m.errs = w }
}

// WithAliasSuffix replaces the generator of the random alias suffix.
func WithAliasSuffix(fn func() string) Option {
	return func(m *Manager) { m.suffix = fn }
}

func NewManager(
	registry catalog.Registry,
	vms catalog.VMs,
	servers catalog.Servers,
	exec remote.Executor,
	waiter *instance.Waiter,
	opts ...Option,
) *Manager {
	m := &Manager{
		registry: registry,
		vms:      vms,
		servers:  servers,
		exec:     exec,
		waiter:   waiter,
		suffix:   func() string { return strings.SplitN(uuid.NewString(), "-", 2)[0] },
		log:      slog.With("component", "tmpinst"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.errs == nil {
		m.errs = m.waiter
	}
	return m
}

// CheckHA compares the service's registered instances with the running VMs
// carrying its role. A registered instance without a running VM fails the
// check; more than one instance makes the service highly available.
func (m *Manager) CheckHA(ctx context.Context, pc *pipeline.Context, st *State) error {
	if st.HA {
		return errHA
	}
	pc.Report("Checking for %s HA", st.Service.Name)

	insts, err := m.registry.ListInstances(ctx, catalog.InstanceFilter{ServiceUUID: st.Service.UUID})
	if err != nil {
		return fmt.Errorf("list %s instances: %w", st.Service.Name, err)
	}
	vms, err := m.vms.ListVMs(ctx, catalog.VMFilter{Role: st.Service.Name, State: stagehand.VMRunning})
	if err != nil {
		return fmt.Errorf("list %s vms: %w", st.Service.Name, err)
	}
	if len(insts) == 0 {
		return stagehand.Preconditionf("service %s has no instances", st.Service.Name)
	}

	running := make(map[string]bool, len(vms))
	for _, vm := range vms {
		running[vm.UUID] = true
	}
	var missing []string
	for _, inst := range insts {
		if !running[inst.UUID] {
			missing = append(missing, fmt.Sprintf("%s (%s)", inst.UUID, inst.Alias))
		}
	}
	if len(missing) > 0 {
		return stagehand.Preconditionf("%s instances not running: %s", st.Service.Name, strings.Join(missing, ", "))
	}

	st.Instances = insts
	st.HA = len(insts) > 1
	m.log.Debug("ha check", "service", st.Service.Name, "instances", len(insts), "ha", st.HA)
	if st.HA {
		return errHA
	}
	return nil
}

// Provision creates the temporary instance on the target server.
func (m *Manager) Provision(ctx context.Context, pc *pipeline.Context, st *State) error {
	if st.HA {
		return errHA
	}
	server := st.Server
	if server == "" && len(st.Instances) > 0 {
		server = st.Instances[0].Server
	}
	if server == "" {
		return stagehand.Preconditionf("no server to provision a temporary %s instance on", st.Service.Name)
	}
	srv, err := m.servers.GetServer(ctx, server)
	if err != nil {
		return fmt.Errorf("get server %s: %w", server, err)
	}
	if srv.Status != "" && srv.Status != "running" {
		return stagehand.Preconditionf("server %s is %s", srv.UUID, srv.Status)
	}

	alias := st.Service.Name + "-tmp-" + m.suffix()
	pc.Report("Provisioning temporary %s instance %s", st.Service.Name, alias)
	return pc.Mutate("provision "+alias+" on "+server, func() error {
		inst, err := m.registry.CreateInstance(ctx, st.Service.UUID, catalog.CreateInstanceRequest{
			Alias:  alias,
			Server: server,
		})
		if err != nil {
			return fmt.Errorf("create instance %s: %w", alias, err)
		}
		inst.Alias = alias
		inst.Server = server
		inst.Service = st.Service.Name
		st.Alias = alias
		st.Instance = inst
		return nil
	})
}

// ResolveID looks the temporary instance up by alias on its server. The
// create call may return before the instance has a stable id.
func (m *Manager) ResolveID(ctx context.Context, pc *pipeline.Context, st *State) error {
	if err := ready(st); err != nil {
		return err
	}
	pc.Report("Resolving id of %s", st.Alias)

	res, err := m.exec.Run(ctx, st.Instance.Server, []string{vmadm, "lookup", "-1", "alias=" + st.Alias}, remote.Options{})
	if err != nil {
		return fmt.Errorf("look up %s: %w", st.Alias, err)
	}
	id := strings.TrimSpace(res.Stdout)
	if id == "" {
		return fmt.Errorf("look up %s: no instance with that alias", st.Alias)
	}
	if st.Instance.UUID != "" && st.Instance.UUID != id {
		m.log.Warn("registry and host disagree on instance id", "alias", st.Alias, "registry", st.Instance.UUID, "host", id)
	}
	st.Instance.UUID = id
	return nil
}

// WaitUp waits for the temporary instance to be running and healthy.
func (m *Manager) WaitUp(ctx context.Context, _ *pipeline.Context, st *State) error {
	if err := resolved(st); err != nil {
		return err
	}
	return m.waiter.WaitUp(ctx, st.Instance)
}

// CheckErrors waits until no service inside the temporary instance is
// reported as failing.
func (m *Manager) CheckErrors(ctx context.Context, _ *pipeline.Context, st *State) error {
	if err := resolved(st); err != nil {
		return err
	}
	return m.errs.WaitNoErrors(ctx, st.Instance)
}

// Stop halts the temporary instance.
func (m *Manager) Stop(ctx context.Context, pc *pipeline.Context, st *State) error {
	if err := resolved(st); err != nil {
		return err
	}
	if st.Stopped {
		return pipeline.Skipf("%s already stopped", st.Alias)
	}
	pc.Report("Stopping temporary instance %s", st.Instance.UUID)
	return pc.Mutate("stop "+st.Instance.UUID, func() error {
		if _, err := m.exec.Run(ctx, st.Instance.Server, []string{vmadm, "stop", st.Instance.UUID}, remote.Options{}); err != nil {
			return fmt.Errorf("stop %s: %w", st.Instance.UUID, err)
		}
		st.Stopped = true
		return nil
	})
}

// Destroy removes the temporary instance from the registry, which also
// destroys its VM.
func (m *Manager) Destroy(ctx context.Context, pc *pipeline.Context, st *State) error {
	if err := resolved(st); err != nil {
		return err
	}
	if st.Destroyed {
		return pipeline.Skipf("%s already destroyed", st.Alias)
	}
	pc.Report("Destroying temporary instance %s", st.Instance.UUID)
	return pc.Mutate("destroy "+st.Instance.UUID, func() error {
		if err := m.registry.DeleteInstance(ctx, st.Instance.UUID); err != nil {
			return fmt.Errorf("destroy temporary instance %s (%s): %w", st.Instance.UUID, st.Alias, err)
		}
		st.Destroyed = true
		return nil
	})
}

func ready(st *State) error {
	if st.HA {
		return errHA
	}
	if st.Alias == "" {
		return pipeline.Skipf("no temporary instance")
	}
	return nil
}

func resolved(st *State) error {
	if err := ready(st); err != nil {
		return err
	}
	if st.Instance.UUID == "" {
		return errors.New("temporary instance " + st.Alias + " has no id")
	}
	return nil
}
