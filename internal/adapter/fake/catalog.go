package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"stagehand"
	"stagehand/internal/adapter/fake/fault"
	"stagehand/internal/catalog"
	"stagehand/internal/remote"
)

var (
	_ catalog.Registry = (*Catalog)(nil)
	_ catalog.VMs      = (*Catalog)(nil)
	_ catalog.Servers  = (*Catalog)(nil)
)

const (
	FaultCatalogCreateInstance = "catalog.create_instance"
	FaultCatalogDeleteInstance = "catalog.delete_instance"
	FaultCatalogListVMs        = "catalog.list_vms"
	FaultCatalogGetVM          = "catalog.get_vm"
)

// Catalog is an in-memory registry, VM inventory and server inventory.
// Created instances get a running VM on the requested server.
type Catalog struct {
	CallRecorder
	mu        sync.Mutex
	services  map[string]stagehand.Service
	instances map[string]stagehand.Instance
	vms       map[string]stagehand.VM
	servers   map[string]stagehand.Server
	faults    *fault.Injector
	seq       int

	// HideCreatedUUID makes CreateInstance return an empty UUID, as some
	// registries do before the VM is provisioned.
	HideCreatedUUID bool
	// NewVMState is the state of VMs backing created instances.
	NewVMState string
}

func NewCatalog() *Catalog {
	return &Catalog{
		services:   map[string]stagehand.Service{},
		instances:  map[string]stagehand.Instance{},
		vms:        map[string]stagehand.VM{},
		servers:    map[string]stagehand.Server{},
		faults:     fault.NewInjector(),
		NewVMState: stagehand.VMRunning,
	}
}

func (c *Catalog) FailOnce(point string, err error)   { c.faults.FailOnce(point, err) }
func (c *Catalog) FailAlways(point string, err error) { c.faults.FailAlways(point, err) }
func (c *Catalog) SetHook(point string, hook fault.Hook)  { c.faults.SetHook(point, hook) }

func (c *Catalog) AddService(s stagehand.Service) {
	c.mu.Lock()
	c.services[s.Name] = s
	c.mu.Unlock()
}

func (c *Catalog) AddServer(s stagehand.Server) {
	c.mu.Lock()
	c.servers[s.UUID] = s
	c.mu.Unlock()
}

// AddInstance registers inst and, when withVM is set, a running VM for it.
func (c *Catalog) AddInstance(inst stagehand.Instance, withVM bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances[inst.UUID] = inst
	if withVM {
		c.vms[inst.UUID] = stagehand.VM{
			UUID: inst.UUID, Alias: inst.Alias, State: stagehand.VMRunning,
			Server: inst.Server, Image: inst.Image, Role: inst.Service,
		}
	}
}

// EditVM changes an existing VM in place.
func (c *Catalog) EditVM(uuid string, edit func(*stagehand.VM)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vm := c.vms[uuid]
	edit(&vm)
	c.vms[uuid] = vm
}

// Install makes exec's "vmadm reprovision" move the VM and its instance
// onto the image named in the command's stdin, so repeated runs observe
// the outcome of earlier ones.
func (c *Catalog) Install(exec *Executor) {
	exec.Handle("", "/usr/sbin/vmadm reprovision", func(_ string, argv []string, opts remote.Options) Response {
		var payload struct {
			ImageUUID string `json:"image_uuid"`
		}
		if err := json.Unmarshal(opts.Stdin, &payload); err != nil {
			return Response{ExitCode: 1, Stderr: "invalid payload: " + err.Error()}
		}
		uuid := argv[len(argv)-1]
		c.mu.Lock()
		defer c.mu.Unlock()
		vm, ok := c.vms[uuid]
		if !ok {
			return Response{ExitCode: 1, Stderr: "vm " + uuid + " not found"}
		}
		vm.Image = payload.ImageUUID
		c.vms[uuid] = vm
		if inst, ok := c.instances[uuid]; ok {
			inst.Image = payload.ImageUUID
			c.instances[uuid] = inst
		}
		return Response{}
	})
}

// SetVMState changes the state of an existing VM.
func (c *Catalog) SetVMState(uuid, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vm := c.vms[uuid]
	vm.State = state
	c.vms[uuid] = vm
}

// Service returns the stored service record.
func (c *Catalog) Service(name string) stagehand.Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.services[name]
}

// InstanceByAlias returns the instance with alias, if any.
func (c *Catalog) InstanceByAlias(alias string) (stagehand.Instance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, inst := range c.instances {
		if inst.Alias == alias {
			return inst, true
		}
	}
	return stagehand.Instance{}, false
}

func (c *Catalog) GetService(_ context.Context, name string) (stagehand.Service, error) {
	c.record("GetService", name)
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.services[name]
	if !ok {
		return stagehand.Service{}, fmt.Errorf("service %q: %w", name, catalog.ErrNotFound)
	}
	return s, nil
}

func (c *Catalog) UpdateService(_ context.Context, uuid string, update catalog.ServiceUpdate) error {
	c.record("UpdateService", uuid, update)
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, s := range c.services {
		if s.UUID != uuid {
			continue
		}
		if update.ImageUUID != nil {
			s.ImageUUID = *update.ImageUUID
		}
		if len(update.Metadata) > 0 {
			md := make(map[string]string, len(s.Metadata)+len(update.Metadata))
			for k, v := range s.Metadata {
				md[k] = v
			}
			for k, v := range update.Metadata {
				md[k] = v
			}
			s.Metadata = md
		}
		c.services[name] = s
		return nil
	}
	return fmt.Errorf("service %s: %w", uuid, catalog.ErrNotFound)
}

func (c *Catalog) ListInstances(_ context.Context, filter catalog.InstanceFilter) ([]stagehand.Instance, error) {
	c.record("ListInstances", filter)
	c.mu.Lock()
	defer c.mu.Unlock()

	var svcName string
	if filter.ServiceUUID != "" {
		for _, s := range c.services {
			if s.UUID == filter.ServiceUUID {
				svcName = s.Name
			}
		}
	}
	var out []stagehand.Instance
	for _, inst := range c.instances {
		if filter.ServiceUUID != "" && inst.Service != svcName {
			continue
		}
		if filter.Server != "" && inst.Server != filter.Server {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

func (c *Catalog) GetInstance(_ context.Context, uuid string) (stagehand.Instance, error) {
	c.record("GetInstance", uuid)
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[uuid]
	if !ok {
		return stagehand.Instance{}, fmt.Errorf("instance %s: %w", uuid, catalog.ErrNotFound)
	}
	return inst, nil
}

func (c *Catalog) CreateInstance(_ context.Context, serviceUUID string, req catalog.CreateInstanceRequest) (stagehand.Instance, error) {
	c.record("CreateInstance", serviceUUID, req)
	if err := c.faults.Eval(FaultCatalogCreateInstance, serviceUUID, req); err != nil {
		return stagehand.Instance{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var svc stagehand.Service
	for _, s := range c.services {
		if s.UUID == serviceUUID {
			svc = s
		}
	}
	if svc.UUID == "" {
		return stagehand.Instance{}, fmt.Errorf("service %s: %w", serviceUUID, catalog.ErrNotFound)
	}

	c.seq++
	image := req.Image
	if image == "" {
		image = svc.ImageUUID
	}
	inst := stagehand.Instance{
		UUID:    fmt.Sprintf("%08d-0000-4000-8000-000000000000", c.seq),
		Alias:   req.Alias,
		Service: svc.Name,
		Server:  req.Server,
		Image:   image,
	}
	c.instances[inst.UUID] = inst
	c.vms[inst.UUID] = stagehand.VM{
		UUID: inst.UUID, Alias: inst.Alias, State: c.NewVMState,
		Server: inst.Server, Image: inst.Image, Role: svc.Name,
	}
	if c.HideCreatedUUID {
		inst.UUID = ""
	}
	return inst, nil
}

func (c *Catalog) DeleteInstance(_ context.Context, uuid string) error {
	c.record("DeleteInstance", uuid)
	if err := c.faults.Eval(FaultCatalogDeleteInstance, uuid); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.instances[uuid]; !ok {
		return fmt.Errorf("instance %s: %w", uuid, catalog.ErrNotFound)
	}
	delete(c.instances, uuid)
	delete(c.vms, uuid)
	return nil
}

func (c *Catalog) ListVMs(_ context.Context, filter catalog.VMFilter) ([]stagehand.VM, error) {
	c.record("ListVMs", filter)
	if err := c.faults.Eval(FaultCatalogListVMs, filter); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []stagehand.VM
	for _, vm := range c.vms {
		if filter.Role != "" && vm.Role != filter.Role {
			continue
		}
		if filter.State != "" && vm.State != filter.State {
			continue
		}
		out = append(out, vm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

func (c *Catalog) GetVM(_ context.Context, uuid string) (stagehand.VM, error) {
	c.record("GetVM", uuid)
	if err := c.faults.Eval(FaultCatalogGetVM, uuid); err != nil {
		return stagehand.VM{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	vm, ok := c.vms[uuid]
	if !ok {
		return stagehand.VM{}, fmt.Errorf("vm %s: %w", uuid, catalog.ErrNotFound)
	}
	return vm, nil
}

func (c *Catalog) GetServer(_ context.Context, uuid string) (stagehand.Server, error) {
	c.record("GetServer", uuid)
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.servers[uuid]
	if !ok {
		return stagehand.Server{}, fmt.Errorf("server %s: %w", uuid, catalog.ErrNotFound)
	}
	return s, nil
}

func (c *Catalog) ListServers(context.Context) ([]stagehand.Server, error) {
	c.record("ListServers")
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]stagehand.Server, 0, len(c.servers))
	for _, s := range c.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}
