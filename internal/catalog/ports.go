// Package catalog declares the control-plane clients the orchestrator
// consumes. Implementations live with the embedding program; tests use the
// in-memory fakes.
package catalog

import (
	"context"
	"errors"

	"stagehand"
)

// ErrNotFound is returned by Get methods when the record does not exist.
var ErrNotFound = errors.New("not found")

// InstanceFilter selects instances. Empty fields match everything.
type InstanceFilter struct {
	ServiceUUID string
	Server      string
}

// CreateInstanceRequest provisions a new instance of a service.
type CreateInstanceRequest struct {
	Alias  string
	Server string
	Image  string
}

// ServiceUpdate changes a service record. Nil fields are left unchanged.
type ServiceUpdate struct {
	ImageUUID *string
	Metadata  map[string]string
}

// Registry is the service and instance registry.
type Registry interface {
	GetService(ctx context.Context, name string) (stagehand.Service, error)
	UpdateService(ctx context.Context, uuid string, update ServiceUpdate) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]stagehand.Instance, error)
	GetInstance(ctx context.Context, uuid string) (stagehand.Instance, error)
	// CreateInstance may return before the instance has a stable UUID; an
	// empty UUID in the result means the caller must resolve it by alias.
	CreateInstance(ctx context.Context, serviceUUID string, req CreateInstanceRequest) (stagehand.Instance, error)
	DeleteInstance(ctx context.Context, uuid string) error
}

// VMFilter selects VMs. Empty fields match everything.
type VMFilter struct {
	Role  string // smartdc_role tag
	State string
}

// VMs is the VM inventory.
type VMs interface {
	ListVMs(ctx context.Context, filter VMFilter) ([]stagehand.VM, error)
	GetVM(ctx context.Context, uuid string) (stagehand.VM, error)
}

// Servers is the compute-node inventory.
type Servers interface {
	GetServer(ctx context.Context, uuid string) (stagehand.Server, error)
	ListServers(ctx context.Context) ([]stagehand.Server, error)
}
