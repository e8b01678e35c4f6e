package stagehand

import "strings"

// Service is a catalog service record.
type Service struct {
	UUID      string
	Name      string
	Type      string // "vm" or "agent"
	ImageUUID string
	Metadata  map[string]string
}

// UserScriptKey is the service metadata key holding the boot script.
const UserScriptKey = "user-script"

// Instance is a catalog instance record of a service.
type Instance struct {
	UUID    string
	Alias   string
	Service string // service name
	Server  string // hosting server UUID or address
	Image   string
}

// VM states reported by the VM inventory.
const (
	VMRunning = "running"
	VMStopped = "stopped"
)

// VM is the hypervisor view of an instance.
type VM struct {
	UUID   string
	Alias  string
	State  string
	Server string
	Image  string
	Role   string // service name tag
	// UserScript is the boot script in the VM's customer metadata.
	UserScript string
	// IPs are the addresses of the VM's interfaces.
	IPs []string
}

// Server is a compute node record.
type Server struct {
	UUID     string
	Hostname string
	Status   string // "running" when the node is reachable
	Headnode bool
}

// Image is a machine image that instances are reprovisioned onto.
type Image struct {
	UUID    string
	Name    string
	Version string
}

func (i Image) String() string {
	if i.Name == "" {
		return i.UUID
	}
	return i.UUID + " (" + i.Name + "@" + i.Version + ")"
}

// HealthError is one outstanding service problem inside an instance.
type HealthError struct {
	Service string
	Message string
}

// InMaintenance reports whether the error describes a service stuck in
// maintenance, which never recovers without an operator.
func (h HealthError) InMaintenance() bool {
	return strings.Contains(h.Message, "State: maintenance")
}
