package instance

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"stagehand"
	"stagehand/internal/remote"
)

// Resolver answers the addresses a DNS name currently resolves to.
type Resolver interface {
	Resolve(ctx context.Context, name string) ([]string, error)
}

// DigResolver resolves names with dig on Host, asking Server when set.
type DigResolver struct {
	Exec   remote.Executor
	Host   string
	Server string
}

var _ Resolver = DigResolver{}

func (d DigResolver) Resolve(ctx context.Context, name string) ([]string, error) {
	argv := []string{"dig", "+short"}
	if d.Server != "" {
		argv = append(argv, "@"+d.Server)
	}
	argv = append(argv, name)
	res, err := d.Exec.Run(ctx, d.Host, argv, remote.Options{})
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", name, err)
	}
	var addrs []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		// CNAME targets end in a dot.
		if line == "" || strings.HasSuffix(line, ".") || strings.HasPrefix(line, ";") {
			continue
		}
		addrs = append(addrs, line)
	}
	return addrs, nil
}

// WaitOutOfDNS waits until name stops resolving to any address of inst.
func (w *Waiter) WaitOutOfDNS(ctx context.Context, inst stagehand.Instance, name string) error {
	w.report("Waiting until %s instance %s is out of DNS", inst.Service, inst.UUID)
	return w.waitDNS(ctx, inst, name, false)
}

// WaitInDNS waits until name resolves to an address of inst.
func (w *Waiter) WaitInDNS(ctx context.Context, inst stagehand.Instance, name string) error {
	w.report("Waiting until %s instance %s is in DNS", inst.Service, inst.UUID)
	return w.waitDNS(ctx, inst, name, true)
}

func (w *Waiter) waitDNS(ctx context.Context, inst stagehand.Instance, name string, present bool) error {
	if w.resolver == nil {
		return fmt.Errorf("wait for %s in DNS: no resolver", inst.UUID)
	}
	vm, err := w.vms.GetVM(ctx, inst.UUID)
	if err != nil {
		return fmt.Errorf("get vm %s: %w", inst.UUID, err)
	}
	if len(vm.IPs) == 0 {
		return stagehand.Preconditionf("vm %s has no addresses to look for in %s", inst.UUID, name)
	}

	op := fmt.Sprintf("%s instance %s to leave %s", inst.Service, inst.UUID, name)
	if present {
		op = fmt.Sprintf("%s instance %s to appear in %s", inst.Service, inst.UUID, name)
	}
	return w.poller.Until(ctx, op, w.policy, func(ctx context.Context) (bool, string, error) {
		addrs, err := w.resolver.Resolve(ctx, name)
		if err != nil {
			w.log.Debug("dns lookup failed", "name", name, "err", err)
			return false, "lookup failed: " + err.Error(), nil
		}
		listed := slices.ContainsFunc(vm.IPs, func(ip string) bool { return slices.Contains(addrs, ip) })
		return listed == present, strings.Join(addrs, ", "), nil
	})
}
