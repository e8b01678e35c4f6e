// Package svcctl controls and inspects services running inside zones on a
// server through the host's service-management tools.
package svcctl

import (
	"context"
	"fmt"
	"strings"

	"stagehand/internal/remote"
)

// Service states reported by svcs.
const (
	StateOnline      = "online"
	StateDisabled    = "disabled"
	StateMaintenance = "maintenance"
)

// Registrar is the service that keeps a zone registered in DNS.
const Registrar = "registrar"

// Control issues service commands on a host.
type Control struct {
	Exec remote.Executor
}

// Enable enables fmri in zone and returns once the request is recorded.
func (c Control) Enable(ctx context.Context, host, zone, fmri string) error {
	return c.svcadm(ctx, host, zone, "enable", fmri)
}

// Disable disables fmri in zone.
func (c Control) Disable(ctx context.Context, host, zone, fmri string) error {
	return c.svcadm(ctx, host, zone, "disable", fmri)
}

// DisableRegistrar takes zone out of DNS by disabling its registrar. It
// returns once the service is down; the DNS record expires on its own.
func (c Control) DisableRegistrar(ctx context.Context, host, zone string) error {
	return c.Disable(ctx, host, zone, Registrar)
}

// Restart restarts fmri in zone.
func (c Control) Restart(ctx context.Context, host, zone, fmri string) error {
	return c.svcadm(ctx, host, zone, "restart", fmri)
}

func (c Control) svcadm(ctx context.Context, host, zone, verb, fmri string) error {
	argv := []string{"svcadm", "-z", zone, verb}
	// Only enable and disable accept -s.
	if verb == "enable" || verb == "disable" {
		argv = append(argv, "-s")
	}
	argv = append(argv, fmri)
	if _, err := c.Exec.Run(ctx, host, argv, remote.Options{}); err != nil {
		return fmt.Errorf("%s %s in %s: %w", verb, fmri, zone, err)
	}
	return nil
}

// State returns the svcs state of fmri in zone, e.g. "online" or
// "maintenance". An empty string means the service is unknown.
func (c Control) State(ctx context.Context, host, zone, fmri string) (string, error) {
	res, err := c.Exec.Run(ctx, host, []string{"svcs", "-z", zone, "-o", "state", "-H", fmri}, remote.Options{})
	if err != nil {
		return "", fmt.Errorf("query %s state in %s: %w", fmri, zone, err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Explain returns the output of svcs -x for zone: one block per service that
// is not running as expected. Empty output means no outstanding problems.
func (c Control) Explain(ctx context.Context, host, zone string) (string, error) {
	res, err := c.Exec.Run(ctx, host, []string{"svcs", "-z", zone, "-x"}, remote.Options{})
	if err != nil {
		return "", fmt.Errorf("explain services in %s: %w", zone, err)
	}
	return res.Stdout, nil
}
