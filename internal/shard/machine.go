// Package shard drives the replicated datastore shard through ordered
// enable and disable transitions and observes each transition by polling
// the shard status until it holds.
package shard

import (
	"context"
	"fmt"
	"log/slog"

	"stagehand"
	"stagehand/internal/poll"
	"stagehand/internal/remote"
	"stagehand/internal/svcctl"
)

const (
	// SitterFMRI is the service that runs the datastore inside each member zone.
	SitterFMRI = "manatee-sitter"

	manateeAdm = "/opt/smartdc/manatee/node_modules/.bin/manatee-adm"

	// DefaultMaxAttempts bounds role waits to 15 minutes at the default interval.
	DefaultMaxAttempts = 180
)

// Machine issues role transitions against one shard and waits for them to
// be observed. Status is always read through the primary member.
type Machine struct {
	exec       remote.Executor
	svc        svcctl.Control
	shard      stagehand.Shard
	poller     *poll.Poller
	policy     poll.Policy
	leaderAddr string
	legacy     bool
	progress   func(string)
	log        *slog.Logger
}

type Option func(*Machine)

func WithPoller(p *poll.Poller) Option {
	return func(m *Machine) { m.poller = p }
}

func WithPolicy(p poll.Policy) Option {
	return func(m *Machine) { m.policy = p }
}

// WithLeaderAddr points status queries at a specific ensemble member
// (ip:port) instead of the one the tool discovers from its environment.
func WithLeaderAddr(addr string) Option {
	return func(m *Machine) { m.leaderAddr = addr }
}

// WithLegacyStatus reads status with the deprecated JSON `status` command
// for shards whose tooling predates pg-status.
func WithLegacyStatus() Option {
	return func(m *Machine) { m.legacy = true }
}

// WithProgress receives a message before every command and wait.
func WithProgress(fn func(string)) Option {
	return func(m *Machine) { m.progress = fn }
}

func New(exec remote.Executor, shard stagehand.Shard, opts ...Option) *Machine {
	m := &Machine{
		exec:   exec,
		svc:    svcctl.Control{Exec: exec},
		shard:  shard,
		poller: poll.New(),
		policy: poll.Policy{Interval: poll.DefaultInterval, MaxAttempts: DefaultMaxAttempts},
		log:    slog.With("component", "shard", "primary", shard.Primary.String()),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Shard returns the topology the machine operates on.
func (m *Machine) Shard() stagehand.Shard {
	return m.shard
}

func (m *Machine) report(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	m.log.Info(msg)
	if m.progress != nil {
		m.progress(msg)
	}
}

// Status reads the current shard status through the primary member.
func (m *Machine) Status(ctx context.Context) (stagehand.ShardStatus, error) {
	p := m.shard.Primary
	sub := "pg-status"
	if m.legacy {
		sub = "status"
	}
	argv := []string{"zlogin", p.Instance, manateeAdm, sub}
	if m.leaderAddr != "" {
		argv = append(argv, "-z", m.leaderAddr)
	}

	res, err := m.exec.Run(ctx, p.Host, argv, remote.Options{})
	if err != nil {
		return stagehand.ShardStatus{}, fmt.Errorf("query shard status on %s: %w", p, err)
	}
	if m.legacy {
		return ParseLegacyStatus([]byte(res.Stdout))
	}
	return ParsePGStatus(res.Stdout)
}

// SetRole issues the enable or disable command to every member holding
// role. It does not wait; see WaitForRole.
func (m *Machine) SetRole(ctx context.Context, role stagehand.Role, target stagehand.MemberState) error {
	members := m.shard.Members(role)
	if len(members) == 0 {
		m.log.Debug("no members for role, nothing to set", "role", role)
		return nil
	}

	for _, member := range members {
		var err error
		switch target {
		case stagehand.StateEnabled:
			m.report("Enabling %s manatee %s", role, member.Instance)
			err = m.svc.Enable(ctx, member.Host, member.Instance, SitterFMRI)
		case stagehand.StateDisabled:
			m.report("Disabling %s manatee %s", role, member.Instance)
			err = m.svc.Disable(ctx, member.Host, member.Instance, SitterFMRI)
		default:
			return fmt.Errorf("set %s role: unsupported target state %s", role, target)
		}
		if err != nil {
			return fmt.Errorf("set %s role to %s: %w", role, target, err)
		}
	}
	return nil
}

// WaitForRole polls shard status until role satisfies target. A deposed
// member or a sitter in maintenance on the primary ends the wait at once
// with a *stagehand.TerminalError.
//
// A role with no configured members is already disabled; waiting for it to
// become enabled is a *stagehand.PreconditionError.
func (m *Machine) WaitForRole(ctx context.Context, role stagehand.Role, target stagehand.MemberState) error {
	if !m.shard.Has(role) {
		if target == stagehand.StateDisabled {
			return nil
		}
		return stagehand.Preconditionf("cannot wait for %s to be %s: shard has no %s member", role, target, role)
	}
	if target != stagehand.StateEnabled && target != stagehand.StateDisabled {
		return fmt.Errorf("wait for %s role: unsupported target state %s", role, target)
	}

	m.report("Waiting for %s manatee to be %s", role, target)
	op := fmt.Sprintf("manatee %s to be %s", role, target)
	return m.poller.Until(ctx, op, m.policy, func(ctx context.Context) (bool, string, error) {
		status, err := m.Status(ctx)
		if err != nil {
			return false, "", err
		}
		observed := status.String()
		if Satisfied(status, role, target) {
			return true, observed, nil
		}
		if len(status.Deposed) > 0 {
			return false, observed, &stagehand.TerminalError{
				Reason: stagehand.ReasonDeposed,
				Target: "shard " + m.shard.Primary.Instance,
				Detail: fmt.Sprintf("%d deposed member(s) while waiting for %s to be %s", len(status.Deposed), role, target),
			}
		}
		if err := m.checkSitter(ctx); err != nil {
			return false, observed, err
		}
		m.log.Debug("shard not ready", "role", role, "target", target, "status", observed)
		return false, observed, nil
	})
}

func (m *Machine) checkSitter(ctx context.Context) error {
	p := m.shard.Primary
	state, err := m.svc.State(ctx, p.Host, p.Instance, SitterFMRI)
	if err != nil {
		return err
	}
	if state == svcctl.StateMaintenance {
		return &stagehand.TerminalError{
			Reason: stagehand.ReasonMaintenance,
			Target: SitterFMRI + " on " + p.String(),
			Detail: "service went into maintenance",
		}
	}
	return nil
}

// Satisfied reports whether status shows role in the target state. Only the
// first async member is considered.
func Satisfied(status stagehand.ShardStatus, role stagehand.Role, target stagehand.MemberState) bool {
	switch role {
	case stagehand.RolePrimary:
		if target == stagehand.StateDisabled {
			return status.Primary == nil || !status.Primary.Online()
		}
		return status.Primary != nil && status.Primary.Online()
	case stagehand.RoleSync:
		if target == stagehand.StateDisabled {
			return status.Sync == nil || !status.Sync.Online()
		}
		return status.Sync != nil && status.Sync.Online() &&
			status.Primary != nil && status.Primary.Repl == stagehand.ReplSync
	case stagehand.RoleAsync:
		if target == stagehand.StateDisabled {
			return len(status.Async) == 0 || !status.Async[0].Online()
		}
		return len(status.Async) > 0 && status.Async[0].Online() &&
			status.Sync != nil && status.Sync.Repl == stagehand.ReplAsync
	default:
		return false
	}
}
