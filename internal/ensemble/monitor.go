// Package ensemble watches the coordination ensemble: liveness of every
// member, convergence on one leader, and the current leader address.
package ensemble

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"stagehand"
	"stagehand/internal/pipeline"
	"stagehand/internal/poll"
)

// DefaultMaxAttempts bounds ensemble waits to 5 minutes at the default interval.
const DefaultMaxAttempts = 60

// Monitor probes a fixed member set.
type Monitor struct {
	prober   Prober
	members  []string
	poller   *poll.Poller
	policy   poll.Policy
	fanout   int
	progress func(string)
	log      *slog.Logger
}

type Option func(*Monitor)

func WithPoller(p *poll.Poller) Option {
	return func(m *Monitor) { m.poller = p }
}

func WithPolicy(p poll.Policy) Option {
	return func(m *Monitor) { m.policy = p }
}

// WithFanout limits how many members are probed at once.
func WithFanout(limit int) Option {
	return func(m *Monitor) { m.fanout = limit }
}

func WithProgress(fn func(string)) Option {
	return func(m *Monitor) { m.progress = fn }
}

// NewMonitor creates a monitor for the member addresses.
func NewMonitor(prober Prober, members []string, opts ...Option) *Monitor {
	m := &Monitor{
		prober:  prober,
		members: members,
		poller:  poll.New(),
		policy:  poll.Policy{Interval: poll.DefaultInterval, MaxAttempts: DefaultMaxAttempts},
		log:     slog.With("component", "ensemble"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Members returns the probed addresses.
func (m *Monitor) Members() []string {
	return m.members
}

func (m *Monitor) report(msg string) {
	m.log.Info(msg)
	if m.progress != nil {
		m.progress(msg)
	}
}

// Status probes every member once. Members that cannot be probed are
// reported as transitioning.
func (m *Monitor) Status(ctx context.Context) (stagehand.EnsembleStatus, error) {
	modes, _ := pipeline.Batch(ctx, m.fanout, m.members, func(ctx context.Context, addr string) (stagehand.Mode, error) {
		mode, err := m.prober.Mode(ctx, addr)
		if err != nil {
			m.log.Debug("mode probe failed, treating as transitioning", "member", addr, "err", err)
			return stagehand.ModeTransitioning, nil
		}
		return mode, nil
	})
	if err := ctx.Err(); err != nil {
		return stagehand.EnsembleStatus{}, err
	}

	status := stagehand.EnsembleStatus{Members: make([]stagehand.EnsembleMember, len(m.members))}
	for i, addr := range m.members {
		status.Members[i] = stagehand.EnsembleMember{Addr: addr, Mode: modes[i]}
	}
	return status, nil
}

// WaitHealthy waits until every member answers imok.
func (m *Monitor) WaitHealthy(ctx context.Context) error {
	if len(m.members) == 0 {
		return stagehand.Preconditionf("ensemble has no members")
	}
	m.report("Waiting for ensemble members to answer imok")
	return m.poller.Until(ctx, "ensemble members to be ok", m.policy, func(ctx context.Context) (bool, string, error) {
		oks, _ := pipeline.Batch(ctx, m.fanout, m.members, func(ctx context.Context, addr string) (bool, error) {
			ok, err := m.prober.Ruok(ctx, addr)
			if err != nil {
				m.log.Debug("liveness probe failed", "member", addr, "err", err)
				return false, nil
			}
			return ok, nil
		})
		if err := ctx.Err(); err != nil {
			return false, "", err
		}

		ready := true
		parts := make([]string, len(m.members))
		for i, addr := range m.members {
			state := imok
			if !oks[i] {
				state = "not ok"
				ready = false
			}
			parts[i] = addr + "=" + state
		}
		return ready, strings.Join(parts, " "), nil
	})
}

// WaitConverged waits until every member reports leader or follower and
// returns the converged status.
func (m *Monitor) WaitConverged(ctx context.Context) (stagehand.EnsembleStatus, error) {
	if len(m.members) == 0 {
		return stagehand.EnsembleStatus{}, stagehand.Preconditionf("ensemble has no members")
	}
	m.report("Waiting for ensemble to elect a leader")
	var last stagehand.EnsembleStatus
	err := m.poller.Until(ctx, "ensemble to converge", m.policy, func(ctx context.Context) (bool, string, error) {
		status, err := m.Status(ctx)
		if err != nil {
			return false, "", err
		}
		last = status
		return status.Converged(), status.String(), nil
	})
	return last, err
}

// Leader returns the address of the member reporting leader, or "" when
// none is elected.
func (m *Monitor) Leader(ctx context.Context) (string, error) {
	status, err := m.Status(ctx)
	if err != nil {
		return "", err
	}
	leaders := status.Leaders()
	switch len(leaders) {
	case 0:
		return "", nil
	case 1:
		return leaders[0], nil
	default:
		m.log.Warn("more than one member reports leader", "leaders", leaders)
		return leaders[0], nil
	}
}

// RequireLeader is Leader for callers that cannot proceed without one.
func (m *Monitor) RequireLeader(ctx context.Context) (string, error) {
	leader, err := m.Leader(ctx)
	if err != nil {
		return "", err
	}
	if leader == "" {
		return "", stagehand.Preconditionf("ensemble %s has no elected leader", strings.Join(m.members, ","))
	}
	return leader, nil
}

// RequireUniqueLeader checks once that the ensemble has converged with
// exactly one leader.
func (m *Monitor) RequireUniqueLeader(ctx context.Context) (string, error) {
	status, err := m.Status(ctx)
	if err != nil {
		return "", err
	}
	leader, ok := status.UniqueLeader()
	if !ok {
		return "", stagehand.Preconditionf("ensemble has no unique leader: %s", status)
	}
	return leader, nil
}

// LeaderAddr formats a leader address for tools that take ip:port.
func LeaderAddr(ip string, port int) string {
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(ip, strconv.Itoa(port))
}
