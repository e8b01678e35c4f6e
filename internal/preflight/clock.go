// Package preflight holds checks run before a procedure touches the cluster.
package preflight

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"stagehand"
	"stagehand/internal/pipeline"
	"stagehand/internal/remote"

	"github.com/beevik/ntp"
)

const (
	DefaultNTPServer = "pool.ntp.org"
	// Local offsets come from NTP and are precise; remote clocks are read
	// with one-second resolution.
	DefaultLocalThreshold  = 500 * time.Millisecond
	DefaultRemoteThreshold = 2 * time.Second
)

type Phase uint8

const (
	Healthy Phase = iota + 1
	UnhealthyOffset
	Error
)

func (p Phase) String() string {
	switch p {
	case Healthy:
		return "healthy"
	case UnhealthyOffset:
		return "unhealthy_offset"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Status is the clock state of one host.
type Status struct {
	Host   string
	Offset time.Duration
	Phase  Phase
	Error  string
}

// QueryFunc returns the offset of the local clock from an NTP server.
type QueryFunc func(server string) (time.Duration, error)

// ClockCheck verifies that the local clock and the clocks of a set of hosts
// agree with NTP. Coordination ensembles expire sessions on clock jumps.
type ClockCheck struct {
	Exec            remote.Executor
	Server          string
	LocalThreshold  time.Duration
	RemoteThreshold time.Duration
	Fanout          int

	Query QueryFunc
	Now   func() time.Time
}

func (c *ClockCheck) defaults() {
	if c.Server == "" {
		c.Server = DefaultNTPServer
	}
	if c.LocalThreshold == 0 {
		c.LocalThreshold = DefaultLocalThreshold
	}
	if c.RemoteThreshold == 0 {
		c.RemoteThreshold = DefaultRemoteThreshold
	}
	if c.Query == nil {
		c.Query = func(server string) (time.Duration, error) {
			resp, err := ntp.Query(server)
			if err != nil {
				return 0, err
			}
			return resp.ClockOffset, nil
		}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Run checks the local clock, then every host in parallel. It returns the
// per-host statuses, local first, and a precondition error naming every
// host that is off or could not be read.
func (c *ClockCheck) Run(ctx context.Context, hosts []string) ([]Status, error) {
	c.defaults()
	log := slog.With("component", "preflight", "ntp_server", c.Server)

	local := Status{Host: remote.LocalHost, Phase: Healthy}
	offset, err := c.Query(c.Server)
	if err != nil {
		local.Phase, local.Error = Error, err.Error()
	} else {
		local.Offset = offset
		if offset.Abs() >= c.LocalThreshold {
			local.Phase = UnhealthyOffset
		}
	}
	log.Debug("local clock checked", "offset", local.Offset, "phase", local.Phase)

	statuses := []Status{local}
	if local.Phase == Error {
		return statuses, stagehand.Preconditionf("clock check: query %s: %s", c.Server, local.Error)
	}

	remoteStatuses, _ := pipeline.Batch(ctx, c.Fanout, hosts, func(ctx context.Context, host string) (Status, error) {
		return c.checkHost(ctx, host, offset), nil
	})
	statuses = append(statuses, remoteStatuses...)

	var bad []string
	for _, s := range statuses {
		switch s.Phase {
		case UnhealthyOffset:
			bad = append(bad, fmt.Sprintf("%s off by %s", s.Host, s.Offset))
		case Error:
			bad = append(bad, fmt.Sprintf("%s: %s", s.Host, s.Error))
		}
	}
	if len(bad) > 0 {
		return statuses, stagehand.Preconditionf("clock check failed: %s", strings.Join(bad, "; "))
	}
	return statuses, nil
}

func (c *ClockCheck) checkHost(ctx context.Context, host string, localOffset time.Duration) Status {
	st := Status{Host: host}
	res, err := c.Exec.Run(ctx, host, []string{"date", "-u", "+%s"}, remote.Options{})
	if err != nil {
		st.Phase, st.Error = Error, firstLine(err.Error())
		return st
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
	if err != nil {
		st.Phase, st.Error = Error, fmt.Sprintf("parse date output %q", strings.TrimSpace(res.Stdout))
		return st
	}

	reference := c.Now().Add(localOffset)
	st.Offset = time.Unix(secs, 0).Sub(reference.Truncate(time.Second))
	st.Phase = Healthy
	if st.Offset.Abs() >= c.RemoteThreshold {
		st.Phase = UnhealthyOffset
	}
	return st
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
