package preflight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"stagehand"
	"stagehand/internal/pipeline"
	"stagehand/internal/remote"
)

// ReprovisionTools are needed on every server whose instances are
// reprovisioned.
var ReprovisionTools = []string{"vmadm", "imgadm"}

// ShardTools are additionally needed on shard member servers.
var ShardTools = []string{"vmadm", "imgadm", "svcadm", "svcs", "zlogin", "zfs", "zonecfg"}

// ToolCheck verifies that the host tools a procedure shells out to exist.
type ToolCheck struct {
	Exec   remote.Executor
	Tools  []string
	Fanout int
}

// Run checks every distinct host. It returns a precondition error naming
// the missing tools per host.
func (c *ToolCheck) Run(ctx context.Context, hosts []string) error {
	hosts = distinct(hosts)
	if len(hosts) == 0 || len(c.Tools) == 0 {
		return nil
	}
	log := slog.With("component", "preflight")
	script := remote.ToolsScript(c.Tools...)

	missing, _ := pipeline.Batch(ctx, c.Fanout, hosts, func(ctx context.Context, host string) (string, error) {
		_, err := c.Exec.Run(ctx, host, []string{"sh", "-c", script}, remote.Options{})
		var cmdErr *stagehand.CommandError
		switch {
		case err == nil:
			return "", nil
		case errors.As(err, &cmdErr) && cmdErr.ExitCode == 1:
			return strings.Join(strings.Fields(cmdErr.Stderr), ", "), nil
		default:
			return "unreachable: " + firstLine(err.Error()), nil
		}
	})
	if err := ctx.Err(); err != nil {
		return err
	}

	var bad []string
	for i, host := range hosts {
		if missing[i] == "" {
			continue
		}
		log.Debug("host tools missing", "host", host, "missing", missing[i])
		bad = append(bad, fmt.Sprintf("%s: %s", host, missing[i]))
	}
	if len(bad) > 0 {
		return stagehand.Preconditionf("host tools check failed: %s", strings.Join(bad, "; "))
	}
	return nil
}

func distinct(hosts []string) []string {
	seen := make(map[string]bool, len(hosts))
	var out []string
	for _, h := range hosts {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
