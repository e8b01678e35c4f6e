package fake

import (
	"fmt"
	"strings"
	"sync"

	"stagehand"
	"stagehand/internal/remote"
)

// ShardCluster simulates shard members behind an Executor. A svcadm
// command takes effect one status query after it was issued, so every
// transition is observed not ready at least once.
type ShardCluster struct {
	mu      sync.Mutex
	topo    stagehand.Shard
	enabled map[string]bool
	pending map[string]bool
	sitter  string
	deposed bool
}

func NewShardCluster(topo stagehand.Shard) *ShardCluster {
	c := &ShardCluster{topo: topo, enabled: map[string]bool{}, pending: map[string]bool{}, sitter: "online"}
	for _, m := range topo.All() {
		c.enabled[m.Instance] = true
	}
	return c
}

// SetSitter sets the sitter state reported by svcs on every member.
func (c *ShardCluster) SetSitter(state string) {
	c.mu.Lock()
	c.sitter = state
	c.mu.Unlock()
}

// SetDeposed makes status report a deposed member.
func (c *ShardCluster) SetDeposed(deposed bool) {
	c.mu.Lock()
	c.deposed = deposed
	c.mu.Unlock()
}

// Enabled reports whether the member's sitter is enabled.
func (c *ShardCluster) Enabled(zone string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled[zone]
}

// Install routes svcadm, svcs and status commands on exec to the cluster.
func (c *ShardCluster) Install(exec *Executor) {
	exec.Handle("", "svcadm", func(_ string, argv []string, _ remote.Options) Response {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.pending[argv[2]] = argv[3] == "enable"
		return Response{}
	})
	exec.Handle("", "svcs", func(string, []string, remote.Options) Response {
		c.mu.Lock()
		defer c.mu.Unlock()
		return Response{Stdout: c.sitter + "\n"}
	})
	exec.Handle("", "zlogin", func(string, []string, remote.Options) Response {
		c.mu.Lock()
		defer c.mu.Unlock()
		out := c.table()
		for zone, on := range c.pending {
			c.enabled[zone] = on
		}
		c.pending = map[string]bool{}
		return Response{Stdout: out}
	})
}

func (c *ShardCluster) table() string {
	pg := func(on bool) string {
		if on {
			return "ok"
		}
		return "-"
	}
	var b strings.Builder
	b.WriteString("ROLE PEER PG REPL\n")

	primaryOn := c.enabled[c.topo.Primary.Instance]
	syncOn := c.topo.Sync != nil && c.enabled[c.topo.Sync.Instance]
	asyncOn := len(c.topo.Async) > 0 && c.enabled[c.topo.Async[0].Instance]

	primaryRepl := "-"
	if primaryOn && syncOn {
		primaryRepl = "sync"
	}
	fmt.Fprintf(&b, "primary %s %s %s\n", c.topo.Primary.Instance, pg(primaryOn), primaryRepl)
	if c.topo.Sync != nil {
		syncRepl := "-"
		if syncOn && asyncOn {
			syncRepl = "async"
		}
		fmt.Fprintf(&b, "sync %s %s %s\n", c.topo.Sync.Instance, pg(syncOn), syncRepl)
	}
	for _, a := range c.topo.Async {
		fmt.Fprintf(&b, "async %s %s -\n", a.Instance, pg(c.enabled[a.Instance]))
	}
	if c.deposed {
		b.WriteString("deposed d1 - -\n")
	}
	return b.String()
}
