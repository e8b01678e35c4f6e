package stagehand

import (
	"fmt"
	"strings"
)

// Role is the replication role a shard member holds.
type Role uint8

const (
	RolePrimary Role = iota + 1
	RoleSync
	RoleAsync
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSync:
		return "sync"
	case RoleAsync:
		return "async"
	default:
		return "unknown"
	}
}

// ParseRole parses a role name as printed by the shard status tool.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary":
		return RolePrimary, nil
	case "sync":
		return RoleSync, nil
	case "async":
		return RoleAsync, nil
	default:
		return 0, fmt.Errorf("unknown shard role %q", s)
	}
}

// MemberState is the target or observed state of a shard member.
type MemberState uint8

const (
	StateEnabled MemberState = iota + 1
	StateDisabled
	// StateDeposed is terminal for the current operation.
	StateDeposed
)

func (s MemberState) String() string {
	switch s {
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	case StateDeposed:
		return "deposed"
	default:
		return "unknown"
	}
}

// PGOnline is the pg-status value reported by a healthy member.
const PGOnline = "ok"

// Replication modes a member reports towards its downstream peer.
const (
	ReplNone  = "-"
	ReplSync  = "sync"
	ReplAsync = "async"
)

// MemberStatus is one row of observed shard status.
type MemberStatus struct {
	Peer string // instance identifier, possibly abbreviated by the tool
	PG   string // "ok" or "-"
	Repl string // replication mode towards the downstream peer: "sync", "async" or "-"
}

// Online reports whether the member's database is up.
func (m MemberStatus) Online() bool {
	return m.PG == PGOnline
}

// ShardStatus is a snapshot of the shard as reported by one of its members.
// Nil Primary or Sync means the tool did not report that role.
type ShardStatus struct {
	Primary *MemberStatus
	Sync    *MemberStatus
	Async   []MemberStatus
	Deposed []MemberStatus
}

func (s ShardStatus) String() string {
	var parts []string
	if s.Primary != nil {
		parts = append(parts, fmt.Sprintf("primary(pg=%s repl=%s)", s.Primary.PG, s.Primary.Repl))
	} else {
		parts = append(parts, "primary(absent)")
	}
	if s.Sync != nil {
		parts = append(parts, fmt.Sprintf("sync(pg=%s repl=%s)", s.Sync.PG, s.Sync.Repl))
	} else {
		parts = append(parts, "sync(absent)")
	}
	for i, a := range s.Async {
		parts = append(parts, fmt.Sprintf("async[%d](pg=%s)", i, a.PG))
	}
	if len(s.Deposed) > 0 {
		parts = append(parts, fmt.Sprintf("deposed(%d)", len(s.Deposed)))
	}
	return strings.Join(parts, " ")
}

// Member locates a physical shard member.
type Member struct {
	Host     string // server the member runs on
	Instance string // zone / instance UUID
}

func (m Member) String() string {
	return m.Instance + "@" + m.Host
}

// Shard is the configured topology: one primary, an optional sync and zero
// or more async members.
type Shard struct {
	Primary Member
	Sync    *Member
	Async   []Member
}

// Has reports whether the topology includes at least one member for role.
func (s Shard) Has(role Role) bool {
	return len(s.Members(role)) > 0
}

// Members returns the physical members configured for role.
func (s Shard) Members(role Role) []Member {
	switch role {
	case RolePrimary:
		if s.Primary.Instance == "" {
			return nil
		}
		return []Member{s.Primary}
	case RoleSync:
		if s.Sync == nil {
			return nil
		}
		return []Member{*s.Sync}
	case RoleAsync:
		return s.Async
	default:
		return nil
	}
}

// All returns every member, outermost replica first.
func (s Shard) All() []Member {
	var out []Member
	for _, role := range []Role{RoleAsync, RoleSync, RolePrimary} {
		out = append(out, s.Members(role)...)
	}
	return out
}
