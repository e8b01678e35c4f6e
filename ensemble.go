package stagehand

import "strings"

// Mode is the coordination role an ensemble member reports.
type Mode uint8

const (
	// ModeTransitioning covers members that did not answer or are
	// renegotiating roles. It is never an error on its own.
	ModeTransitioning Mode = iota
	ModeLeader
	ModeFollower
	ModeStandalone
)

func (m Mode) String() string {
	switch m {
	case ModeLeader:
		return "leader"
	case ModeFollower:
		return "follower"
	case ModeStandalone:
		return "standalone"
	default:
		return "transitioning"
	}
}

// ParseMode maps the mode string printed by an ensemble member.
// Unknown values are treated as transitioning.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "leader":
		return ModeLeader
	case "follower":
		return ModeFollower
	case "standalone":
		return ModeStandalone
	default:
		return ModeTransitioning
	}
}

// EnsembleMember is one probed member of the coordination ensemble.
type EnsembleMember struct {
	Addr string
	Mode Mode
}

// EnsembleStatus is a point-in-time view of every ensemble member.
type EnsembleStatus struct {
	Members []EnsembleMember
}

// Converged reports whether every member is a leader or a follower.
func (s EnsembleStatus) Converged() bool {
	if len(s.Members) == 0 {
		return false
	}
	for _, m := range s.Members {
		if m.Mode != ModeLeader && m.Mode != ModeFollower {
			return false
		}
	}
	return true
}

// Leaders returns the addresses of members reporting leader.
func (s EnsembleStatus) Leaders() []string {
	var out []string
	for _, m := range s.Members {
		if m.Mode == ModeLeader {
			out = append(out, m.Addr)
		}
	}
	return out
}

// UniqueLeader returns the leader when the ensemble has converged with
// exactly one of them.
func (s EnsembleStatus) UniqueLeader() (string, bool) {
	if !s.Converged() {
		return "", false
	}
	leaders := s.Leaders()
	if len(leaders) != 1 {
		return "", false
	}
	return leaders[0], true
}

func (s EnsembleStatus) String() string {
	parts := make([]string, 0, len(s.Members))
	for _, m := range s.Members {
		parts = append(parts, m.Addr+"="+m.Mode.String())
	}
	return strings.Join(parts, " ")
}
