package stagehand

import "testing"

func TestParseMode(t *testing.T) {
	tests := map[string]Mode{
		"leader":     ModeLeader,
		" Follower ": ModeFollower,
		"standalone": ModeStandalone,
		"":           ModeTransitioning,
		"observer":   ModeTransitioning,
	}
	for in, want := range tests {
		if got := ParseMode(in); got != want {
			t.Errorf("ParseMode(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestEnsembleStatusUniqueLeader(t *testing.T) {
	tests := []struct {
		name    string
		members []EnsembleMember
		leader  string
		ok      bool
	}{
		{
			name:    "converged",
			members: []EnsembleMember{{"z1", ModeFollower}, {"z2", ModeLeader}, {"z3", ModeFollower}},
			leader:  "z2",
			ok:      true,
		},
		{
			name:    "transitioning member",
			members: []EnsembleMember{{"z1", ModeTransitioning}, {"z2", ModeLeader}},
		},
		{
			name:    "two leaders",
			members: []EnsembleMember{{"z1", ModeLeader}, {"z2", ModeLeader}},
		},
		{
			name:    "no leader",
			members: []EnsembleMember{{"z1", ModeFollower}, {"z2", ModeFollower}},
		},
		{
			name:    "standalone",
			members: []EnsembleMember{{"z1", ModeStandalone}},
		},
		{name: "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leader, ok := EnsembleStatus{Members: tt.members}.UniqueLeader()
			if leader != tt.leader || ok != tt.ok {
				t.Errorf("UniqueLeader() = (%q, %v), want (%q, %v)", leader, ok, tt.leader, tt.ok)
			}
		})
	}
}

func TestEnsembleStatusString(t *testing.T) {
	st := EnsembleStatus{Members: []EnsembleMember{{"z1", ModeLeader}, {"z2", ModeTransitioning}}}
	if got, want := st.String(), "z1=leader z2=transitioning"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
