package shard

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"stagehand"
)

// ParsePGStatus parses the table printed by `manatee-adm pg-status`:
//
//	ROLE     PEER     PG   REPL  SENT       FLUSH      REPLAY     LAG
//	primary  8f2f9a8c ok   sync  0/6B01A10  0/6B01A10  0/6B01A10  -
//	sync     a6b2e1d4 ok   async 0/6B01A10  0/6B01A10  0/6B01A10  -
//	async    c3d1f7aa ok   -     -          -          -          0m00s
//
// Columns are located by header name. Unknown roles are ignored.
func ParsePGStatus(out string) (stagehand.ShardStatus, error) {
	var status stagehand.ShardStatus

	var cols map[string]int
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if cols == nil {
			cols = make(map[string]int, len(fields))
			for i, f := range fields {
				cols[strings.ToUpper(f)] = i
			}
			if _, ok := cols["ROLE"]; !ok {
				return status, fmt.Errorf("parse pg-status: missing ROLE column in header %q", line)
			}
			if _, ok := cols["PG"]; !ok {
				return status, fmt.Errorf("parse pg-status: missing PG column in header %q", line)
			}
			continue
		}

		col := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(fields) {
				return stagehand.ReplNone
			}
			return fields[i]
		}
		m := stagehand.MemberStatus{Peer: col("PEER"), PG: col("PG"), Repl: col("REPL")}
		switch strings.ToLower(col("ROLE")) {
		case "primary":
			status.Primary = &m
		case "sync":
			status.Sync = &m
		case "async":
			status.Async = append(status.Async, m)
		case "deposed":
			status.Deposed = append(status.Deposed, m)
		}
	}
	if cols == nil {
		return status, fmt.Errorf("parse pg-status: empty output")
	}
	return status, nil
}

type legacyMember struct {
	ZoneID string `json:"zoneId"`
	Online *bool  `json:"online"`
	Repl   *struct {
		SyncState string `json:"sync_state"`
	} `json:"repl"`
	Error json.RawMessage `json:"error"`
}

func (m legacyMember) status() stagehand.MemberStatus {
	s := stagehand.MemberStatus{Peer: m.ZoneID, PG: stagehand.ReplNone, Repl: stagehand.ReplNone}
	if m.Online != nil && *m.Online {
		s.PG = stagehand.PGOnline
	}
	if m.Repl != nil && m.Repl.SyncState != "" {
		s.Repl = m.Repl.SyncState
	}
	return s
}

// ParseLegacyStatus translates the JSON document printed by the deprecated
// `manatee-adm status` into the pg-status view. Members reporting an error
// are left out. The document is expected under a shard name key such as
// "sdc"; a bare member map is accepted too.
func ParseLegacyStatus(out []byte) (stagehand.ShardStatus, error) {
	var status stagehand.ShardStatus

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(out, &doc); err != nil {
		return status, fmt.Errorf("parse legacy shard status: %w", err)
	}
	if inner, ok := doc["sdc"]; ok {
		doc = nil
		if err := json.Unmarshal(inner, &doc); err != nil {
			return status, fmt.Errorf("parse legacy shard status: %w", err)
		}
	}

	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		members, ok := decodeLegacyMembers(doc[key])
		if !ok {
			continue
		}
		for _, m := range members {
			if m.failed() {
				continue
			}
			st := m.status()
			switch {
			case key == "primary":
				status.Primary = &st
			case key == "sync":
				status.Sync = &st
			case strings.HasPrefix(key, "async"):
				if m.Online != nil {
					st.Repl = stagehand.ReplNone
					status.Async = append(status.Async, st)
				}
			case strings.HasPrefix(key, "deposed"):
				status.Deposed = append(status.Deposed, st)
			}
		}
	}
	return status, nil
}

// decodeLegacyMembers accepts a single member object or a list of them.
// Entries that are neither, such as a registrar blob, are skipped.
func decodeLegacyMembers(raw json.RawMessage) ([]legacyMember, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var list []legacyMember
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, false
		}
		return list, true
	}
	var m legacyMember
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	return []legacyMember{m}, true
}

func (m legacyMember) failed() bool {
	return len(m.Error) > 0 && string(m.Error) != "null"
}
