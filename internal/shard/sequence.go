package shard

import (
	"context"

	"stagehand"
)

var (
	disableOrder = []stagehand.Role{stagehand.RoleAsync, stagehand.RoleSync, stagehand.RolePrimary}
	enableOrder  = []stagehand.Role{stagehand.RolePrimary, stagehand.RoleSync, stagehand.RoleAsync}
)

// DisableAll stops the whole shard outermost replica first: async, then
// sync, then primary. Each role is observed disabled before the next one is
// touched, so the primary is never down while its followers still expect it.
func (m *Machine) DisableAll(ctx context.Context) error {
	return m.transition(ctx, disableOrder, stagehand.StateDisabled)
}

// EnableAll starts the shard innermost first: primary, then sync once it
// replicates synchronously, then async.
func (m *Machine) EnableAll(ctx context.Context) error {
	return m.transition(ctx, enableOrder, stagehand.StateEnabled)
}

func (m *Machine) transition(ctx context.Context, order []stagehand.Role, target stagehand.MemberState) error {
	for _, role := range order {
		if !m.shard.Has(role) {
			continue
		}
		if err := m.SetRole(ctx, role, target); err != nil {
			return err
		}
		if err := m.WaitForRole(ctx, role, target); err != nil {
			return err
		}
	}
	return nil
}
