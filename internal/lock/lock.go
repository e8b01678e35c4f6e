// Package lock holds the reprovision failure lock: a persisted marker that a
// reprovision failed and must not be retried blindly. It is advisory; every
// procedure that reprovisions checks it first.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"stagehand"
)

// Lock is a held failure lock.
type Lock struct {
	Message    string
	AcquiredAt time.Time
}

// Store persists the lock. Acquire on a held lock keeps the first message.
type Store interface {
	Acquire(ctx context.Context, msg string) error
	Get(ctx context.Context) (Lock, bool, error)
	Release(ctx context.Context) error
}

// Check fails with a precondition error while the lock is held.
func Check(ctx context.Context, store Store) error {
	l, held, err := store.Get(ctx)
	if err != nil {
		return fmt.Errorf("read reprovision failure lock: %w", err)
	}
	if !held {
		return nil
	}
	return stagehand.Preconditionf(
		"reprovision failure lock held since %s; inspect the failure and clear the lock before retrying:\n%s",
		l.AcquiredAt.UTC().Format(time.RFC3339),
		stagehand.Indent(strings.TrimSpace(l.Message), 4),
	)
}

// AcquireQuietly takes the lock and logs, rather than returns, a failure to
// do so. Callers return their own error regardless. The write ignores
// cancellation of ctx: an interrupted reprovision must still leave the lock.
func AcquireQuietly(ctx context.Context, store Store, msg string) {
	if store == nil {
		slog.Error("no reprovision failure lock store configured", "component", "lock")
		return
	}
	if err := store.Acquire(context.WithoutCancel(ctx), msg); err != nil {
		slog.Error("acquire reprovision failure lock", "component", "lock", "err", err)
	}
}
