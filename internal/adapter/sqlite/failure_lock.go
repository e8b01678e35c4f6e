package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stagehand/internal/lock"
)

var _ lock.Store = (*Store)(nil)

// Acquire records msg as the lock message. A held lock keeps the first
// failure so the root cause is not overwritten by later attempts.
func (s *Store) Acquire(ctx context.Context, msg string) error {
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO reprovision_failure_lock (id, message, acquired_at) VALUES (1, ?, ?)`,
		msg,
		s.now().UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("acquire reprovision failure lock: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context) (lock.Lock, bool, error) {
	var msg, at string
	err := s.db.QueryRowContext(ctx, `SELECT message, acquired_at FROM reprovision_failure_lock WHERE id = 1`).Scan(&msg, &at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lock.Lock{}, false, nil
		}
		return lock.Lock{}, false, fmt.Errorf("query reprovision failure lock: %w", err)
	}
	acquired, err := time.Parse(timeLayout, at)
	if err != nil {
		return lock.Lock{}, false, fmt.Errorf("parse lock time %q: %w", at, err)
	}
	return lock.Lock{Message: msg, AcquiredAt: acquired}, true, nil
}

func (s *Store) Release(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM reprovision_failure_lock`); err != nil {
		return fmt.Errorf("release reprovision failure lock: %w", err)
	}
	return nil
}
