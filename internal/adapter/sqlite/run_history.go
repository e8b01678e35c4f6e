package sqlite

import (
	"context"
	"fmt"
	"time"

	"stagehand/internal/pipeline"
)

var _ pipeline.History = (*Store)(nil)

func (s *Store) RecordRun(ctx context.Context, r pipeline.Record) error {
	finished := r.FinishedAt
	if finished.IsZero() {
		finished = s.now()
	}
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO run_history (run_id, pipeline, outcome, failed_step, error, elapsed_ms, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
	outcome = excluded.outcome,
	failed_step = excluded.failed_step,
	error = excluded.error,
	elapsed_ms = excluded.elapsed_ms,
	finished_at = excluded.finished_at`,
		r.RunID,
		r.Pipeline,
		r.Outcome,
		r.FailedStep,
		r.Error,
		r.Elapsed.Milliseconds(),
		finished.UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("record run %s: %w", r.RunID, err)
	}
	return nil
}

// ListRuns returns the most recent runs first. A limit below 1 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]pipeline.Record, error) {
	if limit < 1 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, pipeline, outcome, failed_step, error, elapsed_ms, finished_at
FROM run_history
ORDER BY finished_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]pipeline.Record, 0)
	for rows.Next() {
		var r pipeline.Record
		var elapsedMS int64
		var finished string
		if err := rows.Scan(&r.RunID, &r.Pipeline, &r.Outcome, &r.FailedStep, &r.Error, &elapsedMS, &finished); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		r.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		if r.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
			return nil, fmt.Errorf("parse finish time of run %s: %w", r.RunID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return out, nil
}
