package pipeline

import (
	"context"
	"time"
)

// Outcomes stored in run records.
const (
	OutcomeNoOp    = "no-op"
	OutcomeChanged = "changed"
	OutcomeDryRun  = "dry run"
	OutcomeFailed  = "failed"
)

// Record is the persisted result of one run.
type Record struct {
	RunID      string
	Pipeline   string
	Outcome    string
	FailedStep string
	Error      string
	Elapsed    time.Duration
	FinishedAt time.Time
}

// History stores run records. Recording failures never fail a run.
type History interface {
	RecordRun(ctx context.Context, r Record) error
	ListRuns(ctx context.Context, limit int) ([]Record, error)
}
