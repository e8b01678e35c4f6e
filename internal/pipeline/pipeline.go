// Package pipeline runs named steps in order against one shared run
// context, stops at the first failure and reports what was completed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"stagehand/internal/check"
	"stagehand/pkg/sdk/progress"
	"stagehand/pkg/sdk/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrSkip is returned by a step whose work is already done. The run
// continues with the next step.
var ErrSkip = errors.New("step skipped")

// Skipf returns an ErrSkip carrying a reason for the progress report.
func Skipf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSkip, fmt.Sprintf(format, args...))
}

// Step is one named unit of work.
type Step[C RunContext] struct {
	Name  string
	Title string
	Run   func(ctx context.Context, c C) error
}

// Runner executes pipelines. The zero value runs steps without progress
// snapshots or tracing.
type Runner struct {
	// Progress receives user-visible messages from steps and the final report.
	Progress func(string)
	// Reporter receives step snapshots.
	Reporter progress.Reporter
	Tracer   trace.Tracer
	// History receives a record of every finished run.
	History History
	Now     func() time.Time
}

// Summary describes a finished run.
type Summary struct {
	Pipeline  string
	RunID     string
	Elapsed   time.Duration
	Changed   bool
	DryRun    bool
	Completed []string
	Skipped   []string
}

func (s Summary) outcome() string {
	switch {
	case s.DryRun:
		return OutcomeDryRun
	case s.Changed:
		return OutcomeChanged
	}
	return OutcomeNoOp
}

func (s Summary) String() string {
	return fmt.Sprintf("%s completed in %s (%s)", s.Pipeline, s.Elapsed.Round(time.Second), s.outcome())
}

// RunError is returned when a step fails. Context is the run context as the
// failed step left it, so callers can clean up partial work.
type RunError struct {
	Pipeline  string
	RunID     string
	Step      string
	Completed []string
	Context   any
	Err       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: step %s: %v", e.Pipeline, e.Step, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Run executes steps in order against c. The first failing step ends the
// run; later steps are not started.
func Run[C RunContext](ctx context.Context, r *Runner, name string, c C, steps ...Step[C]) (Summary, error) {
	if r == nil {
		r = &Runner{}
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}

	runID := uuid.NewString()
	base := c.pipelineContext()
	log := slog.With("component", "pipeline", "pipeline", name, "run", runID)
	base.log = log
	base.progress = r.Progress

	configs := make([]progress.StepConfig, 0, len(steps))
	planned := make([]telemetry.PlannedStep, 0, len(steps))
	names := make(map[string]bool, len(steps))
	for _, s := range steps {
		check.Assertf(s.Run != nil, "pipeline %s: step %s has no Run", name, s.Name)
		check.Assertf(!names[s.Name], "pipeline %s: duplicate step %s", name, s.Name)
		names[s.Name] = true
		configs = append(configs, progress.StepConfig{ID: s.Name, Title: s.Title})
		planned = append(planned, telemetry.PlannedStep{ID: s.Name, Title: s.Title})
	}
	tracker := progress.New(r.Reporter, configs...)
	tracker.SetClock(now)

	var op *telemetry.Operation
	if r.Tracer != nil {
		var err error
		op, err = telemetry.EmitPlan(ctx, r.Tracer, name, telemetry.Plan{Steps: planned},
			attribute.String(telemetry.RunIDKey, runID),
			attribute.Bool(telemetry.DryRunKey, base.DryRun))
		if err != nil {
			return Summary{}, fmt.Errorf("run %s: %w", name, err)
		}
		ctx = op.Context()
	}

	start := now()
	summary := Summary{Pipeline: name, RunID: runID, DryRun: base.DryRun}
	log.Info("pipeline started", "steps", len(steps), "dry_run", base.DryRun)

	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			summary.Elapsed = now().Sub(start)
			err = fail(op, tracker, log, &summary, s.Name, c, err)
			r.record(ctx, summary, err)
			return summary, err
		}

		log.Debug("step started", "step", s.Name)
		end := tracker.Start(s.Name)
		err := op.RunStep(ctx, s.Name, func(ctx context.Context) error {
			err := s.Run(ctx, c)
			if errors.Is(err, ErrSkip) {
				op.Skipped(ctx, s.Name, skipReason(err))
			}
			return err
		})

		switch {
		case errors.Is(err, ErrSkip):
			reason := skipReason(err)
			tracker.Skip(s.Name, reason)
			summary.Skipped = append(summary.Skipped, s.Name)
			log.Debug("step skipped", "step", s.Name, "reason", reason)
		case err != nil:
			end(err)
			summary.Elapsed = now().Sub(start)
			err = fail(op, tracker, log, &summary, s.Name, c, err)
			r.record(ctx, summary, err)
			return summary, err
		default:
			end(nil)
			summary.Completed = append(summary.Completed, s.Name)
			log.Debug("step finished", "step", s.Name)
		}
	}

	summary.Elapsed = now().Sub(start)
	summary.Changed = base.Changed()
	op.End(nil, attribute.Bool(telemetry.ChangedKey, summary.Changed))
	log.Info("pipeline finished", "elapsed", summary.Elapsed, "changed", summary.Changed)
	base.Report("%s", summary.String())
	r.record(ctx, summary, nil)
	return summary, nil
}

func (r *Runner) record(ctx context.Context, summary Summary, err error) {
	if r.History == nil {
		return
	}
	rec := Record{
		RunID:    summary.RunID,
		Pipeline: summary.Pipeline,
		Outcome:  summary.outcome(),
		Elapsed:  summary.Elapsed,
	}
	if r.Now != nil {
		rec.FinishedAt = r.Now()
	}
	var re *RunError
	if errors.As(err, &re) {
		rec.Outcome = OutcomeFailed
		rec.FailedStep = re.Step
		rec.Error = re.Err.Error()
	}
	// The run context may already be cancelled; the record is still wanted.
	if herr := r.History.RecordRun(context.WithoutCancel(ctx), rec); herr != nil {
		slog.Warn("record pipeline run", "component", "pipeline", "run", summary.RunID, "err", herr)
	}
}

func fail[C RunContext](
	op *telemetry.Operation,
	tracker *progress.Tracker,
	log *slog.Logger,
	summary *Summary,
	step string,
	c C,
	err error,
) error {
	tracker.SkipPending("not run: " + step + " failed")
	summary.Changed = c.pipelineContext().Changed()
	op.End(err, attribute.Bool(telemetry.ChangedKey, summary.Changed))
	log.Error("pipeline failed", "step", step, "err", err)

	completed := make([]string, len(summary.Completed))
	copy(completed, summary.Completed)
	return &RunError{
		Pipeline:  summary.Pipeline,
		RunID:     summary.RunID,
		Step:      step,
		Completed: completed,
		Context:   c,
		Err:       err,
	}
}

func skipReason(err error) string {
	msg := err.Error()
	if msg == ErrSkip.Error() {
		return ""
	}
	return strings.TrimPrefix(msg, ErrSkip.Error()+": ")
}
