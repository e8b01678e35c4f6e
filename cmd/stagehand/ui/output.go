package ui

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"stagehand/pkg/sdk/progress"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Output renders one pipeline run: step snapshots, progress messages and a
// tracer whose finished spans are logged at debug level.
type Output struct {
	w         io.Writer
	checklist *Checklist
	lines     *lineOutput
	provider  *sdktrace.TracerProvider
}

func NewOutput(w io.Writer) *Output {
	o := &Output{
		w:        w,
		provider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanLogger{})),
	}
	if IsInteractive() {
		o.checklist = NewChecklist(w)
	} else {
		o.lines = &lineOutput{w: w, seen: map[string]progress.Status{}}
	}
	return o
}

// Reporter receives step snapshots.
func (o *Output) Reporter() progress.Reporter {
	if o.checklist != nil {
		return o.checklist.OnSnapshot
	}
	return o.lines.OnSnapshot
}

// Progress receives user-visible messages.
func (o *Output) Progress(msg string) {
	if o.checklist != nil {
		o.checklist.Note(msg)
		return
	}
	o.lines.Note(msg)
}

func (o *Output) Tracer(name string) trace.Tracer {
	return o.provider.Tracer(name)
}

func (o *Output) Close() {
	if o.checklist != nil {
		o.checklist.Close()
	}
	_ = o.provider.Shutdown(context.Background())
}

// lineOutput prints one line per step transition for logs and CI.
type lineOutput struct {
	w    io.Writer
	mu   sync.Mutex
	seen map[string]progress.Status
}

func (l *lineOutput) OnSnapshot(snap progress.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range snap.Steps {
		if s.Status == progress.Pending || l.seen[s.ID] == s.Status {
			continue
		}
		l.seen[s.ID] = s.Status
		switch s.Status {
		case progress.Running:
			fmt.Fprintf(l.w, "%s %s\n", Accent("→"), s.Title)
		case progress.Done:
			fmt.Fprintln(l.w, SuccessMsg("%s (%s)", s.Title, s.Duration.Round(time.Millisecond)))
		case progress.Failed:
			fmt.Fprintln(l.w, ErrorMsg("%s", s.Title))
		case progress.Skipped:
			if s.Message != "" {
				fmt.Fprintf(l.w, "%s %s %s\n", Muted("-"), s.Title, Muted("("+s.Message+")"))
			} else {
				fmt.Fprintf(l.w, "%s %s\n", Muted("-"), s.Title)
			}
		}
	}
}

func (l *lineOutput) Note(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "  %s\n", Muted(msg))
}

type spanLogger struct{}

func (spanLogger) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (spanLogger) OnEnd(s sdktrace.ReadOnlySpan) {
	slog.Debug("span finished",
		"component", "telemetry",
		"span", s.Name(),
		"elapsed", s.EndTime().Sub(s.StartTime()),
		"status", s.Status().Code.String())
}

func (spanLogger) Shutdown(context.Context) error   { return nil }
func (spanLogger) ForceFlush(context.Context) error { return nil }
