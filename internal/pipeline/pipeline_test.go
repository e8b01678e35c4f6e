package pipeline

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"stagehand/pkg/sdk/progress"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type testRun struct {
	Context
	TmpID string
	trail []string
}

func step(name string, fn func(c *testRun) error) Step[*testRun] {
	return Step[*testRun]{Name: name, Run: func(_ context.Context, c *testRun) error {
		c.trail = append(c.trail, name)
		return fn(c)
	}}
}

func ok(*testRun) error { return nil }

func TestRunExecutesStepsInOrder(t *testing.T) {
	var messages []string
	r := &Runner{Progress: func(msg string) { messages = append(messages, msg) }}
	c := &testRun{}

	summary, err := Run(context.Background(), r, "upgrade", c,
		step("a", ok),
		step("b", func(c *testRun) error {
			return c.Mutate("reprovision z1", func() error { return nil })
		}),
		step("c", ok),
	)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got, want := c.trail, []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("trail = %v, want %v", got, want)
	}
	if !summary.Changed {
		t.Error("Changed = false, want true")
	}
	if got, want := summary.Completed, []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Completed = %v, want %v", got, want)
	}
	if len(messages) == 0 || !strings.Contains(messages[len(messages)-1], "(changed)") {
		t.Errorf("final report = %v, want changed outcome", messages)
	}
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	boom := errors.New("boom")
	var snap progress.Snapshot
	r := &Runner{Reporter: func(s progress.Snapshot) { snap = s }}
	c := &testRun{}

	_, err := Run(context.Background(), r, "upgrade", c,
		step("provision", func(c *testRun) error {
			c.TmpID = "tmp-1"
			return nil
		}),
		step("wait", func(*testRun) error { return boom }),
		step("destroy", ok),
	)

	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("Run() error = %v, want *RunError", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Run() error does not wrap boom: %v", err)
	}
	if runErr.Step != "wait" {
		t.Errorf("Step = %q, want wait", runErr.Step)
	}
	if got, want := runErr.Completed, []string{"provision"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Completed = %v, want %v", got, want)
	}
	if got := runErr.Context.(*testRun).TmpID; got != "tmp-1" {
		t.Errorf("Context.TmpID = %q, want tmp-1", got)
	}
	if got, want := c.trail, []string{"provision", "wait"}; !reflect.DeepEqual(got, want) {
		t.Errorf("trail = %v, want %v", got, want)
	}

	want := []progress.Status{progress.Done, progress.Failed, progress.Skipped}
	for i, s := range snap.Steps {
		if s.Status != want[i] {
			t.Errorf("step %s status = %q, want %q", s.ID, s.Status, want[i])
		}
	}
}

func TestRunSkippedStepsAndNoOp(t *testing.T) {
	var messages []string
	r := &Runner{Progress: func(msg string) { messages = append(messages, msg) }}
	c := &testRun{}

	summary, err := Run(context.Background(), r, "upgrade", c,
		step("import", func(*testRun) error { return Skipf("image already installed") }),
		step("check", ok),
	)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got, want := summary.Skipped, []string{"import"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Skipped = %v, want %v", got, want)
	}
	if summary.Changed {
		t.Error("Changed = true, want false")
	}
	if last := messages[len(messages)-1]; !strings.HasSuffix(last, "(no-op)") {
		t.Errorf("final report = %q, want no-op", last)
	}
}

func TestDryRunDoesNotMutate(t *testing.T) {
	var messages []string
	r := &Runner{Progress: func(msg string) { messages = append(messages, msg) }}
	c := &testRun{Context: Context{DryRun: true}}
	mutated := false

	summary, err := Run(context.Background(), r, "upgrade", c,
		step("reprovision", func(c *testRun) error {
			return c.Mutate("reprovision z1 onto img-2", func() error {
				mutated = true
				return nil
			})
		}),
	)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if mutated {
		t.Error("mutation ran during dry run")
	}
	if summary.Changed {
		t.Error("Changed = true, want false")
	}
	if messages[0] != "[dry-run] would reprovision z1 onto img-2" {
		t.Errorf("first message = %q", messages[0])
	}
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &testRun{}
	_, err := Run(ctx, nil, "upgrade", c,
		step("a", func(*testRun) error {
			cancel()
			return nil
		}),
		step("b", ok),
	)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if got, want := c.trail, []string{"a"}; !reflect.DeepEqual(got, want) {
		t.Errorf("trail = %v, want %v", got, want)
	}
}

func TestRunTracesSteps(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	r := &Runner{Tracer: provider.Tracer("pipeline-test")}

	start := time.Unix(0, 0)
	now := start
	r.Now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}

	if _, err := Run(context.Background(), r, "upgrade", &testRun{}, step("a", ok), step("b", ok)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	names := map[string]bool{}
	for _, s := range recorder.Ended() {
		names[s.Name()] = true
	}
	for _, want := range []string{"upgrade", "a", "b"} {
		if !names[want] {
			t.Errorf("missing span %q in %v", want, names)
		}
	}
}

type memHistory struct{ records []Record }

func (h *memHistory) RecordRun(_ context.Context, r Record) error {
	h.records = append(h.records, r)
	return nil
}

func (h *memHistory) ListRuns(context.Context, int) ([]Record, error) { return h.records, nil }

func TestRunRecordsHistory(t *testing.T) {
	h := &memHistory{}
	r := &Runner{History: h}

	if _, err := Run(context.Background(), r, "upgrade", &testRun{}, step("a", func(c *testRun) error {
		c.MarkChanged()
		return nil
	})); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	_, _ = Run(context.Background(), r, "upgrade", &testRun{}, step("a", func(*testRun) error {
		return errors.New("vmadm exited 1")
	}))

	if len(h.records) != 2 {
		t.Fatalf("records = %d, want 2", len(h.records))
	}
	if got := h.records[0].Outcome; got != OutcomeChanged {
		t.Errorf("first outcome = %q, want %q", got, OutcomeChanged)
	}
	failed := h.records[1]
	if failed.Outcome != OutcomeFailed || failed.FailedStep != "a" || failed.Error != "vmadm exited 1" {
		t.Errorf("failed record = %+v", failed)
	}
	if h.records[0].RunID == failed.RunID {
		t.Error("run ids are not unique")
	}
}
