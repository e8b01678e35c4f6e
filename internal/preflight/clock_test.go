package preflight_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"stagehand"
	"stagehand/internal/adapter/fake"
	"stagehand/internal/preflight"
)

var now = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

func epoch(t time.Time) fake.Response {
	return fake.Response{Stdout: strconv.FormatInt(t.Unix(), 10) + "\n"}
}

func newCheck(exec *fake.Executor, offset time.Duration, err error) *preflight.ClockCheck {
	return &preflight.ClockCheck{
		Exec:  exec,
		Query: func(string) (time.Duration, error) { return offset, err },
		Now:   func() time.Time { return now },
	}
}

func TestClockCheckHealthy(t *testing.T) {
	exec := fake.NewExecutor()
	exec.On("", "date -u +%s", epoch(now))
	exec.On("zk2", "date -u +%s", epoch(now.Add(time.Second)))

	statuses, err := newCheck(exec, 100*time.Millisecond, nil).Run(context.Background(), []string{"zk1", "zk2"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(statuses) != 3 {
		t.Fatalf("statuses = %d, want 3", len(statuses))
	}
	for _, s := range statuses {
		if s.Phase != preflight.Healthy {
			t.Errorf("%s phase = %s, want healthy", s.Host, s.Phase)
		}
	}
}

func TestClockCheckFlagsSkewedHost(t *testing.T) {
	exec := fake.NewExecutor()
	exec.On("", "date -u +%s", epoch(now))
	exec.On("zk3", "date -u +%s", epoch(now.Add(-30*time.Second)))
	exec.On("zk4", "date -u +%s", fake.Response{ExitCode: 255, Stderr: "ssh: connect refused"})

	statuses, err := newCheck(exec, 0, nil).Run(context.Background(), []string{"zk1", "zk3", "zk4"})
	var pe *stagehand.PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("Run() error = %v, want PreconditionError", err)
	}
	if !strings.Contains(pe.Msg, "zk3 off by -30s") || !strings.Contains(pe.Msg, "zk4:") {
		t.Errorf("message = %q", pe.Msg)
	}
	if statuses[2].Phase != preflight.UnhealthyOffset || statuses[3].Phase != preflight.Error {
		t.Errorf("phases = %s, %s", statuses[2].Phase, statuses[3].Phase)
	}
}

func TestClockCheckLocalFailures(t *testing.T) {
	t.Run("query error", func(t *testing.T) {
		exec := fake.NewExecutor()
		_, err := newCheck(exec, 0, errors.New("i/o timeout")).Run(context.Background(), []string{"zk1"})
		var pe *stagehand.PreconditionError
		if !errors.As(err, &pe) {
			t.Fatalf("Run() error = %v, want PreconditionError", err)
		}
		if got := exec.Commands(); len(got) != 0 {
			t.Errorf("commands = %v, want none", got)
		}
	})

	t.Run("local offset", func(t *testing.T) {
		exec := fake.NewExecutor()
		exec.On("", "date -u +%s", epoch(now))
		statuses, err := newCheck(exec, 2*time.Second, nil).Run(context.Background(), nil)
		if err == nil {
			t.Fatal("Run() error = nil, want offset failure")
		}
		if statuses[0].Phase != preflight.UnhealthyOffset {
			t.Errorf("local phase = %s, want unhealthy_offset", statuses[0].Phase)
		}
	})
}
