package preflight_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"stagehand"
	"stagehand/internal/adapter/fake"
	"stagehand/internal/preflight"
)

func TestToolCheckPassesWhenToolsPresent(t *testing.T) {
	exec := fake.NewExecutor()
	check := &preflight.ToolCheck{Exec: exec, Tools: preflight.ShardTools}

	if err := check.Run(context.Background(), []string{"cn-2", "cn-1", "cn-2", ""}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	cmds := exec.Commands()
	if len(cmds) != 2 {
		t.Fatalf("commands = %v, want one per distinct host", cmds)
	}
	if !strings.Contains(cmds[0], "zlogin") {
		t.Errorf("script %q does not check zlogin", cmds[0])
	}
}

func TestToolCheckNamesMissingTools(t *testing.T) {
	exec := fake.NewExecutor()
	exec.On("cn-2", "sh -c", fake.Response{ExitCode: 1, Stderr: "imgadm\nzlogin\n"})
	exec.On("cn-3", "sh -c", fake.Response{ExitCode: 255, Stderr: "ssh: no route to host"})
	check := &preflight.ToolCheck{Exec: exec, Tools: preflight.ShardTools}

	err := check.Run(context.Background(), []string{"cn-1", "cn-2", "cn-3"})
	var pe *stagehand.PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("Run() error = %v, want PreconditionError", err)
	}
	if !strings.Contains(pe.Msg, "cn-2: imgadm, zlogin") {
		t.Errorf("error = %q, want missing tools of cn-2", pe.Msg)
	}
	if !strings.Contains(pe.Msg, "cn-3: unreachable") {
		t.Errorf("error = %q, want cn-3 unreachable", pe.Msg)
	}
	if strings.Contains(pe.Msg, "cn-1") {
		t.Errorf("error = %q, names healthy cn-1", pe.Msg)
	}
}
