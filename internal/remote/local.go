package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"stagehand"

	"golang.org/x/sys/unix"
)

// Local runs commands as child processes of the current process.
type Local struct{}

var _ Executor = Local{}

func (Local) Run(ctx context.Context, host string, argv []string, opts Options) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("run command: empty argv")
	}
	if err := opts.Encoding.validate(); err != nil {
		return Result{}, fmt.Errorf("run %v: %w", argv, err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if opts.Stdin != nil {
		cmd.Stdin = bytes.NewReader(opts.Stdin)
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	runErr := cmd.Run()
	res := Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   opts.Encoding.decode(stdout.Bytes()),
		Stderr:   opts.Encoding.decode(stderr.Bytes()),
	}
	slog.Debug("command finished",
		"component", "remote",
		"host", host,
		"argv", argv,
		"code", res.ExitCode,
		"stdout", res.Stdout,
		"stderr", res.Stderr)
	if runErr == nil {
		return res, nil
	}

	cmdErr := &stagehand.CommandError{
		Host:     host,
		Argv:     argv,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Err:      runErr,
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			cmdErr.Signal = unix.SignalName(ws.Signal())
		}
	}
	return res, cmdErr
}
