package stagehand

import (
	"fmt"
	"strings"
	"time"
)

// CommandError is a remote command that exited non-zero or was killed by a
// signal. Both output streams are kept verbatim.
type CommandError struct {
	Host     string
	Argv     []string
	ExitCode int    // -1 when terminated by a signal
	Signal   string // empty unless terminated by a signal
	Stdout   string
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	host := e.Host
	if host == "" {
		host = "localhost"
	}
	signal := e.Signal
	if signal == "" {
		signal = "none"
	}
	lines := []string{
		fmt.Sprintf("command %q on %s failed: exit code %d, signal %s", strings.Join(e.Argv, " "), host, e.ExitCode, signal),
		Indent("stdout:", 4),
		Indent(e.Stdout, 8),
		Indent("stderr:", 4),
		Indent(e.Stderr, 8),
	}
	return strings.Join(lines, "\n")
}

func (e *CommandError) Unwrap() error { return e.Err }

// TimeoutError is returned when a readiness check exhausts its attempt budget.
type TimeoutError struct {
	Operation string
	Attempts  int
	Elapsed   time.Duration
	// LastObserved describes the last state seen before giving up.
	LastObserved string
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("timeout (%s, %d attempts) waiting for %s", e.Elapsed.Round(time.Second), e.Attempts, e.Operation)
	if e.LastObserved != "" {
		msg += ": last observed " + e.LastObserved
	}
	return msg
}

// TerminalReason names a state that will not recover without an operator.
type TerminalReason string

const (
	ReasonDeposed     TerminalReason = "deposed"
	ReasonMaintenance TerminalReason = "maintenance"
)

// TerminalError reports a terminal state observed while waiting. It is never
// retried.
type TerminalError struct {
	Reason TerminalReason
	Target string
	Detail string
}

func (e *TerminalError) Error() string {
	msg := fmt.Sprintf("%s is %s", e.Target, e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// PreconditionError reports that the cluster is not in a state the operation
// can start from or continue with.
type PreconditionError struct {
	Msg string
}

func (e *PreconditionError) Error() string { return e.Msg }

// Preconditionf builds a PreconditionError.
func Preconditionf(format string, args ...any) error {
	return &PreconditionError{Msg: fmt.Sprintf(format, args...)}
}

// Indent prefixes every line of s with n spaces.
func Indent(s string, n int) string {
	pad := strings.Repeat(" ", n)
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = pad + l
	}
	return strings.Join(lines, "\n")
}
