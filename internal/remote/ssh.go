package remote

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"stagehand"
)

type SSHOptions struct {
	Port    int
	KeyPath string
	User    string
}

// SSH runs commands on a remote target through the ssh client binary.
// The remote exit status is propagated, so a failing remote command surfaces
// as a CommandError with the remote streams.
type SSH struct {
	Opts SSHOptions
	// Exec runs the local ssh process. Defaults to Local.
	Exec Executor
}

var _ Executor = (*SSH)(nil)

func (s *SSH) Run(ctx context.Context, target string, argv []string, opts Options) (Result, error) {
	local := s.Exec
	if local == nil {
		local = Local{}
	}

	res, err := local.Run(ctx, LocalHost, s.argv(target, argv), opts)
	var cmdErr *stagehand.CommandError
	if errors.As(err, &cmdErr) {
		cmdErr.Host = target
		cmdErr.Argv = argv
	}
	return res, err
}

func (s *SSH) argv(target string, argv []string) []string {
	args := []string{"ssh", "-o", "BatchMode=yes", "-o", "StrictHostKeyChecking=accept-new"}
	if s.Opts.Port > 0 {
		args = append(args, "-p", strconv.Itoa(s.Opts.Port))
	}
	if strings.TrimSpace(s.Opts.KeyPath) != "" {
		args = append(args, "-i", s.Opts.KeyPath)
	}
	if s.Opts.User != "" && !strings.Contains(target, "@") {
		target = s.Opts.User + "@" + target
	}
	return append(args, target, "--", shellJoin(argv))
}

// shellJoin quotes argv for the remote login shell.
func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:@,+%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
