package fake

import (
	"context"
	"strings"
	"sync"

	"stagehand"
	"stagehand/internal/remote"
)

var _ remote.Executor = (*Executor)(nil)

// Response is a canned command outcome. A non-zero ExitCode or a Signal is
// returned as *stagehand.CommandError; Err is returned as is.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Signal   string
	Err      error
}

// Handler computes a response from the invocation.
type Handler func(host string, argv []string, opts remote.Options) Response

type rule struct {
	host    string
	prefix  string
	replies []Response
	handler Handler
	served  int
}

// Executor is a scripted remote.Executor. Commands that match no rule
// succeed with empty output.
type Executor struct {
	CallRecorder
	mu    sync.Mutex
	rules []*rule
}

func NewExecutor() *Executor {
	return &Executor{}
}

// On scripts the responses for commands on host whose space-joined argv
// starts with prefix. An empty host matches every host. Responses are
// served in order and the last one repeats. Later rules take precedence.
func (e *Executor) On(host, prefix string, replies ...Response) {
	if len(replies) == 0 {
		replies = []Response{{}}
	}
	e.mu.Lock()
	e.rules = append(e.rules, &rule{host: host, prefix: prefix, replies: replies})
	e.mu.Unlock()
}

// Handle routes matching commands to fn.
func (e *Executor) Handle(host, prefix string, fn Handler) {
	e.mu.Lock()
	e.rules = append(e.rules, &rule{host: host, prefix: prefix, handler: fn})
	e.mu.Unlock()
}

func (e *Executor) Run(ctx context.Context, host string, argv []string, opts remote.Options) (remote.Result, error) {
	cmd := strings.Join(argv, " ")
	e.record("Run", host, cmd, opts)
	if err := ctx.Err(); err != nil {
		return remote.Result{}, err
	}

	resp := e.lookup(host, argv, cmd, opts)
	res := remote.Result{ExitCode: resp.ExitCode, Stdout: resp.Stdout, Stderr: resp.Stderr}
	if resp.Err != nil {
		return res, resp.Err
	}
	if resp.ExitCode != 0 || resp.Signal != "" {
		code := resp.ExitCode
		if resp.Signal != "" {
			code = -1
		}
		res.ExitCode = code
		return res, &stagehand.CommandError{
			Host:     host,
			Argv:     argv,
			ExitCode: code,
			Signal:   resp.Signal,
			Stdout:   resp.Stdout,
			Stderr:   resp.Stderr,
		}
	}
	return res, nil
}

func (e *Executor) lookup(host string, argv []string, cmd string, opts remote.Options) Response {
	e.mu.Lock()
	var match *rule
	for i := len(e.rules) - 1; i >= 0; i-- {
		r := e.rules[i]
		if (r.host == "" || r.host == host) && strings.HasPrefix(cmd, r.prefix) {
			match = r
			break
		}
	}
	if match == nil {
		e.mu.Unlock()
		return Response{}
	}
	if match.handler != nil {
		fn := match.handler
		e.mu.Unlock()
		return fn(host, argv, opts)
	}
	idx := match.served
	if idx >= len(match.replies) {
		idx = len(match.replies) - 1
	}
	match.served++
	resp := match.replies[idx]
	e.mu.Unlock()
	return resp
}

// Commands returns "host: argv" for every Run call, in order.
func (e *Executor) Commands() []string {
	calls := e.Calls("Run")
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Args[0].(string)+": "+c.Args[1].(string))
	}
	return out
}

// CommandsMatching returns the recorded commands whose argv starts with prefix.
func (e *Executor) CommandsMatching(prefix string) []string {
	var out []string
	for _, c := range e.Calls("Run") {
		if cmd := c.Args[1].(string); strings.HasPrefix(cmd, prefix) {
			out = append(out, c.Args[0].(string)+": "+cmd)
		}
	}
	return out
}

// Stdin returns the stdin payload of the n-th recorded command.
func (e *Executor) Stdin(n int) string {
	calls := e.Calls("Run")
	if n < 0 || n >= len(calls) {
		return ""
	}
	return string(calls[n].Args[2].(remote.Options).Stdin)
}
