// Package cmdutil wires configuration, transports and state into the
// collaborators every stagehand command needs.
package cmdutil

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"stagehand"
	"stagehand/cmd/stagehand/ui"
	"stagehand/config"
	"stagehand/internal/adapter/sqlite"
	"stagehand/internal/instance"
	"stagehand/internal/pipeline"
	"stagehand/internal/poll"
	"stagehand/internal/preflight"
	"stagehand/internal/procedure"
	"stagehand/internal/remote"

	"github.com/docker/docker/client"
	"github.com/joho/godotenv"
)

// LoadEnv reads a .env file from the working directory when present.
func LoadEnv() error {
	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("no .env file found")
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}
	slog.Debug("using .env file")
	return nil
}

// Session holds the collaborators of one command invocation.
type Session struct {
	Config *config.Config
	Exec   remote.Executor
	store  *sqlite.Store
}

// Open builds the executor for cfg. The state database is opened lazily.
func Open(cfg *config.Config) *Session {
	router := &remote.Router{
		Local: remote.Local{},
		SSH: &remote.SSH{Opts: remote.SSHOptions{
			Port:    cfg.SSH.Port,
			KeyPath: cfg.SSH.KeyPath,
		}},
		Hosts: cfg.Hosts,
	}
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		slog.Debug("container transport disabled", "err", err)
	} else {
		router.Container = &remote.Container{Docker: docker}
	}
	return &Session{Config: cfg, Exec: router}
}

// Store opens the state database holding the failure lock and run history.
func (s *Session) Store() (*sqlite.Store, error) {
	if s.store != nil {
		return s.store, nil
	}
	store, err := sqlite.Open(s.Config.Lock.Path)
	if err != nil {
		return nil, err
	}
	s.store = store
	return store, nil
}

func (s *Session) Close() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

// Policies maps the configured budgets onto each kind of wait.
func (s *Session) Policies() procedure.Policies {
	p := s.Config.Poll
	return procedure.Policies{
		Shard:         poll.Policy{Interval: p.Interval, MaxAttempts: p.Shard},
		Ensemble:      poll.Policy{Interval: p.Interval, MaxAttempts: p.Ensemble},
		InstanceBoot:  poll.Policy{Interval: p.Interval, MaxAttempts: p.InstanceBoot},
		ServiceErrors: poll.Policy{Interval: p.Interval, MaxAttempts: p.ServiceErrors},
	}
}

// Deps assembles procedure collaborators that report to out.
func (s *Session) Deps(out *ui.Output) (procedure.Deps, error) {
	store, err := s.Store()
	if err != nil {
		return procedure.Deps{}, err
	}
	d := procedure.Deps{
		Exec:  s.Exec,
		Locks: store,
		Runner: &pipeline.Runner{
			Progress: out.Progress,
			Reporter: out.Reporter(),
			Tracer:   out.Tracer("stagehand"),
			History:  store,
		},
		Poller: poll.New(),
		Policy: s.Policies(),
		Fanout: s.Config.Fanout.Limit,
		Resolver: instance.DigResolver{
			Exec:   s.Exec,
			Host:   s.Config.DNS.Host,
			Server: s.Config.DNS.Server,
		},
		RollbackDir: s.Config.Rollback.Dir,
	}
	if server := strings.TrimSpace(s.Config.NTP.Server); server != "" {
		d.Clock = &preflight.ClockCheck{Exec: s.Exec, Server: server, Fanout: s.Config.Fanout.Limit}
	}
	return d, nil
}

// ParseMember parses "<instance>@<host>".
func ParseMember(s string) (stagehand.Member, error) {
	inst, host, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok || inst == "" || host == "" {
		return stagehand.Member{}, fmt.Errorf("invalid member %q: want <instance>@<host>", s)
	}
	return stagehand.Member{Instance: inst, Host: host}, nil
}

// ShardFlags describe a shard topology on the command line.
type ShardFlags struct {
	Primary string
	Sync    string
	Async   []string
}

func (f ShardFlags) Shard() (stagehand.Shard, error) {
	var s stagehand.Shard
	p, err := ParseMember(f.Primary)
	if err != nil {
		return s, fmt.Errorf("--primary: %w", err)
	}
	s.Primary = p
	if f.Sync != "" {
		m, err := ParseMember(f.Sync)
		if err != nil {
			return s, fmt.Errorf("--sync: %w", err)
		}
		s.Sync = &m
	}
	for _, a := range f.Async {
		m, err := ParseMember(a)
		if err != nil {
			return s, fmt.Errorf("--async: %w", err)
		}
		s.Async = append(s.Async, m)
	}
	if len(s.Async) > 0 && s.Sync == nil {
		return s, errors.New("async members need a sync member")
	}
	return s, nil
}

// PrintRunError explains a failed run: the step, what completed and what
// the run context says was left behind.
func PrintRunError(w io.Writer, err error) {
	var re *pipeline.RunError
	if !errors.As(err, &re) {
		return
	}
	pairs := []ui.Pair{
		ui.KV("Run", re.RunID),
		ui.KV("Failed step", re.Step),
		ui.KV("Completed", strings.Join(re.Completed, ", ")),
	}
	var term *stagehand.TerminalError
	if errors.As(err, &term) {
		pairs = append(pairs, ui.KV("Terminal", string(term.Reason)))
	}
	var timeout *stagehand.TimeoutError
	if errors.As(err, &timeout) && timeout.LastObserved != "" {
		pairs = append(pairs, ui.KV("Last observed", timeout.LastObserved))
	}
	switch run := re.Context.(type) {
	case *procedure.ShardRun:
		if len(run.Reprovisioned) > 0 {
			pairs = append(pairs, ui.KV("Reprovisioned", strings.Join(run.Reprovisioned, ", ")))
		}
	case *procedure.EnsembleRun:
		if len(run.Upgraded) > 0 {
			pairs = append(pairs, ui.KV("Upgraded", strings.Join(run.Upgraded, ", ")))
		}
	case *procedure.InstanceRun:
		if run.Tmp.Pending() {
			pairs = append(pairs, ui.KV("Temporary instance", fmt.Sprintf("%s (%s)", run.Tmp.Instance.UUID, run.Tmp.Alias)))
		}
	}
	fmt.Fprint(w, ui.KeyValues("  ", pairs...))
}
