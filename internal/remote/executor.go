// Package remote runs commands on the local machine, on remote servers over
// SSH, or inside containers. All transports share one contract: a non-zero
// exit or a signal is returned as *stagehand.CommandError carrying both
// output streams verbatim.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"stagehand"
)

// LocalHost is the host name that always resolves to the local machine.
const LocalHost = "localhost"

// containerPrefix marks hosts that are containers on the local docker engine.
const containerPrefix = "container:"

// Options tunes a single command invocation.
type Options struct {
	// Stdin is written to the command's standard input and then closed.
	Stdin []byte
	// Env is appended to the executor's base environment.
	Env []string
	// Encoding selects how captured output is turned into text.
	Encoding Encoding
}

// Encoding names how captured output bytes become Result strings.
type Encoding string

const (
	// EncodingUTF8 is the default. Invalid sequences become U+FFFD; nothing
	// is dropped.
	EncodingUTF8 Encoding = "utf8"
	// EncodingRaw keeps the bytes exactly as the command wrote them.
	EncodingRaw Encoding = "raw"
)

func (e Encoding) validate() error {
	switch e {
	case "", EncodingUTF8, EncodingRaw:
		return nil
	default:
		return fmt.Errorf("unknown output encoding %q", string(e))
	}
}

func (e Encoding) decode(b []byte) string {
	if e == EncodingRaw {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

// Result is the captured outcome of a command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Executor runs argv on host.
type Executor interface {
	Run(ctx context.Context, host string, argv []string, opts Options) (Result, error)
}

// ContainerHost returns the host name that routes to a local container.
func ContainerHost(name string) string {
	return containerPrefix + name
}

// IsLocal reports whether host resolves to the local machine.
func IsLocal(host string) bool {
	host = strings.TrimSpace(host)
	return host == "" || host == LocalHost
}

// Router dispatches commands to the local, SSH or container executor based
// on the host name. Hosts maps server identifiers to SSH targets; unmapped
// hosts are used as SSH targets as-is.
type Router struct {
	Local     Executor
	SSH       Executor
	Container Executor
	Hosts     map[string]string
}

var _ Executor = (*Router)(nil)

func (r *Router) Run(ctx context.Context, host string, argv []string, opts Options) (Result, error) {
	log := slog.With("component", "remote", "host", host)
	switch {
	case IsLocal(host):
		log.Debug("running local command", "argv", argv)
		return r.Local.Run(ctx, LocalHost, argv, opts)
	case strings.HasPrefix(host, containerPrefix):
		if r.Container == nil {
			return Result{}, errNoTransport("container", host)
		}
		log.Debug("running container command", "argv", argv)
		return r.Container.Run(ctx, strings.TrimPrefix(host, containerPrefix), argv, opts)
	default:
		if r.SSH == nil {
			return Result{}, errNoTransport("ssh", host)
		}
		target := host
		if mapped, ok := r.Hosts[host]; ok && strings.TrimSpace(mapped) != "" {
			target = mapped
		}
		log.Debug("running remote command", "target", target, "argv", argv)
		return r.SSH.Run(ctx, target, argv, opts)
	}
}

func errNoTransport(kind, host string) error {
	return stagehand.Preconditionf("no %s transport configured for host %q", kind, host)
}
