package ensemble

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"stagehand"
	"stagehand/internal/remote"
)

// DefaultPort is the ensemble client port.
const DefaultPort = 2181

const imok = "imok"

// ParseStatMode extracts the mode from `stat` output ("Mode: follower").
// Output without a mode line yields ModeTransitioning.
func ParseStatMode(out string) stagehand.Mode {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(key), "mode") {
			return stagehand.ParseMode(value)
		}
	}
	return stagehand.ModeTransitioning
}

// CommandProber sends four-letter words with nc from Host through the
// executor, the way an operator would from the headnode.
type CommandProber struct {
	Exec remote.Executor
	Host string
	Port int
}

var _ Prober = (*CommandProber)(nil)

func (p *CommandProber) port() int {
	if p.Port > 0 {
		return p.Port
	}
	return DefaultPort
}

func (p *CommandProber) word(ctx context.Context, addr, word string) (string, error) {
	script := fmt.Sprintf("echo %s | nc %s %d; echo \"\"", word, addr, p.port())
	res, err := p.Exec.Run(ctx, p.Host, []string{"/bin/sh", "-c", script}, remote.Options{})
	if err != nil {
		return "", fmt.Errorf("send %s to %s: %w", word, addr, err)
	}
	return res.Stdout, nil
}

func (p *CommandProber) Ruok(ctx context.Context, addr string) (bool, error) {
	out, err := p.word(ctx, addr, "ruok")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == imok, nil
}

func (p *CommandProber) Mode(ctx context.Context, addr string) (stagehand.Mode, error) {
	out, err := p.word(ctx, addr, "stat")
	if err != nil {
		return stagehand.ModeTransitioning, err
	}
	return ParseStatMode(out), nil
}

// TCPProber talks to members directly over TCP.
type TCPProber struct {
	Port    int
	Timeout time.Duration
}

var _ Prober = (*TCPProber)(nil)

func (p *TCPProber) word(ctx context.Context, addr, word string) (string, error) {
	port := p.Port
	if port <= 0 {
		port = DefaultPort
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		return "", fmt.Errorf("dial ensemble member %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := io.WriteString(conn, word); err != nil {
		return "", fmt.Errorf("send %s to %s: %w", word, addr, err)
	}
	out, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("read %s reply from %s: %w", word, addr, err)
	}
	return string(out), nil
}

func (p *TCPProber) Ruok(ctx context.Context, addr string) (bool, error) {
	out, err := p.word(ctx, addr, "ruok")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == imok, nil
}

func (p *TCPProber) Mode(ctx context.Context, addr string) (stagehand.Mode, error) {
	out, err := p.word(ctx, addr, "stat")
	if err != nil {
		return stagehand.ModeTransitioning, err
	}
	return ParseStatMode(out), nil
}
