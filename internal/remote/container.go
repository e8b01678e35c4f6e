package remote

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"stagehand"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Container runs commands inside containers of the local docker engine.
// It is used for lab clusters where every server is a container.
type Container struct {
	Docker client.APIClient
}

var _ Executor = (*Container)(nil)

func (c *Container) Run(ctx context.Context, name string, argv []string, opts Options) (Result, error) {
	if err := opts.Encoding.validate(); err != nil {
		return Result{}, fmt.Errorf("run %v: %w", argv, err)
	}
	execCfg := container.ExecOptions{
		Cmd:          argv,
		Env:          opts.Env,
		AttachStdin:  opts.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	}

	resp, err := c.Docker.ContainerExecCreate(ctx, name, execCfg)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Result{}, stagehand.Preconditionf("container %q not found", name)
		}
		return Result{}, fmt.Errorf("create exec %v: %w", argv, err)
	}

	attach, err := c.Docker.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{})
	if err != nil {
		return Result{}, fmt.Errorf("attach exec %v: %w", argv, err)
	}
	defer attach.Close()

	if opts.Stdin != nil {
		if _, err := attach.Conn.Write(opts.Stdin); err != nil {
			return Result{}, fmt.Errorf("write exec stdin %v: %w", argv, err)
		}
		if err := attach.CloseWrite(); err != nil {
			return Result{}, fmt.Errorf("close exec stdin %v: %w", argv, err)
		}
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return Result{}, fmt.Errorf("read exec output %v: %w", argv, err)
	}

	info, err := c.Docker.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return Result{}, fmt.Errorf("inspect exec %v: %w", argv, err)
	}

	res := Result{ExitCode: info.ExitCode, Stdout: opts.Encoding.decode(stdout.Bytes()), Stderr: opts.Encoding.decode(stderr.Bytes())}
	slog.Debug("container command finished",
		"component", "remote",
		"container", name,
		"argv", argv,
		"code", res.ExitCode,
		"stdout", res.Stdout,
		"stderr", res.Stderr)
	if res.ExitCode != 0 {
		return res, &stagehand.CommandError{
			Host:     ContainerHost(name),
			Argv:     argv,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
		}
	}
	return res, nil
}
