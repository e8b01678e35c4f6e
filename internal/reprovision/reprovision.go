// Package reprovision replaces the image of running instances in place and
// stages the images they need on their servers.
package reprovision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"stagehand"
	"stagehand/internal/lock"
	"stagehand/internal/pipeline"
	"stagehand/internal/remote"

	"github.com/moby/sys/atomicwriter"
)

const (
	vmadm  = "/usr/sbin/vmadm"
	imgadm = "/usr/sbin/imgadm"

	// DefaultFanout bounds concurrent per-server image imports.
	DefaultFanout = 5
)

// Reprovisioner issues reprovision, image import and metadata commands.
type Reprovisioner struct {
	exec   remote.Executor
	locks  lock.Store
	fanout int
	// rollbackDir receives the boot scripts instances had before an
	// upgrade. Empty disables saving them.
	rollbackDir string
	log         *slog.Logger
}

type Option func(*Reprovisioner)

func WithFanout(n int) Option {
	return func(r *Reprovisioner) { r.fanout = n }
}

func WithRollbackDir(dir string) Option {
	return func(r *Reprovisioner) { r.rollbackDir = dir }
}

func New(exec remote.Executor, locks lock.Store, opts ...Option) *Reprovisioner {
	r := &Reprovisioner{
		exec:   exec,
		locks:  locks,
		fanout: DefaultFanout,
		log:    slog.With("component", "reprovision"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reprovision replaces the image of inst with image. When the command fails
// the reprovision failure lock is taken with the command error as its
// message, and the command error is returned as is.
func (r *Reprovisioner) Reprovision(ctx context.Context, pc *pipeline.Context, inst stagehand.Instance, image stagehand.Image) error {
	pc.Report("Reprovisioning %s VM %s", inst.Service, inst.UUID)
	return pc.Mutate(fmt.Sprintf("reprovision %s onto %s", inst.UUID, image), func() error {
		payload, err := json.Marshal(struct {
			ImageUUID string `json:"image_uuid"`
		}{image.UUID})
		if err != nil {
			return fmt.Errorf("encode reprovision payload: %w", err)
		}

		res, err := r.exec.Run(ctx, inst.Server, []string{vmadm, "reprovision", inst.UUID}, remote.Options{Stdin: payload})
		r.log.Debug("reprovisioned instance", "instance", inst.UUID, "image", image.UUID,
			"exit_code", res.ExitCode, "stdout", res.Stdout, "stderr", res.Stderr)

		var cmdErr *stagehand.CommandError
		if errors.As(err, &cmdErr) {
			lock.AcquireQuietly(ctx, r.locks, cmdErr.Error())
		}
		return err
	})
}

// ImportImage makes image available on every host, skipping hosts that
// already have it. Hosts are handled in parallel.
func (r *Reprovisioner) ImportImage(ctx context.Context, pc *pipeline.Context, hosts []string, image stagehand.Image) error {
	hosts = unique(hosts)
	_, err := pipeline.Batch(ctx, r.fanout, hosts, func(ctx context.Context, host string) (struct{}, error) {
		return struct{}{}, r.importOn(ctx, pc, host, image)
	})
	if err != nil {
		return fmt.Errorf("import image %s: %w", image.UUID, err)
	}
	return nil
}

func (r *Reprovisioner) importOn(ctx context.Context, pc *pipeline.Context, host string, image stagehand.Image) error {
	if _, err := r.exec.Run(ctx, host, []string{imgadm, "get", image.UUID}, remote.Options{}); err == nil {
		r.log.Debug("image already installed", "host", host, "image", image.UUID)
		return nil
	}

	pc.Report("Importing image %s on %s", image, host)
	return pc.Mutate(fmt.Sprintf("import image %s on %s", image.UUID, host), func() error {
		_, err := r.exec.Run(ctx, host, []string{imgadm, "import", "-q", image.UUID}, remote.Options{
			Env: []string{"IMGADM_LOG_LEVEL=debug"},
		})
		return err
	})
}

// UpdateUserScript sets the boot script of inst to the one in svc's
// metadata. It returns pipeline.ErrSkip when the instance already has it.
func (r *Reprovisioner) UpdateUserScript(ctx context.Context, pc *pipeline.Context, inst stagehand.Instance, svc stagehand.Service, current string) error {
	script, ok := svc.Metadata[stagehand.UserScriptKey]
	if !ok {
		return pipeline.Skipf("service %s has no %s", svc.Name, stagehand.UserScriptKey)
	}
	if script == current {
		return pipeline.Skipf("%s is up to date on %s", stagehand.UserScriptKey, inst.UUID)
	}

	pc.Report("Updating %s of %s VM %s", stagehand.UserScriptKey, inst.Service, inst.UUID)
	return pc.Mutate("update "+stagehand.UserScriptKey+" of "+inst.UUID, func() error {
		payload, err := json.Marshal(map[string]map[string]string{
			"set_customer_metadata": {stagehand.UserScriptKey: script},
		})
		if err != nil {
			return fmt.Errorf("encode update payload: %w", err)
		}
		if _, err := r.exec.Run(ctx, inst.Server, []string{vmadm, "update", inst.UUID}, remote.Options{Stdin: payload}); err != nil {
			return fmt.Errorf("update %s of %s: %w", stagehand.UserScriptKey, inst.UUID, err)
		}
		return nil
	})
}

// RollbackPath is where SaveUserScript keeps the boot script an instance of
// svc had before moving onto image.
func RollbackPath(dir string, svc stagehand.Service, image stagehand.Image) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%s.%s", svc.UUID, image.UUID, stagehand.UserScriptKey))
}

// SaveUserScript writes current, the boot script an instance runs before the
// upgrade, to the rollback directory when the upgrade is about to replace
// it. It returns pipeline.ErrSkip when there is nothing to keep.
func (r *Reprovisioner) SaveUserScript(pc *pipeline.Context, svc stagehand.Service, image stagehand.Image, current string) error {
	if r.rollbackDir == "" {
		return pipeline.Skipf("no rollback directory")
	}
	script, ok := svc.Metadata[stagehand.UserScriptKey]
	if !ok || current == "" || script == current {
		return pipeline.Skipf("%s of %s unchanged", stagehand.UserScriptKey, svc.Name)
	}

	path := RollbackPath(r.rollbackDir, svc, image)
	pc.Report("Saving old %s of %s to %s", stagehand.UserScriptKey, svc.Name, path)
	return pc.Mutate("save "+path, func() error {
		if err := os.MkdirAll(r.rollbackDir, 0o700); err != nil {
			return fmt.Errorf("create rollback directory: %w", err)
		}
		if err := atomicwriter.WriteFile(path, []byte(current), 0o600); err != nil {
			return fmt.Errorf("save old %s: %w", stagehand.UserScriptKey, err)
		}
		return nil
	})
}

func unique(hosts []string) []string {
	seen := make(map[string]bool, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}
