package reprovision

import (
	"context"
	"errors"
	"fmt"

	"stagehand"
	"stagehand/internal/pipeline"
	"stagehand/internal/remote"
)

const (
	zfs     = "/usr/sbin/zfs"
	zonecfg = "/usr/sbin/zonecfg"
)

// DelegateDataset is the dataset an instance keeps its state on.
func DelegateDataset(inst stagehand.Instance) string {
	return "zones/" + inst.UUID + "/data"
}

// EnsureDelegateDataset creates the delegate dataset of inst and hands it
// to the zone when it does not exist yet. It returns pipeline.ErrSkip when
// the dataset is already there.
func (r *Reprovisioner) EnsureDelegateDataset(ctx context.Context, pc *pipeline.Context, inst stagehand.Instance) error {
	ds := DelegateDataset(inst)
	_, err := r.exec.Run(ctx, inst.Server, []string{zfs, "list", "-H", "-o", "name", ds}, remote.Options{})
	var cmdErr *stagehand.CommandError
	switch {
	case err == nil:
		return pipeline.Skipf("%s VM %s already has a delegate dataset", inst.Service, inst.UUID)
	// zfs exits 1 for a dataset that does not exist.
	case !errors.As(err, &cmdErr) || cmdErr.ExitCode != 1:
		return fmt.Errorf("look up dataset %s: %w", ds, err)
	}

	pc.Report("Adding a delegate dataset to %s VM %s", inst.Service, inst.UUID)
	return pc.Mutate("delegate "+ds+" to "+inst.UUID, func() error {
		for _, argv := range [][]string{
			{zfs, "create", ds},
			{zfs, "set", "zoned=on", ds},
			{zonecfg, "-z", inst.UUID, "add dataset; set name=" + ds + "; end"},
		} {
			if _, err := r.exec.Run(ctx, inst.Server, argv, remote.Options{}); err != nil {
				return fmt.Errorf("delegate dataset %s: %w", ds, err)
			}
		}
		r.log.Debug("delegated dataset", "instance", inst.UUID, "dataset", ds)
		return nil
	})
}
